// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nn

import "github.com/ajroetker/go-groupnorm/hwy"

// The backward pass works from two per-(n, c) sums, both laid out [N, C]:
//
//	ds[n,c] = Σ_m dy·x
//	db[n,c] = Σ_m dy
//
// For unit (n, g) with s = 1/(D*HxW), and ds_g, db_g the sums of ds and db
// over the group's channels weighted by gamma (or 1):
//
//	c1 = rstd * gamma[c]
//	c2 = (db_g*mean - ds_g) * rstd³ * s
//	c3 = -c2*mean - db_g*rstd*s
//	dx = c1*dy + c2*x + c3

// gradSumsPacked computes ds and db with one unit per (n, c) channel.
func (gn *groupNorm[S, A]) gradSumsPacked(dy, x []S) (ds, db []A) {
	rows := gn.n * gn.c
	ds, db = make([]A, rows), make([]A, rows)
	hxw := gn.hxw
	gn.exec.units(rows, func(start, end int) {
		for i := start; i < end; i++ {
			ds[i], db[i] = gn.k.dotSum(dy[i*hxw:(i+1)*hxw], x[i*hxw:(i+1)*hxw])
		}
	})
	return ds, db
}

// gradSumsInterleaved accumulates per-worker [N, 2C] partial sums over
// ranges of positions, then combines them serially.
func (gn *groupNorm[S, A]) gradSumsInterleaved(dy, x []S) (ds, db []A) {
	n, c, hxw := gn.n, gn.c, gn.hxw
	workers := gn.exec.workers()
	stride := n * 2 * c
	scratch := make([]A, workers*stride)

	gn.exec.perWorker(n*hxw, func(w, start, end int) {
		buf := scratch[w*stride : (w+1)*stride]
		for i := start; i < end; i++ {
			acc := buf[(i/hxw)*2*c:]
			gn.k.accumulateGrad(dy[i*c:(i+1)*c], x[i*c:(i+1)*c], acc[:c], acc[c:2*c])
		}
	})

	ds, db = make([]A, n*c), make([]A, n*c)
	for t := range workers {
		buf := scratch[t*stride : (t+1)*stride]
		for ni := range n {
			part := buf[ni*2*c : (ni+1)*2*c]
			addInto(ds[ni*c:(ni+1)*c], part[:c])
			addInto(db[ni*c:(ni+1)*c], part[c:])
		}
	}
	return ds, db
}

// inputGradCoeffs returns c2 and c3 for one unit.
func inputGradCoeffs[A hwy.Floats](dsg, dbg, mean, rstd, s A) (c2, c3 A) {
	c2 = (dbg*mean - dsg) * rstd * rstd * rstd * s
	c3 = -c2*mean - dbg*rstd*s
	return c2, c3
}

func (gn *groupNorm[S, A]) unitCoeffs(i int, mean, rstd, gamma, ds, db []A) (c2, c3 A) {
	g, d := i%gn.groups, gn.d
	var gam []A
	if gamma != nil {
		gam = gamma[g*d : (g+1)*d]
	}
	dsg, dbg := weightedSums(ds[i*d:(i+1)*d], db[i*d:(i+1)*d], gam)
	return inputGradCoeffs(dsg, dbg, mean[i], rstd[i], 1/A(d*gn.hxw))
}

func (gn *groupNorm[S, A]) inputGradPacked(dy, x []S, mean, rstd, gamma, ds, db []A, dx []S) {
	d, hxw := gn.d, gn.hxw
	gn.exec.each(gn.n*gn.groups, func(i int) {
		c2, c3 := gn.unitCoeffs(i, mean, rstd, gamma, ds, db)
		g := i % gn.groups
		for j := range d {
			c1 := rstd[i]
			if gamma != nil {
				c1 *= gamma[g*d+j]
			}
			off := (i*d + j) * hxw
			gn.k.combine(dx[off:off+hxw], dy[off:off+hxw], x[off:off+hxw], c1, c2, c3)
		}
	})
}

// inputGradInterleaved derives per-(n, c) coefficients into a [N, 3C] table
// and then applies them to every position in parallel.
func (gn *groupNorm[S, A]) inputGradInterleaved(dy, x []S, mean, rstd, gamma, ds, db []A, dx []S) {
	n, c, g, d, hxw := gn.n, gn.c, gn.groups, gn.d, gn.hxw
	coef := make([]A, n*3*c)
	for i := range n * g {
		c2, c3 := gn.unitCoeffs(i, mean, rstd, gamma, ds, db)
		row := coef[(i/g)*3*c:]
		for j := range d {
			ch := (i%g)*d + j
			c1 := rstd[i]
			if gamma != nil {
				c1 *= gamma[ch]
			}
			row[ch], row[c+ch], row[2*c+ch] = c1, c2, c3
		}
	}

	gn.exec.grained(n*hxw, 1, func(start, end int) {
		for i := start; i < end; i++ {
			row := coef[(i/hxw)*3*c:]
			gn.k.combineVec(dx[i*c:(i+1)*c], dy[i*c:(i+1)*c], x[i*c:(i+1)*c], row[:c], row[c:2*c], row[2*c:3*c])
		}
	})
}

// gammaGrad partitions the D channel offsets across workers. A worker that
// owns offsets [start, end) owns channel g*D+[start, end) of every group,
// zeroes those slots itself and is their only writer.
//
//	dgamma[c] = Σ_n (ds[n,c] - db[n,c]*mean[n,g]) * rstd[n,g]
func (gn *groupNorm[S, A]) gammaGrad(mean, rstd, ds, db, dgamma []A) {
	d, g := gn.d, gn.groups
	gn.exec.grained(d, hwy.MaxLanes[A](), func(start, end int) {
		for gi := range g {
			clear(dgamma[gi*d+start : gi*d+end])
		}
		for i := range gn.n * g {
			owned := dgamma[(i%g)*d+start : (i%g)*d+end]
			lo, hi := i*d+start, i*d+end
			accumulateGammaGrad(owned, ds[lo:hi], db[lo:hi], mean[i], rstd[i])
		}
	})
}

// betaGrad partitions channels across workers; each zeroes and sums the
// slots it owns.
//
//	dbeta[c] = Σ_n db[n,c]
func (gn *groupNorm[S, A]) betaGrad(db, dbeta []A) {
	c := gn.c
	gn.exec.grained(c, hwy.MaxLanes[A](), func(start, end int) {
		owned := dbeta[start:end]
		clear(owned)
		for n := range gn.n {
			addInto(owned, db[n*c+start:n*c+end])
		}
	})
}
