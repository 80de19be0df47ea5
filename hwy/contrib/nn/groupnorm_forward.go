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

// forwardPacked normalizes one (n, g) block per unit. In the packed layout
// a block is D*HxW contiguous elements.
func (gn *groupNorm[S, A]) forwardPacked(x []S, gamma, beta []A, y []S, mean, rstd []A) {
	inner := gn.d * gn.hxw
	gn.exec.units(gn.n*gn.groups, func(start, end int) {
		for i := start; i < end; i++ {
			xs := x[i*inner : (i+1)*inner]
			ys := y[i*inner : (i+1)*inner]
			mu, variance := gn.k.rowMoments(xs)
			rs := rstdOf(variance, gn.eps)

			if gamma == nil && beta == nil {
				gn.k.affine(ys, xs, rs, -rs*mu)
			} else {
				g := i % gn.groups
				for j := range gn.d {
					scale, bias := channelAffine(gamma, beta, g*gn.d+j, mu, rs)
					off := j * gn.hxw
					gn.k.affine(ys[off:off+gn.hxw], xs[off:off+gn.hxw], scale, bias)
				}
			}
			mean[i], rstd[i] = mu, rs
		}
	})
}

// forwardSmallSpatial handles interleaved tensors with few spatial
// positions: each (n, g) unit walks its HxW rows of D channels, stride C,
// and keeps its per-channel scale and bias in a private slice of buffer.
func (gn *groupNorm[S, A]) forwardSmallSpatial(x []S, gamma, beta []A, y []S, mean, rstd []A) {
	c, d, hxw := gn.c, gn.d, gn.hxw
	scale := 1 / A(d*hxw)
	buffer := make([]A, gn.n*gn.groups*2*d)

	gn.exec.units(gn.n*gn.groups, func(start, end int) {
		for i := start; i < end; i++ {
			n, g := i/gn.groups, i%gn.groups
			base := n*hxw*c + g*d

			sum, sumSq := gn.k.columnMoments(x[base:], hxw, c, d)
			mu, rs := statsFromSums(sum, sumSq, scale, gn.eps)
			mean[i], rstd[i] = mu, rs

			chScale := buffer[i*2*d : i*2*d+d]
			chBias := buffer[i*2*d+d : (i+1)*2*d]
			for j := range d {
				chScale[j], chBias[j] = channelAffine(gamma, beta, g*d+j, mu, rs)
			}
			for m := range hxw {
				off := base + m*c
				gn.k.scaleBias(y[off:off+d], x[off:off+d], chScale, chBias)
			}
		}
	})
}

// forwardLargeSpatial handles interleaved tensors with many spatial
// positions in four phases:
//
//  1. every worker accumulates per-channel sums and sums of squares over
//     its range of positions into its own [N, 2C] scratch region;
//  2. the regions are combined into per-group mean and rstd;
//  3. per-channel scale and bias are derived into worker 0's region;
//  4. positions are normalized in parallel.
//
// Each phase completes before the next starts.
func (gn *groupNorm[S, A]) forwardLargeSpatial(x []S, gamma, beta []A, y []S, mean, rstd []A) {
	n, c, g, d, hxw := gn.n, gn.c, gn.groups, gn.d, gn.hxw
	workers := gn.exec.workers()
	stride := n * 2 * c
	scratch := make([]A, workers*stride)

	gn.exec.perWorker(n*hxw, func(w, start, end int) {
		buf := scratch[w*stride : (w+1)*stride]
		for i := start; i < end; i++ {
			acc := buf[(i/hxw)*2*c:]
			gn.k.accumulate(x[i*c:(i+1)*c], acc[:c], acc[c:2*c])
		}
	})

	scale := 1 / A(d*hxw)
	for ni := range n {
		for gi := range g {
			var sum, sumSq A
			for j := range d {
				ch := gi*d + j
				for t := range workers {
					acc := scratch[t*stride+ni*2*c:]
					sum += acc[ch]
					sumSq += acc[c+ch]
				}
			}
			mean[ni*g+gi], rstd[ni*g+gi] = statsFromSums(sum, sumSq, scale, gn.eps)
		}
	}

	coef := scratch[:stride]
	for ni := range n {
		row := coef[ni*2*c : (ni+1)*2*c]
		for gi := range g {
			mu, rs := mean[ni*g+gi], rstd[ni*g+gi]
			for j := range d {
				ch := gi*d + j
				row[ch], row[c+ch] = channelAffine(gamma, beta, ch, mu, rs)
			}
		}
	}

	gn.exec.grained(n*hxw, 1, func(start, end int) {
		for i := start; i < end; i++ {
			row := coef[(i/hxw)*2*c:]
			gn.k.scaleBias(y[i*c:(i+1)*c], x[i*c:(i+1)*c], row[:c], row[c:2*c])
		}
	})
}
