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

// widened implements kernel[H, float32] for 16-bit storage. One H vector
// holds twice the lanes of a float32 vector, so every load is split into a
// lower and upper float32 half and every store demotes two halves back into
// one H vector. The float32 side arrays (scale, bias, running sums) are
// walked in the same pairs.
type widened[H hwy.Halves] struct {
	lower  func(hwy.Vec[H]) hwy.Vec[float32]
	upper  func(hwy.Vec[H]) hwy.Vec[float32]
	demote func(lo, hi hwy.Vec[float32]) hwy.Vec[H]
}

// load widens the first count elements of src; count is either a full
// vector or a remainder, whose inactive lanes read as zero.
func (k widened[H]) load(src []H, count int) (lo, hi hwy.Vec[float32]) {
	var v hwy.Vec[H]
	if count == hwy.MaxLanes[H]() {
		v = hwy.Load(src)
	} else {
		v = hwy.MaskLoad(hwy.TailMask[H](count), src)
	}
	return k.lower(v), k.upper(v)
}

func (k widened[H]) store(lo, hi hwy.Vec[float32], dst []H, count int) {
	v := k.demote(lo, hi)
	if count == hwy.MaxLanes[H]() {
		hwy.Store(v, dst)
		return
	}
	hwy.MaskStore(hwy.TailMask[H](count), v, dst)
}

// loadPair loads count float32 values as the two halves matching one H
// vector.
func loadPair(src []float32, count int) (lo, hi hwy.Vec[float32]) {
	half := hwy.MaxLanes[float32]()
	switch {
	case count >= 2*half:
		return hwy.Load(src), hwy.Load(src[half:])
	case count > half:
		return hwy.Load(src), hwy.MaskLoad(hwy.TailMask[float32](count-half), src[half:])
	default:
		return hwy.MaskLoad(hwy.TailMask[float32](count), src), hwy.Zero[float32]()
	}
}

func storePair(lo, hi hwy.Vec[float32], dst []float32, count int) {
	half := hwy.MaxLanes[float32]()
	switch {
	case count >= 2*half:
		hwy.Store(lo, dst)
		hwy.Store(hi, dst[half:])
	case count > half:
		hwy.Store(lo, dst)
		hwy.MaskStore(hwy.TailMask[float32](count-half), hi, dst[half:])
	default:
		hwy.MaskStore(hwy.TailMask[float32](count), lo, dst)
	}
}

// pairMasks returns the lane masks of the two halves for count active lanes.
func pairMasks(count int) (lo, hi hwy.Mask[float32]) {
	half := hwy.MaxLanes[float32]()
	return hwy.TailMask[float32](count), hwy.TailMask[float32](count - half)
}

func (k widened[H]) rowMoments(src []H) (float32, float32) {
	n := len(src)
	if n == 0 {
		return 0, 0
	}
	lanes := hwy.MaxLanes[H]()

	acc := hwy.Zero[float32]()
	sum := func(off, count int) {
		lo, hi := k.load(src[off:], count)
		acc = hwy.Add(acc, hwy.Add(lo, hi))
	}
	hwy.ProcessWithTail[H](n, func(off int) { sum(off, lanes) }, sum)
	mean := hwy.ReduceSum(acc) / float32(n)

	vMean := hwy.Set(mean)
	acc = hwy.Zero[float32]()
	hwy.ProcessWithTail[H](n,
		func(off int) {
			lo, hi := k.load(src[off:], lanes)
			dlo, dhi := hwy.Sub(lo, vMean), hwy.Sub(hi, vMean)
			acc = hwy.MulAdd(dhi, dhi, hwy.MulAdd(dlo, dlo, acc))
		},
		func(off, count int) {
			loMask, hiMask := pairMasks(count)
			lo, hi := k.load(src[off:], count)
			dlo := hwy.IfThenElseZero(loMask, hwy.Sub(lo, vMean))
			dhi := hwy.IfThenElseZero(hiMask, hwy.Sub(hi, vMean))
			acc = hwy.MulAdd(dhi, dhi, hwy.MulAdd(dlo, dlo, acc))
		},
	)
	return mean, hwy.ReduceSum(acc) / float32(n)
}

func (k widened[H]) columnMoments(src []H, rows, stride, width int) (float32, float32) {
	lanes := hwy.MaxLanes[H]()
	sum, sumSq := hwy.Zero[float32](), hwy.Zero[float32]()
	for r := range rows {
		row := src[r*stride : r*stride+width]
		step := func(off, count int) {
			lo, hi := k.load(row[off:], count)
			sum = hwy.Add(sum, hwy.Add(lo, hi))
			sumSq = hwy.MulAdd(hi, hi, hwy.MulAdd(lo, lo, sumSq))
		}
		hwy.ProcessWithTail[H](width, func(off int) { step(off, lanes) }, step)
	}
	return hwy.ReduceSum(sum), hwy.ReduceSum(sumSq)
}

func (k widened[H]) accumulate(src []H, sum, sumSq []float32) {
	lanes := hwy.MaxLanes[H]()
	step := func(off, count int) {
		lo, hi := k.load(src[off:], count)
		slo, shi := loadPair(sum[off:], count)
		qlo, qhi := loadPair(sumSq[off:], count)
		storePair(hwy.Add(slo, lo), hwy.Add(shi, hi), sum[off:], count)
		storePair(hwy.MulAdd(lo, lo, qlo), hwy.MulAdd(hi, hi, qhi), sumSq[off:], count)
	}
	hwy.ProcessWithTail[H](len(src), func(off int) { step(off, lanes) }, step)
}

func (k widened[H]) scaleBias(dst, src []H, scale, bias []float32) {
	lanes := hwy.MaxLanes[H]()
	step := func(off, count int) {
		lo, hi := k.load(src[off:], count)
		slo, shi := loadPair(scale[off:], count)
		blo, bhi := loadPair(bias[off:], count)
		k.store(hwy.MulAdd(lo, slo, blo), hwy.MulAdd(hi, shi, bhi), dst[off:], count)
	}
	hwy.ProcessWithTail[H](len(src), func(off int) { step(off, lanes) }, step)
}

func (k widened[H]) affine(dst, src []H, scale, bias float32) {
	lanes := hwy.MaxLanes[H]()
	vScale, vBias := hwy.Set(scale), hwy.Set(bias)
	step := func(off, count int) {
		lo, hi := k.load(src[off:], count)
		k.store(hwy.MulAdd(lo, vScale, vBias), hwy.MulAdd(hi, vScale, vBias), dst[off:], count)
	}
	hwy.ProcessWithTail[H](len(src), func(off int) { step(off, lanes) }, step)
}

func (k widened[H]) dotSum(dy, x []H) (float32, float32) {
	lanes := hwy.MaxLanes[H]()
	ds, db := hwy.Zero[float32](), hwy.Zero[float32]()
	step := func(off, count int) {
		glo, ghi := k.load(dy[off:], count)
		xlo, xhi := k.load(x[off:], count)
		ds = hwy.MulAdd(ghi, xhi, hwy.MulAdd(glo, xlo, ds))
		db = hwy.Add(db, hwy.Add(glo, ghi))
	}
	hwy.ProcessWithTail[H](len(dy), func(off int) { step(off, lanes) }, step)
	return hwy.ReduceSum(ds), hwy.ReduceSum(db)
}

func (k widened[H]) accumulateGrad(dy, x []H, ds, db []float32) {
	lanes := hwy.MaxLanes[H]()
	step := func(off, count int) {
		glo, ghi := k.load(dy[off:], count)
		xlo, xhi := k.load(x[off:], count)
		slo, shi := loadPair(ds[off:], count)
		blo, bhi := loadPair(db[off:], count)
		storePair(hwy.MulAdd(glo, xlo, slo), hwy.MulAdd(ghi, xhi, shi), ds[off:], count)
		storePair(hwy.Add(blo, glo), hwy.Add(bhi, ghi), db[off:], count)
	}
	hwy.ProcessWithTail[H](len(dy), func(off int) { step(off, lanes) }, step)
}

func (k widened[H]) combine(dst, dy, x []H, c1, c2, c3 float32) {
	lanes := hwy.MaxLanes[H]()
	v1, v2, v3 := hwy.Set(c1), hwy.Set(c2), hwy.Set(c3)
	step := func(off, count int) {
		glo, ghi := k.load(dy[off:], count)
		xlo, xhi := k.load(x[off:], count)
		lo := hwy.MulAdd(glo, v1, hwy.MulAdd(xlo, v2, v3))
		hi := hwy.MulAdd(ghi, v1, hwy.MulAdd(xhi, v2, v3))
		k.store(lo, hi, dst[off:], count)
	}
	hwy.ProcessWithTail[H](len(dy), func(off int) { step(off, lanes) }, step)
}

func (k widened[H]) combineVec(dst, dy, x []H, c1, c2, c3 []float32) {
	lanes := hwy.MaxLanes[H]()
	step := func(off, count int) {
		glo, ghi := k.load(dy[off:], count)
		xlo, xhi := k.load(x[off:], count)
		alo, ahi := loadPair(c1[off:], count)
		blo, bhi := loadPair(c2[off:], count)
		clo, chi := loadPair(c3[off:], count)
		lo := hwy.MulAdd(glo, alo, hwy.MulAdd(xlo, blo, clo))
		hi := hwy.MulAdd(ghi, ahi, hwy.MulAdd(xhi, bhi, chi))
		k.store(lo, hi, dst[off:], count)
	}
	hwy.ProcessWithTail[H](len(dy), func(off int) { step(off, lanes) }, step)
}
