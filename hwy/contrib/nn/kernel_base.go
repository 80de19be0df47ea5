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

// kernel is the set of vector loops that touch storage. S is the storage
// element and A the accumulation type. Loads decode S into A and stores
// encode A back into S; no other code converts between the two.
//
// Every loop keeps its accumulators in vector registers and reduces them
// horizontally once, after the loop. Remainders use masked loads that
// zero-fill the inactive lanes.
type kernel[S Storage, A hwy.Floats] interface {
	// rowMoments returns the mean and biased variance of a contiguous span,
	// using a two-pass computation to avoid cancellation.
	rowMoments(src []S) (mean, variance A)

	// columnMoments returns the sum and sum of squares of rows runs of
	// width elements, stride elements apart.
	columnMoments(src []S, rows, stride, width int) (sum, sumSq A)

	// accumulate adds src into sum and src² into sumSq elementwise.
	accumulate(src []S, sum, sumSq []A)

	// scaleBias writes dst = src*scale + bias elementwise.
	scaleBias(dst, src []S, scale, bias []A)

	// affine writes dst = src*scale + bias with broadcast scale and bias.
	affine(dst, src []S, scale, bias A)

	// dotSum returns Σ dy·x and Σ dy.
	dotSum(dy, x []S) (ds, db A)

	// accumulateGrad adds dy·x into ds and dy into db elementwise.
	accumulateGrad(dy, x []S, ds, db []A)

	// combine writes dst = c1*dy + c2*x + c3 with broadcast coefficients.
	combine(dst, dy, x []S, c1, c2, c3 A)

	// combineVec writes dst = c1*dy + c2*x + c3 with elementwise coefficients.
	combineVec(dst, dy, x []S, c1, c2, c3 []A)
}

// newKernel selects the instantiation for S once per call: the matched
// kernel when S is its own accumulation type, the widening kernel for the
// 16-bit storage types.
func newKernel[S Storage, A hwy.Floats]() kernel[S, A] {
	var zero S
	var k any
	switch any(zero).(type) {
	case float32:
		k = matched[float32]{}
	case float64:
		k = matched[float64]{}
	case hwy.Float16:
		k = widened[hwy.Float16]{
			lower:  hwy.PromoteLowerF16ToF32,
			upper:  hwy.PromoteUpperF16ToF32,
			demote: hwy.DemoteTwoF32ToF16,
		}
	case hwy.BFloat16:
		k = widened[hwy.BFloat16]{
			lower:  hwy.PromoteLowerBF16ToF32,
			upper:  hwy.PromoteUpperBF16ToF32,
			demote: hwy.DemoteTwoF32ToBF16,
		}
	}
	return k.(kernel[S, A])
}

// matched implements kernel[T, T]: storage and accumulation share a type.
type matched[T hwy.Floats] struct{}

func (matched[T]) rowMoments(src []T) (T, T) {
	n := len(src)
	if n == 0 {
		return 0, 0
	}
	lanes := hwy.MaxLanes[T]()
	tail := n % lanes
	full := n - tail

	acc := hwy.Zero[T]()
	for i := 0; i < full; i += lanes {
		acc = hwy.Add(acc, hwy.Load(src[i:]))
	}
	if tail > 0 {
		acc = hwy.Add(acc, hwy.MaskLoad(hwy.TailMask[T](tail), src[full:]))
	}
	mean := hwy.ReduceSum(acc) / T(n)

	vMean := hwy.Set(mean)
	acc = hwy.Zero[T]()
	for i := 0; i < full; i += lanes {
		diff := hwy.Sub(hwy.Load(src[i:]), vMean)
		acc = hwy.MulAdd(diff, diff, acc)
	}
	if tail > 0 {
		mask := hwy.TailMask[T](tail)
		diff := hwy.IfThenElseZero(mask, hwy.Sub(hwy.MaskLoad(mask, src[full:]), vMean))
		acc = hwy.MulAdd(diff, diff, acc)
	}
	return mean, hwy.ReduceSum(acc) / T(n)
}

func (matched[T]) columnMoments(src []T, rows, stride, width int) (T, T) {
	lanes := hwy.MaxLanes[T]()
	tail := width % lanes
	full := width - tail
	mask := hwy.TailMask[T](tail)

	sum, sumSq := hwy.Zero[T](), hwy.Zero[T]()
	for r := range rows {
		row := src[r*stride : r*stride+width]
		for d := 0; d < full; d += lanes {
			x := hwy.Load(row[d:])
			sum = hwy.Add(sum, x)
			sumSq = hwy.MulAdd(x, x, sumSq)
		}
		if tail > 0 {
			x := hwy.MaskLoad(mask, row[full:])
			sum = hwy.Add(sum, x)
			sumSq = hwy.MulAdd(x, x, sumSq)
		}
	}
	return hwy.ReduceSum(sum), hwy.ReduceSum(sumSq)
}

func (matched[T]) accumulate(src []T, sum, sumSq []T) {
	lanes := hwy.MaxLanes[T]()
	n := len(src)
	i := 0
	for ; i+lanes <= n; i += lanes {
		x := hwy.Load(src[i:])
		hwy.Store(hwy.Add(hwy.Load(sum[i:]), x), sum[i:])
		hwy.Store(hwy.MulAdd(x, x, hwy.Load(sumSq[i:])), sumSq[i:])
	}
	if i < n {
		mask := hwy.TailMask[T](n - i)
		x := hwy.MaskLoad(mask, src[i:])
		hwy.MaskStore(mask, hwy.Add(hwy.MaskLoad(mask, sum[i:]), x), sum[i:])
		hwy.MaskStore(mask, hwy.MulAdd(x, x, hwy.MaskLoad(mask, sumSq[i:])), sumSq[i:])
	}
}

func (matched[T]) scaleBias(dst, src []T, scale, bias []T) {
	lanes := hwy.MaxLanes[T]()
	n := len(src)
	i := 0
	for ; i+lanes <= n; i += lanes {
		x := hwy.Load(src[i:])
		hwy.Store(hwy.MulAdd(x, hwy.Load(scale[i:]), hwy.Load(bias[i:])), dst[i:])
	}
	if i < n {
		mask := hwy.TailMask[T](n - i)
		x := hwy.MaskLoad(mask, src[i:])
		y := hwy.MulAdd(x, hwy.MaskLoad(mask, scale[i:]), hwy.MaskLoad(mask, bias[i:]))
		hwy.MaskStore(mask, y, dst[i:])
	}
}

func (matched[T]) affine(dst, src []T, scale, bias T) {
	lanes := hwy.MaxLanes[T]()
	vScale, vBias := hwy.Set(scale), hwy.Set(bias)
	n := len(src)
	i := 0
	for ; i+lanes <= n; i += lanes {
		hwy.Store(hwy.MulAdd(hwy.Load(src[i:]), vScale, vBias), dst[i:])
	}
	if i < n {
		mask := hwy.TailMask[T](n - i)
		hwy.MaskStore(mask, hwy.MulAdd(hwy.MaskLoad(mask, src[i:]), vScale, vBias), dst[i:])
	}
}

func (matched[T]) dotSum(dy, x []T) (T, T) {
	lanes := hwy.MaxLanes[T]()
	n := len(dy)
	ds, db := hwy.Zero[T](), hwy.Zero[T]()
	i := 0
	for ; i+lanes <= n; i += lanes {
		g := hwy.Load(dy[i:])
		ds = hwy.MulAdd(g, hwy.Load(x[i:]), ds)
		db = hwy.Add(db, g)
	}
	if i < n {
		mask := hwy.TailMask[T](n - i)
		g := hwy.MaskLoad(mask, dy[i:])
		ds = hwy.MulAdd(g, hwy.MaskLoad(mask, x[i:]), ds)
		db = hwy.Add(db, g)
	}
	return hwy.ReduceSum(ds), hwy.ReduceSum(db)
}

func (matched[T]) accumulateGrad(dy, x []T, ds, db []T) {
	lanes := hwy.MaxLanes[T]()
	n := len(dy)
	i := 0
	for ; i+lanes <= n; i += lanes {
		g := hwy.Load(dy[i:])
		hwy.Store(hwy.MulAdd(g, hwy.Load(x[i:]), hwy.Load(ds[i:])), ds[i:])
		hwy.Store(hwy.Add(hwy.Load(db[i:]), g), db[i:])
	}
	if i < n {
		mask := hwy.TailMask[T](n - i)
		g := hwy.MaskLoad(mask, dy[i:])
		hwy.MaskStore(mask, hwy.MulAdd(g, hwy.MaskLoad(mask, x[i:]), hwy.MaskLoad(mask, ds[i:])), ds[i:])
		hwy.MaskStore(mask, hwy.Add(hwy.MaskLoad(mask, db[i:]), g), db[i:])
	}
}

func (matched[T]) combine(dst, dy, x []T, c1, c2, c3 T) {
	lanes := hwy.MaxLanes[T]()
	v1, v2, v3 := hwy.Set(c1), hwy.Set(c2), hwy.Set(c3)
	n := len(dy)
	i := 0
	for ; i+lanes <= n; i += lanes {
		out := hwy.MulAdd(hwy.Load(dy[i:]), v1, hwy.MulAdd(hwy.Load(x[i:]), v2, v3))
		hwy.Store(out, dst[i:])
	}
	if i < n {
		mask := hwy.TailMask[T](n - i)
		out := hwy.MulAdd(hwy.MaskLoad(mask, dy[i:]), v1, hwy.MulAdd(hwy.MaskLoad(mask, x[i:]), v2, v3))
		hwy.MaskStore(mask, out, dst[i:])
	}
}

func (matched[T]) combineVec(dst, dy, x []T, c1, c2, c3 []T) {
	lanes := hwy.MaxLanes[T]()
	n := len(dy)
	i := 0
	for ; i+lanes <= n; i += lanes {
		inner := hwy.MulAdd(hwy.Load(x[i:]), hwy.Load(c2[i:]), hwy.Load(c3[i:]))
		hwy.Store(hwy.MulAdd(hwy.Load(dy[i:]), hwy.Load(c1[i:]), inner), dst[i:])
	}
	if i < n {
		mask := hwy.TailMask[T](n - i)
		inner := hwy.MulAdd(hwy.MaskLoad(mask, x[i:]), hwy.MaskLoad(mask, c2[i:]), hwy.MaskLoad(mask, c3[i:]))
		out := hwy.MulAdd(hwy.MaskLoad(mask, dy[i:]), hwy.MaskLoad(mask, c1[i:]), inner)
		hwy.MaskStore(mask, out, dst[i:])
	}
}
