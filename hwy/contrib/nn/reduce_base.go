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

// Loops over accumulation-type arrays only. They never see storage, so one
// generic body serves every tensor type.

// weightedSums returns Σ ds·gamma and Σ db·gamma, with gamma taken as all
// ones when nil.
func weightedSums[A hwy.Floats](ds, db, gamma []A) (A, A) {
	lanes := hwy.MaxLanes[A]()
	n := len(ds)
	accS, accB := hwy.Zero[A](), hwy.Zero[A]()
	i := 0
	if gamma == nil {
		for ; i+lanes <= n; i += lanes {
			accS = hwy.Add(accS, hwy.Load(ds[i:]))
			accB = hwy.Add(accB, hwy.Load(db[i:]))
		}
		if i < n {
			mask := hwy.TailMask[A](n - i)
			accS = hwy.Add(accS, hwy.MaskLoad(mask, ds[i:]))
			accB = hwy.Add(accB, hwy.MaskLoad(mask, db[i:]))
		}
		return hwy.ReduceSum(accS), hwy.ReduceSum(accB)
	}

	for ; i+lanes <= n; i += lanes {
		g := hwy.Load(gamma[i:])
		accS = hwy.MulAdd(hwy.Load(ds[i:]), g, accS)
		accB = hwy.MulAdd(hwy.Load(db[i:]), g, accB)
	}
	if i < n {
		mask := hwy.TailMask[A](n - i)
		g := hwy.MaskLoad(mask, gamma[i:])
		accS = hwy.MulAdd(hwy.MaskLoad(mask, ds[i:]), g, accS)
		accB = hwy.MulAdd(hwy.MaskLoad(mask, db[i:]), g, accB)
	}
	return hwy.ReduceSum(accS), hwy.ReduceSum(accB)
}

// addInto adds src into dst elementwise.
func addInto[A hwy.Floats](dst, src []A) {
	lanes := hwy.MaxLanes[A]()
	n := len(dst)
	i := 0
	for ; i+lanes <= n; i += lanes {
		hwy.Store(hwy.Add(hwy.Load(dst[i:]), hwy.Load(src[i:])), dst[i:])
	}
	if i < n {
		mask := hwy.TailMask[A](n - i)
		hwy.MaskStore(mask, hwy.Add(hwy.MaskLoad(mask, dst[i:]), hwy.MaskLoad(mask, src[i:])), dst[i:])
	}
}

// accumulateGammaGrad adds (ds - db*mean) * rstd into acc elementwise.
func accumulateGammaGrad[A hwy.Floats](acc, ds, db []A, mean, rstd A) {
	lanes := hwy.MaxLanes[A]()
	vMean, vRstd := hwy.Set(mean), hwy.Set(rstd)
	n := len(acc)
	i := 0
	for ; i+lanes <= n; i += lanes {
		centered := hwy.Sub(hwy.Load(ds[i:]), hwy.Mul(hwy.Load(db[i:]), vMean))
		hwy.Store(hwy.MulAdd(centered, vRstd, hwy.Load(acc[i:])), acc[i:])
	}
	if i < n {
		mask := hwy.TailMask[A](n - i)
		centered := hwy.Sub(hwy.MaskLoad(mask, ds[i:]), hwy.Mul(hwy.MaskLoad(mask, db[i:]), vMean))
		hwy.MaskStore(mask, hwy.MulAdd(centered, vRstd, hwy.MaskLoad(mask, acc[i:])), acc[i:])
	}
}
