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

package hwy

// TailMask creates a mask with the first count lanes active, for the
// remainder of a span whose length is not a multiple of the vector width.
// count is clamped to [0, MaxLanes[T]()].
//
//	rem := len(x) % lanes
//	mask := hwy.TailMask[float32](rem)
//	v := hwy.MaskLoad(mask, x[len(x)-rem:])
func TailMask[T Lanes](count int) Mask[T] {
	maxLanes := MaxLanes[T]()
	count = min(max(count, 0), maxLanes)

	bits := make([]bool, maxLanes)
	for i := range count {
		bits[i] = true
	}
	return Mask[T]{bits: bits}
}

// ProcessWithTail calls fullFn(offset) for each full vector of a span of
// size elements and then, if size is not a multiple of the vector width,
// tailFn(offset, count) once for the remaining count elements.
//
//	hwy.ProcessWithTail[float32](len(x),
//	    func(off int) { hwy.Store(hwy.Add(hwy.Load(x[off:]), v), y[off:]) },
//	    func(off, count int) {
//	        mask := hwy.TailMask[float32](count)
//	        hwy.MaskStore(mask, hwy.Add(hwy.MaskLoad(mask, x[off:]), v), y[off:])
//	    },
//	)
func ProcessWithTail[T Lanes](size int, fullFn func(offset int), tailFn func(offset, count int)) {
	maxLanes := MaxLanes[T]()
	full := size - size%maxLanes
	for off := 0; off < full; off += maxLanes {
		fullFn(off)
	}
	if full < size {
		tailFn(full, size-full)
	}
}
