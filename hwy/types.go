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

// Package hwy is the portable SIMD register abstraction used by the group
// normalization kernels.
//
// A Vec holds MaxLanes[T]() lanes of T for the SIMD target detected at
// startup (AVX2, AVX-512, NEON, or a 16-byte scalar emulation). Kernels are
// written once against Load, Store, the masked variants for remainders, the
// elementwise arithmetic, and a single horizontal ReduceSum.
//
// Reduced-precision storage (Float16, BFloat16) is carried in uint16 lanes.
// A reduced-precision vector packs twice the lanes of a float32 vector, so
// it is widened with PromoteLower*/PromoteUpper* into two float32 vectors
// and narrowed back with DemoteTwo*.
//
//	acc := hwy.Zero[float32]()
//	for ; i+lanes <= len(x); i += lanes {
//	    acc = hwy.Add(acc, hwy.Load(x[i:]))
//	}
//	if i < len(x) {
//	    acc = hwy.Add(acc, hwy.MaskLoad(hwy.TailMask[float32](len(x)-i), x[i:]))
//	}
//	sum := hwy.ReduceSum(acc)
package hwy

// Floats is a constraint for the accumulation types.
type Floats interface {
	~float32 | ~float64
}

// Halves is a constraint for the 16-bit storage types.
type Halves interface {
	Float16 | BFloat16
}

// Lanes is a constraint for all types that can be held in a vector lane.
type Lanes interface {
	~float32 | ~float64 | ~uint16
}

// Vec is a portable vector handle. Use Load, Set or Zero to create one.
type Vec[T Lanes] struct {
	data []T
}

// NumLanes returns the number of lanes in v.
func (v Vec[T]) NumLanes() int {
	return len(v.data)
}

// Data returns the lanes of v. Intended for tests.
func (v Vec[T]) Data() []T {
	return v.data
}

// Mask selects lanes for MaskLoad, MaskStore and IfThenElseZero.
type Mask[T Lanes] struct {
	bits []bool
}

// NumLanes returns the number of lanes in m.
func (m Mask[T]) NumLanes() int {
	return len(m.bits)
}

// CountTrue returns the number of active lanes.
func (m Mask[T]) CountTrue() int {
	count := 0
	for _, bit := range m.bits {
		if bit {
			count++
		}
	}
	return count
}

// GetBit reports whether lane i is active.
func (m Mask[T]) GetBit(i int) bool {
	if i < 0 || i >= len(m.bits) {
		return false
	}
	return m.bits[i]
}
