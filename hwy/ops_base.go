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

import "math"

// This file holds the portable implementations of the vector operations.
// Every vector produced here has exactly MaxLanes[T]() lanes unless it was
// loaded from a shorter slice with Load, which kernels avoid by using
// MaskLoad for remainders.

// Load creates a vector from the first MaxLanes[T]() elements of src.
func Load[T Lanes](src []T) Vec[T] {
	n := min(len(src), MaxLanes[T]())
	data := make([]T, n)
	copy(data, src[:n])
	return Vec[T]{data: data}
}

// Store writes the lanes of v to dst.
func Store[T Lanes](v Vec[T], dst []T) {
	n := min(len(dst), len(v.data))
	copy(dst[:n], v.data[:n])
}

// MaskLoad loads the active lanes of mask from src and zero-fills the rest.
func MaskLoad[T Lanes](mask Mask[T], src []T) Vec[T] {
	n := min(len(src), len(mask.bits))
	result := make([]T, len(mask.bits))
	for i := range n {
		if mask.bits[i] {
			result[i] = src[i]
		}
	}
	return Vec[T]{data: result}
}

// MaskStore writes only the active lanes of v to dst.
func MaskStore[T Lanes](mask Mask[T], v Vec[T], dst []T) {
	n := min(len(dst), len(v.data), len(mask.bits))
	for i := range n {
		if mask.bits[i] {
			dst[i] = v.data[i]
		}
	}
}

// Set broadcasts value to every lane.
func Set[T Lanes](value T) Vec[T] {
	data := make([]T, MaxLanes[T]())
	for i := range data {
		data[i] = value
	}
	return Vec[T]{data: data}
}

// Zero returns a vector with all lanes zero.
func Zero[T Lanes]() Vec[T] {
	return Vec[T]{data: make([]T, MaxLanes[T]())}
}

// Add returns a + b.
func Add[T Floats](a, b Vec[T]) Vec[T] {
	n := min(len(a.data), len(b.data))
	result := make([]T, n)
	for i := range n {
		result[i] = a.data[i] + b.data[i]
	}
	return Vec[T]{data: result}
}

// Sub returns a - b.
func Sub[T Floats](a, b Vec[T]) Vec[T] {
	n := min(len(a.data), len(b.data))
	result := make([]T, n)
	for i := range n {
		result[i] = a.data[i] - b.data[i]
	}
	return Vec[T]{data: result}
}

// Mul returns a * b.
func Mul[T Floats](a, b Vec[T]) Vec[T] {
	n := min(len(a.data), len(b.data))
	result := make([]T, n)
	for i := range n {
		result[i] = a.data[i] * b.data[i]
	}
	return Vec[T]{data: result}
}

// MulAdd returns a*b + c with a single rounding per lane.
func MulAdd[T Floats](a, b, c Vec[T]) Vec[T] {
	n := min(len(a.data), len(b.data), len(c.data))
	result := make([]T, n)
	for i := range n {
		result[i] = fma(a.data[i], b.data[i], c.data[i])
	}
	return Vec[T]{data: result}
}

func fma[T Floats](a, b, c T) T {
	return T(math.FMA(float64(a), float64(b), float64(c)))
}

// IfThenElseZero keeps the lanes of v selected by mask and zeroes the rest.
func IfThenElseZero[T Lanes](mask Mask[T], v Vec[T]) Vec[T] {
	n := min(len(v.data), len(mask.bits))
	result := make([]T, len(v.data))
	for i := range n {
		if mask.bits[i] {
			result[i] = v.data[i]
		}
	}
	return Vec[T]{data: result}
}

// ReduceSum adds all lanes of v. It is the only horizontal operation; call
// it once per accumulator, after the loop.
func ReduceSum[T Floats](v Vec[T]) T {
	var sum T
	for _, x := range v.data {
		sum += x
	}
	return sum
}
