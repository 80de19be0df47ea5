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

// Float16 is an IEEE 754 binary16 value stored in a uint16.
//
//	S | EEEEE | MMMMMMMMMM   (bias 15, max 65504, ~3.3 decimal digits)
type Float16 uint16

const (
	Float16Zero Float16 = 0x0000
	Float16One  Float16 = 0x3C00
	Float16Inf  Float16 = 0x7C00
	Float16NaN  Float16 = 0x7E00
)

// Float16ToFloat32 widens h exactly, including subnormals, infinities and NaN.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch exp {
	case 0:
		// Zero or subnormal: mant * 2^-24.
		v := float32(mant) * (1.0 / (1 << 24))
		return math.Float32frombits(math.Float32bits(v) | sign)
	case 0x1F:
		if mant == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}

// Float32ToFloat16 narrows f with round-to-nearest-even. Values beyond the
// binary16 range become infinities, values below half the smallest
// subnormal become signed zeros.
func Float32ToFloat16(f float32) Float16 {
	bits := math.Float32bits(f)
	sign := uint32(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xFF
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return Float16(sign | 0x7E00 | mant>>13)
		}
		return Float16(sign | 0x7C00)
	}

	e := exp - 127 + 15
	if e >= 0x1F {
		return Float16(sign | 0x7C00)
	}
	if e <= 0 {
		if e < -10 {
			return Float16(sign)
		}
		// Subnormal result; a carry out of the mantissa yields the
		// smallest normal, which is the correct encoding.
		m := mant | 0x800000
		shift := uint32(14 - e)
		return Float16(sign | roundShift(m, shift))
	}

	// Normal result; a carry propagates into the exponent and saturates
	// to infinity at the top of the range.
	out := uint32(e)<<10 | mant>>13
	rest := mant & 0x1FFF
	if rest > 0x1000 || (rest == 0x1000 && out&1 == 1) {
		out++
	}
	return Float16(sign | out)
}

// roundShift returns m >> shift rounded to nearest even.
func roundShift(m, shift uint32) uint32 {
	half := uint32(1) << (shift - 1)
	rest := m & (1<<shift - 1)
	r := m >> shift
	if rest > half || (rest == half && r&1 == 1) {
		r++
	}
	return r
}

// NewFloat16 converts f to Float16.
func NewFloat16(f float32) Float16 {
	return Float32ToFloat16(f)
}

// Float32 widens h to float32.
func (h Float16) Float32() float32 {
	return Float16ToFloat32(h)
}

// IsNaN reports whether h is a NaN.
func (h Float16) IsNaN() bool {
	return h&0x7C00 == 0x7C00 && h&0x3FF != 0
}

// IsInf reports whether h is an infinity of either sign.
func (h Float16) IsInf() bool {
	return h&0x7FFF == 0x7C00
}
