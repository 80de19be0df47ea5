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

// A 16-bit vector holds 2N lanes where a float32 vector holds N. Promotion
// splits it into its lower and upper N lanes; demotion packs two float32
// vectors back into one 16-bit vector.

// PromoteLowerF16ToF32 widens the lower half of the lanes of v.
func PromoteLowerF16ToF32(v Vec[Float16]) Vec[float32] {
	return promoteHalf(v.data[:len(v.data)/2], Float16ToFloat32)
}

// PromoteUpperF16ToF32 widens the upper half of the lanes of v.
func PromoteUpperF16ToF32(v Vec[Float16]) Vec[float32] {
	return promoteHalf(v.data[len(v.data)/2:], Float16ToFloat32)
}

// DemoteTwoF32ToF16 narrows lo into the lower lanes and hi into the upper
// lanes of one Float16 vector.
func DemoteTwoF32ToF16(lo, hi Vec[float32]) Vec[Float16] {
	return demoteTwo(lo, hi, Float32ToFloat16)
}

// PromoteLowerBF16ToF32 widens the lower half of the lanes of v.
func PromoteLowerBF16ToF32(v Vec[BFloat16]) Vec[float32] {
	return promoteHalf(v.data[:len(v.data)/2], BFloat16ToFloat32)
}

// PromoteUpperBF16ToF32 widens the upper half of the lanes of v.
func PromoteUpperBF16ToF32(v Vec[BFloat16]) Vec[float32] {
	return promoteHalf(v.data[len(v.data)/2:], BFloat16ToFloat32)
}

// DemoteTwoF32ToBF16 narrows lo into the lower lanes and hi into the upper
// lanes of one BFloat16 vector.
func DemoteTwoF32ToBF16(lo, hi Vec[float32]) Vec[BFloat16] {
	return demoteTwo(lo, hi, Float32ToBFloat16)
}

func promoteHalf[H Halves](src []H, widen func(H) float32) Vec[float32] {
	result := make([]float32, len(src))
	for i, h := range src {
		result[i] = widen(h)
	}
	return Vec[float32]{data: result}
}

func demoteTwo[H Halves](lo, hi Vec[float32], narrow func(float32) H) Vec[H] {
	result := make([]H, len(lo.data)+len(hi.data))
	for i, f := range lo.data {
		result[i] = narrow(f)
	}
	for i, f := range hi.data {
		result[len(lo.data)+i] = narrow(f)
	}
	return Vec[H]{data: result}
}
