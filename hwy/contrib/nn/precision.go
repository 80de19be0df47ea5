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

import (
	"math"

	"github.com/ajroetker/go-groupnorm/hwy"
	"github.com/chewxy/math32"
)

// sameType reports whether X and Y are the same type.
func sameType[X, Y any]() bool {
	var x X
	_, ok := any(x).(Y)
	return ok
}

// codec converts per-channel and per-group parameters between their
// storage type P and the accumulation type A.
type codec[P Storage, A hwy.Floats] struct {
	widen  func(P) A
	narrow func(A) P
}

// newCodec returns the codec for P, or false when P is neither a 16-bit
// type nor A itself.
func newCodec[P Storage, A hwy.Floats]() (codec[P, A], bool) {
	var zero P
	var widen, narrow any
	switch any(zero).(type) {
	case hwy.Float16:
		widen, narrow = hwy.Float16ToFloat32, hwy.Float32ToFloat16
	case hwy.BFloat16:
		widen, narrow = hwy.BFloat16ToFloat32, hwy.Float32ToBFloat16
	default:
		identity := func(v A) A { return v }
		widen, narrow = identity, identity
	}
	w, ok1 := widen.(func(P) A)
	n, ok2 := narrow.(func(A) P)
	return codec[P, A]{widen: w, narrow: n}, ok1 && ok2
}

// widenAll returns src as accumulation values. nil stays nil, and src is
// returned as is when P is A.
func (c codec[P, A]) widenAll(src []P) []A {
	if src == nil {
		return nil
	}
	if view, ok := any(src).([]A); ok {
		return view
	}
	dst := make([]A, len(src))
	for i, v := range src {
		dst[i] = c.widen(v)
	}
	return dst
}

// output returns accumulation storage for dst: dst itself when P is A,
// otherwise a scratch slice that flush narrows into dst.
func (c codec[P, A]) output(dst []P) []A {
	if view, ok := any(dst).([]A); ok {
		return view
	}
	return make([]A, len(dst))
}

func (c codec[P, A]) flush(dst []P, src []A) {
	if _, ok := any(dst).([]A); ok {
		return
	}
	for i, v := range src {
		dst[i] = c.narrow(v)
	}
}

// rstdOf returns 1/sqrt(max(variance, 0) + eps) in the precision of A.
func rstdOf[A hwy.Floats](variance, eps A) A {
	v := max(variance, 0) + eps
	if f, ok := any(v).(float32); ok {
		return A(1 / math32.Sqrt(f))
	}
	return A(1 / math.Sqrt(float64(v)))
}

// statsFromSums turns a group's sum and sum of squares into mean and rstd.
// scale is 1/(D*HxW).
func statsFromSums[A hwy.Floats](sum, sumSq, scale, eps A) (mean, rstd A) {
	mean = sum * scale
	variance := max(sumSq*scale-mean*mean, 0)
	return mean, rstdOf(variance, eps)
}

// channelAffine folds normalization and the optional affine parameters of
// channel c into one scale and bias: y = x*scale + bias.
func channelAffine[A hwy.Floats](gamma, beta []A, c int, mean, rstd A) (scale, bias A) {
	scale = rstd
	if gamma != nil {
		scale *= gamma[c]
	}
	bias = -scale * mean
	if beta != nil {
		bias += beta[c]
	}
	return scale, bias
}
