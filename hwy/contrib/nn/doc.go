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

// Package nn provides SIMD-accelerated group normalization for CPU.
//
// Group normalization splits the C channels of an N×C×HxW tensor into G
// groups of D = C/G channels and normalizes every (sample, group) block with
// its own mean and reciprocal standard deviation, followed by an optional
// per-channel affine transform.
//
// # Supported Operations
//
//   - GroupNormForward - normalize x into y and record per-group mean/rstd
//   - GroupNormBackward - any subset of dX, dGamma and dBeta from dy
//   - GroupNormForwardScalar / GroupNormBackwardScalar - float64 references
//
// # Layouts
//
// Packed tensors are N×C×HxW, so each channel's spatial values are
// contiguous. Interleaved (channels-last) tensors are N×HxW×C, so each
// spatial position holds all C channels contiguously. Interleaved forward
// passes pick between a per-group strided path and a four-phase
// accumulate/combine/derive/apply path by comparing HxW with
// Params.SpatialThreshold.
//
// # Precision
//
// Tensors may be float32, float64, hwy.Float16 or hwy.BFloat16. Statistics
// are accumulated in float64 for float64 tensors and float32 otherwise. The
// parameter type (gamma, beta, mean, rstd and the parameter gradients) is
// either the tensor type or, for 16-bit tensors, float32.
//
// # Example Usage
//
//	import "github.com/ajroetker/go-groupnorm/hwy/contrib/nn"
//
//	func Normalize(pool *workerpool.Pool, x, gamma, beta []float32, n, c, hxw int) ([]float32, error) {
//	    p := nn.Params{N: n, C: c, HxW: hxw, Groups: 32, Eps: 1e-5}
//	    y := make([]float32, len(x))
//	    mean := make([]float32, n*p.Groups)
//	    rstd := make([]float32, n*p.Groups)
//	    err := nn.GroupNormForward(pool, p, x, gamma, beta, y, mean, rstd)
//	    return y, err
//	}
package nn
