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
	"math/rand/v2"
	"testing"

	"github.com/ajroetker/go-groupnorm/hwy/contrib/workerpool"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// randomValues returns n deterministic values in [-2, 2).
func randomValues(n int, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.Float64()*4 - 2
	}
	return v
}

// affineValues returns C positive scales and C offsets.
func affineValues(c int, seed uint64) (gamma, beta []float64) {
	gamma = randomValues(c, seed)
	beta = randomValues(c, seed+1)
	for i := range gamma {
		gamma[i] = 0.5 + gamma[i]*0.25
	}
	return gamma, beta
}

func convert[S Storage](v []float64) []S {
	if v == nil {
		return nil
	}
	out := make([]S, len(v))
	for i, f := range v {
		out[i] = FromFloat64[S](f)
	}
	return out
}

func widen[S Storage](v []S) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = ToFloat64(x)
	}
	return out
}

// roundTrip rounds v to S precision.
func roundTrip[S Storage](v []float64) []float64 {
	return widen(convert[S](v))
}

func filled[S Storage](n int, v float64) []S {
	out := make([]S, n)
	for i := range out {
		out[i] = FromFloat64[S](v)
	}
	return out
}

// toInterleaved reorders a packed [N, C, HxW] tensor as [N, HxW, C].
func toInterleaved(src []float64, n, c, hxw int) []float64 {
	out := make([]float64, 0, len(src))
	for ni := range n {
		sample := mat.NewDense(c, hxw, src[ni*c*hxw:(ni+1)*c*hxw])
		out = append(out, mat.DenseCopyOf(sample.T()).RawMatrix().Data...)
	}
	return out
}

type forwardResult struct {
	y, mean, rstd []float64
}

func runForward[S, P Storage](t testing.TB, pool *workerpool.Pool, p Params, x, gamma, beta []float64) forwardResult {
	t.Helper()
	y := make([]S, p.Numel())
	mean := make([]P, p.N*p.Groups)
	rstd := make([]P, p.N*p.Groups)
	err := GroupNormForward(pool, p, convert[S](x), convert[P](gamma), convert[P](beta), y, mean, rstd)
	require.NoError(t, err)
	return forwardResult{y: widen(y), mean: widen(mean), rstd: widen(rstd)}
}

func runForwardScalar(t testing.TB, p Params, x, gamma, beta []float64) forwardResult {
	t.Helper()
	y := make([]float64, p.Numel())
	mean := make([]float64, p.N*p.Groups)
	rstd := make([]float64, p.N*p.Groups)
	require.NoError(t, GroupNormForwardScalar(p, x, gamma, beta, y, mean, rstd))
	return forwardResult{y: y, mean: mean, rstd: rstd}
}

type backwardResult struct {
	dx, dgamma, dbeta []float64
}

// runBackward runs a forward pass for the statistics and then the backward
// pass for every gradient.
func runBackward[S, P Storage](t testing.TB, pool *workerpool.Pool, p Params, dy, x, gamma []float64) backwardResult {
	t.Helper()
	xs, gs := convert[S](x), convert[P](gamma)
	y := make([]S, p.Numel())
	mean := make([]P, p.N*p.Groups)
	rstd := make([]P, p.N*p.Groups)
	require.NoError(t, GroupNormForward(pool, p, xs, gs, nil, y, mean, rstd))

	dx := make([]S, p.Numel())
	dgamma := make([]P, p.C)
	dbeta := make([]P, p.C)
	err := GroupNormBackward(pool, p, WantAll, convert[S](dy), xs, mean, rstd, gs, dx, dgamma, dbeta)
	require.NoError(t, err)
	return backwardResult{dx: widen(dx), dgamma: widen(dgamma), dbeta: widen(dbeta)}
}

func runBackwardScalar(t testing.TB, p Params, dy, x, gamma []float64) backwardResult {
	t.Helper()
	fwd := runForwardScalar(t, p, x, gamma, nil)
	dx := make([]float64, p.Numel())
	dgamma := make([]float64, p.C)
	dbeta := make([]float64, p.C)
	err := GroupNormBackwardScalar(p, WantAll, dy, x, fwd.mean, fwd.rstd, gamma, dx, dgamma, dbeta)
	require.NoError(t, err)
	return backwardResult{dx: dx, dgamma: dgamma, dbeta: dbeta}
}

// Thresholds that force one interleaved forward path or the other.
const (
	forceLarge = 1
	forceSmall = 1 << 30
)
