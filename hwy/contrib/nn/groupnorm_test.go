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
	"fmt"
	stdmath "math"
	"os"
	"testing"

	"github.com/ajroetker/go-groupnorm/hwy"
	"github.com/ajroetker/go-groupnorm/hwy/contrib/workerpool"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var forwardShapes = []struct {
	n, c, hxw, groups int
}{
	{1, 4, 1, 2},
	{2, 8, 5, 4},
	{3, 6, 7, 3},
	{2, 32, 17, 8},
	{1, 12, 64, 1},
	{2, 10, 33, 10},
	{1, 66, 9, 2},
}

func TestGroupNormForwardExample(t *testing.T) {
	p := Params{N: 1, C: 4, HxW: 1, Groups: 2, Eps: 1e-5}
	x := []float32{1, 2, 3, 4}
	y := make([]float32, 4)
	mean := make([]float32, 2)
	rstd := make([]float32, 2)
	require.NoError(t, GroupNormForward(nil, p, x, nil, nil, y, mean, rstd))

	wantRstd := 1 / stdmath.Sqrt(0.25+1e-5)
	require.InDeltaSlice(t, []float64{1.5, 3.5}, widen(mean), 1e-6)
	require.InDeltaSlice(t, []float64{wantRstd, wantRstd}, widen(rstd), 1e-4)
	half := 0.5 * wantRstd
	require.InDeltaSlice(t, []float64{-half, half, -half, half}, widen(y), 1e-5)
}

func TestGroupNormForwardMatchesScalar(t *testing.T) {
	for _, layout := range []Layout{Packed, Interleaved} {
		for _, threshold := range []int{forceSmall, forceLarge} {
			if layout == Packed && threshold == forceLarge {
				continue
			}
			for _, sh := range forwardShapes {
				for _, affine := range []string{"none", "gamma", "beta", "both"} {
					name := fmt.Sprintf("%v/threshold=%d/N=%d,C=%d,HxW=%d,G=%d/%s",
						layout, threshold, sh.n, sh.c, sh.hxw, sh.groups, affine)
					t.Run(name, func(t *testing.T) {
						p := Params{N: sh.n, C: sh.c, HxW: sh.hxw, Groups: sh.groups, Eps: 1e-5,
							Layout: layout, SpatialThreshold: threshold}
						x := randomValues(p.Numel(), 1)
						gamma, beta := affineValues(p.C, 2)
						switch affine {
						case "none":
							gamma, beta = nil, nil
						case "gamma":
							beta = nil
						case "beta":
							gamma = nil
						}

						want := runForwardScalar(t, p, x, gamma, beta)

						got32 := runForward[float32, float32](t, nil, p, x, gamma, beta)
						approx32 := cmpopts.EquateApprox(0, 1e-4)
						if diff := cmp.Diff(want.y, got32.y, approx32); diff != "" {
							t.Errorf("float32 y mismatch (-want +got):\n%s", diff)
						}
						if diff := cmp.Diff(want.mean, got32.mean, approx32); diff != "" {
							t.Errorf("float32 mean mismatch (-want +got):\n%s", diff)
						}
						if diff := cmp.Diff(want.rstd, got32.rstd, approx32); diff != "" {
							t.Errorf("float32 rstd mismatch (-want +got):\n%s", diff)
						}

						got64 := runForward[float64, float64](t, nil, p, x, gamma, beta)
						require.InDeltaSlice(t, want.y, got64.y, 1e-10)
						require.InDeltaSlice(t, want.mean, got64.mean, 1e-12)
						require.InDeltaSlice(t, want.rstd, got64.rstd, 1e-10)
					})
				}
			}
		}
	}
}

func TestGroupNormForwardNormalizes(t *testing.T) {
	p := Params{N: 2, C: 12, HxW: 40, Groups: 3, Eps: 1e-5}
	x := randomValues(p.Numel(), 3)
	got := runForward[float64, float64](t, nil, p, x, nil, nil)

	block := p.ChannelsPerGroup() * p.HxW
	for i := range p.N * p.Groups {
		mean, variance := stat.PopMeanVariance(got.y[i*block:(i+1)*block], nil)
		if stdmath.Abs(mean) > 1e-9 {
			t.Errorf("unit %d: mean = %v, want ~0", i, mean)
		}
		if stdmath.Abs(variance-1) > 1e-3 {
			t.Errorf("unit %d: variance = %v, want ~1", i, variance)
		}
	}
}

func TestGroupNormIdentityAffineMatchesNone(t *testing.T) {
	for _, tc := range []struct {
		layout    Layout
		threshold int
	}{
		{Packed, 0},
		{Interleaved, forceSmall},
		{Interleaved, forceLarge},
	} {
		t.Run(fmt.Sprintf("%v/%d", tc.layout, tc.threshold), func(t *testing.T) {
			p := Params{N: 2, C: 8, HxW: 37, Groups: 4, Eps: 1e-5, Layout: tc.layout, SpatialThreshold: tc.threshold}
			x := randomValues(p.Numel(), 4)
			ones, zeros := make([]float64, p.C), make([]float64, p.C)
			for i := range ones {
				ones[i] = 1
			}

			none := runForward[float32, float32](t, nil, p, x, nil, nil)
			identity := runForward[float32, float32](t, nil, p, x, ones, zeros)
			require.Equal(t, none.y, identity.y)
			require.Equal(t, none.mean, identity.mean)
			require.Equal(t, none.rstd, identity.rstd)
		})
	}
}

func TestGroupNormLayoutsAgree(t *testing.T) {
	for _, sh := range forwardShapes {
		t.Run(fmt.Sprintf("N=%d,C=%d,HxW=%d,G=%d", sh.n, sh.c, sh.hxw, sh.groups), func(t *testing.T) {
			p := Params{N: sh.n, C: sh.c, HxW: sh.hxw, Groups: sh.groups, Eps: 1e-5}
			x := randomValues(p.Numel(), 5)
			gamma, beta := affineValues(p.C, 6)

			packed := runForward[float32, float32](t, nil, p, x, gamma, beta)

			p.Layout = Interleaved
			for _, threshold := range []int{forceSmall, forceLarge} {
				p.SpatialThreshold = threshold
				inter := runForward[float32, float32](t, nil, p, toInterleaved(x, p.N, p.C, p.HxW), gamma, beta)
				want := toInterleaved(packed.y, p.N, p.C, p.HxW)
				if !floats.EqualApprox(want, inter.y, 1e-4) {
					t.Errorf("threshold %d: interleaved output differs from packed", threshold)
				}
				if !floats.EqualApprox(packed.mean, inter.mean, 1e-5) {
					t.Errorf("threshold %d: mean %v, want %v", threshold, inter.mean, packed.mean)
				}
				if !floats.EqualApprox(packed.rstd, inter.rstd, 1e-3) {
					t.Errorf("threshold %d: rstd %v, want %v", threshold, inter.rstd, packed.rstd)
				}
			}
		})
	}
}

func TestGroupNormConstantGroup(t *testing.T) {
	for _, layout := range []Layout{Packed, Interleaved} {
		t.Run(layout.String(), func(t *testing.T) {
			p := Params{N: 1, C: 4, HxW: 9, Groups: 2, Eps: 1e-5, Layout: layout}
			x := make([]float64, p.Numel())
			for i := range x {
				x[i] = 3.25
			}
			gamma, beta := affineValues(p.C, 7)

			got := runForward[float64, float64](t, nil, p, x, gamma, beta)
			for _, r := range got.rstd {
				require.InDelta(t, 1/stdmath.Sqrt(p.Eps), r, 1e-6)
			}
			for _, m := range got.mean {
				require.InDelta(t, 3.25, m, 1e-12)
			}
			for c := range p.C {
				for m := range p.HxW {
					require.InDelta(t, beta[c], got.y[p.index(0, c, m)], 1e-9)
				}
			}
		})
	}
}

func TestGroupNormWorkerCountIndependence(t *testing.T) {
	p := Params{N: 2, C: 32, HxW: 300, Groups: 8, Eps: 1e-5}
	require.GreaterOrEqual(t, p.Numel(), MinParallelElements)
	x := randomValues(p.Numel(), 8)
	gamma, beta := affineValues(p.C, 9)

	for _, layout := range []Layout{Packed, Interleaved} {
		for _, threshold := range []int{forceSmall, forceLarge} {
			p.Layout, p.SpatialThreshold = layout, threshold
			want := runForward[float32, float32](t, nil, p, x, gamma, beta)
			for _, workers := range []int{1, 3, 8} {
				t.Run(fmt.Sprintf("%v/%d/workers=%d", layout, threshold, workers), func(t *testing.T) {
					pool := workerpool.New(workers)
					defer pool.Close()
					got := runForward[float32, float32](t, pool, p, x, gamma, beta)
					if layout == Packed || threshold == forceSmall {
						// Per-unit work is identical however units are scheduled.
						require.Equal(t, want.y, got.y)
						require.Equal(t, want.rstd, got.rstd)
						return
					}
					require.InDeltaSlice(t, want.y, got.y, 1e-4)
					require.InDeltaSlice(t, want.mean, got.mean, 1e-5)
				})
			}
		}
	}
}

func TestGroupNormForwardValidation(t *testing.T) {
	valid := Params{N: 2, C: 4, HxW: 3, Groups: 2, Eps: 1e-5}
	numel := valid.Numel()
	tests := []struct {
		name    string
		p       Params
		x, y    int
		stats   int
		gamma   int
		wantErr error
	}{
		{"zero channels", Params{N: 2, C: 0, HxW: 3, Groups: 2}, numel, numel, 4, -1, ErrShape},
		{"zero groups", Params{N: 2, C: 4, HxW: 3, Groups: 0}, numel, numel, 4, -1, ErrShape},
		{"zero spatial", Params{N: 2, C: 4, HxW: 0, Groups: 2}, numel, numel, 4, -1, ErrShape},
		{"negative batch", Params{N: -1, C: 4, HxW: 3, Groups: 2}, numel, numel, 4, -1, ErrShape},
		{"groups do not divide channels", Params{N: 2, C: 4, HxW: 3, Groups: 3}, numel, numel, 6, -1, ErrGroups},
		{"unknown layout", Params{N: 2, C: 4, HxW: 3, Groups: 2, Layout: 7}, numel, numel, 4, -1, ErrLayout},
		{"short x", valid, numel - 1, numel, 4, -1, ErrShape},
		{"long y", valid, numel, numel + 1, 4, -1, ErrShape},
		{"short stats", valid, numel, numel, 3, -1, ErrShape},
		{"short gamma", valid, numel, numel, 4, 3, ErrShape},
		{"empty non-nil gamma", valid, numel, numel, 4, 0, ErrShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := filled[float32](tt.x, 1)
			y := filled[float32](tt.y, 7)
			mean := filled[float32](tt.stats, 7)
			rstd := filled[float32](tt.stats, 7)
			var gamma []float32
			if tt.gamma >= 0 {
				gamma = make([]float32, tt.gamma)
			}
			err := GroupNormForward(nil, tt.p, x, gamma, nil, y, mean, rstd)
			require.ErrorIs(t, err, tt.wantErr)
			for _, v := range append(append(y, mean...), rstd...) {
				require.Equal(t, float32(7), v, "output written despite error")
			}
		})
	}
}

func TestGroupNormForwardEmptyBatch(t *testing.T) {
	p := Params{N: 0, C: 4, HxW: 3, Groups: 2, Eps: 1e-5}
	err := GroupNormForward[float32, float32](nil, p, []float32{}, nil, nil, []float32{}, []float32{}, []float32{})
	require.NoError(t, err)
}

func TestGroupNormParamTypes(t *testing.T) {
	p := Params{N: 1, C: 2, HxW: 2, Groups: 1, Eps: 1e-5}
	stats := func() []float64 { return make([]float64, 1) }

	err := GroupNormForward(nil, p, make([]float32, 4), nil, nil, make([]float32, 4), stats(), stats())
	require.ErrorIs(t, err, ErrParamType)

	err = GroupNormForward(nil, p, make([]float64, 4), nil, nil, make([]float64, 4), make([]float32, 1), make([]float32, 1))
	require.ErrorIs(t, err, ErrParamType)

	err = GroupNormForward(nil, p, make([]hwy.Float16, 4), nil, nil, make([]hwy.Float16, 4),
		make([]hwy.BFloat16, 1), make([]hwy.BFloat16, 1))
	require.ErrorIs(t, err, ErrParamType)

	err = GroupNormForward(nil, p, make([]hwy.BFloat16, 4), nil, nil, make([]hwy.BFloat16, 4),
		make([]float32, 1), make([]float32, 1))
	require.NoError(t, err)
}

func testHalfForward[S Storage](t *testing.T, tol float64) {
	for _, layout := range []Layout{Packed, Interleaved} {
		for _, threshold := range []int{forceSmall, forceLarge} {
			p := Params{N: 2, C: 12, HxW: 21, Groups: 3, Eps: 1e-5, Layout: layout, SpatialThreshold: threshold}
			x := roundTrip[S](randomValues(p.Numel(), 10))
			gamma, beta := affineValues(p.C, 11)
			want := runForwardScalar(t, p, x, gamma, beta)

			t.Run(fmt.Sprintf("%v/%d/float32-params", layout, threshold), func(t *testing.T) {
				got := runForward[S, float32](t, nil, p, x, gamma, beta)
				require.InDeltaSlice(t, want.y, got.y, tol)
				require.InDeltaSlice(t, want.mean, got.mean, 1e-4)
				require.InDeltaSlice(t, want.rstd, got.rstd, 1e-3)
			})
			t.Run(fmt.Sprintf("%v/%d/matched-params", layout, threshold), func(t *testing.T) {
				g, b := roundTrip[S](gamma), roundTrip[S](beta)
				ref := runForwardScalar(t, p, x, g, b)
				got := runForward[S, S](t, nil, p, x, g, b)
				require.InDeltaSlice(t, ref.y, got.y, tol)
				require.InDeltaSlice(t, ref.mean, got.mean, tol)
			})
		}
	}
}

func TestGroupNormForwardFloat16(t *testing.T) {
	testHalfForward[hwy.Float16](t, 1e-2)
}

func TestGroupNormForwardBFloat16(t *testing.T) {
	testHalfForward[hwy.BFloat16](t, 5e-2)
}

func TestDefaultSpatialThreshold(t *testing.T) {
	if os.Getenv(SpatialThresholdEnv) == "" {
		require.Equal(t, 1024, DefaultSpatialThreshold())
	}
	require.Equal(t, 5, Params{SpatialThreshold: 5}.threshold())
	require.Equal(t, DefaultSpatialThreshold(), Params{}.threshold())
}

func TestLayoutString(t *testing.T) {
	require.Equal(t, "packed", Packed.String())
	require.Equal(t, "interleaved", Interleaved.String())
	require.Equal(t, "Layout(9)", Layout(9).String())
}

func BenchmarkGroupNormForward(b *testing.B) {
	pool := workerpool.New(0)
	defer pool.Close()

	for _, bc := range []struct {
		layout    Layout
		hxw       int
		threshold int
	}{
		{Packed, 4096, 0},
		{Interleaved, 64, 0},
		{Interleaved, 4096, 0},
		{Interleaved, 4096, forceSmall},
	} {
		p := Params{N: 4, C: 64, HxW: bc.hxw, Groups: 32, Eps: 1e-5, Layout: bc.layout, SpatialThreshold: bc.threshold}
		x := convert[float32](randomValues(p.Numel(), 12))
		y := make([]float32, p.Numel())
		mean := make([]float32, p.N*p.Groups)
		rstd := make([]float32, p.N*p.Groups)
		b.Run(fmt.Sprintf("%v/HxW=%d/threshold=%d", bc.layout, bc.hxw, p.threshold()), func(b *testing.B) {
			b.SetBytes(int64(p.Numel() * 4 * 2))
			for b.Loop() {
				_ = GroupNormForward[float32, float32](pool, p, x, nil, nil, y, mean, rstd)
			}
		})
	}
}
