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
	"errors"
	stdmath "math"

	"github.com/ajroetker/go-groupnorm/hwy"
)

// ToFloat64 widens one tensor element.
func ToFloat64[T Storage](v T) float64 {
	switch x := any(v).(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case hwy.Float16:
		return float64(x.Float32())
	case hwy.BFloat16:
		return float64(x.Float32())
	}
	return 0
}

// FromFloat64 rounds f to nearest even in the tensor element type.
func FromFloat64[T Storage](f float64) T {
	var out any
	var zero T
	switch any(zero).(type) {
	case float32:
		out = float32(f)
	case float64:
		out = f
	case hwy.Float16:
		out = hwy.Float32ToFloat16(float32(f))
	case hwy.BFloat16:
		out = hwy.Float32ToBFloat16(float32(f))
	}
	return out.(T)
}

// index maps (n, c, m) to a flat offset in either layout.
func (p Params) index(n, c, m int) int {
	if p.Layout == Interleaved {
		return (n*p.HxW+m)*p.C + c
	}
	return (n*p.C+c)*p.HxW + m
}

func optional[P Storage](v []P, c int, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return ToFloat64(v[c])
}

// GroupNormForwardScalar is a float64 reference for GroupNormForward. It
// checks shapes like GroupNormForward and computes element at a time, with
// no vectors or workers.
func GroupNormForwardScalar[S, P Storage](p Params, x []S, gamma, beta []P, y []S, mean, rstd []P) error {
	if err := p.Validate(); err != nil {
		return err
	}
	numel, units := p.Numel(), p.N*p.Groups
	if err := errors.Join(
		checkLen("x", len(x), numel),
		checkLen("y", len(y), numel),
		checkLen("mean", len(mean), units),
		checkLen("rstd", len(rstd), units),
		checkOptional("gamma", len(gamma), p.C, gamma != nil),
		checkOptional("beta", len(beta), p.C, beta != nil),
	); err != nil {
		return err
	}

	d := p.ChannelsPerGroup()
	count := float64(d * p.HxW)
	for n := range p.N {
		for g := range p.Groups {
			var sum float64
			for c := g * d; c < (g+1)*d; c++ {
				for m := range p.HxW {
					sum += ToFloat64(x[p.index(n, c, m)])
				}
			}
			mu := sum / count
			var sq float64
			for c := g * d; c < (g+1)*d; c++ {
				for m := range p.HxW {
					diff := ToFloat64(x[p.index(n, c, m)]) - mu
					sq += diff * diff
				}
			}
			rs := 1 / stdmath.Sqrt(sq/count+p.Eps)

			for c := g * d; c < (g+1)*d; c++ {
				gam, bet := optional(gamma, c, 1), optional(beta, c, 0)
				for m := range p.HxW {
					i := p.index(n, c, m)
					y[i] = FromFloat64[S]((ToFloat64(x[i])-mu)*rs*gam + bet)
				}
			}
			mean[n*p.Groups+g] = FromFloat64[P](mu)
			rstd[n*p.Groups+g] = FromFloat64[P](rs)
		}
	}
	return nil
}

// GroupNormBackwardScalar is a float64 reference for GroupNormBackward.
func GroupNormBackwardScalar[S, P Storage](p Params, want Want, dy, x []S, mean, rstd, gamma []P, dx []S, dgamma, dbeta []P) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if want&WantAll == 0 {
		return ErrNoGradients
	}
	numel, units := p.Numel(), p.N*p.Groups
	if err := errors.Join(
		checkLen("dy", len(dy), numel),
		checkLen("x", len(x), numel),
		checkLen("mean", len(mean), units),
		checkLen("rstd", len(rstd), units),
		checkOptional("gamma", len(gamma), p.C, gamma != nil),
		checkOptional("dx", len(dx), numel, want&WantDX != 0),
		checkOptional("dgamma", len(dgamma), p.C, want&WantDGamma != 0),
		checkOptional("dbeta", len(dbeta), p.C, want&WantDBeta != 0),
	); err != nil {
		return err
	}

	d := p.ChannelsPerGroup()
	s := 1 / float64(d*p.HxW)
	dgammaAcc := make([]float64, p.C)
	dbetaAcc := make([]float64, p.C)
	for n := range p.N {
		for g := range p.Groups {
			mu := ToFloat64(mean[n*p.Groups+g])
			rs := ToFloat64(rstd[n*p.Groups+g])

			var dsg, dbg float64
			for c := g * d; c < (g+1)*d; c++ {
				var ds, db float64
				for m := range p.HxW {
					i := p.index(n, c, m)
					ds += ToFloat64(dy[i]) * ToFloat64(x[i])
					db += ToFloat64(dy[i])
				}
				gam := optional(gamma, c, 1)
				dsg += ds * gam
				dbg += db * gam
				dgammaAcc[c] += (ds - db*mu) * rs
				dbetaAcc[c] += db
			}
			if want&WantDX == 0 {
				continue
			}

			c2 := (dbg*mu - dsg) * rs * rs * rs * s
			c3 := -c2*mu - dbg*rs*s
			for c := g * d; c < (g+1)*d; c++ {
				c1 := rs * optional(gamma, c, 1)
				for m := range p.HxW {
					i := p.index(n, c, m)
					dx[i] = FromFloat64[S](c1*ToFloat64(dy[i]) + c2*ToFloat64(x[i]) + c3)
				}
			}
		}
	}

	for c := range p.C {
		if want&WantDGamma != 0 {
			dgamma[c] = FromFloat64[P](dgammaAcc[c])
		}
		if want&WantDBeta != 0 {
			dbeta[c] = FromFloat64[P](dbetaAcc[c])
		}
	}
	return nil
}
