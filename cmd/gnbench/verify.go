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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"github.com/ajroetker/go-groupnorm/hwy"
	"github.com/ajroetker/go-groupnorm/hwy/contrib/nn"
	"github.com/ajroetker/go-groupnorm/hwy/contrib/workerpool"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// agreement compares one kernel against the float64 reference and returns
// the largest absolute difference over every output.
type agreement func(pool *workerpool.Pool, p nn.Params) (float64, error)

type checker struct {
	forward, backward agreement
	tol               float64
}

var checkers = map[string]checker{
	"f32":  {forwardAgreement[float32, float32], backwardAgreement[float32, float32], 1e-3},
	"f64":  {forwardAgreement[float64, float64], backwardAgreement[float64, float64], 1e-9},
	"f16":  {forwardAgreement[hwy.Float16, float32], backwardAgreement[hwy.Float16, float32], 2e-2},
	"bf16": {forwardAgreement[hwy.BFloat16, float32], backwardAgreement[hwy.BFloat16, float32], 1e-1},
}

func widenAll[S nn.Storage](v []S) []float64 {
	if v == nil {
		return nil
	}
	return lo.Map(v, func(x S, _ int) float64 { return nn.ToFloat64(x) })
}

func maxDiff(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return floats.Distance(a, b, math.Inf(1))
}

func forwardAgreement[S, P nn.Storage](pool *workerpool.Pool, p nn.Params) (float64, error) {
	x := randomTensor[S](p.Numel(), 3)
	gamma, beta := affineParams[P](p.C)
	y := make([]S, p.Numel())
	mean := make([]P, p.N*p.Groups)
	rstd := make([]P, p.N*p.Groups)
	if err := nn.GroupNormForward(pool, p, x, gamma, beta, y, mean, rstd); err != nil {
		return 0, err
	}

	ref := make([]float64, p.Numel())
	refMean := make([]float64, p.N*p.Groups)
	refRstd := make([]float64, p.N*p.Groups)
	err := nn.GroupNormForwardScalar(p, widenAll(x), widenAll(gamma), widenAll(beta), ref, refMean, refRstd)
	if err != nil {
		return 0, err
	}
	return max(maxDiff(ref, widenAll(y)), maxDiff(refMean, widenAll(mean))), nil
}

func backwardAgreement[S, P nn.Storage](pool *workerpool.Pool, p nn.Params) (float64, error) {
	x := randomTensor[S](p.Numel(), 4)
	dy := randomTensor[S](p.Numel(), 5)
	gamma, _ := affineParams[P](p.C)
	mean := make([]P, p.N*p.Groups)
	rstd := make([]P, p.N*p.Groups)
	if err := nn.GroupNormForward(pool, p, x, gamma, nil, make([]S, p.Numel()), mean, rstd); err != nil {
		return 0, err
	}
	dx := make([]S, p.Numel())
	dgamma := make([]P, p.C)
	dbeta := make([]P, p.C)
	if err := nn.GroupNormBackward(pool, p, nn.WantAll, dy, x, mean, rstd, gamma, dx, dgamma, dbeta); err != nil {
		return 0, err
	}

	refDX := make([]float64, p.Numel())
	refDGamma := make([]float64, p.C)
	refDBeta := make([]float64, p.C)
	err := nn.GroupNormBackwardScalar(p, nn.WantAll, widenAll(dy), widenAll(x), widenAll(mean), widenAll(rstd),
		widenAll(gamma), refDX, refDGamma, refDBeta)
	if err != nil {
		return 0, err
	}
	// Parameter gradients are sums over N*HxW terms; compare them relative
	// to that count.
	count := float64(p.N * p.HxW)
	return max(
		maxDiff(refDX, widenAll(dx)),
		maxDiff(refDGamma, widenAll(dgamma))/count,
		maxDiff(refDBeta, widenAll(dbeta))/count,
	), nil
}

// verifyCase is one shape, layout, path and tensor type.
type verifyCase struct {
	dtype    string
	backward bool
	p        nn.Params
	diff     float64
}

func (c verifyCase) String() string {
	op := lo.Ternary(c.backward, "backward", "forward")
	return fmt.Sprintf("%s %s %v threshold=%d N=%d C=%d HxW=%d G=%d",
		op, c.dtype, c.p.Layout, c.p.SpatialThreshold, c.p.N, c.p.C, c.p.HxW, c.p.Groups)
}

func verifyCases(shapes []nn.Params) []verifyCase {
	var cases []verifyCase
	for _, dtype := range []string{"f32", "f64", "f16", "bf16"} {
		for _, base := range shapes {
			for _, layout := range []nn.Layout{nn.Packed, nn.Interleaved} {
				for _, threshold := range []int{1, math.MaxInt} {
					if layout == nn.Packed && threshold == 1 {
						continue
					}
					p := base
					p.Layout, p.SpatialThreshold = layout, threshold
					cases = append(cases,
						verifyCase{dtype: dtype, p: p},
						verifyCase{dtype: dtype, p: p, backward: true})
				}
			}
		}
	}
	return cases
}

// runVerify checks every case concurrently, at most limit at a time, and
// returns the cases whose difference exceeded their tolerance.
func runVerify(ctx context.Context, pool *workerpool.Pool, cases []verifyCase, limit int) ([]verifyCase, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i := range cases {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := &cases[i]
			check := checkers[c.dtype]
			run := lo.Ternary(c.backward, check.backward, check.forward)
			diff, err := run(pool, c.p)
			if err != nil {
				return fmt.Errorf("%v: %w", c, err)
			}
			c.diff = diff
			slog.Debug("verified", "case", c.String(), "maxdiff", diff)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lo.Filter(cases, func(c verifyCase, _ int) bool {
		return c.diff > checkers[c.dtype].tol
	}), nil
}

var verifyShapes = []nn.Params{
	{N: 1, C: 4, HxW: 3, Groups: 2, Eps: 1e-5},
	{N: 2, C: 6, HxW: 7, Groups: 3, Eps: 1e-5},
	{N: 3, C: 32, HxW: 50, Groups: 8, Eps: 1e-5},
	{N: 2, C: 66, HxW: 33, Groups: 2, Eps: 1e-5},
	{N: 2, C: 64, HxW: 300, Groups: 32, Eps: 1e-5},
}

func newVerifyCmd() *cobra.Command {
	var workers, parallel int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Cross-check every kernel path against the float64 reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool := newPool(workers)
			if pool != nil {
				defer pool.Close()
			}
			cases := verifyCases(verifyShapes)
			failed, err := runVerify(cmd.Context(), pool, cases, parallel)
			if err != nil {
				return err
			}
			for _, c := range failed {
				slog.Error("mismatch", "case", c.String(), "maxdiff", c.diff, "tol", checkers[c.dtype].tol)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d cases exceeded tolerance", len(failed), len(cases))
			}
			worst := lo.MaxBy(cases, func(a, b verifyCase) bool {
				return a.diff/checkers[a.dtype].tol > b.diff/checkers[b.dtype].tol
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%d cases agree; closest to tolerance: %v (%.3g)\n", len(cases), worst, worst.diff)
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker pool size, 0 for GOMAXPROCS, 1 for inline")
	cmd.Flags().IntVar(&parallel, "parallel", runtime.GOMAXPROCS(0), "cases checked at once")
	return cmd
}
