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
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ajroetker/go-groupnorm/hwy"
	"github.com/ajroetker/go-groupnorm/hwy/contrib/nn"
	"github.com/ajroetker/go-groupnorm/hwy/contrib/workerpool"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// timing is the outcome of one timed loop.
type timing struct {
	iters int
	total time.Duration
	bytes int64 // bytes moved per iteration
}

func (t timing) perIter() time.Duration {
	if t.iters == 0 {
		return 0
	}
	return t.total / time.Duration(t.iters)
}

func (t timing) gbps() float64 {
	if t.total <= 0 {
		return 0
	}
	return float64(t.bytes) * float64(t.iters) / t.total.Seconds() / 1e9
}

// kernelRun times iters calls of one kernel for one tensor type.
type kernelRun func(pool *workerpool.Pool, p nn.Params, iters int) (timing, error)

var forwardRuns = map[string]kernelRun{
	"f32":  timeForward[float32, float32],
	"f64":  timeForward[float64, float64],
	"f16":  timeForward[hwy.Float16, float32],
	"bf16": timeForward[hwy.BFloat16, float32],
}

var backwardRuns = map[string]kernelRun{
	"f32":  timeBackward[float32, float32],
	"f64":  timeBackward[float64, float64],
	"f16":  timeBackward[hwy.Float16, float32],
	"bf16": timeBackward[hwy.BFloat16, float32],
}

func dtypes(runs map[string]kernelRun) string {
	keys := lo.Keys(runs)
	slices.Sort(keys)
	return strings.Join(keys, ", ")
}

func lookupRun(runs map[string]kernelRun, dtype string) (kernelRun, error) {
	run, ok := runs[strings.ToLower(dtype)]
	if !ok {
		return nil, fmt.Errorf("unknown dtype %q, want one of %s", dtype, dtypes(runs))
	}
	return run, nil
}

// newPool returns nil for a single worker so the kernels run inline.
func newPool(workers int) *workerpool.Pool {
	if workers == 1 {
		return nil
	}
	return workerpool.New(workers)
}

func elemSize[S nn.Storage]() int64 {
	var zero S
	return int64(binary.Size(zero))
}

func timeForward[S, P nn.Storage](pool *workerpool.Pool, p nn.Params, iters int) (timing, error) {
	x := randomTensor[S](p.Numel(), 1)
	gamma, beta := affineParams[P](p.C)
	y := make([]S, p.Numel())
	mean := make([]P, p.N*p.Groups)
	rstd := make([]P, p.N*p.Groups)

	// One untimed call to fault in every buffer.
	if err := nn.GroupNormForward(pool, p, x, gamma, beta, y, mean, rstd); err != nil {
		return timing{}, err
	}
	start := time.Now()
	for range iters {
		if err := nn.GroupNormForward(pool, p, x, gamma, beta, y, mean, rstd); err != nil {
			return timing{}, err
		}
	}
	return timing{iters: iters, total: time.Since(start), bytes: 2 * int64(p.Numel()) * elemSize[S]()}, nil
}

func timeBackward[S, P nn.Storage](pool *workerpool.Pool, p nn.Params, iters int) (timing, error) {
	x := randomTensor[S](p.Numel(), 1)
	dy := randomTensor[S](p.Numel(), 2)
	gamma, _ := affineParams[P](p.C)
	mean := make([]P, p.N*p.Groups)
	rstd := make([]P, p.N*p.Groups)
	if err := nn.GroupNormForward(pool, p, x, gamma, nil, make([]S, p.Numel()), mean, rstd); err != nil {
		return timing{}, err
	}

	dx := make([]S, p.Numel())
	dgamma := make([]P, p.C)
	dbeta := make([]P, p.C)
	start := time.Now()
	for range iters {
		err := nn.GroupNormBackward(pool, p, nn.WantAll, dy, x, mean, rstd, gamma, dx, dgamma, dbeta)
		if err != nil {
			return timing{}, err
		}
	}
	return timing{iters: iters, total: time.Since(start), bytes: 3 * int64(p.Numel()) * elemSize[S]()}, nil
}

func newTimedCmd(use, short string, runs map[string]kernelRun) *cobra.Command {
	var f shapeFlags
	var iters int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := f.params()
			if err != nil {
				return err
			}
			run, err := lookupRun(runs, f.dtype)
			if err != nil {
				return err
			}
			pool := newPool(f.workers)
			if pool != nil {
				defer pool.Close()
			}

			slog.Debug("timing", "op", use, "dtype", f.dtype, "layout", p.Layout,
				"N", p.N, "C", p.C, "HxW", p.HxW, "groups", p.Groups, "iters", iters)
			tm, err := run(pool, p, iters)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %v N=%d C=%d HxW=%d G=%d: %v/iter %.2f GB/s\n",
				use, f.dtype, p.Layout, p.N, p.C, p.HxW, p.Groups, tm.perIter(), tm.gbps())
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&iters, "iters", 20, "timed iterations")
	return cmd
}

func newForwardCmd() *cobra.Command {
	return newTimedCmd("forward", "Time GroupNormForward", forwardRuns)
}

func newBackwardCmd() *cobra.Command {
	return newTimedCmd("backward", "Time GroupNormBackward for every gradient", backwardRuns)
}
