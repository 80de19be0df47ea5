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
	"fmt"
	"log/slog"
	"math"
	"slices"
	"text/tabwriter"

	"github.com/ajroetker/go-groupnorm/hwy/contrib/nn"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// sweepPoint compares the two interleaved forward paths at one HxW.
type sweepPoint struct {
	hxw          int
	small, large timing
}

func (s sweepPoint) largeWins() bool {
	return s.large.perIter() < s.small.perIter()
}

// suggestThreshold returns the smallest swept HxW from which the four-phase
// path wins at every larger size, or one past the largest size when the
// per-group path always wins.
func suggestThreshold(points []sweepPoint) int {
	if len(points) == 0 {
		return nn.DefaultSpatialThreshold()
	}
	threshold := points[len(points)-1].hxw + 1
	for i := len(points) - 1; i >= 0 && points[i].largeWins(); i-- {
		threshold = points[i].hxw
	}
	return threshold
}

func newTuneCmd() *cobra.Command {
	var f shapeFlags
	var sizes []int
	var iters int
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Sweep HxW to locate the interleaved forward crossover",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.layout = "interleaved"
			run, err := lookupRun(forwardRuns, f.dtype)
			if err != nil {
				return err
			}
			pool := newPool(f.workers)
			if pool != nil {
				defer pool.Close()
			}

			sizes = lo.Uniq(lo.Filter(sizes, func(v int, _ int) bool { return v > 0 }))
			slices.Sort(sizes)
			points := make([]sweepPoint, 0, len(sizes))
			for _, hxw := range sizes {
				f.hxw = hxw
				p, err := f.params()
				if err != nil {
					return err
				}
				pt := sweepPoint{hxw: hxw}
				p.SpatialThreshold = math.MaxInt
				if pt.small, err = run(pool, p, iters); err != nil {
					return err
				}
				p.SpatialThreshold = 1
				if pt.large, err = run(pool, p, iters); err != nil {
					return err
				}
				slog.Debug("swept", "HxW", hxw, "small", pt.small.perIter(), "large", pt.large.perIter())
				points = append(points, pt)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HxW\tper-group\tfour-phase\twinner")
			for _, pt := range points {
				winner := lo.Ternary(pt.largeWins(), "four-phase", "per-group")
				fmt.Fprintf(w, "%d\t%v\t%v\t%s\n", pt.hxw, pt.small.perIter(), pt.large.perIter(), winner)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%d\n", nn.SpatialThresholdEnv, suggestThreshold(points))
			return nil
		},
	}
	f.registerSweep(cmd)
	cmd.Flags().IntSliceVar(&sizes, "sizes", []int{16, 64, 256, 512, 1024, 2048, 4096, 16384}, "HxW values to sweep")
	cmd.Flags().IntVar(&iters, "iters", 10, "timed iterations per point")
	return cmd
}
