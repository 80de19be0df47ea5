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

// Command gnbench times, tunes and cross-checks the group normalization
// kernels.
//
// Usage:
//
//	gnbench forward  -n 8 -c 256 --hxw 4096 --groups 32 --layout interleaved --dtype f16
//	gnbench backward -n 8 -c 256 --hxw 4096 --groups 32
//	gnbench tune     -c 256 --groups 32 --sizes 64,256,1024,4096,16384
//	gnbench verify
//
// tune prints the HxW at which the four-phase interleaved path overtakes the
// per-group path, suitable for HWY_GROUPNORM_SPATIAL_THRESHOLD.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ajroetker/go-groupnorm/hwy"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gnbench:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "gnbench",
		Short:         "Benchmark and verify SIMD group normalization",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
			slog.SetDefault(slog.New(handler).With("simd", hwy.CurrentName(), "f16c", hwy.HasF16C()))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log per-iteration details")

	root.AddCommand(
		newForwardCmd(),
		newBackwardCmd(),
		newTuneCmd(),
		newVerifyCmd(),
	)
	return root
}
