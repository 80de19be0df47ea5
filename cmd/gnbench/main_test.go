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
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ajroetker/go-groupnorm/hwy"
	"github.com/ajroetker/go-groupnorm/hwy/contrib/nn"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestForwardCommand(t *testing.T) {
	for _, dtype := range []string{"f32", "f64", "f16", "bf16"} {
		out := execute(t, "forward", "-n", "1", "-c", "8", "--hxw", "16", "-g", "4",
			"--layout", "interleaved", "--dtype", dtype, "--iters", "2", "-w", "1")
		require.True(t, strings.HasPrefix(out, "forward "+dtype+" interleaved"), out)
	}
}

func TestBackwardCommand(t *testing.T) {
	out := execute(t, "backward", "-n", "2", "-c", "8", "--hxw", "9", "-g", "2", "--iters", "1", "-w", "2")
	require.Contains(t, out, "backward f32 packed N=2 C=8 HxW=9 G=2")
}

func TestVerboseLogsTarget(t *testing.T) {
	var stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&stderr)
	root.SetArgs([]string{"forward", "-v", "-n", "1", "-c", "4", "--hxw", "4", "-g", "2", "--iters", "1", "-w", "1"})
	require.NoError(t, root.Execute())
	require.Contains(t, stderr.String(), "simd="+hwy.CurrentName())
	require.Contains(t, stderr.String(), fmt.Sprintf("f16c=%v", hwy.HasF16C()))
}

func TestCommandRejectsBadInput(t *testing.T) {
	for _, args := range [][]string{
		{"forward", "--dtype", "int8"},
		{"forward", "--layout", "diagonal"},
		{"forward", "-c", "10", "-g", "3"},
		{"tune", "--layout", "packed"},
		{"tune", "--hxw", "64"},
		{"tune", "--threshold", "8"},
	} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		require.Error(t, root.Execute(), "args %v", args)
	}
}

func TestTuneCommand(t *testing.T) {
	out := execute(t, "tune", "-n", "1", "-c", "8", "-g", "2", "--sizes", "4,16", "--iters", "1", "-w", "1")
	require.Contains(t, out, nn.SpatialThresholdEnv+"=")
}

func TestSuggestThreshold(t *testing.T) {
	point := func(hxw int, smallNs, largeNs int) sweepPoint {
		return sweepPoint{
			hxw:   hxw,
			small: timing{iters: 1, total: time.Duration(smallNs)},
			large: timing{iters: 1, total: time.Duration(largeNs)},
		}
	}
	require.Equal(t, 1024, suggestThreshold([]sweepPoint{
		point(256, 1, 2), point(512, 3, 4), point(1024, 9, 5), point(4096, 30, 10),
	}))
	// A win below a loss does not count.
	require.Equal(t, 4096, suggestThreshold([]sweepPoint{
		point(256, 5, 1), point(1024, 1, 5), point(4096, 30, 10),
	}))
	require.Equal(t, 4097, suggestThreshold([]sweepPoint{point(4096, 1, 2)}))
}

func TestRunVerify(t *testing.T) {
	cases := verifyCases([]nn.Params{{N: 2, C: 6, HxW: 5, Groups: 3, Eps: 1e-5}})
	require.Len(t, cases, 4*3*2)
	failed, err := runVerify(context.Background(), nil, cases, 4)
	require.NoError(t, err)
	require.Empty(t, failed)
}
