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
	"math/rand/v2"
	"strings"

	"github.com/ajroetker/go-groupnorm/hwy/contrib/nn"
	"github.com/spf13/cobra"
)

// shapeFlags are the tensor flags shared by every subcommand.
type shapeFlags struct {
	n, c, hxw, groups int
	eps               float64
	layout            string
	dtype             string
	threshold         int
	workers           int
}

// registerSweep registers the flags that stay fixed while tune sweeps HxW,
// layout and threshold itself.
func (f *shapeFlags) registerSweep(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVarP(&f.n, "batch", "n", 4, "batch size N")
	fs.IntVarP(&f.c, "channels", "c", 64, "channels C")
	fs.IntVarP(&f.groups, "groups", "g", 32, "groups G, must divide C")
	fs.Float64Var(&f.eps, "eps", 1e-5, "variance epsilon")
	fs.StringVar(&f.dtype, "dtype", "f32", "tensor type: f32, f64, f16 or bf16")
	fs.IntVarP(&f.workers, "workers", "w", 0, "worker pool size, 0 for GOMAXPROCS, 1 for inline")
}

func (f *shapeFlags) register(cmd *cobra.Command) {
	f.registerSweep(cmd)
	fs := cmd.Flags()
	fs.IntVar(&f.hxw, "hxw", 1024, "spatial size HxW")
	fs.StringVar(&f.layout, "layout", "packed", "memory layout: packed or interleaved")
	fs.IntVar(&f.threshold, "threshold", 0, "interleaved spatial threshold, 0 for the default")
}

func parseLayout(s string) (nn.Layout, error) {
	switch strings.ToLower(s) {
	case "packed", "nchw":
		return nn.Packed, nil
	case "interleaved", "nhwc", "channels-last":
		return nn.Interleaved, nil
	}
	return 0, fmt.Errorf("unknown layout %q", s)
}

func (f *shapeFlags) params() (nn.Params, error) {
	layout, err := parseLayout(f.layout)
	if err != nil {
		return nn.Params{}, err
	}
	p := nn.Params{
		N:                f.n,
		C:                f.c,
		HxW:              f.hxw,
		Groups:           f.groups,
		Eps:              f.eps,
		Layout:           layout,
		SpatialThreshold: f.threshold,
	}
	return p, p.Validate()
}

// randomTensor returns n deterministic values in [-2, 2) as S.
func randomTensor[S nn.Storage](n int, seed uint64) []S {
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	out := make([]S, n)
	for i := range out {
		out[i] = nn.FromFloat64[S](rng.Float64()*4 - 2)
	}
	return out
}

// affineParams returns gamma near one and beta near zero.
func affineParams[P nn.Storage](c int) (gamma, beta []P) {
	gamma, beta = make([]P, c), make([]P, c)
	for i := range c {
		gamma[i] = nn.FromFloat64[P](1 + float64(i%7)*0.05)
		beta[i] = nn.FromFloat64[P](float64(i%5)*0.1 - 0.2)
	}
	return gamma, beta
}
