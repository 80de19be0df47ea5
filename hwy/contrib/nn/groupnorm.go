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
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/ajroetker/go-groupnorm/hwy"
	"github.com/ajroetker/go-groupnorm/hwy/contrib/workerpool"
)

// Storage is the set of tensor element types.
type Storage interface {
	float32 | float64 | hwy.Float16 | hwy.BFloat16
}

var (
	// ErrShape reports a negative or zero dimension, or a buffer whose
	// length does not match the shape.
	ErrShape = errors.New("nn: invalid group norm shape")
	// ErrGroups reports a channel count not divisible by the group count.
	ErrGroups = errors.New("nn: channels not divisible by groups")
	// ErrLayout reports an unknown Layout.
	ErrLayout = errors.New("nn: unknown memory layout")
	// ErrParamType reports a parameter type that is neither the tensor
	// type nor its accumulation type.
	ErrParamType = errors.New("nn: unsupported parameter type")
	// ErrNoGradients reports a backward call that requests no outputs.
	ErrNoGradients = errors.New("nn: no gradients requested")
)

// Layout is the memory order of the tensor.
type Layout int

const (
	// Packed is N×C×HxW (NCHW).
	Packed Layout = iota
	// Interleaved is N×HxW×C (channels-last, NHWC).
	Interleaved
)

func (l Layout) String() string {
	switch l {
	case Packed:
		return "packed"
	case Interleaved:
		return "interleaved"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// SpatialThresholdEnv overrides DefaultSpatialThreshold when set to a
// positive integer.
const SpatialThresholdEnv = "HWY_GROUPNORM_SPATIAL_THRESHOLD"

const defaultSpatialThreshold = 1024

var spatialThreshold = sync.OnceValue(func() int {
	if v, err := strconv.Atoi(os.Getenv(SpatialThresholdEnv)); err == nil && v > 0 {
		return v
	}
	return defaultSpatialThreshold
})

// DefaultSpatialThreshold is the HxW below which interleaved forward passes
// use the per-group strided path. It is 1024 unless SpatialThresholdEnv is
// set when first read.
func DefaultSpatialThreshold() int {
	return spatialThreshold()
}

// Params describes one group normalization call.
type Params struct {
	N      int // batch size, may be 0
	C      int // channels
	HxW    int // spatial size per channel
	Groups int // G, must divide C
	Eps    float64
	Layout Layout

	// SpatialThreshold selects the interleaved forward path; zero means
	// DefaultSpatialThreshold().
	SpatialThreshold int
}

// ChannelsPerGroup returns D = C/Groups.
func (p Params) ChannelsPerGroup() int {
	return p.C / p.Groups
}

// Numel returns N*C*HxW.
func (p Params) Numel() int {
	return p.N * p.C * p.HxW
}

func (p Params) threshold() int {
	if p.SpatialThreshold > 0 {
		return p.SpatialThreshold
	}
	return DefaultSpatialThreshold()
}

// Validate checks the shape without looking at any buffer.
func (p Params) Validate() error {
	switch {
	case p.N < 0 || p.C <= 0 || p.HxW <= 0 || p.Groups <= 0:
		return fmt.Errorf("%w: N=%d C=%d HxW=%d groups=%d", ErrShape, p.N, p.C, p.HxW, p.Groups)
	case p.C%p.Groups != 0:
		return fmt.Errorf("%w: C=%d groups=%d", ErrGroups, p.C, p.Groups)
	case p.Layout != Packed && p.Layout != Interleaved:
		return fmt.Errorf("%w: %v", ErrLayout, p.Layout)
	}
	return nil
}

func checkLen(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("%w: %s has %d elements, want %d", ErrShape, name, got, want)
	}
	return nil
}

// checkOptional accepts nil as an absent buffer.
func checkOptional(name string, got, want int, present bool) error {
	if !present {
		return nil
	}
	return checkLen(name, got, want)
}

// Want selects the gradients GroupNormBackward computes.
type Want uint8

const (
	WantDX Want = 1 << iota
	WantDGamma
	WantDBeta

	WantAll = WantDX | WantDGamma | WantDBeta
)

func (w Want) String() string {
	if w&WantAll == 0 {
		return "none"
	}
	var s string
	for _, f := range []struct {
		bit  Want
		name string
	}{{WantDX, "dx"}, {WantDGamma, "dgamma"}, {WantDBeta, "dbeta"}} {
		if w&f.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

// GroupNormForward normalizes x into y and writes each (sample, group)
// mean and reciprocal standard deviation into mean and rstd, both laid out
// as [N, Groups].
//
// gamma and beta are optional per-channel affine parameters of length C;
// pass nil to omit either. Every buffer is validated before anything is
// written. pool may be nil, in which case the call runs on the calling
// goroutine.
func GroupNormForward[S, P Storage](pool *workerpool.Pool, p Params, x []S, gamma, beta []P, y []S, mean, rstd []P) error {
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
	if sameType[S, float64]() {
		return forward[S, P, float64](pool, p, x, gamma, beta, y, mean, rstd)
	}
	return forward[S, P, float32](pool, p, x, gamma, beta, y, mean, rstd)
}

// GroupNormBackward computes the gradients selected by want from the
// upstream gradient dy, the forward input x and the statistics the forward
// pass recorded. gamma is optional; when nil the affine scale is taken to
// be one.
//
// Buffers for unrequested gradients may be nil and are never touched.
// dgamma and dbeta have length C; dx has the shape of x.
func GroupNormBackward[S, P Storage](pool *workerpool.Pool, p Params, want Want, dy, x []S, mean, rstd, gamma []P, dx []S, dgamma, dbeta []P) error {
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
	if sameType[S, float64]() {
		return backward[S, P, float64](pool, p, want, dy, x, mean, rstd, gamma, dx, dgamma, dbeta)
	}
	return backward[S, P, float32](pool, p, want, dy, x, mean, rstd, gamma, dx, dgamma, dbeta)
}

// groupNorm carries the shape and kernel of one call.
type groupNorm[S Storage, A hwy.Floats] struct {
	k      kernel[S, A]
	exec   executor
	n      int
	c      int
	hxw    int
	groups int
	d      int
	eps    A
}

func newGroupNorm[S Storage, A hwy.Floats](pool *workerpool.Pool, p Params) *groupNorm[S, A] {
	return &groupNorm[S, A]{
		k:      newKernel[S, A](),
		exec:   newExecutor(pool, p.Numel()),
		n:      p.N,
		c:      p.C,
		hxw:    p.HxW,
		groups: p.Groups,
		d:      p.ChannelsPerGroup(),
		eps:    A(p.Eps),
	}
}

// paramCodec rejects parameter types other than S and A.
func paramCodec[S, P Storage, A hwy.Floats]() (codec[P, A], error) {
	c, ok := newCodec[P, A]()
	if !ok || !(sameType[P, S]() || sameType[P, A]()) {
		var s S
		var pz P
		return c, fmt.Errorf("%w: %T parameters with %T tensors", ErrParamType, pz, s)
	}
	return c, nil
}

func forward[S, P Storage, A hwy.Floats](pool *workerpool.Pool, p Params, x []S, gamma, beta []P, y []S, mean, rstd []P) error {
	pc, err := paramCodec[S, P, A]()
	if err != nil {
		return err
	}
	if p.N == 0 {
		return nil
	}

	gn := newGroupNorm[S, A](pool, p)
	gammaA, betaA := pc.widenAll(gamma), pc.widenAll(beta)
	meanA, rstdA := pc.output(mean), pc.output(rstd)

	switch {
	case p.Layout == Packed:
		gn.forwardPacked(x, gammaA, betaA, y, meanA, rstdA)
	case p.HxW < p.threshold():
		gn.forwardSmallSpatial(x, gammaA, betaA, y, meanA, rstdA)
	default:
		gn.forwardLargeSpatial(x, gammaA, betaA, y, meanA, rstdA)
	}

	pc.flush(mean, meanA)
	pc.flush(rstd, rstdA)
	return nil
}

func backward[S, P Storage, A hwy.Floats](pool *workerpool.Pool, p Params, want Want, dy, x []S, mean, rstd, gamma []P, dx []S, dgamma, dbeta []P) error {
	pc, err := paramCodec[S, P, A]()
	if err != nil {
		return err
	}
	if p.N == 0 {
		// Parameter gradients of an empty batch are sums over nothing.
		if want&WantDGamma != 0 {
			clear(dgamma)
		}
		if want&WantDBeta != 0 {
			clear(dbeta)
		}
		return nil
	}

	gn := newGroupNorm[S, A](pool, p)
	meanA, rstdA, gammaA := pc.widenAll(mean), pc.widenAll(rstd), pc.widenAll(gamma)

	var ds, db []A
	if p.Layout == Packed {
		ds, db = gn.gradSumsPacked(dy, x)
	} else {
		ds, db = gn.gradSumsInterleaved(dy, x)
	}

	if want&WantDX != 0 {
		if p.Layout == Packed {
			gn.inputGradPacked(dy, x, meanA, rstdA, gammaA, ds, db, dx)
		} else {
			gn.inputGradInterleaved(dy, x, meanA, rstdA, gammaA, ds, db, dx)
		}
	}
	if want&WantDGamma != 0 {
		out := pc.output(dgamma)
		gn.gammaGrad(meanA, rstdA, ds, db, out)
		pc.flush(dgamma, out)
	}
	if want&WantDBeta != 0 {
		out := pc.output(dbeta)
		gn.betaGrad(db, out)
		pc.flush(dbeta, out)
	}
	return nil
}
