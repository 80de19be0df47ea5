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

package hwy

import (
	"os"
	"strconv"
	"unsafe"
)

// DispatchLevel identifies the SIMD target selected at startup.
type DispatchLevel int

const (
	// DispatchScalar emulates 16-byte vectors in pure Go.
	DispatchScalar DispatchLevel = iota

	// DispatchAVX2 uses 256-bit vectors.
	DispatchAVX2

	// DispatchAVX512 uses 512-bit vectors.
	DispatchAVX512

	// DispatchNEON uses 128-bit vectors.
	DispatchNEON
)

// String returns a human-readable name for the dispatch level.
func (d DispatchLevel) String() string {
	switch d {
	case DispatchScalar:
		return "scalar"
	case DispatchAVX2:
		return "avx2"
	case DispatchAVX512:
		return "avx512"
	case DispatchNEON:
		return "neon"
	default:
		return "unknown"
	}
}

// Set by init() in dispatch_*.go files.
var (
	currentLevel DispatchLevel
	currentWidth int
)

// scalarWidth is used when no SIMD target is available or HWY_NO_SIMD is set.
const scalarWidth = 16

// CurrentLevel returns the SIMD target being used.
func CurrentLevel() DispatchLevel {
	return currentLevel
}

// CurrentWidth returns the vector register width in bytes.
func CurrentWidth() int {
	return currentWidth
}

// CurrentName returns the name of the current SIMD target, e.g. "avx2".
func CurrentName() string {
	return currentLevel.String()
}

// NoSimdEnv reports whether HWY_NO_SIMD requests the scalar target.
// Any non-empty value other than a false boolean counts as set.
func NoSimdEnv() bool {
	val := os.Getenv("HWY_NO_SIMD")
	if val == "" {
		return false
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return true
}

func setScalarMode() {
	currentLevel = DispatchScalar
	currentWidth = scalarWidth
}

// MaxLanes returns the number of T lanes in one vector register.
//
// With AVX2 (32 bytes) that is 8 float32, 4 float64 or 16 Float16 lanes.
func MaxLanes[T Lanes]() int {
	var dummy T
	return currentWidth / int(unsafe.Sizeof(dummy))
}
