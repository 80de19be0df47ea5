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
	"math"
	"testing"
)

func TestBFloat16Constants(t *testing.T) {
	if BFloat16ToFloat32(BFloat16One) != 1 {
		t.Error("BFloat16One should be 1")
	}
	if BFloat16ToFloat32(BFloat16Zero) != 0 {
		t.Error("BFloat16Zero should be 0")
	}
	if !math.IsInf(float64(BFloat16Inf.Float32()), 1) {
		t.Error("BFloat16Inf should be +Inf")
	}
	if !BFloat16NaN.IsNaN() {
		t.Error("BFloat16NaN should be NaN")
	}
}

func TestFloat32ToBFloat16(t *testing.T) {
	tests := []struct {
		name  string
		input float32
		want  BFloat16
	}{
		{"One", 1.0, 0x3F80},
		{"NegOne", -1.0, 0xBF80},
		{"Pi", math.Pi, 0x4049},
		{"TieToEven", math.Float32frombits(0x3F808000), 0x3F80},
		{"TieToOdd", math.Float32frombits(0x3F818000), 0x3F82},
		{"AboveTie", math.Float32frombits(0x3F808001), 0x3F81},
		{"RoundsToInf", math.MaxFloat32, 0x7F80},
		{"Subnormal", math.Float32frombits(0x00010000), 0x0001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Float32ToBFloat16(tt.input); got != tt.want {
				t.Errorf("Float32ToBFloat16(%v) = 0x%04x, want 0x%04x", tt.input, uint16(got), uint16(tt.want))
			}
		})
	}
}

func TestBFloat16RoundTrip(t *testing.T) {
	// Every non-NaN bfloat16 widens and narrows back to itself.
	for bits := range 1 << 16 {
		b := BFloat16(bits)
		if b.IsNaN() {
			continue
		}
		if got := NewBFloat16(b.Float32()); got != b {
			t.Fatalf("0x%04x round-tripped to 0x%04x", bits, uint16(got))
		}
	}
}

func TestBFloat16NaN(t *testing.T) {
	b := Float32ToBFloat16(math.Float32frombits(0x7F800001))
	if !b.IsNaN() {
		t.Errorf("signaling NaN narrowed to 0x%04x, want a NaN", uint16(b))
	}
	neg := Float32ToBFloat16(math.Float32frombits(0xFFC00001))
	if !neg.IsNaN() || neg&0x8000 == 0 {
		t.Errorf("negative NaN narrowed to 0x%04x", uint16(neg))
	}
}
