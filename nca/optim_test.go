// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"testing"

	"github.com/chewxy/math32"
)

func TestNormGrads(t *testing.T) {
	p := NewParam("W", 4)
	copy(p.Grad, []float32{3, 0, 4, 0})
	q := NewParam("B", 2)
	copy(q.Grad, []float32{0.001, 0})
	NormGrads([]*Param{p, q})
	cmpVals(t, p.Grad, []float32{0.6, 0, 0.8, 0}, difTol, "per-tensor L2 normalization")
	// each tensor is normalized by its own norm, not a global one
	var ss float32
	for _, g := range q.Grad {
		ss += g * g
	}
	if math32.Abs(math32.Sqrt(ss)-1) > 1e-3 {
		t.Errorf("small-gradient tensor norm after NormGrads: %g, expected ~1", math32.Sqrt(ss))
	}
}

// TestAdamFirstStep: with bias correction the first update is close to
// a signed step of size LR, independent of gradient magnitude.
func TestAdamFirstStep(t *testing.T) {
	p := NewParam("W", 3)
	copy(p.Grad, []float32{0.5, -2, 0})
	ad := NewAdam(0.1)
	ad.Step([]*Param{p})
	cmpVals(t, p.Val, []float32{-0.1, 0.1, 0}, 1e-4, "bias-corrected first Adam step")
	if ad.T != 1 {
		t.Errorf("step counter %d, expected 1", ad.T)
	}
}

func TestAdamAccumulatesMoments(t *testing.T) {
	p := NewParam("W", 1)
	ad := NewAdam(0.1)
	for i := 0; i < 3; i++ {
		p.Grad[0] = 1
		ad.Step([]*Param{p})
	}
	if p.M == nil || p.V == nil {
		t.Fatal("moment buffers not allocated")
	}
	if p.Val[0] >= -0.29 {
		t.Errorf("constant gradient of 1 moved W by %g, expected about -0.3", p.Val[0])
	}
}

func TestExpDecay(t *testing.T) {
	ad := NewAdam(0.002)
	sch := &ExpDecay{Gamma: 0.5}
	sch.Step(ad)
	sch.Step(ad)
	if math32.Abs(ad.LR-0.0005) > 1e-9 {
		t.Errorf("LR after two decays: %g, expected 0.0005", ad.LR)
	}
}

func TestNLargest(t *testing.T) {
	vals := []float32{0.3, 1.5, -2, 1.5, 0.9}
	got := NLargest(vals, 3)
	if len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 4 {
		t.Errorf("NLargest(3) = %v, expected [1 3 4]", got)
	}
	if got := NLargest(vals, 10); len(got) != len(vals) {
		t.Errorf("NLargest over-length returned %d indices", len(got))
	}
}

func TestZeroGrads(t *testing.T) {
	p := NewParam("W", 3)
	copy(p.Grad, []float32{1, 2, 3})
	ZeroGrads([]*Param{p})
	for i, g := range p.Grad {
		if g != 0 {
			t.Fatalf("grad[%d] = %g after ZeroGrads", i, g)
		}
	}
}
