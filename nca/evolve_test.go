// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"math"
	"testing"

	"github.com/emer/etable/v2/etensor"
)

// cellCrit reports each sample's channel-0 corner value as its loss --
// a transparent probe for the running-mean arithmetic.
type cellCrit struct{}

func (cc *cellCrit) StepLoss(x *etensor.Float32, step, epoch int) []float32 {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	ls := make([]float32, nb)
	for b := 0; b < nb; b++ {
		ls[b] = x.Values[(b*nc)*ny*nx]
	}
	return ls
}

func (cc *cellCrit) StepGrad(x *etensor.Float32, step, epoch int) *etensor.Float32 {
	return etensor.NewFloat32([]int{x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)}, nil, nil)
}

func (cc *cellCrit) LogStep() int { return 0 }

func (cc *cellCrit) LogLoss(x *etensor.Float32) []float32 {
	return cc.StepLoss(x, 0, 0)
}

// identityRule returns a rule whose step is the identity on fully-alive
// grids: zero weights propose a zero delta, FireRate 1 for determinism.
func identityRule() *Rule {
	cfg := &RuleConfig{}
	cfg.Defaults()
	cfg.Channels = 4
	cfg.Hidden = 8
	cfg.FireRate = 1
	ru := NewRule(cfg)
	zero(ru.W1.Val)
	return ru
}

// allAliveImage returns [1, 4, h, w] with alpha 1 everywhere and
// channel 0 set to v.
func allAliveImage(v float32, h, w int) []float32 {
	vals := make([]float32, 4*h*w)
	for px := 0; px < h*w; px++ {
		vals[0*h*w+px] = v
		vals[AlphaChan*h*w+px] = 1
	}
	return vals
}

// TestCurveRunningMean: two equal-size batches with constant per-step
// losses a then b must converge to (a+b)/2 at every step index.
func TestCurveRunningMean(t *testing.T) {
	ru := identityRule()
	images := etensor.NewFloat32([]int{2, 4, 6, 6}, nil, nil)
	copy(images.Values[:4*36], allAliveImage(2, 6, 6))
	copy(images.Values[4*36:], allAliveImage(4, 6, 6))
	curve := TestCurve(ru, &cellCrit{}, images, 5, 1)
	if len(curve) != 5 {
		t.Fatalf("curve length %d, expected 5", len(curve))
	}
	for j, v := range curve {
		if math.Abs(v-3) > 1e-6 {
			t.Errorf("step %d: running mean %g, expected 3", j, v)
		}
	}
}

// TestCurveDropsRemainder: a partial final batch is not folded in.
func TestCurveDropsRemainder(t *testing.T) {
	ru := identityRule()
	images := etensor.NewFloat32([]int{3, 4, 6, 6}, nil, nil)
	copy(images.Values[:4*36], allAliveImage(2, 6, 6))
	copy(images.Values[4*36:8*36], allAliveImage(4, 6, 6))
	copy(images.Values[8*36:], allAliveImage(100, 6, 6))
	curve := TestCurve(ru, &cellCrit{}, images, 3, 2)
	for j, v := range curve {
		if math.Abs(v-3) > 1e-6 {
			t.Errorf("step %d: running mean %g, expected 3 (remainder must be dropped)", j, v)
		}
	}
}

func TestMakeVideoFrames(t *testing.T) {
	ru := identityRule()
	x := SeedGrid(1, 4, 8, 8)
	cfg := &VideoConfig{}
	cfg.Defaults()
	cfg.Iters = 4
	cfg.Rescale = 2
	frames, err := MakeVideo(ru, x, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Fatalf("got %d frames, expected 4", len(frames))
	}
	b := frames[0].Bounds()
	if b.Dx() != 16 || b.Dy() != 16 {
		t.Fatalf("frame size %dx%d, expected 16x16", b.Dx(), b.Dy())
	}
}
