// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"math/rand"
	"testing"

	"github.com/emer/etable/v2/etensor"
)

func onesBatch(n, c, h, w int) *etensor.Float32 {
	x := etensor.NewFloat32([]int{n, c, h, w}, nil, nil)
	for i := range x.Values {
		x.Values[i] = 1
	}
	return x
}

func TestDamageZeroSize(t *testing.T) {
	x := onesBatch(2, 4, 8, 8)
	cfg := &DamageConfig{}
	cfg.Defaults()
	cfg.TargetSize = 0
	Damage(x, cfg, rand.New(rand.NewSource(1)))
	for i, v := range x.Values {
		if v != 1 {
			t.Fatalf("zero-size damage changed index %d", i)
		}
	}
}

func TestDamageFullGrid(t *testing.T) {
	x := onesBatch(2, 4, 8, 8)
	cfg := &DamageConfig{}
	cfg.Defaults()
	cfg.TargetSize = 20 // beyond the grid: clamps to full coverage
	Damage(x, cfg, rand.New(rand.NewSource(1)))
	for i, v := range x.Values {
		if v != 0 {
			t.Fatalf("full-grid damage left index %d = %g", i, v)
		}
	}
}

func TestDamageFixedSquare(t *testing.T) {
	x := onesBatch(3, 4, 10, 10)
	cfg := &DamageConfig{}
	cfg.Defaults()
	cfg.TargetSize = 4
	Damage(x, cfg, rand.New(rand.NewSource(7)))
	for b := 0; b < 3; b++ {
		zeros := 0
		for c := 0; c < 4; c++ {
			for px := 0; px < 100; px++ {
				if x.Values[(b*4+c)*100+px] == 0 {
					zeros++
				}
			}
		}
		if zeros != 4*4*4 { // 4x4 region across 4 channels
			t.Errorf("sample %d: zeroed %d values, expected %d", b, zeros, 4*4*4)
		}
	}
}

func TestDamageRandomBounded(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	for trial := 0; trial < 10; trial++ {
		x := onesBatch(1, 4, 12, 12)
		cfg := &DamageConfig{}
		cfg.Defaults() // random size, square
		Damage(x, cfg, rnd)
		zeros := 0
		for _, v := range x.Values {
			if v == 0 {
				zeros++
			}
		}
		side := 0
		for s := 3; s <= 6; s++ { // random side is in [12/4, 12/2]
			if zeros == s*s*4 {
				side = s
			}
		}
		if side == 0 {
			t.Errorf("trial %d: zero count %d not a square region in range", trial, zeros)
		}
	}
}
