// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"math/rand"

	"github.com/emer/etable/v2/etensor"
)

// DamageConfig parameterizes the damage injector used for regeneration
// training and demos.
type DamageConfig struct {

	// side length of the damaged region; < 0 = random between 1/4 and
	// 1/2 of the smaller grid dimension, 0 = no damage at all
	TargetSize int `def:"-1"`

	// if true the region is a square; otherwise width and height are
	// drawn (or clamped) independently
	ConstantSide bool `def:"true"`

	// damage is injected only on batches divisible by this cadence;
	// <= 1 means every eligible batch
	SkipDamage int `def:"1"`
}

// Defaults sets default parameter values
func (dc *DamageConfig) Defaults() {
	dc.TargetSize = -1
	dc.ConstantSide = true
	dc.SkipDamage = 1
}

// Damage zeroes a contiguous rectangular region of every sample in the
// batch, simulating localized destruction.  Pure function: the region is
// re-drawn per sample, no state is kept between calls.  A size of 0
// leaves the batch unchanged; sizes at or beyond the grid dimensions
// zero the whole sample.  x is modified in place.
func Damage(x *etensor.Float32, cfg *DamageConfig, rnd *rand.Rand) {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	mn := ny
	if nx < mn {
		mn = nx
	}
	for b := 0; b < nb; b++ {
		h := damageSide(cfg, mn, rnd)
		w := h
		if !cfg.ConstantSide {
			w = damageSide(cfg, mn, rnd)
		}
		if h <= 0 || w <= 0 {
			continue
		}
		if h > ny {
			h = ny
		}
		if w > nx {
			w = nx
		}
		y0 := 0
		if ny > h {
			y0 = rnd.Intn(ny - h + 1)
		}
		x0 := 0
		if nx > w {
			x0 = rnd.Intn(nx - w + 1)
		}
		for c := 0; c < nc; c++ {
			ci := (b*nc + c) * ny * nx
			for y := y0; y < y0+h; y++ {
				for xx := x0; xx < x0+w; xx++ {
					x.Values[ci+y*nx+xx] = 0
				}
			}
		}
	}
}

func damageSide(cfg *DamageConfig, mn int, rnd *rand.Rand) int {
	if cfg.TargetSize >= 0 {
		return cfg.TargetSize
	}
	lo := mn / 4
	if lo < 1 {
		lo = 1
	}
	hi := mn / 2
	if hi < lo {
		hi = lo
	}
	return lo + rnd.Intn(hi-lo+1)
}
