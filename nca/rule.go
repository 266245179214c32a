// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"math/rand"

	"github.com/emer/emergent/v2/etime"
	"github.com/emer/etable/v2/etensor"
	"github.com/goki/mat32"
)

// AlphaChan is the fixed index of the alpha ("life") channel within the
// state channel dimension.  Channels 0-2 are RGB, AlphaChan is alpha, and
// everything above it is hidden state.
const AlphaChan = 3

// AliveThr is the threshold on the max-pooled alpha channel above which a
// cell counts as alive.
const AliveThr = float32(0.1)

// RuleConfig has the construction-time parameters for a Rule.  Everything
// here is resolved once at construction and never re-derived mid-run.
type RuleConfig struct {

	// number of state channels per cell: 3 RGB + 1 alpha + hidden
	Channels int `def:"16" min:"4"`

	// number of hidden units in the per-cell update network
	Hidden int `def:"128"`

	// probability that a given cell applies its update on a given step --
	// models asynchronous cell firing
	FireRate float32 `def:"0.5" min:"0" max:"1"`

	// seed for the rule's private random source (fire masks, weight init)
	RandSeed int64
}

// Defaults sets default parameter values
func (rc *RuleConfig) Defaults() {
	rc.Channels = 16
	rc.Hidden = 128
	rc.FireRate = 0.5
	rc.RandSeed = 1
}

// Rule is a neural cellular automaton update rule: a local,
// translation-invariant update applied to every cell of a
// [batch, channel, height, width] grid state.  Each step perceives the
// 3x3 neighborhood of every cell through fixed identity / gradient
// kernels, maps the perception through a small learned two-layer network
// to a per-cell delta, gates the delta by a stochastic per-cell fire
// mask, and applies an alive mask so that dead cells never update.
type Rule struct {

	// construction-time configuration
	Config RuleConfig

	// first 1x1 conv layer: [Hidden][3*Channels] weights
	W1 *Param

	// first layer bias: [Hidden]
	B1 *Param

	// second 1x1 conv layer: [Channels][Hidden] weights
	W2 *Param

	// second layer bias: [Channels]
	B2 *Param

	// current evaluation mode: Train records step caches for Backward,
	// Test does not.  Train and Test must not be interleaved on the same
	// instance mid-trajectory.
	Mode etime.Modes

	// per-step caches recorded in Train mode, consumed by Backward
	caches []*stepCache

	rnd *rand.Rand
}

// NewRule constructs a Rule from the given config (nil = defaults).
// The first layer is initialized uniform with fan-in scaling and the
// second layer is zero, so a fresh rule proposes a zero delta.
func NewRule(cfg *RuleConfig) *Rule {
	ru := &Rule{}
	if cfg == nil {
		ru.Config.Defaults()
	} else {
		ru.Config = *cfg
	}
	c := ru.Config.Channels
	hid := ru.Config.Hidden
	ru.W1 = NewParam("W1", hid*3*c)
	ru.B1 = NewParam("B1", hid)
	ru.W2 = NewParam("W2", c*hid)
	ru.B2 = NewParam("B2", c)
	ru.rnd = rand.New(rand.NewSource(ru.Config.RandSeed))
	ru.InitWts()
	return ru
}

// InitWts initializes the learned parameters: W1 uniform in
// +-1/sqrt(fanin), B1 / W2 / B2 zero.
func (ru *Rule) InitWts() {
	fanin := 3 * ru.Config.Channels
	rng := 1.0 / mat32.Sqrt(float32(fanin))
	for i := range ru.W1.Val {
		ru.W1.Val[i] = rng * (2*ru.rnd.Float32() - 1)
	}
	zero(ru.B1.Val)
	zero(ru.W2.Val)
	zero(ru.B2.Val)
}

// Channels returns the fixed channel count of states this rule steps.
func (ru *Rule) Channels() int { return ru.Config.Channels }

// SetMode sets the evaluation mode (Train or Test) and clears any
// recorded step caches.
func (ru *Rule) SetMode(mode etime.Modes) {
	ru.Mode = mode
	ru.ResetCaches()
}

// Params returns the learned parameters, in a fixed order.
func (ru *Rule) Params() []*Param {
	return []*Param{ru.W1, ru.B1, ru.W2, ru.B2}
}

// perception kernels: identity plus Sobel-style x / y gradients,
// with dx / dy mixed by cos / sin of the given angle.
func kernels(angle float32) (id, kdx, kdy [9]float32) {
	id = [9]float32{0, 0, 0, 0, 1, 0, 0, 0, 0}
	dx := [9]float32{-0.125, 0, 0.125, -0.25, 0, 0.25, -0.125, 0, 0.125}
	dy := [9]float32{-0.125, -0.25, -0.125, 0, 0, 0, 0.125, 0.25, 0.125}
	c, s := mat32.Cos(angle), mat32.Sin(angle)
	for i := 0; i < 9; i++ {
		kdx[i] = c*dx[i] - s*dy[i]
		kdy[i] = s*dx[i] + c*dy[i]
	}
	return
}

// Perceive computes the perception grid of the given state: for every
// channel c the identity, x-gradient and y-gradient of the circularly
// padded (toroidal) state, at output channels 3c, 3c+1, 3c+2.
// Output shape is [batch, 3*channels, height, width].
func (ru *Rule) Perceive(x *etensor.Float32, angle float32) *etensor.Float32 {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	id, kdx, kdy := kernels(angle)
	ks := [3][9]float32{id, kdx, kdy}
	p := etensor.NewFloat32([]int{nb, 3 * nc, ny, nx}, nil, nil)
	for b := 0; b < nb; b++ {
		for c := 0; c < nc; c++ {
			ci := (b*nc + c) * ny * nx
			for k := 0; k < 3; k++ {
				oi := (b*3*nc + 3*c + k) * ny * nx
				for y := 0; y < ny; y++ {
					for xx := 0; xx < nx; xx++ {
						var sum float32
						for u := 0; u < 3; u++ {
							yy := (y + u - 1 + ny) % ny
							for v := 0; v < 3; v++ {
								xw := (xx + v - 1 + nx) % nx
								sum += ks[k][u*3+v] * x.Values[ci+yy*nx+xw]
							}
						}
						p.Values[oi+y*nx+xx] = sum
					}
				}
			}
		}
	}
	return p
}

// Delta computes the rule's proposed additive update for the given state:
// the learned transform of the perception, scaled by stepSize and gated
// per cell (not per channel) by a Bernoulli fire mask with probability
// FireRate.  Returns the masked delta and the fire mask (1 = fired).
func (ru *Rule) Delta(x *etensor.Float32, angle, stepSize float32) (*etensor.Float32, []float32) {
	dx, fire, _, _ := ru.delta(x, angle, stepSize)
	return dx, fire
}

// delta is the internal form of Delta that also returns the perception
// and post-ReLU hidden grids needed by the backward pass.
func (ru *Rule) delta(x *etensor.Float32, angle, stepSize float32) (dx *etensor.Float32, fire []float32, p, h *etensor.Float32) {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	hid := ru.Config.Hidden
	np := 3 * nc
	p = ru.Perceive(x, angle)
	h = etensor.NewFloat32([]int{nb, hid, ny, nx}, nil, nil)
	dx = etensor.NewFloat32([]int{nb, nc, ny, nx}, nil, nil)
	fire = make([]float32, nb*ny*nx)
	for i := range fire {
		if ru.rnd.Float32() < ru.Config.FireRate {
			fire[i] = 1
		}
	}
	pxn := ny * nx
	for b := 0; b < nb; b++ {
		for y := 0; y < ny; y++ {
			for xx := 0; xx < nx; xx++ {
				px := y*nx + xx
				fi := fire[b*pxn+px]
				for j := 0; j < hid; j++ {
					sum := ru.B1.Val[j]
					wr := ru.W1.Val[j*np : (j+1)*np]
					for k := 0; k < np; k++ {
						sum += wr[k] * p.Values[(b*np+k)*pxn+px]
					}
					if sum < 0 { // ReLU
						sum = 0
					}
					h.Values[(b*hid+j)*pxn+px] = sum
				}
				if fi == 0 {
					continue
				}
				for c := 0; c < nc; c++ {
					sum := ru.B2.Val[c]
					wr := ru.W2.Val[c*hid : (c+1)*hid]
					for j := 0; j < hid; j++ {
						sum += wr[j] * h.Values[(b*hid+j)*pxn+px]
					}
					dx.Values[(b*nc+c)*pxn+px] = sum * stepSize
				}
			}
		}
	}
	return
}

// AliveMask returns the per-cell alive mask of the given state: a cell is
// alive if the 3x3 max-pool of the alpha channel around it exceeds
// AliveThr, i.e., it or some neighbor has alpha > 0.1.  The pool is
// zero-padded: mortality does not wrap around the torus.
// Result is indexed [batch*height*width].
func (ru *Rule) AliveMask(x *etensor.Float32) []bool {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	alive := make([]bool, nb*ny*nx)
	for b := 0; b < nb; b++ {
		ai := (b*nc + AlphaChan) * ny * nx
		for y := 0; y < ny; y++ {
			for xx := 0; xx < nx; xx++ {
				mx := float32(0)
				for u := -1; u <= 1; u++ {
					yy := y + u
					if yy < 0 || yy >= ny {
						continue
					}
					for v := -1; v <= 1; v++ {
						xw := xx + v
						if xw < 0 || xw >= nx {
							continue
						}
						a := x.Values[ai+yy*nx+xw]
						if a > mx {
							mx = a
						}
					}
				}
				alive[b*ny*nx+y*nx+xx] = mx > AliveThr
			}
		}
	}
	return alive
}

// Step advances the state by one update: next = (x + delta) gated by the
// AND of the alive masks computed before and after the additive update.
// This is the only place mortality is enforced -- cells that were dead
// before the update cannot be resurrected by it.  Returns a new tensor;
// x is not modified.  In Train mode the step is cached for Backward.
func (ru *Rule) Step(x *etensor.Float32, angle, stepSize float32) *etensor.Float32 {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	pre := ru.AliveMask(x)
	dx, fire, p, h := ru.delta(x, angle, stepSize)
	nxt := etensor.NewFloat32([]int{nb, nc, ny, nx}, nil, nil)
	for i := range nxt.Values {
		nxt.Values[i] = x.Values[i] + dx.Values[i]
	}
	post := ru.AliveMask(nxt)
	life := make([]bool, len(pre))
	for i := range life {
		life[i] = pre[i] && post[i]
	}
	pxn := ny * nx
	for b := 0; b < nb; b++ {
		for px := 0; px < pxn; px++ {
			if life[b*pxn+px] {
				continue
			}
			for c := 0; c < nc; c++ {
				nxt.Values[(b*nc+c)*pxn+px] = 0
			}
		}
	}
	if ru.Mode == etime.Train {
		ru.caches = append(ru.caches, &stepCache{
			delta: &deltaCache{p: p, h: h, fire: fire, angle: angle, stepSize: stepSize},
			life:  life, post: nxt,
		})
	}
	return nxt
}

func zero(vals []float32) {
	for i := range vals {
		vals[i] = 0
	}
}
