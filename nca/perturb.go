// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"fmt"

	"github.com/emer/emergent/v2/etime"
	"github.com/emer/etable/v2/etensor"
)

// Perturb composes two update rules additively:
//
//	next = (x + baseDelta(x) + newDelta(x)) * alive
//
// Both deltas are computed against the same pre-step state and share a
// single alive-mask gate, from the New rule's mask definition applied
// before and after the combined update.  The New rule's alive-masked
// delta is recorded separately each step so a MaskCriterion can penalize
// the overlay overwriting the base: the Base rule stays frozen or
// regularized while New learns a localized perturbation.  With New's
// weights zero, Step is identical to Base.Step.
type Perturb struct {

	// the base rule, whose behavior the overlay perturbs
	Base *Rule

	// the overlay rule learning the perturbation
	New *Rule

	// the New rule's alive-masked delta from the most recent Step
	NewCells *etensor.Float32

	// current evaluation mode
	Mode etime.Modes

	caches []*perturbCache
}

type perturbCache struct {
	base, new *deltaCache
	life      []bool
	post      *etensor.Float32
}

// NewPerturb composes the given base and overlay rules.  Fails if their
// channel geometry disagrees: both rules step the same states.
func NewPerturb(base, new *Rule) (*Perturb, error) {
	if base.Channels() != new.Channels() {
		return nil, fmt.Errorf("nca.NewPerturb: composed rules disagree on channels: base %d vs. new %d", base.Channels(), new.Channels())
	}
	return &Perturb{Base: base, New: new}, nil
}

func (pt *Perturb) Channels() int { return pt.New.Channels() }

func (pt *Perturb) SetMode(mode etime.Modes) {
	pt.Mode = mode
	pt.Base.SetMode(mode)
	pt.New.SetMode(mode)
	pt.ResetCaches()
}

// Params returns the base rule's parameters followed by the overlay's.
// Pass only New.Params() to the optimizer to train the perturbation
// against a frozen base.
func (pt *Perturb) Params() []*Param {
	return append(pt.Base.Params(), pt.New.Params()...)
}

// MaskedDelta returns the New rule's alive-masked delta from the most
// recent Step.
func (pt *Perturb) MaskedDelta() *etensor.Float32 { return pt.NewCells }

func (pt *Perturb) ResetCaches() {
	pt.caches = nil
	pt.Base.ResetCaches()
	pt.New.ResetCaches()
}

// Step advances the state by one composed update.
func (pt *Perturb) Step(x *etensor.Float32, angle, stepSize float32) *etensor.Float32 {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	pre := pt.New.AliveMask(x)
	dxn, firen, pn, hn := pt.New.delta(x, angle, stepSize)
	dxb, fireb, pb, hb := pt.Base.delta(x, angle, stepSize)
	nxt := etensor.NewFloat32([]int{nb, nc, ny, nx}, nil, nil)
	for i := range nxt.Values {
		nxt.Values[i] = x.Values[i] + dxn.Values[i] + dxb.Values[i]
	}
	post := pt.New.AliveMask(nxt)
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
				i := (b*nc+c)*pxn + px
				nxt.Values[i] = 0
				dxn.Values[i] = 0
			}
		}
	}
	pt.NewCells = dxn // now alive-masked
	if pt.Mode == etime.Train {
		pt.caches = append(pt.caches, &perturbCache{
			base: &deltaCache{p: pb, h: hb, fire: fireb, angle: angle, stepSize: stepSize},
			new:  &deltaCache{p: pn, h: hn, fire: firen, angle: angle, stepSize: stepSize},
			life: life, post: nxt,
		})
	}
	return nxt
}

// Backward runs the backward pass over all composed steps recorded since
// the last ResetCaches, accumulating into both rules' parameter
// gradients.  If the criterion is a MaskCriterion, the gradient of its
// overlay-delta penalty is added to the New rule's delta path.
func (pt *Perturb) Backward(crit Criterion, epoch int) {
	mc, _ := crit.(MaskCriterion)
	var g *etensor.Float32
	for t := len(pt.caches) - 1; t >= 0; t-- {
		sc := pt.caches[t]
		cg := crit.StepGrad(sc.post, t, epoch)
		if g == nil {
			g = cloneF32(cg)
		} else {
			for i := range g.Values {
				g.Values[i] += cg.Values[i]
			}
		}
		nb, nc, ny, nx := g.Dim(0), g.Dim(1), g.Dim(2), g.Dim(3)
		pxn := ny * nx
		gm := etensor.NewFloat32([]int{nb, nc, ny, nx}, nil, nil)
		for b := 0; b < nb; b++ {
			for px := 0; px < pxn; px++ {
				if !sc.life[b*pxn+px] {
					continue
				}
				for c := 0; c < nc; c++ {
					i := (b*nc+c)*pxn + px
					gm.Values[i] = g.Values[i]
				}
			}
		}
		dx := cloneF32(gm) // identity path
		pt.Base.backDelta(sc.base, gm, dx)
		gnew := gm
		if mc != nil {
			if mg := mc.MaskGrad(t); mg != nil {
				// NewCells = newDelta * life, so the penalty gradient is
				// alive-gated onto the overlay delta path
				gnew = cloneF32(gm)
				for b := 0; b < nb; b++ {
					for px := 0; px < pxn; px++ {
						if !sc.life[b*pxn+px] {
							continue
						}
						for c := 0; c < nc; c++ {
							i := (b*nc+c)*pxn + px
							gnew.Values[i] += mg.Values[i]
						}
					}
				}
			}
		}
		pt.New.backDelta(sc.new, gnew, dx)
		g = dx
	}
}
