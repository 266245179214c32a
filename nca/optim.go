// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"sort"

	"github.com/goki/mat32"
)

// Param is one learned parameter tensor (stored flat) together with its
// accumulated gradient.  Optimizer moment state is allocated lazily.
type Param struct {

	// name of the parameter, e.g., W1
	Name string

	// parameter values, flat
	Val []float32

	// accumulated gradient, same length as Val
	Grad []float32

	// Adam first and second moments, allocated on first optimizer step
	M, V []float32 `display:"-"`
}

// NewParam returns a named zero parameter of the given size.
func NewParam(name string, n int) *Param {
	return &Param{Name: name, Val: make([]float32, n), Grad: make([]float32, n)}
}

// ZeroGrads zeros the gradients of all given parameters.
func ZeroGrads(ps []*Param) {
	for _, p := range ps {
		zero(p.Grad)
	}
}

// NormGrads divides each parameter's gradient by its own L2 norm plus a
// small epsilon.  Note: this is a per-parameter-tensor normalization, not
// a global-norm clip -- every tensor ends up with (near) unit-norm
// gradient regardless of its relative magnitude.
func NormGrads(ps []*Param) {
	for _, p := range ps {
		var ss float32
		for _, g := range p.Grad {
			ss += g * g
		}
		nrm := mat32.Sqrt(ss) + 1e-8
		for i := range p.Grad {
			p.Grad[i] /= nrm
		}
	}
}

// Adam is the Adam optimizer over a set of Params, with the standard
// bias-corrected moment estimates.
type Adam struct {

	// learning rate
	LR float32 `def:"0.001"`

	// first moment decay
	Beta1 float32 `def:"0.9"`

	// second moment decay
	Beta2 float32 `def:"0.999"`

	// numerical stabilizer in the denominator
	Eps float32 `def:"1e-8"`

	// step counter for bias correction
	T int
}

// NewAdam returns an Adam optimizer with default parameters and the
// given learning rate.
func NewAdam(lr float32) *Adam {
	ad := &Adam{}
	ad.Defaults()
	ad.LR = lr
	return ad
}

// Defaults sets default parameter values
func (ad *Adam) Defaults() {
	ad.LR = 0.001
	ad.Beta1 = 0.9
	ad.Beta2 = 0.999
	ad.Eps = 1e-8
}

// Step applies one Adam update to the given parameters from their
// accumulated gradients.
func (ad *Adam) Step(ps []*Param) {
	ad.T++
	c1 := 1 - mat32.Pow(ad.Beta1, float32(ad.T))
	c2 := 1 - mat32.Pow(ad.Beta2, float32(ad.T))
	for _, p := range ps {
		if p.M == nil {
			p.M = make([]float32, len(p.Val))
			p.V = make([]float32, len(p.Val))
		}
		for i, g := range p.Grad {
			p.M[i] = ad.Beta1*p.M[i] + (1-ad.Beta1)*g
			p.V[i] = ad.Beta2*p.V[i] + (1-ad.Beta2)*g*g
			mh := p.M[i] / c1
			vh := p.V[i] / c2
			p.Val[i] -= ad.LR * mh / (mat32.Sqrt(vh) + ad.Eps)
		}
	}
}

// Scheduler adjusts the optimizer at the end of every epoch.
type Scheduler interface {
	Step(opt *Adam)
}

// ExpDecay is an exponential learning-rate decay scheduler:
// every epoch the learning rate is multiplied by Gamma.
type ExpDecay struct {

	// per-epoch decay factor
	Gamma float32 `def:"0.9999"`
}

func (ed *ExpDecay) Step(opt *Adam) {
	opt.LR *= ed.Gamma
}

// NLargest returns the indices of the n largest values, largest first.
// n is clamped to len(vals).
func NLargest(vals []float32, n int) []int {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return vals[idx[a]] > vals[idx[b]]
	})
	if n > len(idx) {
		n = len(idx)
	}
	return idx[:n]
}
