// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import "github.com/emer/etable/v2/etensor"

// Criterion is the loss collaborator consumed by the Trainer and the
// evaluation driver.  Implementations own the target(s); the core only
// needs per-step losses, their gradients, and the designated log step.
type Criterion interface {

	// StepLoss returns the per-sample loss of the given state at the
	// given evolution step of the given epoch.
	StepLoss(x *etensor.Float32, step, epoch int) []float32

	// StepGrad returns the gradient of the batch-mean step loss with
	// respect to the state, same shape as x.  Consumed by Backward.
	StepGrad(x *etensor.Float32, step, epoch int) *etensor.Float32

	// LogStep is the evolution step whose loss is the authoritative
	// epoch-level metric, to avoid logging every noisy step.
	LogStep() int

	// LogLoss returns the per-sample logging loss of the given state.
	LogLoss(x *etensor.Float32) []float32
}

// MaskCriterion is the optional extension used by the composed
// perturbation rule: the trainer registers the overlay rule's masked
// delta after every step, and the criterion turns it into a
// regularization term that penalizes the overlay overwriting the base.
type MaskCriterion interface {
	Criterion

	// AddMask registers the overlay rule's alive-masked delta for the
	// next step index.
	AddMask(dx *etensor.Float32)

	// MaskGrad returns the gradient of the registered penalty at the
	// given step with respect to the masked delta, or nil if none.
	MaskGrad(step int) *etensor.Float32

	// ResetMasks discards registered masks; called at batch boundaries.
	ResetMasks()
}

// ImageMSE is the standard target-image criterion: mean squared error of
// the RGBA channels against a fixed target, active from StartStep on.
// It is the in-tree collaborator used by tests and examples; richer
// losses plug in through the Criterion interface.
type ImageMSE struct {

	// target image, [4, height, width] RGBA
	Target *etensor.Float32

	// first evolution step at which the loss applies; earlier steps get
	// zero loss and gradient, letting the pattern grow unconstrained
	StartStep int

	// evolution step whose loss is reported as the epoch metric
	LogAt int
}

// NewImageMSE returns an ImageMSE against the given [4, h, w] target,
// logging at the given step.
func NewImageMSE(target *etensor.Float32, logAt int) *ImageMSE {
	return &ImageMSE{Target: target, LogAt: logAt}
}

func (cr *ImageMSE) LogStep() int { return cr.LogAt }

// mse returns per-sample MSE over the RGBA channels vs. the target.
func (cr *ImageMSE) mse(x *etensor.Float32) []float32 {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	pxn := ny * nx
	n := float32(4 * pxn)
	ls := make([]float32, nb)
	for b := 0; b < nb; b++ {
		var sum float32
		for c := 0; c < 4; c++ {
			xi := (b*nc + c) * pxn
			ti := c * pxn
			for px := 0; px < pxn; px++ {
				d := x.Values[xi+px] - cr.Target.Values[ti+px]
				sum += d * d
			}
		}
		ls[b] = sum / n
	}
	return ls
}

func (cr *ImageMSE) StepLoss(x *etensor.Float32, step, epoch int) []float32 {
	if step < cr.StartStep {
		return make([]float32, x.Dim(0))
	}
	return cr.mse(x)
}

func (cr *ImageMSE) StepGrad(x *etensor.Float32, step, epoch int) *etensor.Float32 {
	nb, nc, ny, nx := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	g := etensor.NewFloat32([]int{nb, nc, ny, nx}, nil, nil)
	if step < cr.StartStep {
		return g
	}
	pxn := ny * nx
	nrm := 2 / (float32(4*pxn) * float32(nb)) // d/dx of the batch-mean MSE
	for b := 0; b < nb; b++ {
		for c := 0; c < 4; c++ {
			xi := (b*nc + c) * pxn
			ti := c * pxn
			for px := 0; px < pxn; px++ {
				g.Values[xi+px] = nrm * (x.Values[xi+px] - cr.Target.Values[ti+px])
			}
		}
	}
	return g
}

func (cr *ImageMSE) LogLoss(x *etensor.Float32) []float32 {
	return cr.mse(x)
}

// PerturbMSE is ImageMSE extended with the overlay-delta penalty for
// composed-rule training: every registered mask adds
// MaskWt * mean(delta^2) to the step loss.
type PerturbMSE struct {
	ImageMSE

	// weight of the overlay-delta L2 penalty
	MaskWt float32 `def:"0.01"`

	masks []*etensor.Float32
}

// NewPerturbMSE returns a PerturbMSE with the given target, log step and
// penalty weight.
func NewPerturbMSE(target *etensor.Float32, logAt int, maskWt float32) *PerturbMSE {
	return &PerturbMSE{ImageMSE: ImageMSE{Target: target, LogAt: logAt}, MaskWt: maskWt}
}

func (cr *PerturbMSE) AddMask(dx *etensor.Float32) {
	cr.masks = append(cr.masks, dx)
}

func (cr *PerturbMSE) ResetMasks() {
	cr.masks = nil
}

func (cr *PerturbMSE) StepLoss(x *etensor.Float32, step, epoch int) []float32 {
	ls := cr.ImageMSE.StepLoss(x, step, epoch)
	if step >= len(cr.masks) {
		return ls
	}
	mk := cr.masks[step]
	nb := mk.Dim(0)
	n := float32(len(mk.Values) / nb)
	for b := 0; b < nb; b++ {
		var sum float32
		for i := b * int(n); i < (b+1)*int(n); i++ {
			v := mk.Values[i]
			sum += v * v
		}
		ls[b] += cr.MaskWt * sum / n
	}
	return ls
}

func (cr *PerturbMSE) MaskGrad(step int) *etensor.Float32 {
	if step >= len(cr.masks) {
		return nil
	}
	mk := cr.masks[step]
	nb := mk.Dim(0)
	n := float32(len(mk.Values) / nb)
	g := cloneF32(mk)
	nrm := 2 * cr.MaskWt / (n * float32(nb))
	for i := range g.Values {
		g.Values[i] *= nrm
	}
	return g
}
