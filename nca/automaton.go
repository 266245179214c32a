// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"github.com/emer/emergent/v2/etime"
	"github.com/emer/etable/v2/etensor"
)

// Automaton is the capability interface shared by a single update Rule
// and the composed Perturb rule.  The Trainer and the evolution /
// evaluation drivers are generic over this interface.
type Automaton interface {

	// Channels returns the fixed channel count of states this automaton
	// steps.
	Channels() int

	// SetMode sets Train vs. Test mode.  Train records the step caches
	// needed by Backward; the two modes must not be interleaved on the
	// same instance mid-trajectory.
	SetMode(mode etime.Modes)

	// Step advances the state by one update, returning a new tensor.
	Step(x *etensor.Float32, angle, stepSize float32) *etensor.Float32

	// Backward runs the backward pass over all steps recorded since the
	// last ResetCaches, accumulating parameter gradients.
	Backward(crit Criterion, epoch int)

	// Params returns all learned parameters.
	Params() []*Param

	// ResetCaches discards recorded step caches.
	ResetCaches()

	// SaveWtsJSON saves the learned parameters to a JSON file (gzipped
	// if the path ends in .gz).  Refuses to replace an existing file
	// unless overwrite is set.
	SaveWtsJSON(path string, overwrite bool) error

	// OpenWtsJSON loads learned parameters saved by SaveWtsJSON,
	// failing on any geometry or key mismatch without partial effects.
	OpenWtsJSON(path string) error
}

// MaskRecorder is implemented by automata that record an extra masked
// delta per step (the Perturb rule's overlay delta), which the Trainer
// forwards to a MaskCriterion.
type MaskRecorder interface {

	// MaskedDelta returns the alive-masked delta recorded by the most
	// recent Step.
	MaskedDelta() *etensor.Float32
}
