// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"github.com/emer/emergent/v2/etime"
	"github.com/emer/etable/v2/etensor"
)

// Evolve runs the automaton for iters steps with no gradient tracking
// and no pool interaction, returning the final state.  Zero iters
// returns x itself.
func Evolve(ca Automaton, x *etensor.Float32, iters int, angle, stepSize float32) *etensor.Float32 {
	ca.SetMode(etime.Test)
	for i := 0; i < iters; i++ {
		x = ca.Step(x, angle, stepSize)
	}
	return x
}

// TestCurve evaluates the automaton over the given images [n, c, h, w]
// by evolving them in fixed-size batches for iters steps, maintaining a
// running weighted mean of the loss per step index across batches:
//
//	mean = (n*mean + batchSize*batchLoss) / (n + batchSize)
//
// Returns the per-step mean loss curve.  Only full batches are folded
// in; the remainder is dropped.
func TestCurve(ca Automaton, crit Criterion, images *etensor.Float32, iters, batchSize int) []float64 {
	ca.SetMode(etime.Test)
	nb, nc, ny, nx := images.Dim(0), images.Dim(1), images.Dim(2), images.Dim(3)
	sl := nc * ny * nx
	curve := make([]float64, iters)
	n := 0
	for i := 0; i+batchSize <= nb; i += batchSize {
		x := etensor.NewFloat32([]int{batchSize, nc, ny, nx}, nil, nil)
		copy(x.Values, images.Values[i*sl:(i+batchSize)*sl])
		for j := 0; j < iters; j++ {
			x = ca.Step(x, 0, 1)
			loss := meanF32(crit.StepLoss(x, j, 0))
			curve[j] = (float64(n)*curve[j] + float64(batchSize)*loss) / float64(n+batchSize)
		}
		n += batchSize
	}
	return curve
}
