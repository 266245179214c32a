// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package nca implements neural cellular automata: update rules learned so
that iterating a local, translation-invariant update over a 2D grid of
per-cell feature vectors causes the grid to grow into, persist as, or
regenerate a target image, per Mordvintsev et al, "Growing Neural
Cellular Automata" (distill.pub/2020/growing-ca).

States are [batch, channel, height, width] etensor.Float32 grids:
channels 0-2 are RGB, channel 3 is the alpha "life" channel, the rest is
hidden state.  A Rule steps a state by perceiving every cell's 3x3
neighborhood through fixed identity / gradient kernels (with circular
wrap), mapping the perception through a small learned network to a
per-cell delta, gating the delta with a stochastic per-cell fire mask,
and applying an alive mask so dead cells never update.  Perturb composes
two Rules additively, for learning a localized perturbation on top of a
frozen base behavior.

The Trainer couples an Automaton to a replay Pool of in-flight states
and a Criterion: batches are sampled, evolved for a number of steps with
per-step losses accumulated, backpropagated through the trajectory with
a hand-written adjoint, and written back to their pool slots, with the
worst performers replaced by fresh seeds depending on the training Kind.
Evolve, TestCurve and MakeVideo run the same stepping without gradients
for evaluation and rendering.
*/
package nca
