// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package nca is the overall repository for neural cellular automata (NCA)
models implemented in the Go language (golang): image-patch update rules
learned so that iterating a local, translation-invariant rule over a 2D
grid of per-cell feature vectors causes the grid to grow into, persist
as, or regenerate a target image.

This top-level of the repository has no functional code -- everything is
organized into the following sub-repositories:

* nca: the core implementation -- the update rule with its perception /
delta / alive-mask stepping, the composed perturbation rule, the sample
pool, the training orchestrator, and the evolution / evaluation drivers.

* examples: these compile into runnable programs -- examples/grow is the
place to start for the standard template of training a CA to grow into a
target image.
*/
package nca
