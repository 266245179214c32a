// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"github.com/emer/emergent/v2/erand"
	"github.com/emer/etable/v2/etensor"
)

// Pool is the replay pool collaborator the Trainer draws batches from.
// Slots are keyed by stable integer identifiers so that post-training
// states can be written back to the same slots they came from.  Access
// is strictly sequential -- no locking, the Trainer's batch loop is the
// only writer.
type Pool interface {

	// Sample returns a batch of n states [n, c, h, w] and their slot
	// identifiers.  The returned tensor is a copy; writes to it do not
	// alias pool slots.
	Sample(n int) (*etensor.Float32, []int)

	// Update writes the batch back to the slots named by ids.  replace
	// lists positions within the batch whose slots are re-seeded from
	// fresh seeds instead (the worst performers); iters is the number of
	// evolution steps the batch just underwent, added to the slot ages.
	Update(ids []int, states *etensor.Float32, replace []int, iters int)

	// Reset re-seeds every slot and zeros the ages.
	Reset()

	// Len returns the fixed pool capacity.
	Len() int
}

// SamplePool is the standard fixed-capacity Pool: an arena of evolving
// state snapshots plus per-slot ages counting accumulated evolution
// steps since last re-seed.
type SamplePool struct {

	// slot states, [capacity, c, h, w]
	States *etensor.Float32

	// per-slot accumulated evolution steps since last re-seed
	Ages []int

	// generator for one fresh seed state [c, h, w]
	Seed func() *etensor.Float32

	rnd *erand.SysRand
}

// NewSamplePool returns a pool of n slots seeded from the given
// generator, with the given random seed for sampling order.
func NewSamplePool(n int, seed func() *etensor.Float32, randSeed int64) *SamplePool {
	sp := &SamplePool{Seed: seed, rnd: erand.NewSysRand(randSeed)}
	s0 := seed()
	c, h, w := s0.Dim(0), s0.Dim(1), s0.Dim(2)
	sp.States = etensor.NewFloat32([]int{n, c, h, w}, nil, nil)
	sp.Ages = make([]int, n)
	for i := 0; i < n; i++ {
		sp.reseed(i)
	}
	return sp
}

func (sp *SamplePool) Len() int { return sp.States.Dim(0) }

// slotLen is the number of values in one slot.
func (sp *SamplePool) slotLen() int {
	return sp.States.Dim(1) * sp.States.Dim(2) * sp.States.Dim(3)
}

func (sp *SamplePool) reseed(slot int) {
	s := sp.Seed()
	copy(sp.States.Values[slot*sp.slotLen():(slot+1)*sp.slotLen()], s.Values)
	sp.Ages[slot] = 0
}

func (sp *SamplePool) Sample(n int) (*etensor.Float32, []int) {
	ord := make([]int, sp.Len())
	for i := range ord {
		ord[i] = i
	}
	erand.PermuteInts(ord, sp.rnd)
	ids := ord[:n]
	c, h, w := sp.States.Dim(1), sp.States.Dim(2), sp.States.Dim(3)
	sl := sp.slotLen()
	batch := etensor.NewFloat32([]int{n, c, h, w}, nil, nil)
	for bi, id := range ids {
		copy(batch.Values[bi*sl:(bi+1)*sl], sp.States.Values[id*sl:(id+1)*sl])
	}
	return batch, ids
}

func (sp *SamplePool) Update(ids []int, states *etensor.Float32, replace []int, iters int) {
	sl := sp.slotLen()
	for bi, id := range ids {
		copy(sp.States.Values[id*sl:(id+1)*sl], states.Values[bi*sl:(bi+1)*sl])
		sp.Ages[id] += iters
	}
	for _, bi := range replace {
		sp.reseed(ids[bi])
	}
}

func (sp *SamplePool) Reset() {
	for i := 0; i < sp.Len(); i++ {
		sp.reseed(i)
	}
}
