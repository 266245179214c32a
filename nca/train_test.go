// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"math"
	"math/rand"
	"testing"

	"github.com/emer/emergent/v2/etime"
	"github.com/emer/etable/v2/etensor"
)

func smallTarget(h, w int) *etensor.Float32 {
	tg := etensor.NewFloat32([]int{4, h, w}, nil, nil)
	for i := range tg.Values {
		tg.Values[i] = 0.8
	}
	return tg
}

// gradRule returns a small deterministic rule with weights arranged so
// that every ReLU preactivation sits well away from its kink: W1
// nonnegative, positive B1, inputs positive.
func gradRule() *Rule {
	cfg := &RuleConfig{}
	cfg.Defaults()
	cfg.Channels = 5
	cfg.Hidden = 6
	cfg.FireRate = 1
	cfg.RandSeed = 3
	ru := NewRule(cfg)
	rnd := rand.New(rand.NewSource(5))
	for i := range ru.W1.Val {
		ru.W1.Val[i] = 0.3 * rnd.Float32()
	}
	for i := range ru.B1.Val {
		ru.B1.Val[i] = 0.1
	}
	for i := range ru.W2.Val {
		ru.W2.Val[i] = 0.05 * (2*rnd.Float32() - 1)
	}
	for i := range ru.B2.Val {
		ru.B2.Val[i] = 0.01 * (2*rnd.Float32() - 1)
	}
	return ru
}

// gradState returns a fully-alive smooth positive state so that alive
// masks and ReLU active sets are stable under small perturbations.
func gradState() *etensor.Float32 {
	x := etensor.NewFloat32([]int{1, 5, 4, 4}, nil, nil)
	for c := 0; c < 5; c++ {
		for px := 0; px < 16; px++ {
			x.Values[c*16+px] = 0.2 + 0.01*float32(px%5)
		}
	}
	for px := 0; px < 16; px++ {
		x.Values[AlphaChan*16+px] = 1
	}
	return x
}

// totalLoss is the scalar Backward differentiates: the sum over steps of
// the batch-mean step loss.
func totalLoss(ru *Rule, crit Criterion, x0 *etensor.Float32, iters int) float64 {
	ru.SetMode(etime.Test)
	x := cloneF32(x0)
	var sum float64
	for t := 0; t < iters; t++ {
		x = ru.Step(x, 0, 1)
		sum += meanF32(crit.StepLoss(x, t, 0))
	}
	return sum
}

// TestBackwardGradCheck verifies the hand-written adjoint against
// central finite differences on a selection of parameter entries.
func TestBackwardGradCheck(t *testing.T) {
	const iters = 2
	crit := NewImageMSE(smallTarget(4, 4), iters-1)
	ru := gradRule()
	x0 := gradState()

	ru.SetMode(etime.Train)
	ZeroGrads(ru.Params())
	x := cloneF32(x0)
	for step := 0; step < iters; step++ {
		x = ru.Step(x, 0, 1)
	}
	ru.Backward(crit, 0)

	const eps = 1e-2
	for _, p := range ru.Params() {
		stride := len(p.Val)/5 + 1
		for i := 0; i < len(p.Val); i += stride {
			orig := p.Val[i]
			p.Val[i] = orig + eps
			lp := totalLoss(ru, crit, x0, iters)
			p.Val[i] = orig - eps
			lm := totalLoss(ru, crit, x0, iters)
			p.Val[i] = orig
			num := (lp - lm) / (2 * eps)
			ana := float64(p.Grad[i])
			tol := 0.02*math.Abs(ana) + 2e-3
			if math.Abs(num-ana) > tol {
				t.Errorf("%s[%d]: analytic %g vs numeric %g", p.Name, i, ana, num)
			}
		}
	}
}

func TestTrainConfigValidate(t *testing.T) {
	cfg := &TrainConfig{}
	cfg.Defaults()
	cfg.NEpochs = 1
	cfg.Kind = KindsN // unrecognized
	ru := gradRule()
	pool := NewSamplePool(4, func() *etensor.Float32 {
		s := etensor.NewFloat32([]int{5, 4, 4}, nil, nil)
		s.Values[(AlphaChan*4+2)*4+2] = 1
		return s
	}, 1)
	tr := NewTrainer(ru, pool, NewImageMSE(smallTarget(4, 4), 0), NewAdam(0.001), cfg)
	if err := tr.Run(); err == nil {
		t.Fatal("expected unrecognized-kind error, got nil")
	}
	if _, err := KindFromString("Shrinking"); err == nil {
		t.Fatal("expected kind-name error, got nil")
	}
}

func TestTrainLogStepUnreachable(t *testing.T) {
	cfg := &TrainConfig{}
	cfg.Defaults()
	cfg.NEpochs = 1
	cfg.EvolutionIters = 4
	ru := gradRule()
	tr := NewTrainer(ru, trainPool(), NewImageMSE(smallTarget(4, 4), 10), NewAdam(0.001), cfg)
	if err := tr.Run(); err == nil {
		t.Fatal("expected unreachable LogStep error, got nil")
	}
}

type recordLogger struct {
	vals []float64
}

func (rl *recordLogger) LogScalar(name string, value float64, epoch int) {
	rl.vals = append(rl.vals, value)
}

func trainPool() *SamplePool {
	return NewSamplePool(4, func() *etensor.Float32 {
		s := etensor.NewFloat32([]int{5, 4, 4}, nil, nil)
		for px := 0; px < 16; px++ {
			s.Values[AlphaChan*16+px] = 1
		}
		return s
	}, 1)
}

func TestTrainPersistent(t *testing.T) {
	cfg := &TrainConfig{}
	cfg.Defaults()
	cfg.Kind = Persistent
	cfg.NEpochs = 2
	cfg.BatchSize = 2
	cfg.EvolutionIters = 4
	ru := gradRule()
	pool := trainPool()
	lg := &recordLogger{}
	tr := NewTrainer(ru, pool, NewImageMSE(smallTarget(4, 4), 3), NewAdam(0.001), cfg)
	tr.Logger = lg
	if err := tr.Run(); err != nil {
		t.Fatal(err)
	}
	if len(tr.Losses) != 2 {
		t.Fatalf("got %d epoch losses, expected 2", len(tr.Losses))
	}
	for i, v := range tr.Losses {
		if math.IsNaN(v) {
			t.Fatalf("epoch %d loss is NaN", i)
		}
	}
	if len(lg.vals) != 2 {
		t.Fatalf("logger called %d times, expected 2", len(lg.vals))
	}
	if tr.LossLog.Rows != 2 {
		t.Fatalf("loss log has %d rows, expected 2", tr.LossLog.Rows)
	}
}

// TestTrainGrowingNoWriteback: for the growing kind, nothing goes back
// into the pool -- every slot still holds its fresh seed afterwards.
func TestTrainGrowingNoWriteback(t *testing.T) {
	cfg := &TrainConfig{}
	cfg.Defaults()
	cfg.Kind = Growing
	cfg.NEpochs = 1
	cfg.BatchSize = 2
	cfg.EvolutionIters = 4
	ru := gradRule()
	pool := trainPool()
	before := append([]float32(nil), pool.States.Values...)
	tr := NewTrainer(ru, pool, NewImageMSE(smallTarget(4, 4), 3), NewAdam(0.001), cfg)
	if err := tr.Run(); err != nil {
		t.Fatal(err)
	}
	cmpVals(t, pool.States.Values, before, 0, "growing kind must not write back")
}

// TestTrainPerturb drives the composed rule through the same trainer,
// with only the overlay's parameters optimized.
func TestTrainPerturb(t *testing.T) {
	cfg := &TrainConfig{}
	cfg.Defaults()
	cfg.Kind = Persistent
	cfg.NEpochs = 1
	cfg.BatchSize = 2
	cfg.EvolutionIters = 4
	base := gradRule()
	overlay := gradRule()
	pt, err := NewPerturb(base, overlay)
	if err != nil {
		t.Fatal(err)
	}
	baseW2 := append([]float32(nil), base.W2.Val...)
	pool := trainPool()
	crit := NewPerturbMSE(smallTarget(4, 4), 3, 0.01)
	tr := NewTrainer(pt, pool, crit, NewAdam(0.001), cfg)
	tr.TrainParams = overlay.Params()
	if err := tr.Run(); err != nil {
		t.Fatal(err)
	}
	cmpVals(t, base.W2.Val, baseW2, 0, "frozen base must not change")
	if len(tr.Losses) != 1 {
		t.Fatalf("got %d epoch losses, expected 1", len(tr.Losses))
	}
}
