// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/emer/emergent/v2/etime"
	"github.com/emer/etable/v2/etable"
	"github.com/emer/etable/v2/etensor"
	"gonum.org/v1/gonum/stat"
)

// Kinds are the kinds of CA training.
type Kinds int32

const (
	// Growing trains a CA that grows into the target image: every batch
	// restarts from fresh seeds, nothing is written back to the pool.
	Growing Kinds = iota

	// Persistent trains a CA that grows into the target image and then
	// persists: evolved states go back into the pool, worst performers
	// are replaced with fresh seeds.
	Persistent

	// Regenerating trains a CA that additionally regenerates damage:
	// Persistent plus damage injection before the pool write-back.
	Regenerating

	KindsN
)

var kindsNames = []string{"Growing", "Persistent", "Regenerating"}

func (k Kinds) String() string {
	if k < 0 || k >= KindsN {
		return fmt.Sprintf("Kinds(%d)", k)
	}
	return kindsNames[k]
}

// KindFromString returns the Kinds value with the given name.
func KindFromString(name string) (Kinds, error) {
	for i, nm := range kindsNames {
		if nm == name {
			return Kinds(i), nil
		}
	}
	return 0, fmt.Errorf("nca: unrecognized training kind: %q", name)
}

// MetricLogger is the optional experiment-logging collaborator, invoked
// once per epoch with the mean epoch loss.  Absence never breaks
// training.
type MetricLogger interface {
	LogScalar(name string, value float64, epoch int)
}

// TrainConfig has all the parameters of one training run.
type TrainConfig struct {

	// kind of CA to train
	Kind Kinds

	// number of epochs; each epoch drains the pool once in batches
	NEpochs int

	// batch size; pool.Len() / BatchSize batches per epoch, remainder
	// dropped
	BatchSize int `def:"4"`

	// number of forward evolution steps per batch
	EvolutionIters int `def:"96"`

	// if both nonzero, the per-batch evolution steps are drawn uniform
	// in [min, max] instead of the fixed EvolutionIters; the criterion's
	// LogStep must be below min
	IterRange [2]int

	// worst-sample replacement happens only on batches divisible by
	// this cadence
	SkipUpdate int `def:"2"`

	// number of worst samples (by log-step loss) replaced with fresh
	// seeds on pool write-back
	NMaxLosses int `def:"1"`

	// normalize every parameter gradient by its own L2 norm before the
	// optimizer step
	NormGrads bool

	// rotation angle of the update applied throughout training
	Angle float32

	// step size of the update applied throughout training
	StepSize float32 `def:"1"`

	// damage injection configuration, for Regenerating
	Damage DamageConfig

	// per-batch probability of resetting the entire pool; 0 = never
	ResetProb float32

	// seed for the trainer's private random source (iter draws, damage,
	// pool resets)
	RandSeed int64
}

// Defaults sets default parameter values
func (tc *TrainConfig) Defaults() {
	tc.BatchSize = 4
	tc.EvolutionIters = 96
	tc.SkipUpdate = 2
	tc.NMaxLosses = 1
	tc.StepSize = 1
	tc.Damage.Defaults()
	tc.RandSeed = 1
}

// Validate fails fast on configuration errors.
func (tc *TrainConfig) Validate() error {
	if tc.Kind < 0 || tc.Kind >= KindsN {
		return fmt.Errorf("nca: unrecognized training kind: %d", tc.Kind)
	}
	if tc.BatchSize <= 0 {
		return fmt.Errorf("nca: BatchSize must be positive: %d", tc.BatchSize)
	}
	if tc.EvolutionIters <= 0 {
		return fmt.Errorf("nca: EvolutionIters must be positive: %d", tc.EvolutionIters)
	}
	if tc.IterRange[0] != 0 || tc.IterRange[1] != 0 {
		if tc.IterRange[0] <= 0 || tc.IterRange[1] < tc.IterRange[0] {
			return fmt.Errorf("nca: invalid IterRange: %v", tc.IterRange)
		}
	}
	if tc.SkipUpdate <= 0 {
		return fmt.Errorf("nca: SkipUpdate must be positive: %d", tc.SkipUpdate)
	}
	return nil
}

// Trainer is the training orchestrator: the epoch / batch / evolution
// step state machine coupling an Automaton to its Pool and Criterion.
type Trainer struct {

	// the automaton being trained
	CA Automaton

	// replay pool of in-flight states
	Pool Pool

	// loss collaborator
	Crit Criterion

	// optimizer over Params
	Opt *Adam

	// parameters the optimizer updates; nil = CA.Params().  Pass only
	// the overlay rule's params to train a Perturb against a frozen
	// base.
	TrainParams []*Param

	// optional learning-rate scheduler, stepped at end of epoch
	Sched Scheduler

	// optional experiment logger, called once per epoch
	Logger MetricLogger

	// optional hook run on every sampled batch before evolving, for
	// callers that need to adjust masks or state up front
	PreBatch func(x *etensor.Float32)

	// training run configuration
	Config TrainConfig

	// per-epoch mean log-step losses, append-only
	Losses []float64

	// epoch loss trace as a table, for plotting / CSV export
	LossLog *etable.Table

	rnd *rand.Rand
}

// NewTrainer returns a Trainer over the given automaton, pool and
// criterion, with the given config (nil = defaults).
func NewTrainer(ca Automaton, pool Pool, crit Criterion, opt *Adam, cfg *TrainConfig) *Trainer {
	tr := &Trainer{CA: ca, Pool: pool, Crit: crit, Opt: opt}
	if cfg == nil {
		tr.Config.Defaults()
	} else {
		tr.Config = *cfg
	}
	tr.LossLog = &etable.Table{}
	tr.LossLog.SetFromSchema(etable.Schema{
		{Name: "Epoch", Type: etensor.INT64, CellShape: nil, DimNames: nil},
		{Name: "Loss", Type: etensor.FLOAT64, CellShape: nil, DimNames: nil},
	}, 0)
	return tr
}

// Run trains for Config.NEpochs epochs, or until the early-stopping
// criteria fire.  Divergence (NaN or runaway loss) is not an error: the
// run stops gracefully with all state and logs preserved.
func (tr *Trainer) Run() error {
	cfg := &tr.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	logStep := tr.Crit.LogStep()
	minIters := cfg.EvolutionIters
	if cfg.IterRange[0] > 0 {
		minIters = cfg.IterRange[0]
	}
	if logStep >= minIters {
		return fmt.Errorf("nca: criterion LogStep %d is never reached in %d evolution iters", logStep, minIters)
	}
	if tr.rnd == nil {
		tr.rnd = rand.New(rand.NewSource(cfg.RandSeed))
	}
	params := tr.TrainParams
	if params == nil {
		params = tr.CA.Params()
	}
	mrec, _ := tr.CA.(MaskRecorder)
	mcrit, _ := tr.Crit.(MaskCriterion)
	tr.CA.SetMode(etime.Train)
	nBatch := tr.Pool.Len() / cfg.BatchSize
	for epoch := 0; epoch < cfg.NEpochs; epoch++ {
		var epcLosses []float64
		for j := 0; j < nBatch; j++ {
			x, ids := tr.Pool.Sample(cfg.BatchSize)
			ZeroGrads(params)
			tr.CA.ResetCaches()
			if mcrit != nil {
				mcrit.ResetMasks()
			}
			if tr.PreBatch != nil {
				tr.PreBatch(x)
			}
			iters := cfg.EvolutionIters
			if cfg.IterRange[0] > 0 {
				iters = cfg.IterRange[0] + tr.rnd.Intn(cfg.IterRange[1]-cfg.IterRange[0]+1)
			}
			var logLoss []float32
			for step := 0; step < iters; step++ {
				x = tr.CA.Step(x, cfg.Angle, cfg.StepSize)
				if mrec != nil && mcrit != nil {
					mcrit.AddMask(mrec.MaskedDelta())
				}
				if step == logStep {
					logLoss = tr.Crit.LogLoss(x)
					epcLosses = append(epcLosses, meanF32(logLoss))
				}
			}
			tr.CA.Backward(tr.Crit, epoch)
			if cfg.NormGrads {
				NormGrads(params)
			}
			tr.Opt.Step(params)
			tr.CA.ResetCaches()
			if cfg.Kind == Regenerating && (cfg.Damage.SkipDamage <= 1 || j%cfg.Damage.SkipDamage == 0) {
				Damage(x, &cfg.Damage, tr.rnd)
			}
			if cfg.Kind != Growing {
				var worst []int
				if j%cfg.SkipUpdate == 0 {
					worst = NLargest(logLoss, cfg.NMaxLosses)
				}
				tr.Pool.Update(ids, x, worst, iters)
				if cfg.ResetProb > 0 && tr.rnd.Float32() < cfg.ResetProb {
					tr.Pool.Reset()
				}
			}
		}
		if tr.Sched != nil {
			tr.Sched.Step(tr.Opt)
		}
		epcLoss := stat.Mean(epcLosses, nil)
		if math.IsNaN(epcLoss) || (epcLoss > 5 && epoch > 2) {
			log.Printf("nca: stopping early at epoch %d: diverged, loss %g\n", epoch, epcLoss)
			break
		}
		if epcLoss > 0.25 && epoch == 40 {
			log.Printf("nca: stopping early at epoch %d: loss %g above checkpoint gate\n", epoch, epcLoss)
			break
		}
		if tr.Logger != nil {
			tr.Logger.LogScalar("loss", epcLoss, epoch)
		}
		tr.Losses = append(tr.Losses, epcLoss)
		row := tr.LossLog.Rows
		tr.LossLog.AddRows(1)
		tr.LossLog.SetCellFloat("Epoch", row, float64(epoch))
		tr.LossLog.SetCellFloat("Loss", row, epcLoss)
	}
	return nil
}

func meanF32(vals []float32) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range vals {
		sum += float64(v)
	}
	return sum / float64(len(vals))
}
