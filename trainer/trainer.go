// Package trainer drives the epoch loop of a learnable model: minibatch
// training, validation, best-checkpoint tracking and early stopping.
//
// Each epoch ends in one of three states. ImprovedEpoch when the validation
// loss is the first seen or strictly below the best so far; NoImprovement
// otherwise; Stopped when the number of consecutive non-improving epochs
// reaches the patience, in which case the best model is restored and the
// loop ends before the epoch budget.
package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/csiflow/errs"
)

// State is the loop state after an epoch.
type State int

const (
	Running State = iota
	ImprovedEpoch
	NoImprovement
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ImprovedEpoch:
		return "improved"
	case NoImprovement:
		return "no-improvement"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Config holds the loop settings.
type Config struct {
	// Epochs is the epoch budget (default 10).
	Epochs int

	// Patience is the number of consecutive non-improving epochs that stops
	// the loop. Zero or negative disables early stopping; it does not mean
	// stopping at the first non-improving epoch, which is Patience 1.
	Patience int

	// BatchSize for minibatches (default 8).
	BatchSize int

	// Shuffle the training order every epoch using Seed.
	Shuffle bool
	Seed    int64

	// CheckpointEvery persists the checkpoint every n epochs. The loop
	// always persists once at the end. Zero means only at the end.
	CheckpointEvery int

	// SaveBest persists the best model whenever it improves.
	SaveBest bool
}

// EpochReport describes one finished epoch.
type EpochReport struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
	State     State
	Stale     int
}

// Sink persists checkpoints. Implementations must not retain the arguments.
type Sink interface {
	SaveCheckpoint(ctx context.Context, ck *Checkpoint, h *History) error
	SaveBest(ctx context.Context, ck *Checkpoint) error
}

// Result is the outcome of Run.
type Result struct {
	Checkpoint *Checkpoint
	History    *History
	// Final is Stopped after an early stop, otherwise the state of the
	// last epoch.
	Final State
}

// Loop trains Model with Optimizer against Criterion.
type Loop struct {
	Config    Config
	Model     Model
	Optimizer Optimizer
	Criterion Criterion

	// Sink is optional.
	Sink Sink
	Log  logrus.FieldLogger
	// OnEpoch, if set, is called after every epoch.
	OnEpoch func(EpochReport)

	ck    *Checkpoint
	hist  *History
	start int
	rng   *rand.Rand
}

// NewLoop fills in defaults and returns a loop ready to Run.
func NewLoop(cfg Config, m Model, opt Optimizer, crit Criterion) *Loop {
	if cfg.Epochs <= 0 {
		cfg.Epochs = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if crit == nil {
		crit = MSELoss{}
	}
	return &Loop{
		Config:    cfg,
		Model:     m,
		Optimizer: opt,
		Criterion: crit,
		Log:       logrus.StandardLogger(),
		ck:        &Checkpoint{RunID: uuid.NewString()},
		hist:      NewHistory(cfg.Epochs),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Resume continues a previous run from its checkpoint and history: the model
// is loaded from the latest state and the best/stale bookkeeping carries on.
func (l *Loop) Resume(ck *Checkpoint, h *History) error {
	if ck == nil || h == nil {
		return errors.New("resume needs a checkpoint and a history")
	}
	if ck.LatestState == nil {
		return errors.New("checkpoint has no latest state")
	}
	if err := l.Model.LoadState(ck.LatestState); err != nil {
		return errors.Wrap(err, "load latest state")
	}
	l.ck = ck
	l.hist = h
	l.hist.grow(l.Config.Epochs)
	l.start = ck.LatestEpoch + 1
	return nil
}

// Checkpoint returns the live checkpoint.
func (l *Loop) Checkpoint() *Checkpoint { return l.ck }

// Run trains until the epoch budget is spent or early stopping triggers.
func (l *Loop) Run(ctx context.Context, train, valid Dataset) (*Result, error) {
	if train == nil || train.Len() == 0 {
		return nil, errors.New("training dataset has no examples")
	}
	if valid == nil || valid.Len() == 0 {
		return nil, errors.New("validation dataset has no examples")
	}
	log := l.Log.WithField("run", l.ck.RunID)

	order := make([]int, train.Len())
	for i := range order {
		order[i] = i
	}

	final := Running
	for epoch := l.start; epoch < l.Config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.Config.Shuffle {
			l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}

		trainLoss, err := l.trainEpoch(epoch, train, order)
		if err != nil {
			return nil, err
		}
		validLoss, err := l.evalEpoch(epoch, valid)
		if err != nil {
			return nil, err
		}
		l.hist.TrainLoss[epoch] = trainLoss
		l.hist.ValidLoss[epoch] = validLoss
		l.hist.Epochs = epoch + 1

		state, err := l.advance(epoch, validLoss)
		if err != nil {
			return nil, err
		}
		final = state
		log.WithFields(logrus.Fields{
			"epoch":      epoch,
			"train_loss": trainLoss,
			"valid_loss": validLoss,
			"state":      state,
		}).Info("epoch done")
		if l.OnEpoch != nil {
			l.OnEpoch(EpochReport{Epoch: epoch, TrainLoss: trainLoss, ValidLoss: validLoss, State: state, Stale: l.ck.Stale})
		}

		if state == ImprovedEpoch && l.Config.SaveBest && l.Sink != nil {
			if err := l.Sink.SaveBest(ctx, l.ck); err != nil {
				return nil, errors.Wrap(err, "save best model")
			}
		}
		if state == Stopped {
			if err := l.Model.LoadState(l.ck.BestState); err != nil {
				return nil, errors.Wrap(err, "restore best model")
			}
			log.WithFields(logrus.Fields{"epoch": epoch, "best_epoch": l.ck.BestEpoch}).Info("early stop")
			break
		}
		if every := l.Config.CheckpointEvery; every > 0 && (epoch+1)%every == 0 && epoch+1 < l.Config.Epochs && l.Sink != nil {
			if err := l.Sink.SaveCheckpoint(ctx, l.ck, l.hist); err != nil {
				return nil, errors.Wrap(err, "save checkpoint")
			}
		}
	}

	if l.Sink != nil {
		if err := l.Sink.SaveCheckpoint(ctx, l.ck, l.hist); err != nil {
			return nil, errors.Wrap(err, "save checkpoint")
		}
	}
	return &Result{Checkpoint: l.ck, History: l.hist, Final: final}, nil
}

// advance applies the transition rule to the validation loss of epoch.
func (l *Loop) advance(epoch int, validLoss float64) (State, error) {
	latest, err := l.Model.State()
	if err != nil {
		return Running, errors.Wrap(err, "snapshot model")
	}
	l.ck.LatestState = latest
	l.ck.LatestEpoch = epoch

	if !l.ck.HasBest || validLoss < l.ck.BestLoss {
		l.ck.HasBest = true
		l.ck.BestLoss = validLoss
		l.ck.BestEpoch = epoch
		l.ck.BestState = latest
		l.ck.Stale = 0
		return ImprovedEpoch, nil
	}
	l.ck.Stale++
	if l.Config.Patience > 0 && l.ck.Stale >= l.Config.Patience {
		return Stopped, nil
	}
	return NoImprovement, nil
}

func (l *Loop) trainEpoch(epoch int, ds Dataset, order []int) (float64, error) {
	l.Model.SetTraining(true)
	var total float64
	var seen int
	for start := 0; start < len(order); start += l.Config.BatchSize {
		end := min(start+l.Config.BatchSize, len(order))
		inputs, labels, err := ds.Batch(order[start:end])
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d: training batch", epoch)
		}
		l.Optimizer.ZeroGrad()
		pred, err := l.Model.Forward(inputs)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d: forward", epoch)
		}
		loss, grad, err := l.Criterion.Loss(pred, labels)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d: loss", epoch)
		}
		if err := checkFinite(loss, epoch, start/l.Config.BatchSize, "training"); err != nil {
			return 0, err
		}
		if err := l.Model.Backward(grad); err != nil {
			return 0, errors.Wrapf(err, "epoch %d: backward", epoch)
		}
		if err := l.Optimizer.Step(); err != nil {
			return 0, errors.Wrapf(err, "epoch %d: optimizer step", epoch)
		}
		total += loss * float64(len(inputs))
		seen += len(inputs)
	}
	return total / float64(seen), nil
}

func (l *Loop) evalEpoch(epoch int, ds Dataset) (float64, error) {
	l.Model.SetTraining(false)
	var total float64
	n := ds.Len()
	idx := make([]int, 0, l.Config.BatchSize)
	for start := 0; start < n; start += l.Config.BatchSize {
		end := min(start+l.Config.BatchSize, n)
		idx = idx[:0]
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		inputs, labels, err := ds.Batch(idx)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d: validation batch", epoch)
		}
		pred, err := l.Model.Forward(inputs)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d: forward", epoch)
		}
		loss, _, err := l.Criterion.Loss(pred, labels)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d: loss", epoch)
		}
		if err := checkFinite(loss, epoch, start/l.Config.BatchSize, "validation"); err != nil {
			return 0, err
		}
		total += loss * float64(len(inputs))
	}
	return total / float64(n), nil
}

// Predict runs the model in evaluation mode over every example of ds in
// index order and returns the predictions with their labels.
func (l *Loop) Predict(ds Dataset) (pred, labels [][]float32, err error) {
	l.Model.SetTraining(false)
	n := ds.Len()
	pred = make([][]float32, 0, n)
	labels = make([][]float32, 0, n)
	for start := 0; start < n; start += l.Config.BatchSize {
		end := min(start+l.Config.BatchSize, n)
		idx := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		in, la, err := ds.Batch(idx)
		if err != nil {
			return nil, nil, errors.Wrap(err, "predict batch")
		}
		out, err := l.Model.Forward(in)
		if err != nil {
			return nil, nil, errors.Wrap(err, "predict forward")
		}
		pred = append(pred, out...)
		labels = append(labels, la...)
	}
	return pred, labels, nil
}

func checkFinite(loss float64, epoch, batch int, phase string) error {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errs.New(errs.NonFiniteLoss, errs.StageTrain, fmt.Sprintf("%s batch %d", errs.Epoch(epoch), batch),
			"%s loss is %v", phase, loss)
	}
	return nil
}
