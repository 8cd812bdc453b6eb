// Package pipeline wires the stages into a run: load and assemble batches,
// convert to the configured domain, normalize and persist statistics,
// train, then denormalize the validation predictions with the persisted
// statistics and score them in physical units.
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/csiflow/config"
	"github.com/Noofbiz/csiflow/datasets"
	"github.com/Noofbiz/csiflow/domain"
	"github.com/Noofbiz/csiflow/normalize"
	"github.com/Noofbiz/csiflow/scoring"
	"github.com/Noofbiz/csiflow/simple"
	"github.com/Noofbiz/csiflow/stats"
	"github.com/Noofbiz/csiflow/trainer"
)

// ModelBuilder creates the model and optimizer for the given flattened
// input and output widths.
type ModelBuilder func(inputDim, outputDim int) (trainer.Model, trainer.Optimizer, error)

// SimpleBuilder builds the MLP from the training section of cfg.
func SimpleBuilder(cfg *config.Config) ModelBuilder {
	return func(in, out int) (trainer.Model, trainer.Optimizer, error) {
		t := cfg.Training
		m, err := simple.NewModel(simple.Config{
			HiddenSizes:  t.HiddenSizes,
			InputDim:     in,
			OutputDim:    out,
			LearningRate: t.LearningRate,
			Seed:         cfg.Seed,
			Optimizer:    t.Optimizer,
			Beta1:        t.AdamBeta1,
			Beta2:        t.AdamBeta2,
			Epsilon:      t.AdamEps,
			ClipNorm:     float32(t.ClipNorm),
		})
		if err != nil {
			return nil, nil, err
		}
		return m, simple.NewOptimizer(m), nil
	}
}

// Report summarizes a run.
type Report struct {
	RunID      string
	Shape      datasets.Shape
	SplitIndex int

	Train *trainer.Result
	// Score compares the validation estimate with the truncated truth;
	// ScoreFull also counts the energy truncation removed as error.
	Score     scoring.Result
	ScoreFull scoring.Result
	// Cosine is the mean angle-vector correlation; zero when undefined.
	Cosine float64

	PredictionsPath string
}

// Run executes a full run with the MLP from cfg.
func Run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Report, error) {
	return RunWith(ctx, cfg, SimpleBuilder(cfg), log)
}

// RunWith executes a full run with a caller-provided model.
func RunWith(ctx context.Context, cfg *config.Config, build ModelBuilder, log logrus.FieldLogger) (*Report, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	runID := uuid.NewString()
	log = log.WithFields(logrus.Fields{"run": runID, "name": cfg.Name})
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", cfg.OutputDir)
	}
	store, err := stats.Open(cfg.StoreKind, cfg.StatsPath())
	if err != nil {
		return nil, errors.Wrap(err, "open stats store")
	}
	defer store.Close()

	raw, asm, err := load(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	n := raw.Shape.N
	split, err := splitIndex(cfg, n)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"train": split, "valid": n - split}).Info("split")

	work := domain.Transform(raw, cfg.Dom)
	res, err := normalizePass(ctx, cfg, store, work, cfg.Dom, split, log)
	if err != nil {
		return nil, err
	}

	win := cfg.Window
	trainT, validT, err := datasets.SplitAt(res.Tensor, split)
	if err != nil {
		return nil, err
	}
	if trainT.Shape.N == 0 || validT.Shape.N == 0 {
		return nil, errors.Errorf("split index %d leaves an empty partition of %d samples", split, n)
	}
	trainDS, err := windowed(trainT, cfg)
	if err != nil {
		return nil, err
	}
	validDS, err := windowed(validT, cfg)
	if err != nil {
		return nil, err
	}

	model, opt, err := build(trainDS.InputDim(), trainDS.LabelDim())
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}
	sink := trainer.FileSink{Dir: cfg.OutputDir, Name: cfg.Name}
	loop := trainer.NewLoop(trainer.Config{
		Epochs:          cfg.Training.Epochs,
		Patience:        cfg.Training.Patience,
		BatchSize:       cfg.Training.BatchSize,
		Shuffle:         cfg.Training.Shuffle,
		Seed:            cfg.Seed,
		CheckpointEvery: cfg.Training.CheckpointEvery,
		SaveBest:        cfg.Training.SaveBest,
	}, model, opt, trainer.MSELoss{})
	loop.Sink = sink
	loop.Log = log
	tr, err := loop.Run(ctx, trainDS, validDS)
	if err != nil {
		return nil, err
	}
	if err := model.LoadState(tr.Checkpoint.BestState); err != nil {
		return nil, errors.Wrap(err, "load best model")
	}

	// predict on the pooled tensor, denormalize, then keep the validation rows
	pooled, err := windowed(res.Tensor, cfg)
	if err != nil {
		return nil, err
	}
	pred, _, err := loop.PredictTensors(pooled)
	if err != nil {
		return nil, err
	}
	decoded, err := pooled.DecodeTensor(pred)
	if err != nil {
		return nil, err
	}
	den, err := normalize.LoadDenormalizer(ctx, store, cfg.Mode, cfg.Dom, []int{win.TargetSlot})
	if err != nil {
		return nil, err
	}
	opts := normalize.DenormalizeOptions{FirstTimeslot: win.TargetSlot, Skip: split}
	if res.Phase != nil {
		if opts.Phase, err = res.Phase.SelectSlots([]int{win.TargetSlot}); err != nil {
			return nil, err
		}
	}
	est, err := den.Tensor(decoded, opts)
	if err != nil {
		return nil, err
	}
	est = domain.Inverse(est, cfg.Dom)

	truthAll, err := raw.SelectSlots([]int{win.TargetSlot})
	if err != nil {
		return nil, err
	}
	truth := truthAll.Rows(split, n)

	rep := &Report{RunID: runID, Shape: raw.Shape, SplitIndex: split, Train: tr}
	ext := scoring.Extent{Delay: cfg.Data.Delay, Angle: cfg.Data.Angle}
	if rep.Score, err = scoring.Score(est, truth, ext); err != nil {
		return nil, err
	}
	dropped := asm.Dropped(win.TargetSlot)[split:]
	if rep.ScoreFull, err = scoring.ScoreWeighted(est, truth, ext, dropped); err != nil {
		return nil, err
	}
	if rep.Cosine, err = scoring.CosineSimilarity(est, truth); err != nil {
		log.WithError(err).Warn("cosine similarity undefined")
		rep.Cosine = 0
	}

	ck := tr.Checkpoint
	ck.BestMSE, ck.BestNMSE = rep.Score.MSE, rep.Score.NMSE
	ck.BestMSEFull, ck.BestNMSEFull = rep.ScoreFull.MSE, rep.ScoreFull.NMSE
	if err := sink.SaveCheckpoint(ctx, ck, tr.History); err != nil {
		return nil, errors.Wrap(err, "save scored checkpoint")
	}

	rep.PredictionsPath = filepath.Join(cfg.OutputDir, cfg.Name+"-predictions.gob")
	if err := SavePredictions(rep.PredictionsPath, &Predictions{
		RunID:      runID,
		SplitIndex: split,
		Timeslot:   win.TargetSlot,
		Estimate:   est,
		Truth:      truth,
	}); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"best_epoch": ck.BestEpoch,
		"mse":        rep.Score.MSE,
		"nmse_db":    rep.Score.NMSEdB(),
		"nmse_full":  rep.ScoreFull.NMSEdB(),
		"rho":        rep.Cosine,
	}).Info("run scored")
	return rep, nil
}

// load resolves the batch ids, loads and assembles them.
func load(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*datasets.Tensor, *datasets.Assembler, error) {
	src := cfg.Source()
	ids := cfg.Data.BatchIDs
	if len(ids) == 0 {
		var err error
		if ids, err = datasets.DiscoverBatchIDs(src.PathTemplate); err != nil {
			return nil, nil, err
		}
	}
	loader, err := datasets.NewLoader(src)
	if err != nil {
		return nil, nil, err
	}
	var sizes []int
	if len(cfg.Data.BatchSizes) > 0 {
		sizes = cfg.Data.Sizes(len(ids))
	}
	asm, err := datasets.LoadAssembler(ctx, loader, ids, sizes, cfg.Data.Total, cfg.Data.Truncate, cfg.Data.Workers)
	if err != nil {
		return nil, nil, err
	}
	t, err := asm.Tensor()
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{
		"batches": len(ids),
		"shape":   t.Shape.String(),
		"bytes":   humanize.Bytes(t.Bytes()),
		"format":  cfg.Format.String(),
	}).Info("assembled")
	return t, asm, nil
}

func splitIndex(cfg *config.Config, n int) (int, error) {
	if cfg.Data.SplitIndex != nil {
		idx := *cfg.Data.SplitIndex
		if idx > n {
			return 0, errors.Errorf("split index %d beyond %d samples", idx, n)
		}
		return idx, nil
	}
	return datasets.SplitIndex(n, cfg.Data.ValidationSplit)
}

// normalizePass normalizes t in place and persists the statistics of the
// whole tensor and the validation-only powers.
func normalizePass(ctx context.Context, cfg *config.Config, store stats.Store, t *datasets.Tensor, d domain.Domain, split int, log logrus.FieldLogger) (*normalize.Result, error) {
	res, err := normalize.NormalizeWith(t, cfg.Mode, normalize.Options{Workers: cfg.Data.Workers})
	if err != nil {
		return nil, err
	}
	if cfg.Mode == normalize.MinMax {
		if err := normalize.ScaleMinMax(res.Tensor, res.Acc.Pre); err != nil {
			return nil, err
		}
	}
	meta := normalize.Meta{Mode: cfg.Mode, SplitIndex: split}
	if err := normalize.Persist(ctx, store, res.Acc, normalize.PersistOptions{Domain: d, Meta: meta}); err != nil {
		return nil, err
	}
	val := res.Acc.Rows(split, t.Shape.N)
	if err := normalize.Persist(ctx, store, val, normalize.PersistOptions{Domain: d, Validation: true}); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"mode": cfg.Mode.String(), "domain": d.String()}).Info("statistics persisted")
	return res, nil
}

func windowed(t *datasets.Tensor, cfg *config.Config) (*datasets.Windowed, error) {
	w, err := datasets.NewWindowed(t, cfg.Window.InputSlots, cfg.Window.TargetSlot)
	if err != nil {
		return nil, err
	}
	w.RealOnly = cfg.Mode.RealOnly()
	w.BatchSize = cfg.Training.BatchSize
	return w, nil
}
