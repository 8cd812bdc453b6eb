package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/csiflow/config"
	"github.com/Noofbiz/csiflow/pipeline"
	"github.com/Noofbiz/csiflow/trainer"
)

// options is the parsed command line: the merged run configuration plus
// the flags that only affect this command.
type options struct {
	cfg                  *config.Config
	configPath           string
	historyCSV           string
	printEffectiveConfig bool
	logLevel             string
}

// parseArgs parses args, loads the JSON configuration if one is named and
// lets every explicitly set flag override it. Usage and parse errors are
// written to out.
func parseArgs(args []string, out io.Writer) (*options, error) {
	fs := flag.NewFlagSet("csitrain", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "path to the JSON run configuration (defaults are used when empty)")
	name := fs.String("name", "csinet", "run name, used as the prefix of every output file")
	outDir := fs.String("out", "output", "output directory for checkpoints, statistics and predictions")
	dataTemplate := fs.String("data", "", "batch path template containing {id}")
	mode := fs.String("normalization", "spherical", "normalization mode: spherical, minmax, magnitude or spherical-magnitude")
	dom := fs.String("domain", "delay-spatial", "processing domain: delay-spatial, delay-angular or frequency-spatial")
	seed := fs.Int64("seed", 1, "random seed")
	workers := fs.Int("workers", 0, "concurrent batch loads and normalization chunks (0 = NumCPU, 1 = sequential)")

	epochs := fs.Int("epochs", 10, "epoch budget (overrides JSON if provided)")
	patience := fs.Int("patience", 5, "epochs without improvement before stopping; <= 0 disables early stopping")
	batchSize := fs.Int("batch-size", 32, "training batch size (overrides JSON if provided)")
	learningRate := fs.Float64("learning-rate", 0.001, "learning rate (overrides JSON if provided)")
	optimizer := fs.String("optimizer", "adam", "optimizer to use for training: 'adam' or 'sgd'")
	checkpointEvery := fs.Int("checkpoint-every", 0, "save a checkpoint every N epochs (0 = only at the end)")
	saveBest := fs.Bool("save-best", false, "save the best model to its own file whenever it improves")
	shuffle := fs.Bool("shuffle", false, "shuffle training samples each epoch")
	store := fs.String("stats-store", "gob", "statistics store: gob, sqlite or memory")

	o := &options{}
	fs.StringVar(&o.historyCSV, "history-csv", "", "if set, write the per-epoch losses to this CSV path")
	fs.BoolVar(&o.printEffectiveConfig, "print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	fs.StringVar(&o.logLevel, "log-level", "info", "logrus level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	o.configPath = *configPath
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, errors.Wrap(err, "load config")
		}
	}

	// explicitly set flags win over the JSON document
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = *name
		case "out":
			cfg.OutputDir = *outDir
		case "data":
			cfg.Data.PathTemplate = *dataTemplate
		case "normalization":
			cfg.Normalization = *mode
		case "domain":
			cfg.Domain = *dom
		case "seed":
			cfg.Seed = *seed
		case "workers":
			cfg.Data.Workers = *workers
		case "epochs":
			cfg.Training.Epochs = *epochs
		case "patience":
			cfg.Training.Patience = *patience
		case "batch-size":
			cfg.Training.BatchSize = *batchSize
		case "learning-rate":
			cfg.Training.LearningRate = *learningRate
		case "optimizer":
			cfg.Training.Optimizer = *optimizer
		case "checkpoint-every":
			cfg.Training.CheckpointEvery = *checkpointEvery
		case "save-best":
			cfg.Training.SaveBest = *saveBest
		case "shuffle":
			cfg.Training.Shuffle = *shuffle
		case "stats-store":
			cfg.Stats.Store = *store
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	o.cfg = cfg
	return o, nil
}

func main() {
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if err == flag.ErrHelp {
		return
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err != nil {
		log.WithError(err).Fatal("bad command line")
	}
	if lvl, err := logrus.ParseLevel(o.logLevel); err != nil {
		log.WithError(err).Warn("unknown log level, using info")
	} else {
		log.SetLevel(lvl)
	}
	if o.configPath != "" {
		log.WithField("path", o.configPath).Info("loaded config")
	}
	cfg := o.cfg

	if o.printEffectiveConfig {
		b, err := cfg.JSON()
		if err != nil {
			log.WithError(err).Fatal("failed to render config")
		}
		fmt.Println(string(b))
		return
	}
	if cfg.Data.PathTemplate == "" {
		log.Fatal("no batch path template; set -data or data.path_template")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := pipeline.Run(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("run failed")
	}

	if o.historyCSV != "" {
		if err := writeHistoryCSV(o.historyCSV, rep.Train.History); err != nil {
			log.WithError(err).Warn("failed to write history CSV")
		} else {
			log.WithField("path", o.historyCSV).Info("wrote history CSV")
		}
	}

	fmt.Printf("run %s: best epoch %d, NMSE %.2f dB (with truncation %.2f dB), rho %.4f\n",
		rep.RunID, rep.Train.Checkpoint.BestEpoch, rep.Score.NMSEdB(), rep.ScoreFull.NMSEdB(), rep.Cosine)
}

func writeHistoryCSV(path string, h *trainer.History) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"epoch", "train_loss", "valid_loss"}); err != nil {
		return err
	}
	train, valid := h.Trimmed()
	for i := range train {
		rec := []string{
			strconv.Itoa(i),
			strconv.FormatFloat(train[i], 'g', -1, 64),
			strconv.FormatFloat(valid[i], 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0755), "mkdir %s", dir)
}
