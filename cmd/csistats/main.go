package main

// Computes and persists the normalization statistics of a dataset in every
// processing domain without training, so later runs and denormalization
// can read them from the store.
//
// Usage:
//   go run ./cmd/csistats -config run.json
//   go run ./cmd/csistats -data 'data/H_{id}.gob' -store sqlite

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/csiflow/config"
	"github.com/Noofbiz/csiflow/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON run configuration")
	dataTemplate := flag.String("data", "", "batch path template containing {id} (overrides JSON)")
	mode := flag.String("normalization", "", "normalization mode (overrides JSON)")
	store := flag.String("store", "", "statistics store: gob, sqlite or memory (overrides JSON)")
	outDir := flag.String("out", "", "output directory (overrides JSON)")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn or error")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
	}
	if *dataTemplate != "" {
		cfg.Data.PathTemplate = *dataTemplate
	}
	if *mode != "" {
		cfg.Normalization = *mode
	}
	if *store != "" {
		cfg.Stats.Store = *store
	}
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Data.PathTemplate == "" {
		log.Fatal("no batch path template; set -data or data.path_template")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	names, err := pipeline.ComputeStats(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("statistics pass failed")
	}
	fmt.Printf("%d artifacts in %s\n", len(names), cfg.StatsPath())
	for _, n := range names {
		fmt.Printf("  %s\n", n)
	}
}
