package pipeline

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/csiflow/config"
	"github.com/Noofbiz/csiflow/domain"
	"github.com/Noofbiz/csiflow/stats"
)

// ComputeStats runs only the statistics pass: the batches are assembled
// once, then normalized in every domain and the power and extrema artifacts
// of each are persisted. It returns the names now in the store.
func ComputeStats(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) ([]string, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", cfg.OutputDir)
	}
	store, err := stats.Open(cfg.StoreKind, cfg.StatsPath())
	if err != nil {
		return nil, errors.Wrap(err, "open stats store")
	}
	defer store.Close()

	raw, _, err := load(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	split, err := splitIndex(cfg, raw.Shape.N)
	if err != nil {
		return nil, err
	}
	for _, d := range domain.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := normalizePass(ctx, cfg, store, domain.Transform(raw, d), d, split, log); err != nil {
			return nil, errors.Wrapf(err, "domain %v", d)
		}
	}
	return store.Names(ctx)
}
