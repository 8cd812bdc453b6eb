package pipeline

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/datasets"
)

const predictionsVersion = 1

// Predictions holds the denormalized validation estimate next to its truth,
// both of shape (valid samples, 1, D, A) in the delay-spatial domain.
type Predictions struct {
	RunID      string
	SplitIndex int
	Timeslot   int
	Estimate   *datasets.Tensor
	Truth      *datasets.Tensor
}

type predictionsFile struct {
	Version   int
	CreatedAt int64
	Predictions
}

// SavePredictions writes p to path with encoding/gob, through a temp file
// and a rename.
func SavePredictions(path string, p *Predictions) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp predictions file")
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()
	pf := predictionsFile{Version: predictionsVersion, CreatedAt: time.Now().Unix(), Predictions: *p}
	if err := gob.NewEncoder(tmpFile).Encode(&pf); err != nil {
		return errors.Wrap(err, "encode predictions")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "close predictions")
	}
	return errors.Wrap(os.Rename(tmpName, path), "rename predictions")
}

// LoadPredictions reads a file written by SavePredictions.
func LoadPredictions(path string) (*Predictions, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open predictions %s", path)
	}
	defer fh.Close()
	var pf predictionsFile
	if err := gob.NewDecoder(fh).Decode(&pf); err != nil {
		return nil, errors.Wrapf(err, "decode predictions %s", path)
	}
	if pf.Version != predictionsVersion {
		return nil, errors.Errorf("predictions version mismatch: file=%d expected=%d", pf.Version, predictionsVersion)
	}
	return &pf.Predictions, nil
}
