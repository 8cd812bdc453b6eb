package trainer

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const sinkVersion = 1

type checkpointFile struct {
	Version    int
	Checkpoint Checkpoint
}

type historyFile struct {
	Version int
	History History
}

type bestFile struct {
	Version int
	RunID   string
	Epoch   int
	Loss    float64
	State   []byte
}

// FileSink writes checkpoints as gob files named after Name in Dir:
// {name}-checkpoint.gob holds the checkpoint, {name}-history.gob the loss
// history and {name}-best-model.gob the best model state alone.
type FileSink struct {
	Dir  string
	Name string
}

// CheckpointPath is where SaveCheckpoint writes.
func (s FileSink) CheckpointPath() string {
	return filepath.Join(s.Dir, s.Name+"-checkpoint.gob")
}

// HistoryPath is where SaveCheckpoint writes the loss history.
func (s FileSink) HistoryPath() string {
	return filepath.Join(s.Dir, s.Name+"-history.gob")
}

// BestPath is where SaveBest writes.
func (s FileSink) BestPath() string {
	return filepath.Join(s.Dir, s.Name+"-best-model.gob")
}

func (s FileSink) SaveCheckpoint(ctx context.Context, ck *Checkpoint, h *History) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeAtomic(s.HistoryPath(), &historyFile{Version: sinkVersion, History: *h}); err != nil {
		return err
	}
	return writeAtomic(s.CheckpointPath(), &checkpointFile{Version: sinkVersion, Checkpoint: *ck})
}

func (s FileSink) SaveBest(ctx context.Context, ck *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ck.HasBest {
		return errors.New("no best model yet")
	}
	return writeAtomic(s.BestPath(), &bestFile{
		Version: sinkVersion,
		RunID:   ck.RunID,
		Epoch:   ck.BestEpoch,
		Loss:    ck.BestLoss,
		State:   ck.BestState,
	})
}

// Load reads back what SaveCheckpoint wrote.
func (s FileSink) Load() (*Checkpoint, *History, error) {
	return LoadFileCheckpoint(s.CheckpointPath(), s.HistoryPath())
}

// LoadFileCheckpoint reads a checkpoint and its history written by
// FileSink.SaveCheckpoint.
func LoadFileCheckpoint(checkpointPath, historyPath string) (*Checkpoint, *History, error) {
	var cf checkpointFile
	if err := readGob(checkpointPath, &cf); err != nil {
		return nil, nil, errors.Wrap(err, "checkpoint")
	}
	if cf.Version != sinkVersion {
		return nil, nil, errors.Errorf("checkpoint version mismatch: file=%d expected=%d", cf.Version, sinkVersion)
	}
	var hf historyFile
	if err := readGob(historyPath, &hf); err != nil {
		return nil, nil, errors.Wrap(err, "history")
	}
	if hf.Version != sinkVersion {
		return nil, nil, errors.Errorf("history version mismatch: file=%d expected=%d", hf.Version, sinkVersion)
	}
	return &cf.Checkpoint, &hf.History, nil
}

// LoadBestState reads the model state written by FileSink.SaveBest and the
// epoch it was taken at.
func LoadBestState(path string) ([]byte, int, error) {
	var bf bestFile
	if err := readGob(path, &bf); err != nil {
		return nil, 0, errors.Wrap(err, "best model")
	}
	if bf.Version != sinkVersion {
		return nil, 0, errors.Errorf("best model version mismatch: file=%d expected=%d", bf.Version, sinkVersion)
	}
	return bf.State, bf.Epoch, nil
}

func readGob(path string, v any) error {
	fh, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer fh.Close()
	return errors.Wrapf(gob.NewDecoder(fh).Decode(v), "decode %s", path)
}

func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()
	if err := gob.NewEncoder(tmpFile).Encode(v); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := tmpFile.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", path)
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	return errors.Wrapf(os.Rename(tmpName, path), "rename %s", path)
}
