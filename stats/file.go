package stats

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// fileVersion is incremented when the on-disk record format changes.
const fileVersion = 1

const fileExt = ".gob"

// recordFile is the on-disk representation of one artifact.
type recordFile struct {
	Version   int
	Name      string
	CreatedAt int64
	Fields    Record
}

// FileStore keeps one gob file per artifact in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("empty stats directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name+fileExt) }

// Put writes the artifact atomically (temp file, then rename).
func (s *FileStore) Put(ctx context.Context, name string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return errors.Errorf("invalid artifact name %q", name)
	}
	tmpFile, err := os.CreateTemp(s.dir, name+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp artifact file")
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	rf := recordFile{Version: fileVersion, Name: name, CreatedAt: time.Now().Unix(), Fields: rec}
	if err := gob.NewEncoder(tmpFile).Encode(&rf); err != nil {
		return errors.Wrapf(err, "encode artifact %s", name)
	}
	if err := tmpFile.Sync(); err != nil {
		return errors.Wrapf(err, "sync artifact %s", name)
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "close artifact %s", name)
	}
	return errors.Wrapf(os.Rename(tmpName, s.path(name)), "rename artifact %s", name)
}

// Get reads an artifact and validates its header.
func (s *FileStore) Get(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(s.path(name))
	if os.IsNotExist(err) {
		return nil, missing(name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open artifact %s", name)
	}
	defer fh.Close()

	var rf recordFile
	if err := gob.NewDecoder(fh).Decode(&rf); err != nil {
		return nil, errors.Wrapf(err, "decode artifact %s", name)
	}
	if rf.Version != fileVersion {
		return nil, errors.Errorf("artifact %s version mismatch: file=%d expected=%d", name, rf.Version, fileVersion)
	}
	if rf.Name != name {
		return nil, errors.Errorf("artifact file %s holds %q", s.path(name), rf.Name)
	}
	return rf.Fields, nil
}

// Names lists the stored artifacts in lexical order.
func (s *FileStore) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.dir)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, fileExt) || strings.Contains(n, ".tmp.") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, fileExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Close() error { return nil }
