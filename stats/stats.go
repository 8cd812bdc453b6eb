// Package stats persists the normalization statistics needed to invert a
// normalization pass: per-timeslot power vectors and extrema records.
//
// A Record maps a fixed field key to a list of vectors. Power artifacts hold
// one vector under PowerKey; extrema artifacts hold the [min, max] vector
// pair under ExtremaKey. Fields are always read by name.
package stats

import (
	"bytes"
	"context"
	"encoding/gob"
	"strings"

	"github.com/pkg/errors"

	"github.com/Noofbiz/csiflow/errs"
)

const (
	// PowerKey holds a per-sample power vector.
	PowerKey = "pow_down"
	// ExtremaKey holds a per-timeslot [min, max] vector pair.
	ExtremaKey = "ext_down"
)

// Record is one persisted artifact.
type Record map[string][][]float64

// Vector returns the single vector stored under key.
func (r Record) Vector(key string) ([]float64, error) {
	v, ok := r[key]
	if !ok || len(v) != 1 {
		return nil, errs.New(errs.MissingStatistic, errs.StageDenormalize, "key "+key, "record has no vector %q", key)
	}
	return v[0], nil
}

// Pair returns the (min, max) vectors stored under key.
func (r Record) Pair(key string) (lo, hi []float64, err error) {
	v, ok := r[key]
	if !ok || len(v) != 2 || len(v[0]) != len(v[1]) {
		return nil, nil, errs.New(errs.MissingStatistic, errs.StageDenormalize, "key "+key, "record has no (min, max) pair %q", key)
	}
	return v[0], v[1], nil
}

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, rows := range r {
		cp := make([][]float64, len(rows))
		for i, row := range rows {
			cp[i] = append([]float64(nil), row...)
		}
		out[k] = cp
	}
	return out
}

// Store is a keyed artifact store.
type Store interface {
	Put(ctx context.Context, name string, rec Record) error
	// Get fails with errs.MissingStatistic when name was never stored.
	Get(ctx context.Context, name string) (Record, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// Kind selects a Store implementation.
type Kind int

const (
	KindGob Kind = iota
	KindSQLite
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindGob:
		return "gob"
	case KindSQLite:
		return "sqlite"
	case KindMemory:
		return "memory"
	}
	return "unknown"
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gob", "file":
		return KindGob, nil
	case "sqlite":
		return KindSQLite, nil
	case "memory", "mem":
		return KindMemory, nil
	}
	return 0, errors.Errorf("unknown stats store %q", s)
}

// Open opens a store of the given kind. path is a directory for KindGob and
// a database file for KindSQLite; it is ignored for KindMemory.
func Open(kind Kind, path string) (Store, error) {
	switch kind {
	case KindGob:
		return NewFileStore(path)
	case KindSQLite:
		return OpenSQLite(path)
	case KindMemory:
		return NewMemStore(), nil
	}
	return nil, errors.Errorf("unsupported stats store %v", kind)
}

func missing(name string) error {
	return errs.New(errs.MissingStatistic, errs.StageDenormalize, "artifact "+name, "not found in store")
}

func encodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (Record, error) {
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return rec, nil
}
