package stats

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-process Store.
type MemStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemStore() *MemStore { return &MemStore{recs: make(map[string]Record)} }

func (s *MemStore) Put(_ context.Context, name string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[name] = rec.clone()
	return nil
}

func (s *MemStore) Get(_ context.Context, name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[name]
	if !ok {
		return nil, missing(name)
	}
	return rec.clone(), nil
}

func (s *MemStore) Names(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.recs))
	for n := range s.recs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemStore) Close() error { return nil }
