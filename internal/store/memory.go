package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fourlexboehm/faasta/internal/domain"
)

// MemoryStore is an in-memory ModuleStore for development and tests.
// Contents do not survive restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.ModuleRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*domain.ModuleRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, domain.ErrFunctionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *domain.ModuleRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := *rec
	if prev, ok := s.records[rec.Name]; ok {
		cp.Version = prev.Version + 1
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.Version = 1
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.records[rec.Name] = &cp
	return cp.Version, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return domain.ErrFunctionNotFound
	}
	delete(s.records, name)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, owner string) ([]*domain.ModuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ModuleRecord, 0, len(s.records))
	for _, rec := range s.records {
		if owner != "" && rec.Owner != owner {
			continue
		}
		cp := *rec
		cp.Module = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
