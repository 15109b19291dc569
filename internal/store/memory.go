package store

import (
	"context"
	"sync"

	"github.com/openclaw/authrotator/internal/model"
)

// MemoryStore is a process-local LockedStore. It provides the same atomicity
// guarantees as the durable backends within one process and is the default
// for tests and single-process embedders that manage persistence themselves.
type MemoryStore struct {
	mu      sync.Mutex
	domains map[string]*model.Domain
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{domains: make(map[string]*model.Domain)}
}

func (s *MemoryStore) Load(ctx context.Context, domainKey string) (*model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domainKey]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (s *MemoryStore) ApplyUpdate(ctx context.Context, domainKey string, fn UpdateFunc) (*model.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := current(domainKey, s.domains[domainKey])
	next, err := fn(cur)
	if err == ErrNoChange {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}

	next.Version++
	s.domains[domainKey] = next
	return next.Clone(), nil
}
