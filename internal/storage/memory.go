package storage

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dmitrijs2005/fragnet/internal/common"
)

// MemoryStore keeps fragments in process memory.
type MemoryStore struct {
	quota *Quota

	mu    sync.RWMutex
	items map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store holding at most capacity bytes.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{quota: NewQuota(capacity), items: map[string][]byte{}}
}

func (s *MemoryStore) Allocate(_ context.Context, size int64) (*Token, error) {
	return s.quota.Reserve(size)
}

func (s *MemoryStore) Release(_ context.Context, t *Token) error {
	return s.quota.Release(t)
}

func (s *MemoryStore) Store(ctx context.Context, hash string, data []byte, t *Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[hash]; ok {
		_ = s.quota.Release(t)
		return nil
	}
	if err := s.quota.Begin(int64(len(data)), t); err != nil {
		return err
	}
	s.items[hash] = bytes.Clone(data)
	s.quota.Commit(int64(len(data)), t)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.items[hash]
	if !ok {
		return nil, fmt.Errorf("fragment %s: %w", hash, common.ErrorNotFound)
	}
	return bytes.Clone(b), nil
}

func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[hash]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[hash]
	if !ok {
		return fmt.Errorf("fragment %s: %w", hash, common.ErrorNotFound)
	}
	delete(s.items, hash)
	s.quota.Free(int64(len(b)))
	return nil
}

func (s *MemoryStore) Usage(context.Context) (Usage, error) {
	return s.quota.Usage(), nil
}

func (s *MemoryStore) List(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.items)), nil
}
