package catalog

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dmitrijs2005/fragnet/internal/models"
)

// MemoryRepository keeps the projection in memory only.
type MemoryRepository struct {
	mu        sync.RWMutex
	files     map[string]models.FragmentedFile
	fragments map[string]models.Fragment
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		files:     map[string]models.FragmentedFile{},
		fragments: map[string]models.Fragment{},
	}
}

func (r *MemoryRepository) ListFiles(context.Context) ([]models.FragmentedFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.FragmentedFile, 0, len(r.files))
	for _, h := range slices.Sorted(maps.Keys(r.files)) {
		out = append(out, r.files[h].Clone())
	}
	return out, nil
}

func (r *MemoryRepository) PutFile(_ context.Context, f models.FragmentedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.Hash] = f.Clone()
	return nil
}

func (r *MemoryRepository) DeleteFile(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, hash)
	return nil
}

func (r *MemoryRepository) ListFragments(context.Context) ([]models.Fragment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Fragment, 0, len(r.fragments))
	for _, h := range slices.Sorted(maps.Keys(r.fragments)) {
		out = append(out, r.fragments[h])
	}
	return out, nil
}

func (r *MemoryRepository) PutFragment(_ context.Context, f models.Fragment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments[f.Hash] = f
	return nil
}

func (r *MemoryRepository) DeleteFragment(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fragments, hash)
	return nil
}

func (r *MemoryRepository) ApplyDelta(_ context.Context, d Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range d.RemovedFiles {
		delete(r.files, h)
	}
	for _, h := range d.RemovedFragments {
		delete(r.fragments, h)
	}
	for _, f := range d.AddedFiles {
		r.files[f.Hash] = f.Clone()
	}
	return nil
}

func (r *MemoryRepository) Close() error { return nil }
