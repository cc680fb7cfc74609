// Package catalog persists a peer's local projection of the network: the
// file recipes it knows and the fragments it stores.
package catalog

import (
	"context"

	"github.com/dmitrijs2005/fragnet/internal/models"
)

// Repository stores the projection.
type Repository interface {
	// ListFiles returns every known file, sorted by hash.
	ListFiles(ctx context.Context) ([]models.FragmentedFile, error)
	// PutFile inserts or replaces a file recipe.
	PutFile(ctx context.Context, f models.FragmentedFile) error
	// DeleteFile removes a file recipe. A missing file is not an error.
	DeleteFile(ctx context.Context, hash string) error
	// ListFragments returns every stored fragment, sorted by hash.
	ListFragments(ctx context.Context) ([]models.Fragment, error)
	PutFragment(ctx context.Context, f models.Fragment) error
	// DeleteFragment removes a fragment record. A missing one is not an error.
	DeleteFragment(ctx context.Context, hash string) error
	// ApplyDelta applies removals, then additions, atomically.
	ApplyDelta(ctx context.Context, d Delta) error
	Close() error
}

// Delta is a reconciliation received from the tracker.
type Delta struct {
	AddedFiles       []models.FragmentedFile
	RemovedFiles     []string
	RemovedFragments []string
}

// Empty reports whether d changes nothing.
func (d Delta) Empty() bool {
	return len(d.AddedFiles) == 0 && len(d.RemovedFiles) == 0 && len(d.RemovedFragments) == 0
}
