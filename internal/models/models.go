// Package models defines the data shared by the tracker, the peers and the
// wire events: files, fragments and clients.
package models

import (
	"fmt"
	"slices"

	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
)

// FragmentedFile is a file's reconstruction recipe.
type FragmentedFile struct {
	// Hash is the whole-file digest and the file's key.
	Hash string `json:"hash"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// FragmentSequence lists fragment hashes in byte order. A hash may repeat.
	FragmentSequence []string `json:"fragmentSequence"`
}

// Equal compares files structurally.
func (f FragmentedFile) Equal(o FragmentedFile) bool {
	return f.Hash == o.Hash && f.Size == o.Size && slices.Equal(f.FragmentSequence, o.FragmentSequence)
}

// Clone returns a copy that shares no memory with f.
func (f FragmentedFile) Clone() FragmentedFile {
	f.FragmentSequence = slices.Clone(f.FragmentSequence)
	return f
}

// Normalize validates f against h and returns it with every hash in
// canonical form.
func (f FragmentedFile) Normalize(h hashing.Hasher) (FragmentedFile, error) {
	if f.Size <= 0 {
		return FragmentedFile{}, fmt.Errorf("%w: file size must be positive", common.ErrInvalidArgument)
	}
	if len(f.FragmentSequence) == 0 {
		return FragmentedFile{}, fmt.Errorf("%w: file has no fragments", common.ErrInvalidArgument)
	}

	hash, err := h.Normalize(f.Hash)
	if err != nil {
		return FragmentedFile{}, err
	}

	seq := make([]string, len(f.FragmentSequence))
	for i, fh := range f.FragmentSequence {
		if seq[i], err = h.Normalize(fh); err != nil {
			return FragmentedFile{}, fmt.Errorf("fragment %d: %w", i, err)
		}
	}

	return FragmentedFile{Hash: hash, Size: f.Size, FragmentSequence: seq}, nil
}

// Fragment is a content-addressed chunk. It is immutable once created.
type Fragment struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// FragmentInfo is a fragment together with the ids of the clients holding it.
type FragmentInfo struct {
	Fragment
	// Owners is sorted.
	Owners []string `json:"owners"`
}

// ClientInfo describes a registered network participant.
type ClientInfo struct {
	ID string `json:"id"`
	// Endpoints is sorted.
	Endpoints []string `json:"endpoints"`
	// Fragments is the sorted set of fragment hashes the client holds.
	Fragments []string `json:"fragments"`
}
