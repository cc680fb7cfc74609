// Package storage is the fragment storage collaborator of a peer: it
// reserves space, and stores, reads and deletes fragments by hash.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientSpace is returned when a reservation or a write does not
	// fit in the remaining capacity.
	ErrInsufficientSpace = errors.New("insufficient storage space")
	// ErrInvalidToken is returned for an unknown, spent or too small token.
	ErrInvalidToken = errors.New("invalid allocation token")
)

// Token is a space reservation obtained from Allocate.
type Token struct {
	ID   uuid.UUID
	Size int64
}

// Usage reports storage occupancy in bytes. Capacity 0 means unlimited.
type Usage struct {
	Used     int64
	Reserved int64
	Capacity int64
	Count    int
}

// Free returns the bytes neither used nor reserved, or -1 when unlimited.
func (u Usage) Free() int64 {
	if u.Capacity == 0 {
		return -1
	}
	return u.Capacity - u.Used - u.Reserved
}

// Fits reports whether size more bytes can be allocated.
func (u Usage) Fits(size int64) bool {
	return u.Capacity == 0 || u.Free() >= size
}

// Store keeps fragments by hash. Implementations are safe for concurrent use.
type Store interface {
	// Allocate reserves size bytes for a later Store.
	Allocate(ctx context.Context, size int64) (*Token, error)
	// Release gives back a reservation that will not be used.
	Release(ctx context.Context, token *Token) error
	// Store writes data under hash. A non-nil token is consumed; without
	// one the data must fit in the free space. A fragment is visible to
	// readers only once Store returned nil. Storing a hash that already
	// exists is a no-op.
	Store(ctx context.Context, hash string, data []byte, token *Token) error
	Read(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
	Usage(ctx context.Context) (Usage, error)
	// List returns the stored hashes, sorted.
	List(ctx context.Context) ([]string, error)
}

// IOError wraps a failure of the underlying medium.
type IOError struct {
	Op   string
	Hash string
	Err  error
}

func (e *IOError) Error() string {
	if e.Hash == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Hash, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, hash string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Hash: hash, Err: err}
}
