package storage

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Quota does the space bookkeeping shared by the Store implementations.
type Quota struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	count    int
	reserved map[uuid.UUID]int64
}

// NewQuota returns a ledger for capacity bytes; 0 means unlimited.
func NewQuota(capacity int64) *Quota {
	return &Quota{capacity: capacity, reserved: map[uuid.UUID]int64{}}
}

func (q *Quota) usageLocked() Usage {
	var r int64
	for _, n := range q.reserved {
		r += n
	}
	return Usage{Used: q.used, Reserved: r, Capacity: q.capacity, Count: q.count}
}

// Usage returns the current occupancy.
func (q *Quota) Usage() Usage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usageLocked()
}

// Reserve books size bytes.
func (q *Quota) Reserve(size int64) (*Token, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidToken, size)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.usageLocked().Fits(size) {
		return nil, fmt.Errorf("%w: want %d bytes", ErrInsufficientSpace, size)
	}
	t := &Token{ID: uuid.New(), Size: size}
	q.reserved[t.ID] = size
	return t, nil
}

// Release drops a reservation.
func (q *Quota) Release(t *Token) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t == nil {
		return nil
	}
	if _, ok := q.reserved[t.ID]; !ok {
		return ErrInvalidToken
	}
	delete(q.reserved, t.ID)
	return nil
}

// Begin checks that size bytes may be written, under the token when given.
// It does not change the ledger; call Commit after the write.
func (q *Quota) Begin(size int64, t *Token) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t != nil {
		n, ok := q.reserved[t.ID]
		if !ok {
			return ErrInvalidToken
		}
		if n < size {
			return fmt.Errorf("%w: reserved %d, need %d", ErrInvalidToken, n, size)
		}
		return nil
	}

	if !q.usageLocked().Fits(size) {
		return fmt.Errorf("%w: want %d bytes", ErrInsufficientSpace, size)
	}
	return nil
}

// Commit records a completed write of size bytes and spends the token.
func (q *Quota) Commit(size int64, t *Token) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t != nil {
		delete(q.reserved, t.ID)
	}
	q.used += size
	q.count++
}

// Free records the removal of size bytes.
func (q *Quota) Free(size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.used -= size
	q.count--
}
