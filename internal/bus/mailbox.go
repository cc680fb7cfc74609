package bus

import "sync"

// Mailbox is an unbounded FIFO queue with a blocking consumer side. Put
// never blocks, so a producer holding a lock cannot deadlock against a slow
// consumer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put appends v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.notify()
	return true
}

// Ready is signalled whenever items may be available or the mailbox closed.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Drain removes and returns everything queued. The second result is false
// once the mailbox is closed and empty.
func (m *Mailbox[T]) Drain() ([]T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	m.items = nil
	return items, !(m.closed && len(items) == 0)
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops further Puts. Items already queued can still be drained.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.notify()
	}
}

func (m *Mailbox[T]) notify() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
