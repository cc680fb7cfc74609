package bus

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/logging"
)

// MemoryBus is an in-process Bus. Every event is passed through the wire
// codec on publish, so subscribers never share memory with the publisher.
type MemoryBus struct {
	log logging.Logger

	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus returns an empty bus.
func NewMemoryBus(log logging.Logger) *MemoryBus {
	if log == nil {
		log = logging.Nop()
	}
	return &MemoryBus{
		log:  log.With("module", "bus"),
		subs: map[*memorySub]struct{}{},
	}
}

func (b *MemoryBus) Publish(ctx context.Context, e events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := events.Wrap(e)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	b.log.Debug(ctx, "publish", "topic", e.Topic(), "event_id", e.ID())

	for s := range b.subs {
		if !matchesAny(s.filters, env.Topic) {
			continue
		}
		copied, err := env.Unwrap()
		if err != nil {
			return err
		}
		s.box.Put(copied)
	}

	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, filters ...string) (Subscription, error) {
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	s := &memorySub{
		bus:     b,
		filters: append([]string(nil), filters...),
		box:     NewMailbox[events.Event](),
		out:     make(chan events.Event),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump(ctx)

	return s, nil
}

// Close ends every subscription. Further publishes fail with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[*memorySub]struct{}{}
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type memorySub struct {
	bus     *MemoryBus
	filters []string
	box     *Mailbox[events.Event]
	out     chan events.Event

	once sync.Once
	done chan struct{}
}

func (s *memorySub) Events() <-chan events.Event { return s.out }

func (s *memorySub) Close() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() {
		s.box.Close()
		close(s.done)
	})
}

func (s *memorySub) pump(ctx context.Context) {
	defer close(s.out)

	for {
		items, open := s.box.Drain()
		for _, e := range items {
			select {
			case s.out <- e:
			case <-s.done:
				return
			case <-ctx.Done():
				s.bus.remove(s)
				s.stop()
				return
			}
		}
		if !open {
			return
		}
		if len(items) > 0 {
			continue
		}

		select {
		case <-s.box.Ready():
		case <-s.done:
			return
		case <-ctx.Done():
			s.bus.remove(s)
			s.stop()
			return
		}
	}
}
