package subscriber

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/catalog"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
	"github.com/dmitrijs2005/fragnet/internal/logging"
	"github.com/dmitrijs2005/fragnet/internal/models"
	"github.com/dmitrijs2005/fragnet/internal/storage"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	return Config{
		ClientID:        "peer-1",
		Endpoints:       []string{"tcp://peer-1:7000"},
		HashAlgorithm:   hashing.SHA256,
		FragmentSize:    64,
		JoinTimeout:     5 * time.Second,
		DeliveryTimeout: 10 * time.Second,
	}
}

// harness plays the tracker for one peer.
type harness struct {
	t      *testing.T
	ctx    context.Context
	bus    *bus.MemoryBus
	clk    *clockwork.FakeClock
	store  *storage.MemoryStore
	repo   *catalog.MemoryRepository
	peer   *Subscriber
	out    bus.Subscription
	hasher hashing.Hasher
	hooked chan events.Event
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewMemoryBus(logging.Nop())
	t.Cleanup(func() { _ = b.Close() })

	out, err := b.Subscribe(ctx, "clients/join/requested", "clients/join/succeeded", "clients/join/failed",
		"clients/goodbye", "fragments/distribution/requested", "fragments/distribution/obtained",
		"fragments/distribution/failed")
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    ctx,
		bus:    b,
		clk:    clockwork.NewFakeClock(),
		store:  storage.NewMemoryStore(0),
		repo:   catalog.NewMemoryRepository(),
		out:    out,
		hasher: hashing.MustForAlgorithm(cfg.HashAlgorithm),
		hooked: make(chan events.Event, 1024),
	}
	return h.withPeer(cfg, opts...)
}

func (h *harness) withPeer(cfg Config, opts ...Option) *harness {
	h.t.Helper()
	opts = append([]Option{
		WithConfig(cfg),
		WithClock(h.clk),
		withEventHook(func(e events.Event) { h.hooked <- e }),
	}, opts...)

	var err error
	h.peer, err = New(h.bus, h.store, h.repo, opts...)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = h.peer.Close() })
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.peer.Start(h.ctx))
}

func (h *harness) send(e events.Event) {
	h.t.Helper()
	require.NoError(h.t, h.bus.Publish(h.ctx, e))
}

// handled waits until the peer took e off the bus. The transition is done
// once the peer's lock can be taken again.
func (h *harness) handled(e events.Event) {
	h.t.Helper()
	for {
		select {
		case got := <-h.hooked:
			if got.ID() == e.ID() {
				_ = h.peer.State()
				return
			}
		case <-time.After(waitFor):
			h.t.Fatalf("%s not handled", e.Topic())
		}
	}
}

// deliver sends e and waits until the peer handled it.
func (h *harness) deliver(e events.Event) {
	h.t.Helper()
	h.send(e)
	h.handled(e)
}

func expect[T events.Event](h *harness) T {
	h.t.Helper()
	select {
	case e, ok := <-h.out.Events():
		require.True(h.t, ok, "subscription closed")
		v, ok := e.(T)
		require.Truef(h.t, ok, "got %T (%s)", e, e.Topic())
		return v
	case <-time.After(waitFor):
		var zero T
		h.t.Fatalf("no %T published", zero)
		return zero
	}
}

func (h *harness) expectSilence() {
	h.t.Helper()
	select {
	case e := <-h.out.Events():
		h.t.Fatalf("unexpected %T", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) fire(d time.Duration) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, waitFor)
	defer cancel()
	require.NoError(h.t, h.clk.BlockUntilContext(ctx, 1))
	h.clk.Advance(d)
}

func (h *harness) awaitState(name string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.peer.State() == name }, waitFor, time.Millisecond)
}

// async runs f in the background.
func async(f func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- f() }()
	return ch
}

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("call did not return")
		return nil
	}
}

// join completes a join with the given tracker answers.
func (h *harness) join(accepted events.JoinAccepted, registered events.Registered) events.JoinRequested {
	h.t.Helper()
	res := async(func() error { return h.peer.Join(h.ctx) })

	req := expect[events.JoinRequested](h)
	accepted.Meta = events.NewMeta()
	accepted.ClientID = req.ClientID
	h.send(accepted)
	expect[events.JoinSucceeded](h)

	registered.Meta = events.NewMeta()
	registered.ClientID = req.ClientID
	h.send(registered)
	require.NoError(h.t, await(h.t, res))
	return req
}

func (h *harness) fragment(s string) (string, []byte) {
	data := []byte(s)
	return h.hasher.ComputeHash(data), data
}

func (h *harness) file(fragments ...string) models.FragmentedFile {
	whole := h.hasher.ComputeHash([]byte(fragments[0] + "file"))
	return models.FragmentedFile{Hash: whole, Size: int64(len(fragments)), FragmentSequence: fragments}
}
