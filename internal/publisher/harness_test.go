package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
	"github.com/dmitrijs2005/fragnet/internal/logging"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	return Config{
		TrackerID:       "tracker-1",
		HashAlgorithm:   hashing.SHA256,
		FragmentSize:    64,
		JoinTimeout:     5 * time.Second,
		RequestWindow:   2 * time.Second,
		DeliveryTimeout: 10 * time.Second,
	}
}

// harness drives a started Publisher over a memory bus and observes what it
// publishes.
type harness struct {
	t       *testing.T
	ctx     context.Context
	bus     *bus.MemoryBus
	clk     *clockwork.FakeClock
	metrics *Metrics
	pub     *Publisher
	out     bus.Subscription
	hasher  hashing.Hasher
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewMemoryBus(logging.Nop())
	t.Cleanup(func() { _ = b.Close() })

	out, err := b.Subscribe(ctx,
		"tracker/#",
		string(events.TopicJoinAccepted),
		string(events.TopicJoinDenied),
		string(events.TopicRegistered),
		string(events.TopicFileInfoPublished),
		string(events.TopicDistributionStarted),
		string(events.TopicDistributionDelivered),
		string(events.TopicDistributionEnded),
	)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     ctx,
		bus:     b,
		clk:     clockwork.NewFakeClock(),
		metrics: NewMetrics(prometheus.NewRegistry()),
		out:     out,
		hasher:  hashing.MustForAlgorithm(cfg.HashAlgorithm),
	}

	opts = append([]Option{WithConfig(cfg), WithClock(h.clk), WithMetrics(h.metrics)}, opts...)
	h.pub, err = New(b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.pub.Close() })

	return h
}

// start starts the tracker and consumes its Hello.
func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.pub.Start(h.ctx))
	hello := expect[events.Hello](h)
	require.Equal(h.t, h.pub.Config().TrackerID, hello.TrackerID)
}

func (h *harness) send(e events.Event) {
	h.t.Helper()
	require.NoError(h.t, h.bus.Publish(h.ctx, e))
}

// expect returns the next event the tracker published and requires it to be
// of type T.
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

func (h *harness) ignoredCount(topic events.Topic) float64 {
	return testutil.ToFloat64(h.metrics.ignored.WithLabelValues(string(topic)))
}

// barrier returns once the tracker handled every event sent before it. It
// relies on JoinFailed for an unknown client being ignored.
func (h *harness) barrier() {
	h.t.Helper()
	before := h.ignoredCount(events.TopicJoinFailed)
	h.send(events.JoinFailed{Meta: events.NewMeta(), ClientID: "barrier"})
	require.Eventually(h.t, func() bool {
		return h.ignoredCount(events.TopicJoinFailed) > before
	}, waitFor, time.Millisecond)
}

// fire advances the clock past the single armed timer.
func (h *harness) fire(d time.Duration) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, waitFor)
	defer cancel()
	require.NoError(h.t, h.clk.BlockUntilContext(ctx, 1))
	h.clk.Advance(d)
}

func (h *harness) awaitState(name string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.pub.State() == name }, waitFor, time.Millisecond)
}

func (h *harness) joinRequest(clientID string, endpoints ...string) events.JoinRequested {
	cfg := h.pub.Config()
	return events.JoinRequested{
		Meta:          events.NewMeta(),
		ClientID:      clientID,
		HashAlgorithm: cfg.HashAlgorithm,
		FragmentSize:  cfg.FragmentSize,
		Endpoints:     endpoints,
	}
}

// join runs the whole handshake for req and returns the Registered event.
func (h *harness) join(req events.JoinRequested) events.Registered {
	h.t.Helper()
	h.send(req)
	accepted := expect[events.JoinAccepted](h)
	require.Equal(h.t, req.ClientID, accepted.ClientID)
	h.send(events.JoinSucceeded{Meta: events.NewMeta(), ClientID: req.ClientID})
	reg := expect[events.Registered](h)
	require.Equal(h.t, req.ClientID, reg.ClientID)
	return reg
}

func (h *harness) fragment(s string) (string, []byte) {
	data := []byte(s)
	return h.hasher.ComputeHash(data), data
}

type distribution struct {
	endpoints []string
	err       error
}

// distribute calls Distribute in the background.
func (h *harness) distribute(hash string, data []byte) <-chan distribution {
	ch := make(chan distribution, 1)
	go func() {
		eps, err := h.pub.Distribute(h.ctx, hash, data)
		ch <- distribution{endpoints: eps, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan distribution) distribution {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(waitFor):
		t.Fatal("Distribute did not return")
		return distribution{}
	}
}

func (h *harness) request(hash string, clientIDs ...string) {
	for _, id := range clientIDs {
		h.send(events.DistributionRequested{Meta: events.NewMeta(), FragmentHash: hash, ClientID: id})
	}
}

func (h *harness) obtained(hash, clientID string) {
	h.send(events.DistributionObtained{Meta: events.NewMeta(), FragmentHash: hash, ClientID: clientID})
}

// deliver runs a whole distribution round in which only the listed clients
// request and obtain the fragment.
func (h *harness) deliver(hash string, data []byte, clientIDs ...string) {
	h.t.Helper()
	res := h.distribute(hash, data)
	expect[events.DistributionStarted](h)
	h.request(hash, clientIDs...)
	h.barrier()
	h.fire(h.pub.Config().RequestWindow)
	expect[events.DistributionDelivered](h)
	for _, id := range clientIDs {
		h.obtained(hash, id)
	}
	expect[events.DistributionEnded](h)
	require.NoError(h.t, await(h.t, res).err)
}
