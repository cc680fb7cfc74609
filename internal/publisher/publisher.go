// Package publisher is the tracker: the single actor that owns the
// distribution map, answers join requests and drives fragment distribution
// rounds over the bus.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/distmap"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
	"github.com/dmitrijs2005/fragnet/internal/logging"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

// ErrNoReceivers is returned by Distribute when no client confirmed.
var ErrNoReceivers = common.ErrNoReceivers

// Config holds the network parameters and the protocol timeouts.
type Config struct {
	// TrackerID identifies this tracker instance in Hello and Goodbye.
	// Empty means a random id.
	TrackerID     string
	HashAlgorithm string
	FragmentSize  int64

	JoinTimeout     time.Duration
	RequestWindow   time.Duration
	DeliveryTimeout time.Duration
	// Quorum ends the request window early once that many clients asked
	// for the fragment. 0 always waits for the full window.
	Quorum int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		HashAlgorithm:   hashing.SHA256,
		FragmentSize:    1 << 20,
		JoinTimeout:     5 * time.Second,
		RequestWindow:   2 * time.Second,
		DeliveryTimeout: 10 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.FragmentSize <= 0:
		return fmt.Errorf("%w: fragment size must be positive", common.ErrInvalidArgument)
	case c.JoinTimeout <= 0, c.RequestWindow <= 0, c.DeliveryTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", common.ErrInvalidArgument)
	case c.Quorum < 0:
		return fmt.Errorf("%w: quorum must not be negative", common.ErrInvalidArgument)
	}
	return nil
}

// Option customizes a Publisher.
type Option func(*Publisher)

func WithConfig(c Config) Option         { return func(p *Publisher) { p.cfg = c } }
func WithLogger(l logging.Logger) Option { return func(p *Publisher) { p.log = l } }
func WithClock(c clockwork.Clock) Option { return func(p *Publisher) { p.clock = c } }
func WithMetrics(m *Metrics) Option      { return func(p *Publisher) { p.metrics = m } }

// withEventHook runs f before every handled event.
func withEventHook(f func(events.Event)) Option {
	return func(p *Publisher) { p.onEvent = f }
}

// subscribed lists the topics the tracker consumes.
var subscribed = []string{
	string(events.TopicJoinRequested),
	string(events.TopicJoinSucceeded),
	string(events.TopicJoinFailed),
	string(events.TopicClientGoodbye),
	string(events.TopicDistributionRequested),
	string(events.TopicDistributionObtained),
	string(events.TopicDistributionFailed),
}

// Publisher is the tracker state machine. All state is guarded by mu;
// events, timers and API calls each take it for the whole transition.
type Publisher struct {
	bus     bus.Bus
	cfg     Config
	hasher  hashing.Hasher
	log     logging.Logger
	clock   clockwork.Clock
	metrics *Metrics
	onEvent func(events.Event)

	mu    sync.Mutex
	state state
	dmap  *distmap.Map
	queue []operation
	seen  *recentIDs

	runCtx  context.Context
	stopRun context.CancelFunc
	sub     bus.Subscription
	loop    sync.WaitGroup
}

// New returns a Publisher in the Initializing state. Call Start before use.
func New(b bus.Bus, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		bus:   b,
		cfg:   DefaultConfig(),
		log:   logging.Nop(),
		clock: clockwork.NewRealClock(),
		state: &initializing{},
		dmap:  distmap.New(),
		seen:  newRecentIDs(1024),
	}
	for _, o := range opts {
		o(p)
	}

	if err := p.cfg.validate(); err != nil {
		return nil, err
	}
	h, err := hashing.ForAlgorithm(p.cfg.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	p.hasher = h
	p.cfg.HashAlgorithm = h.Algorithm()
	if p.cfg.TrackerID == "" {
		p.cfg.TrackerID = uuid.NewString()
	}
	p.log = p.log.With("module", "publisher", "tracker_id", p.cfg.TrackerID)

	return p, nil
}

// Config returns the effective configuration.
func (p *Publisher) Config() Config { return p.cfg }

// Start subscribes to the bus, resets the map, announces the tracker with
// Hello and enters Idle.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.state.(*initializing); !ok {
		return p.unavailable()
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	sub, err := p.bus.Subscribe(runCtx, subscribed...)
	if err != nil {
		stop()
		return fmt.Errorf("subscribe: %w", err)
	}
	p.dmap.Clear()

	hello := events.Hello{
		Meta:          events.NewMeta(),
		TrackerID:     p.cfg.TrackerID,
		HashAlgorithm: p.cfg.HashAlgorithm,
		FragmentSize:  p.cfg.FragmentSize,
	}
	if err := p.bus.Publish(runCtx, hello); err != nil {
		_ = sub.Close()
		stop()
		return fmt.Errorf("publish hello: %w", err)
	}

	p.runCtx, p.stopRun, p.sub = runCtx, stop, sub
	p.state = &idle{}
	p.log.Info(ctx, "tracker ready",
		"hash_algorithm", p.cfg.HashAlgorithm, "fragment_size", p.cfg.FragmentSize, "quorum", p.cfg.Quorum)

	p.loop.Add(1)
	go p.run(sub)

	return nil
}

func (p *Publisher) run(sub bus.Subscription) {
	defer p.loop.Done()
	for e := range sub.Events() {
		p.handle(e)
	}
}

// State returns the name of the current state.
func (p *Publisher) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.String()
}

// Snapshot is a copy of the distribution map.
type Snapshot struct {
	TrackerID string
	State     string
	Clients   []models.ClientInfo
	Files     []models.FragmentedFile
	Fragments []models.FragmentInfo
	Queued    int
}

// Snapshot copies the map. It works in every state.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		TrackerID: p.cfg.TrackerID,
		State:     p.state.String(),
		Clients:   p.dmap.Clients(),
		Files:     p.dmap.Files(),
		Fragments: p.dmap.Fragments(),
		Queued:    len(p.queue),
	}
}

// unavailable returns the error for calls the current state does not allow.
// Callers hold mu.
func (p *Publisher) unavailable() error {
	switch st := p.state.(type) {
	case *disposed:
		return common.ErrDisposed
	case *failed:
		return fmt.Errorf("%w: %v", common.ErrUnrecoverable, st.cause)
	case *initializing:
		return fmt.Errorf("%w: tracker not started", common.ErrInvalidState)
	default:
		return fmt.Errorf("%w: %s", common.ErrInvalidState, p.state)
	}
}

// operational reports whether the tracker accepts work. Callers hold mu.
func (p *Publisher) operational() bool {
	switch p.state.(type) {
	case *initializing, *disposed, *failed:
		return false
	}
	return true
}

// PublishFileInfo validates and records a file recipe and announces it.
// Publishing the same recipe twice is a no-op.
func (p *Publisher) PublishFileInfo(ctx context.Context, file models.FragmentedFile) error {
	file, err := file.Normalize(p.hasher)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.operational() {
		return p.unavailable()
	}

	if known, ok := p.dmap.TryGetFileInfo(file.Hash); ok {
		if known.Equal(file) {
			return nil
		}
		return fmt.Errorf("%w: file %s already published with a different recipe", common.ErrInvalidArgument, file.Hash)
	}

	if err := p.bus.Publish(ctx, events.FileInfoPublished{Meta: events.NewMeta(), File: file}); err != nil {
		return fmt.Errorf("publish file info: %w", err)
	}
	p.dmap.TryAddFileInfo(file)
	p.afterMutation()

	p.log.Info(ctx, "file published", "file", file.Hash, "fragments", len(file.FragmentSequence))
	return nil
}

// Close publishes Goodbye, cancels every timer and fails queued and
// in-flight calls with common.ErrDisposed. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()

	if _, ok := p.state.(*disposed); ok {
		p.mu.Unlock()
		return nil
	}

	started := p.runCtx != nil
	stopTimer(p.state)
	p.abortInFlight(common.ErrDisposed)
	p.abortQueue(common.ErrDisposed)

	var err error
	if started {
		err = p.bus.Publish(p.runCtx, events.Goodbye{Meta: events.NewMeta(), TrackerID: p.cfg.TrackerID})
		if err != nil && !errors.Is(err, bus.ErrClosed) {
			p.log.Warn(p.runCtx, "cannot publish goodbye", "error", err)
		}
	}

	p.state = &disposed{}
	p.mu.Unlock()

	if started {
		p.stopRun()
		_ = p.sub.Close()
		p.loop.Wait()
		p.log.Info(context.Background(), "tracker closed")
	}

	if errors.Is(err, bus.ErrClosed) {
		return nil
	}
	return err
}

// handle processes one bus event.
func (p *Publisher) handle(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			p.fail(fmt.Errorf("panic handling %s: %v\n%s", e.Topic(), r, debug.Stack()))
		}
	}()

	if !p.operational() {
		return
	}
	if p.onEvent != nil {
		p.onEvent(e)
	}

	ctx := p.runCtx
	p.log.Debug(ctx, "event", "topic", e.Topic(), "event_id", e.ID(), "state", p.state)

	switch ev := e.(type) {
	case events.JoinRequested:
		p.onJoinRequested(ctx, ev)
	case events.JoinSucceeded:
		p.onJoinSucceeded(ctx, ev)
	case events.JoinFailed:
		p.onJoinFailed(ctx, ev)
	case events.ClientGoodbye:
		p.onClientGoodbye(ctx, ev)
	case events.DistributionRequested:
		p.onDistributionRequested(ctx, ev)
	case events.DistributionObtained:
		p.onDistributionAnswer(ctx, ev.FragmentHash, ev.ClientID, true, "")
	case events.DistributionFailed:
		p.onDistributionAnswer(ctx, ev.FragmentHash, ev.ClientID, false, ev.Message)
	default:
		p.ignore(ctx, e, "unexpected topic")
	}
}

func (p *Publisher) ignore(ctx context.Context, e events.Event, why string) {
	p.metrics.ignoredEvent(string(e.Topic()))
	p.log.Debug(ctx, "event ignored", "topic", e.Topic(), "event_id", e.ID(), "state", p.state, "reason", why)
}

// fail moves the machine to Error. Callers hold mu.
func (p *Publisher) fail(cause error) {
	if !p.operational() {
		return
	}
	p.log.Error(p.runCtx, "tracker entered error state", "error", cause)

	stopTimer(p.state)
	err := fmt.Errorf("%w: %v", common.ErrUnrecoverable, cause)
	p.abortInFlight(err)
	p.abortQueue(err)
	p.state = &failed{cause: cause}
}

// afterMutation checks the map invariants and refreshes the gauges.
// Callers hold mu.
func (p *Publisher) afterMutation() {
	if err := p.dmap.Validate(); err != nil {
		p.fail(err)
		return
	}
	p.metrics.sizes(len(p.dmap.ClientIDs()), len(p.dmap.Files()), len(p.dmap.Fragments()), len(p.queue))
}

// publish sends e and logs failures. Callers hold mu.
func (p *Publisher) publish(ctx context.Context, e events.Event) error {
	if err := p.bus.Publish(ctx, e); err != nil {
		p.log.Error(ctx, "publish failed", "topic", e.Topic(), "error", err)
		return err
	}
	return nil
}

// toIdle enters Idle and starts queued operations until one of them leaves
// Idle again. Callers hold mu.
func (p *Publisher) toIdle(ctx context.Context) {
	p.state = &idle{}

	for len(p.queue) > 0 {
		if _, ok := p.state.(*idle); !ok {
			break
		}
		op := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		switch o := op.(type) {
		case *joinOp:
			p.beginJoin(ctx, o.request)
		case *round:
			p.beginRound(ctx, o)
		}
	}

	p.metrics.sizes(len(p.dmap.ClientIDs()), len(p.dmap.Files()), len(p.dmap.Fragments()), len(p.queue))
}

// operation is a queued join or distribution.
type operation interface {
	isOperation()
}

type joinOp struct {
	request events.JoinRequested
}

func (*joinOp) isOperation() {}

func (p *Publisher) enqueue(op operation) {
	p.queue = append(p.queue, op)
	p.metrics.sizes(len(p.dmap.ClientIDs()), len(p.dmap.Files()), len(p.dmap.Fragments()), len(p.queue))
}

func (p *Publisher) abortQueue(err error) {
	for _, op := range p.queue {
		if r, ok := op.(*round); ok {
			r.complete(nil, err)
		}
	}
	p.queue = nil
}

func (p *Publisher) abortInFlight(err error) {
	switch st := p.state.(type) {
	case *waitForDistributionRequests:
		st.round.complete(nil, err)
	case *waitForDistributionDeliveryResponse:
		st.round.complete(nil, err)
	}
}

// recentIDs remembers the last n event ids to drop redelivered requests.
type recentIDs struct {
	ids  map[uuid.UUID]struct{}
	ring []uuid.UUID
	next int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ids: make(map[uuid.UUID]struct{}, n), ring: make([]uuid.UUID, n)}
}

// add reports false when id was seen already.
func (r *recentIDs) add(id uuid.UUID) bool {
	if _, ok := r.ids[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != uuid.Nil {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
