// Package subscriber is the peer side of the protocol: it joins the
// network, keeps a local projection of the published files and the
// fragments it stores, and takes part in distribution rounds.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/catalog"
	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/hashing"
	"github.com/dmitrijs2005/fragnet/internal/logging"
	"github.com/dmitrijs2005/fragnet/internal/models"
	"github.com/dmitrijs2005/fragnet/internal/storage"
)

// Config describes the peer and the network it expects.
type Config struct {
	// ClientID is the peer's identity. Empty means a random id.
	ClientID      string
	Endpoints     []string
	HashAlgorithm string
	FragmentSize  int64

	// JoinTimeout bounds each of the two join phases.
	JoinTimeout time.Duration
	// DeliveryTimeout bounds the wait for a requested fragment.
	DeliveryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HashAlgorithm:   hashing.SHA256,
		FragmentSize:    1 << 20,
		JoinTimeout:     5 * time.Second,
		DeliveryTimeout: 15 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.FragmentSize <= 0:
		return fmt.Errorf("%w: fragment size must be positive", common.ErrInvalidArgument)
	case c.JoinTimeout <= 0, c.DeliveryTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", common.ErrInvalidArgument)
	}
	return nil
}

// VolunteerPolicy decides whether the peer asks for a fragment announced by
// DistributionStarted.
type VolunteerPolicy func(hash string, size int64, stored bool, usage storage.Usage) bool

// DefaultVolunteerPolicy asks for fragments the peer lacks and has room for.
func DefaultVolunteerPolicy(_ string, size int64, stored bool, usage storage.Usage) bool {
	return !stored && usage.Fits(size)
}

// NeverVolunteer only takes fragments that were requested explicitly.
func NeverVolunteer(string, int64, bool, storage.Usage) bool { return false }

type Option func(*Subscriber)

func WithConfig(c Config) Option                   { return func(s *Subscriber) { s.cfg = c } }
func WithLogger(l logging.Logger) Option           { return func(s *Subscriber) { s.log = l } }
func WithClock(c clockwork.Clock) Option           { return func(s *Subscriber) { s.clock = c } }
func WithVolunteerPolicy(p VolunteerPolicy) Option { return func(s *Subscriber) { s.volunteer = p } }

// WithOnRegistrationLost sets a callback run when a registered peer learns
// that the tracker restarted or left. It runs on its own goroutine.
func WithOnRegistrationLost(f func(reason string)) Option {
	return func(s *Subscriber) { s.onLost = f }
}

func withEventHook(f func(events.Event)) Option {
	return func(s *Subscriber) { s.onEvent = f }
}

var subscribed = []string{
	"tracker/#",
	string(events.TopicJoinAccepted),
	string(events.TopicJoinDenied),
	string(events.TopicRegistered),
	string(events.TopicFileInfoPublished),
	string(events.TopicDistributionStarted),
	string(events.TopicDistributionDelivered),
	string(events.TopicDistributionEnded),
}

// Subscriber is the peer state machine. All state is guarded by mu.
type Subscriber struct {
	bus       bus.Bus
	store     storage.Store
	repo      catalog.Repository
	cfg       Config
	hasher    hashing.Hasher
	log       logging.Logger
	clock     clockwork.Clock
	volunteer VolunteerPolicy
	onLost    func(reason string)
	onEvent   func(events.Event)

	mu        sync.Mutex
	state     state
	files     map[string]models.FragmentedFile
	fragments map[string]int64
	trackerID string
	lastHello uuid.UUID

	runCtx  context.Context
	stopRun context.CancelFunc
	sub     bus.Subscription
	loop    sync.WaitGroup
	done    chan struct{}
}

// New returns a peer in the Initializing state.
func New(b bus.Bus, store storage.Store, repo catalog.Repository, opts ...Option) (*Subscriber, error) {
	s := &Subscriber{
		bus:       b,
		store:     store,
		repo:      repo,
		cfg:       DefaultConfig(),
		log:       logging.Nop(),
		clock:     clockwork.NewRealClock(),
		volunteer: DefaultVolunteerPolicy,
		state:     &initializing{},
		files:     map[string]models.FragmentedFile{},
		fragments: map[string]int64{},
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.cfg.validate(); err != nil {
		return nil, err
	}
	h, err := hashing.ForAlgorithm(s.cfg.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	s.hasher = h
	s.cfg.HashAlgorithm = h.Algorithm()
	if s.cfg.ClientID == "" {
		s.cfg.ClientID = uuid.NewString()
	}
	s.cfg.Endpoints = slices.Compact(slices.Sorted(slices.Values(s.cfg.Endpoints)))
	s.log = s.log.With("module", "subscriber", "client_id", s.cfg.ClientID)

	return s, nil
}

func (s *Subscriber) ClientID() string { return s.cfg.ClientID }
func (s *Subscriber) Config() Config   { return s.cfg }

// Start loads the local projection, subscribes to the bus and enters
// Initialized.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.(*initializing); !ok {
		return s.unavailable()
	}

	if err := s.loadProjection(ctx); err != nil {
		return fmt.Errorf("load projection: %w", err)
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := s.bus.Subscribe(runCtx, subscribed...)
	if err != nil {
		stop()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.runCtx, s.stopRun, s.sub = runCtx, stop, sub
	s.state = &initialized{}
	s.log.Info(ctx, "peer started", "files", len(s.files), "fragments", len(s.fragments), "endpoints", s.cfg.Endpoints)

	s.loop.Add(1)
	go s.run(sub)

	return nil
}

// loadProjection rebuilds the projection from the catalog and the store.
// Only fragments present in the store whose content matches their hash
// are kept.
func (s *Subscriber) loadProjection(ctx context.Context) error {
	files, err := s.repo.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		s.files[f.Hash] = f
	}

	recorded, err := s.repo.ListFragments(ctx)
	if err != nil {
		return err
	}
	stored, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	for _, f := range recorded {
		if !slices.Contains(stored, f.Hash) {
			s.log.Warn(ctx, "catalogued fragment missing from storage", "fragment", f.Hash)
			if err := s.repo.DeleteFragment(ctx, f.Hash); err != nil {
				return err
			}
			continue
		}
		s.fragments[f.Hash] = f.Size
	}

	for _, h := range stored {
		if _, ok := s.fragments[h]; ok {
			continue
		}
		data, err := s.store.Read(ctx, h)
		if err != nil {
			return err
		}
		if s.hasher.ComputeHash(data) != h {
			s.log.Warn(ctx, "dropping corrupt fragment", "fragment", h)
			if err := s.store.Delete(ctx, h); err != nil {
				return err
			}
			continue
		}
		if err := s.repo.PutFragment(ctx, models.Fragment{Hash: h, Size: int64(len(data))}); err != nil {
			return err
		}
		s.fragments[h] = int64(len(data))
	}

	return nil
}

func (s *Subscriber) run(sub bus.Subscription) {
	defer s.loop.Done()
	defer close(s.done)

	for e := range sub.Events() {
		s.handle(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail(ErrSubscriptionEnded)
}

// Done is closed once the peer stops receiving events: after Close, or when
// the bus subscription ended, in which case the peer is in the Error state.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// State returns the name of the current state.
func (s *Subscriber) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Status is a summary of the peer.
type Status struct {
	ClientID  string
	State     string
	TrackerID string
	Files     int
	Fragments int
}

func (s *Subscriber) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ClientID:  s.cfg.ClientID,
		State:     s.state.String(),
		TrackerID: s.trackerID,
		Files:     len(s.files),
		Fragments: len(s.fragments),
	}
}

// Files returns the known file recipes sorted by hash.
func (s *Subscriber) Files() []models.FragmentedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FragmentedFile, 0, len(s.files))
	for _, h := range slices.Sorted(maps.Keys(s.files)) {
		out = append(out, s.files[h].Clone())
	}
	return out
}

// File looks up a recipe. hash may be in any case.
func (s *Subscriber) File(hash string) (models.FragmentedFile, bool) {
	h, err := s.hasher.Normalize(hash)
	if err != nil {
		return models.FragmentedFile{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[h]
	return f.Clone(), ok
}

// Fragments returns the stored fragments sorted by hash.
func (s *Subscriber) Fragments() []models.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storedFragments()
}

// HasFragment reports whether the fragment is stored locally.
func (s *Subscriber) HasFragment(hash string) bool {
	h, err := s.hasher.Normalize(hash)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fragments[h]
	return ok
}

// ReadFragment returns a stored fragment after checking its content.
func (s *Subscriber) ReadFragment(ctx context.Context, hash string) ([]byte, error) {
	h, err := s.hasher.Normalize(hash)
	if err != nil {
		return nil, err
	}
	if !s.HasFragment(h) {
		return nil, fmt.Errorf("fragment %s: %w", h, common.ErrorNotFound)
	}

	data, err := s.store.Read(ctx, h)
	if err != nil {
		return nil, err
	}
	if got := s.hasher.ComputeHash(data); got != h {
		return nil, fmt.Errorf("%w: stored fragment %s hashes to %s", common.ErrInvalidHash, h, got)
	}
	return data, nil
}

// Hasher returns the network's hash function.
func (s *Subscriber) Hasher() hashing.Hasher { return s.hasher }

func (s *Subscriber) unavailable() error {
	switch st := s.state.(type) {
	case *disposed:
		return common.ErrDisposed
	case *failed:
		return fmt.Errorf("%w: %v", common.ErrUnrecoverable, st.cause)
	default:
		return fmt.Errorf("%w: %s", common.ErrInvalidState, s.state)
	}
}

func (s *Subscriber) operational() bool {
	switch s.state.(type) {
	case *initializing, *disposed, *failed:
		return false
	}
	return true
}

func (s *Subscriber) registered() bool {
	switch s.state.(type) {
	case *idle, *waitForFragmentDelivery:
		return true
	}
	return false
}

// Close leaves the network with ClientGoodbye when joined or joining,
// cancels timers and fails the call in flight with common.ErrDisposed.
func (s *Subscriber) Close() error {
	s.mu.Lock()

	if _, ok := s.state.(*disposed); ok {
		s.mu.Unlock()
		return nil
	}

	started := s.runCtx != nil
	var err error
	switch s.state.(type) {
	case *waitForJoinResponse, *waitForRegistration, *idle, *waitForFragmentDelivery:
		err = s.bus.Publish(s.runCtx, events.ClientGoodbye{Meta: events.NewMeta(), ClientID: s.cfg.ClientID})
		if err != nil && !errors.Is(err, bus.ErrClosed) {
			s.log.Warn(s.runCtx, "cannot publish goodbye", "error", err)
		}
	}

	stopTimer(s.state)
	pendingCall(s.state).complete(common.ErrDisposed)
	s.state = &disposed{}
	s.mu.Unlock()

	if started {
		s.stopRun()
		_ = s.sub.Close()
		s.loop.Wait()
		s.log.Info(context.Background(), "peer closed")
	}

	if errors.Is(err, bus.ErrClosed) {
		return nil
	}
	return err
}

func (s *Subscriber) handle(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("panic handling %s: %v\n%s", e.Topic(), r, debug.Stack()))
		}
	}()

	if !s.operational() {
		return
	}
	if s.onEvent != nil {
		s.onEvent(e)
	}

	ctx := s.runCtx
	s.log.Debug(ctx, "event", "topic", e.Topic(), "event_id", e.ID(), "state", s.state)

	switch ev := e.(type) {
	case events.Hello:
		s.onHello(ctx, ev)
	case events.Goodbye:
		s.onGoodbye(ctx, ev)
	case events.JoinAccepted:
		s.onJoinAccepted(ctx, ev)
	case events.JoinDenied:
		s.onJoinDenied(ctx, ev)
	case events.Registered:
		s.onRegistered(ctx, ev)
	case events.FileInfoPublished:
		s.onFileInfoPublished(ctx, ev)
	case events.DistributionStarted:
		s.onDistributionStarted(ctx, ev)
	case events.DistributionDelivered:
		s.onDistributionDelivered(ctx, ev)
	case events.DistributionEnded:
		s.onDistributionEnded(ctx, ev)
	default:
		s.ignore(ctx, e, "unexpected topic")
	}
}

func (s *Subscriber) ignore(ctx context.Context, e events.Event, why string) {
	s.log.Debug(ctx, "event ignored", "topic", e.Topic(), "event_id", e.ID(), "state", s.state, "reason", why)
}

// fail moves the machine to Error. Callers hold mu.
func (s *Subscriber) fail(cause error) {
	if !s.operational() {
		return
	}
	s.log.Error(s.runCtx, "peer entered error state", "error", cause)
	stopTimer(s.state)
	pendingCall(s.state).complete(fmt.Errorf("%w: %v", common.ErrUnrecoverable, cause))
	s.state = &failed{cause: cause}
}

func (s *Subscriber) publish(ctx context.Context, e events.Event) error {
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Error(ctx, "publish failed", "topic", e.Topic(), "error", err)
		return err
	}
	return nil
}

// afterFunc arms a timer for the wait-state st; it does nothing once st was
// left.
func (s *Subscriber) afterFunc(d time.Duration, st state, fire func(ctx context.Context)) clockwork.Timer {
	return s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.fail(fmt.Errorf("panic in %s timeout: %v\n%s", st, r, debug.Stack()))
			}
		}()

		if s.state != st {
			s.log.Debug(s.runCtx, "late timer ignored", "armed_in", st.String(), "state", s.state)
			return
		}
		fire(s.runCtx)
	})
}

// wait blocks until c completes or ctx ends.
func wait(ctx context.Context, c *call) error {
	select {
	case err := <-c.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
