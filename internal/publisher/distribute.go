package publisher

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/events"
)

type roundResult struct {
	endpoints []string
	err       error
}

// round is one distribution of a single fragment.
type round struct {
	hash string
	data []byte
	// caller is the Distribute context. A round whose caller left before it
	// started is skipped.
	caller  context.Context
	started time.Time

	requestors []string
	requested  map[string]struct{}
	// answered maps a receiver to whether it obtained the fragment.
	answered map[string]bool

	result chan roundResult
	done   bool
}

func newRound(ctx context.Context, hash string, data []byte) *round {
	return &round{
		hash:      hash,
		data:      bytes.Clone(data),
		caller:    ctx,
		requested: make(map[string]struct{}),
		answered:  make(map[string]bool),
		result:    make(chan roundResult, 1),
	}
}

func (*round) isOperation() {}

func (r *round) size() int64 { return int64(len(r.data)) }

// complete hands the outcome to the waiting caller once.
func (r *round) complete(endpoints []string, err error) {
	if r.done {
		return
	}
	r.done = true
	r.result <- roundResult{endpoints: endpoints, err: err}
}

func (r *round) request(clientID string) bool {
	if _, ok := r.requested[clientID]; ok {
		return false
	}
	r.requested[clientID] = struct{}{}
	r.requestors = append(r.requestors, clientID)
	return true
}

func (r *round) withdraw(clientID string) {
	if _, ok := r.requested[clientID]; !ok {
		return
	}
	delete(r.requested, clientID)
	r.requestors = slices.DeleteFunc(r.requestors, func(id string) bool { return id == clientID })
}

// answer records a receiver's outcome. It reports false for clients that
// were not sent the fragment or already answered.
func (r *round) answer(clientID string, obtained bool) bool {
	if _, ok := r.requested[clientID]; !ok {
		return false
	}
	if _, ok := r.answered[clientID]; ok {
		return false
	}
	r.answered[clientID] = obtained
	return true
}

func (r *round) allAnswered() bool { return len(r.answered) == len(r.requestors) }

func (r *round) confirmed() []string {
	var out []string
	for id, ok := range r.answered {
		if ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Distribute hands one fragment to the clients that volunteer for it and
// returns the endpoints of every client that holds it afterwards.
//
// The call waits until the round ends. When the tracker is busy the round is
// queued behind the running operation. It returns ErrNoReceivers when no
// client confirmed the fragment.
func (p *Publisher) Distribute(ctx context.Context, hash string, data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty fragment", common.ErrInvalidArgument)
	}
	if int64(len(data)) > p.cfg.FragmentSize {
		return nil, fmt.Errorf("%w: fragment of %d bytes exceeds fragment size %d",
			common.ErrInvalidArgument, len(data), p.cfg.FragmentSize)
	}

	hash, err := p.hasher.Normalize(hash)
	if err != nil {
		return nil, err
	}
	if got := p.hasher.ComputeHash(data); got != hash {
		return nil, fmt.Errorf("%w: payload hashes to %s, not %s", common.ErrInvalidHash, got, hash)
	}

	r := newRound(ctx, hash, data)

	p.mu.Lock()
	if !p.operational() {
		err := p.unavailable()
		p.mu.Unlock()
		return nil, err
	}
	if _, ok := p.state.(*idle); ok {
		p.beginRound(p.runCtx, r)
	} else {
		p.log.Debug(ctx, "distribution queued", "fragment", hash, "state", p.state)
		p.enqueue(r)
	}
	p.mu.Unlock()

	select {
	case res := <-r.result:
		return res.endpoints, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// beginRound opens the request window. Callers hold mu with the machine in
// Idle.
func (p *Publisher) beginRound(ctx context.Context, r *round) {
	if err := r.caller.Err(); err != nil {
		r.complete(nil, err)
		return
	}

	r.started = p.clock.Now()
	started := events.DistributionStarted{Meta: events.NewMeta(), FragmentHash: r.hash, Size: r.size()}
	if err := p.publish(ctx, started); err != nil {
		p.metrics.round("publish_failed", 0)
		r.complete(nil, fmt.Errorf("publish distribution started: %w", err))
		return
	}

	st := &waitForDistributionRequests{round: r}
	st.timer = p.afterFunc(p.cfg.RequestWindow, st, func(ctx context.Context) {
		p.deliver(ctx, r)
	})
	p.state = st

	p.log.Info(ctx, "distribution started", "fragment", r.hash, "size", r.size())
}

func (p *Publisher) onDistributionRequested(ctx context.Context, ev events.DistributionRequested) {
	st, ok := p.state.(*waitForDistributionRequests)
	if !ok || st.round.hash != ev.FragmentHash {
		p.ignore(ctx, ev, "no open request window for fragment")
		return
	}
	if !p.dmap.ContainsClient(ev.ClientID) {
		p.ignore(ctx, ev, "client not registered")
		return
	}
	if fi, ok := p.dmap.TryGetFragmentInfo(ev.FragmentHash); ok && slices.Contains(fi.Owners, ev.ClientID) {
		p.ignore(ctx, ev, "client already holds fragment")
		return
	}
	if !st.round.request(ev.ClientID) {
		p.ignore(ctx, ev, "duplicate request")
		return
	}

	p.log.Debug(ctx, "fragment requested", "fragment", ev.FragmentHash, "client_id", ev.ClientID,
		"requestors", len(st.round.requestors))

	if p.cfg.Quorum > 0 && len(st.round.requestors) >= p.cfg.Quorum {
		st.timer.Stop()
		p.deliver(ctx, st.round)
	}
}

// deliver closes the request window and sends the payload to the requestors.
func (p *Publisher) deliver(ctx context.Context, r *round) {
	if len(r.requestors) == 0 {
		p.endRound(ctx, r)
		return
	}

	delivered := events.DistributionDelivered{
		Meta:         events.NewMeta(),
		FragmentHash: r.hash,
		Data:         r.data,
		Receivers:    slices.Clone(r.requestors),
	}
	if err := p.publish(ctx, delivered); err != nil {
		p.metrics.round("publish_failed", p.clock.Since(r.started))
		r.complete(nil, fmt.Errorf("publish distribution delivered: %w", err))
		p.toIdle(ctx)
		return
	}

	st := &waitForDistributionDeliveryResponse{round: r}
	st.timer = p.afterFunc(p.cfg.DeliveryTimeout, st, func(ctx context.Context) {
		p.log.Info(ctx, "delivery timed out", "fragment", r.hash,
			"answered", len(r.answered), "receivers", len(r.requestors))
		p.endRound(ctx, r)
	})
	p.state = st

	p.log.Info(ctx, "fragment delivered", "fragment", r.hash, "receivers", r.requestors)
}

func (p *Publisher) onDistributionAnswer(ctx context.Context, hash, clientID string, obtained bool, message string) {
	st, ok := p.state.(*waitForDistributionDeliveryResponse)
	if !ok || st.round.hash != hash {
		p.metrics.ignoredEvent(answerTopic(obtained))
		p.log.Debug(ctx, "answer ignored", "fragment", hash, "client_id", clientID, "state", p.state)
		return
	}
	if !st.round.answer(clientID, obtained) {
		p.metrics.ignoredEvent(answerTopic(obtained))
		p.log.Debug(ctx, "answer ignored", "fragment", hash, "client_id", clientID, "reason", "not a pending receiver")
		return
	}
	if !obtained {
		p.log.Warn(ctx, "receiver failed to store fragment", "fragment", hash, "client_id", clientID, "message", message)
	}

	if st.round.allAnswered() {
		st.timer.Stop()
		p.endRound(ctx, st.round)
	}
}

func answerTopic(obtained bool) string {
	if obtained {
		return string(events.TopicDistributionObtained)
	}
	return string(events.TopicDistributionFailed)
}

// endRound publishes DistributionEnded, records the confirmed owners and
// completes the caller.
func (p *Publisher) endRound(ctx context.Context, r *round) {
	var confirmed []string
	for _, id := range r.confirmed() {
		if p.dmap.ContainsClient(id) {
			confirmed = append(confirmed, id)
		}
	}

	_ = p.publish(ctx, events.DistributionEnded{
		Meta:         events.NewMeta(),
		FragmentHash: r.hash,
		Size:         r.size(),
		Receivers:    confirmed,
	})
	elapsed := p.clock.Since(r.started)

	if len(confirmed) == 0 {
		p.metrics.round("no_receivers", elapsed)
		p.log.Info(ctx, "distribution ended without receivers", "fragment", r.hash)
		r.complete(nil, fmt.Errorf("%w: %s", ErrNoReceivers, r.hash))
		p.toIdle(ctx)
		return
	}

	p.dmap.TryAddFragmentInfo(r.hash, r.size())
	p.dmap.AddFragmentOwnerships(r.hash, confirmed)
	p.afterMutation()
	if !p.operational() {
		return
	}

	fi, _ := p.dmap.TryGetFragmentInfo(r.hash)
	endpoints := p.dmap.EndpointsOf(fi.Owners)

	p.metrics.round("delivered", elapsed)
	p.log.Info(ctx, "distribution ended", "fragment", r.hash, "receivers", confirmed, "owners", len(fi.Owners))
	r.complete(endpoints, nil)
	p.toIdle(ctx)
}
