package subscriber

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/events"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

// RequestFragment asks to receive a fragment in the current or the next
// distribution round for it, and waits until it is stored.
//
// It returns nil at once when the fragment is already stored.
func (s *Subscriber) RequestFragment(ctx context.Context, hash string) error {
	hash, err := s.hasher.Normalize(hash)
	if err != nil {
		return err
	}

	s.mu.Lock()

	if _, ok := s.state.(*idle); !ok {
		err := s.unavailable()
		s.mu.Unlock()
		return err
	}
	if _, ok := s.fragments[hash]; ok {
		s.mu.Unlock()
		return nil
	}

	c := newCall()
	if err := s.beginRequest(ctx, hash, c); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return wait(ctx, c)
}

// beginRequest publishes DistributionRequested and waits for the payload.
// Callers hold mu with the machine in Idle.
func (s *Subscriber) beginRequest(ctx context.Context, hash string, c *call) error {
	if err := s.publish(ctx, s.requestFor(hash)); err != nil {
		return fmt.Errorf("publish distribution request: %w", err)
	}

	st := &waitForFragmentDelivery{hash: hash, call: c}
	st.timer = s.afterFunc(s.cfg.DeliveryTimeout, st, func(ctx context.Context) {
		_ = s.publish(ctx, events.DistributionFailed{
			Meta:         events.NewMeta(),
			FragmentHash: hash,
			ClientID:     s.cfg.ClientID,
			Message:      "timed out waiting for delivery",
		})
		s.state = &idle{}
		s.log.Info(ctx, "fragment delivery timed out", "fragment", hash)
		c.complete(fmt.Errorf("%w: %s", ErrDeliveryTimeout, hash))
	})
	s.state = st
	s.log.Debug(ctx, "fragment requested", "fragment", hash, "volunteered", c == nil)
	return nil
}

func (s *Subscriber) requestFor(hash string) events.DistributionRequested {
	return events.DistributionRequested{Meta: events.NewMeta(), FragmentHash: hash, ClientID: s.cfg.ClientID}
}

func (s *Subscriber) onDistributionStarted(ctx context.Context, ev events.DistributionStarted) {
	switch st := s.state.(type) {
	case *idle:
	case *waitForFragmentDelivery:
		// A request published before the round opened is not counted.
		if st.hash == ev.FragmentHash {
			_ = s.publish(ctx, s.requestFor(st.hash))
			return
		}
		s.ignore(ctx, ev, "waiting for another fragment")
		return
	default:
		s.ignore(ctx, ev, "not registered")
		return
	}

	if ev.Size <= 0 || ev.Size > s.cfg.FragmentSize {
		s.ignore(ctx, ev, "fragment size out of range")
		return
	}

	_, stored := s.fragments[ev.FragmentHash]
	usage, err := s.store.Usage(ctx)
	if err != nil {
		s.log.Warn(ctx, "cannot read storage usage", "error", err)
		return
	}
	if !s.volunteer(ev.FragmentHash, ev.Size, stored, usage) {
		s.log.Debug(ctx, "not volunteering", "fragment", ev.FragmentHash, "stored", stored, "free", usage.Free())
		return
	}

	if err := s.beginRequest(ctx, ev.FragmentHash, nil); err != nil {
		s.log.Warn(ctx, "cannot volunteer", "fragment", ev.FragmentHash, "error", err)
	}
}

func (s *Subscriber) onDistributionDelivered(ctx context.Context, ev events.DistributionDelivered) {
	st, ok := s.state.(*waitForFragmentDelivery)
	if !ok || st.hash != ev.FragmentHash {
		s.ignore(ctx, ev, "no request for fragment")
		return
	}
	st.timer.Stop()

	if !slices.Contains(ev.Receivers, s.cfg.ClientID) {
		s.state = &idle{}
		s.log.Info(ctx, "fragment delivered to other peers", "fragment", ev.FragmentHash)
		st.call.complete(fmt.Errorf("%w: %s: not among the receivers", ErrNotDelivered, ev.FragmentHash))
		return
	}

	if err := s.keep(ctx, ev.FragmentHash, ev.Data); err != nil {
		_ = s.publish(ctx, events.DistributionFailed{
			Meta:         events.NewMeta(),
			FragmentHash: ev.FragmentHash,
			ClientID:     s.cfg.ClientID,
			Message:      err.Error(),
		})
		s.state = &idle{}
		s.log.Warn(ctx, "cannot keep fragment", "fragment", ev.FragmentHash, "error", err)
		st.call.complete(err)
		return
	}

	err := s.publish(ctx, events.DistributionObtained{
		Meta:         events.NewMeta(),
		FragmentHash: ev.FragmentHash,
		ClientID:     s.cfg.ClientID,
	})
	s.state = &idle{}
	s.log.Info(ctx, "fragment obtained", "fragment", ev.FragmentHash, "size", len(ev.Data))
	st.call.complete(err)
}

// keep verifies and stores a delivered payload. Nothing is visible to
// readers unless every step succeeded.
func (s *Subscriber) keep(ctx context.Context, hash string, data []byte) error {
	size := int64(len(data))
	if size == 0 || size > s.cfg.FragmentSize {
		return fmt.Errorf("%w: payload of %d bytes", common.ErrInvalidArgument, size)
	}
	if got := s.hasher.ComputeHash(data); got != hash {
		return fmt.Errorf("%w: payload hashes to %s", common.ErrInvalidHash, got)
	}

	token, err := s.store.Allocate(ctx, size)
	if err != nil {
		return err
	}
	if err := s.store.Store(ctx, hash, data, token); err != nil {
		_ = s.store.Release(ctx, token)
		return err
	}
	if err := s.repo.PutFragment(ctx, models.Fragment{Hash: hash, Size: size}); err != nil {
		_ = s.store.Delete(ctx, hash)
		return fmt.Errorf("record fragment: %w", err)
	}

	s.fragments[hash] = size
	return nil
}

func (s *Subscriber) onDistributionEnded(ctx context.Context, ev events.DistributionEnded) {
	st, ok := s.state.(*waitForFragmentDelivery)
	if !ok || st.hash != ev.FragmentHash {
		s.ignore(ctx, ev, "no request for fragment")
		return
	}
	st.timer.Stop()

	s.state = &idle{}
	s.log.Info(ctx, "round ended without delivery", "fragment", ev.FragmentHash)
	st.call.complete(fmt.Errorf("%w: %s", ErrNotDelivered, ev.FragmentHash))
}
