package cli

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmitrijs2005/fragnet/internal/subscriber"
)

// errSessionEnded reports that the peer stopped receiving events.
var errSessionEnded = errors.New("tracker connection lost")

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}

// keepJoined runs peer sessions until ctx ends. A session is a started and
// joined peer; it is replaced when its bus subscription ends. Only a join
// refused by the tracker stops the loop with an error.
func (a *App) keepJoined(ctx context.Context) error {
	b := newSessionBackoff()
	first := true

	for {
		// Wait before the next attempt, except the first one
		if !first {
			delay := b.NextBackOff()
			a.logger.Info(ctx, "re-creating peer session", "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
		first = false

		peer, lost, err := a.startSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var denied *subscriber.JoinDeniedError
			if errors.As(err, &denied) {
				return err
			}
			a.logger.Error(ctx, "cannot start peer session", "error", err)
			continue
		}
		b.Reset()

		err = a.watch(ctx, peer, lost)
		a.endSession(peer)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		var denied *subscriber.JoinDeniedError
		if errors.As(err, &denied) {
			return err
		}
		a.logger.Warn(ctx, "peer session ended", "error", err)
	}
}

// startSession creates, starts and joins a fresh peer.
func (a *App) startSession(ctx context.Context) (*subscriber.Subscriber, <-chan string, error) {
	lost := make(chan string, 1)

	opts := append([]subscriber.Option{
		subscriber.WithConfig(subscriber.Config{
			ClientID:        a.config.ClientID,
			Endpoints:       a.config.Endpoints,
			HashAlgorithm:   a.config.HashAlgorithm,
			FragmentSize:    a.config.FragmentSize,
			JoinTimeout:     a.config.JoinTimeout,
			DeliveryTimeout: a.config.DeliveryTimeout,
		}),
		subscriber.WithLogger(a.logger),
		subscriber.WithOnRegistrationLost(func(reason string) {
			select {
			case lost <- reason:
			default:
			}
		}),
	}, a.peerOpts...)

	peer, err := subscriber.New(a.client.Bus(), a.store, a.repo, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := peer.Start(ctx); err != nil {
		_ = peer.Close()
		return nil, nil, err
	}

	a.mu.Lock()
	a.peer = peer
	a.mu.Unlock()

	if err := a.join(ctx, peer); err != nil {
		a.endSession(peer)
		return nil, nil, err
	}

	a.setMode(ModeOnline)
	return peer, lost, nil
}

func (a *App) endSession(peer *subscriber.Subscriber) {
	a.setMode(ModeOffline)

	a.mu.Lock()
	if a.peer == peer {
		a.peer = nil
	}
	a.mu.Unlock()

	_ = peer.Close()
}

// join retries timed out joins with backoff. Other failures are final.
func (a *App) join(ctx context.Context, peer *subscriber.Subscriber) error {
	op := func() error {
		err := peer.Join(ctx)
		if err == nil || errors.Is(err, subscriber.ErrJoinFailed) || errors.Is(err, subscriber.ErrRegistrationLost) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		a.logger.Warn(ctx, "join failed, retrying", "error", err, "delay", delay)
	}

	return backoff.RetryNotify(op, backoff.WithContext(newSessionBackoff(), ctx), notify)
}

// watch rejoins the peer whenever it loses its registration. It returns nil
// when ctx ends and an error when the session is over.
func (a *App) watch(ctx context.Context, peer *subscriber.Subscriber, lost <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-peer.Done():
			return errSessionEnded

		case reason := <-lost:
			a.setMode(ModeOffline)
			a.logger.Info(ctx, "rejoining", "reason", reason)
			if err := a.join(ctx, peer); err != nil {
				return err
			}
			a.setMode(ModeOnline)
		}
	}
}
