// Package bus defines the publish/subscribe contract the tracker and peers
// talk through, and an in-process implementation.
//
// Delivery is FIFO per subscription. Nothing is promised across topics:
// consumers correlate by the event's keys, never by arrival order.
package bus

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/fragnet/internal/events"
)

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus closed")

// ErrInvalidFilter is returned by Subscribe for a malformed topic filter.
var ErrInvalidFilter = errors.New("invalid topic filter")

// Bus publishes events and hands out subscriptions.
type Bus interface {
	// Publish hands e to every subscription whose filter matches its topic.
	// A nil error is the delivery acknowledgement.
	Publish(ctx context.Context, e events.Event) error
	// Subscribe returns a subscription receiving events on topics matching
	// any of filters. It ends when ctx is done or Close is called.
	Subscribe(ctx context.Context, filters ...string) (Subscription, error)
}

// Subscription is a stream of received events.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan events.Event
	Close() error
}

func validateFilters(filters []string) error {
	if len(filters) == 0 {
		return ErrInvalidFilter
	}
	for _, f := range filters {
		if !events.ValidFilter(f) {
			return errors.Join(ErrInvalidFilter, errors.New(f))
		}
	}
	return nil
}

func matchesAny(filters []string, topic events.Topic) bool {
	for _, f := range filters {
		if events.MatchTopic(f, topic) {
			return true
		}
	}
	return false
}
