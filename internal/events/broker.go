// Package events provides event broadcasting for capagent: every
// externally visible state change fans out to all subscribers over
// bounded queues.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netlabtools/capagent/internal/logging"
	"github.com/netlabtools/capagent/internal/models"
)

// DefaultQueueSize bounds each subscriber queue.
const DefaultQueueSize = 1000

// Repository persists events for later inspection. Persistence is best
// effort; a failing repository never blocks delivery.
type Repository interface {
	Append(ctx context.Context, event models.Event) error
}

// Subscriber is one receiver handle. Consume from Events; a slow
// consumer loses events rather than stalling producers.
type Subscriber struct {
	ch chan models.Event
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan models.Event {
	return s.ch
}

// Broker fans events out to all subscribers with drop-on-full
// delivery.
type Broker struct {
	queueSize int
	repo      Repository
	logger    zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithQueueSize overrides the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithRepository mirrors published events into a repository.
func WithRepository(repo Repository) Option {
	return func(b *Broker) {
		b.repo = repo
	}
}

// NewBroker creates a Broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queueSize: DefaultQueueSize,
		logger:    logging.Component("events"),
		subs:      make(map[*Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber queue.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan models.Event, b.queueSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber. Its channel is not closed; a
// late-published shutdown event must still be receivable.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers the event to every subscriber without blocking: a
// full queue drops the event for that subscriber only.
func (b *Broker) Publish(event models.Event) {
	if b.repo != nil {
		if err := b.repo.Append(context.Background(), event); err != nil {
			b.logger.Debug().Err(err).Str("type", string(event.Type)).Msg("event persistence failed")
		}
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug().Str("type", string(event.Type)).Msg("subscriber queue full, event dropped")
		}
	}
}

// Shutdown delivers a server_shutdown event to every subscriber so
// receivers blocked on their queue wake up.
func (b *Broker) Shutdown() {
	b.Publish(models.Event{Type: models.EventTypeServerShutdown})
}
