package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnst/reservation-core/internal/model"
)

// EventPublisher fans a domain event out to its in-process subscribers.
type EventPublisher struct {
	mu          sync.RWMutex
	subscribers []subscription
	logger      *slog.Logger
}

type subscription struct {
	eventType  model.EventType
	all        bool
	subscriber Subscriber
}

var _ EventSink = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher without subscribers.
func NewEventPublisher(logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{logger: logger}
}

// Subscribe registers s for one event type.
func (p *EventPublisher) Subscribe(eventType model.EventType, s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, subscription{eventType: eventType, subscriber: s})
}

// SubscribeAll registers s for every event type.
func (p *EventPublisher) SubscribeAll(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, subscription{all: true, subscriber: s})
}

// Publish delivers event to every matching subscriber in registration order. A failing
// subscriber does not stop the others; the failures are joined and wrapped in
// model.ErrDeliveryFailed so the caller can redeliver.
func (p *EventPublisher) Publish(ctx context.Context, event model.DomainEvent) error {
	p.mu.RLock()
	subs := make([]Subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		if s.all || s.eventType == event.EventType {
			subs = append(subs, s.subscriber)
		}
	}
	p.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Handle(ctx, event); err != nil {
			p.logger.Warn("subscriber failed",
				slog.String("subscriber", s.Name()),
				slog.String("event_id", event.EventID),
				slog.String("event_type", string(event.EventType)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: event %s: %w", model.ErrDeliveryFailed, event.EventID, errors.Join(errs...))
	}

	return nil
}
