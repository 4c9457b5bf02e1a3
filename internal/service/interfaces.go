// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

// ReservationService defines the reservation use cases.
type ReservationService interface {
	// Create validates the booking against the policies and inventory, prices it and
	// stores it as pending.
	Create(ctx context.Context, params *model.CreateReservationParams) (*model.Reservation, error)
	// StartPayment asks the payment gateway for an intent covering the reservation total.
	StartPayment(ctx context.Context, reservationID string) (*port.PaymentIntent, error)
	Confirm(ctx context.Context, reservationID, paymentReference string) (*model.Reservation, error)
	Cancel(ctx context.Context, reservationID, reason string) (*model.Reservation, error)
	Complete(ctx context.Context, reservationID string) (*model.Reservation, error)
	Get(ctx context.Context, reservationID string) (*model.Reservation, error)
	ListByGuest(ctx context.Context, guestID string) ([]*model.Reservation, error)
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	// ProcessUnpublishedEvents delivers one batch of due outbox records.
	ProcessUnpublishedEvents(ctx context.Context, limit int) error
	// Run polls the outbox until ctx is done.
	Run(ctx context.Context) error
	// Cleanup deletes processed records older than the retention.
	Cleanup(ctx context.Context) (int64, error)
	ListPoisoned(ctx context.Context, limit int) ([]*model.OutboxRecord, error)
	Requeue(ctx context.Context, eventID string) error
}

// EventSink receives events leaving the outbox: the in-process EventPublisher or a broker relay.
type EventSink interface {
	Publish(ctx context.Context, event model.DomainEvent) error
}

// Subscriber handles a domain event. Delivery is at-least-once, so handlers must be idempotent.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event model.DomainEvent) error
}
