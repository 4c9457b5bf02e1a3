// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/jnst/reservation-core/internal/model"
)

// ReservationRepository defines methods for reservation data access.
type ReservationRepository interface {
	// FindByID returns model.ErrReservationNotFound for an unknown id.
	FindByID(ctx context.Context, id string) (*model.Reservation, error)
	// FindByGuestID returns the guest's reservations oldest first.
	FindByGuestID(ctx context.Context, guestID string) ([]*model.Reservation, error)
	// Save writes the aggregate state, its event history and one outbox record per pending
	// event atomically, then marks the aggregate committed. A stale version yields
	// model.ErrConcurrencyConflict and leaves the aggregate untouched.
	Save(ctx context.Context, reservation *model.Reservation) error
}

// OutboxRepository defines methods for outbox record data access.
type OutboxRepository interface {
	Append(ctx context.Context, records []*model.OutboxRecord) error
	// LockPending returns due pending records ordered by sequence. Rows stay locked until the
	// surrounding transaction ends; rows locked by another transaction are skipped.
	LockPending(ctx context.Context, query model.OutboxQuery) ([]*model.OutboxRecord, error)
	MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) error
	MarkFailed(ctx context.Context, failure model.OutboxFailure) error
	ListPoisoned(ctx context.Context, limit int) ([]*model.OutboxRecord, error)
	// Requeue resets a poisoned record so it is delivered again from scratch.
	Requeue(ctx context.Context, eventID string, at time.Time) error
	DeleteProcessed(ctx context.Context, before time.Time) (int64, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	// WithTransaction runs fn in a transaction carried by the context passed to fn.
	// Nested calls join the outer transaction.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
