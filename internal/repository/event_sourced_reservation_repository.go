package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/reservation-core/internal/model"
)

// EventSourcedReservationRepository writes like ReservationRepositoryImpl but rebuilds
// aggregates by replaying reservation_events instead of reading the state table.
type EventSourcedReservationRepository struct {
	reservationWriter
}

var _ ReservationRepository = (*EventSourcedReservationRepository)(nil)

// NewEventSourcedReservationRepository creates a replaying ReservationRepository.
func NewEventSourcedReservationRepository(pool *pgxpool.Pool) *EventSourcedReservationRepository {
	return &EventSourcedReservationRepository{reservationWriter{pool: pool, now: func() time.Time { return time.Now().UTC() }}}
}

// FindByID replays the full history of a reservation.
func (r *EventSourcedReservationRepository) FindByID(ctx context.Context, id string) (*model.Reservation, error) {
	rows, err := querier(ctx, r.pool).Query(ctx, `
SELECT event_id, event_type, aggregate_id, occurred_on, payload, aggregate_version
FROM reservation_events
WHERE aggregate_id = $1
ORDER BY aggregate_version, position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", id, err)
	}
	defer rows.Close()

	var (
		history []model.DomainEvent
		version int
	)
	for rows.Next() {
		var (
			eventID, eventType, aggregateID string
			occurredOn                      time.Time
			payload                         []byte
		)
		if err := rows.Scan(&eventID, &eventType, &aggregateID, &occurredOn, &payload, &version); err != nil {
			return nil, err
		}

		e, err := model.DecodeEvent(eventID, model.EventType(eventType), aggregateID, occurredOn, payload)
		if err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrReservationNotFound, id)
	}

	return model.ReplayReservation(history, version)
}

// FindByGuestID locates the guest's reservations through their creation events.
func (r *EventSourcedReservationRepository) FindByGuestID(ctx context.Context, guestID string) ([]*model.Reservation, error) {
	rows, err := querier(ctx, r.pool).Query(ctx, `
SELECT aggregate_id
FROM reservation_events
WHERE event_type = $1 AND payload ->> 'guest_id' = $2
ORDER BY occurred_on, aggregate_id`, string(model.EventReservationCreated), guestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations of guest %s: %w", guestID, err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reservations := make([]*model.Reservation, 0, len(ids))
	for _, id := range ids {
		reservation, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}

	return reservations, nil
}
