package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jnst/reservation-core/internal/model"
)

const reservationColumns = `id, guest_id, check_in, check_out, room_bookings, total_amount::text, currency, status,
	confirmation_number, payment_reference, cancellation_reason, version, created_at, updated_at`

// reservationWriter persists aggregates. It is shared by the state and event-sourced repositories
// so both read paths observe the same writes.
type reservationWriter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Save implements ReservationRepository.
func (w *reservationWriter) Save(ctx context.Context, reservation *model.Reservation) error {
	events := reservation.PendingEvents()
	if len(events) == 0 && reservation.Version() > 0 {
		return nil
	}

	err := withTx(ctx, w.pool, func(ctx context.Context) error {
		q := querier(ctx, w.pool)

		if err := w.writeState(ctx, q, reservation); err != nil {
			return err
		}

		return w.appendEvents(ctx, q, reservation.Version()+1, events)
	})
	if err != nil {
		return err
	}

	reservation.MarkCommitted()

	return nil
}

func (w *reservationWriter) writeState(ctx context.Context, q DBTX, reservation *model.Reservation) error {
	s := reservation.Snapshot()

	rooms, err := json.Marshal(s.RoomBookings)
	if err != nil {
		return fmt.Errorf("failed to marshal room bookings: %w", err)
	}

	if s.Version == 0 {
		tag, err := q.Exec(ctx, `
INSERT INTO reservations (id, guest_id, check_in, check_out, room_bookings, total_amount, currency, status,
	confirmation_number, payment_reference, cancellation_reason, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, 1, $12, $13)
ON CONFLICT (id) DO NOTHING`,
			s.ID, s.GuestID, s.CheckIn, s.CheckOut, rooms, s.TotalAmount.Amount().String(), string(s.TotalAmount.Currency()),
			string(s.Status), s.ConfirmationNumber, s.PaymentReference, s.CancellationReason, s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reservation %s: %w", s.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: reservation %s already exists", model.ErrConcurrencyConflict, s.ID)
		}
		return nil
	}

	tag, err := q.Exec(ctx, `
UPDATE reservations
SET room_bookings = $3, total_amount = $4::numeric, currency = $5, status = $6, confirmation_number = $7,
	payment_reference = $8, cancellation_reason = $9, updated_at = $10, version = version + 1
WHERE id = $1 AND version = $2`,
		s.ID, s.Version, rooms, s.TotalAmount.Amount().String(), string(s.TotalAmount.Currency()), string(s.Status),
		s.ConfirmationNumber, s.PaymentReference, s.CancellationReason, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reservation %s is no longer at version %d", model.ErrConcurrencyConflict, s.ID, s.Version)
	}

	return nil
}

// appendEvents writes the history rows and the outbox rows of one save in a single batch.
func (w *reservationWriter) appendEvents(ctx context.Context, q DBTX, version int, events []model.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}

	createdAt := w.now()
	records := make([]*model.OutboxRecord, 0, len(events))
	batch := &pgx.Batch{}
	for i, e := range events {
		record, err := model.NewOutboxRecord(e, createdAt)
		if err != nil {
			return err
		}
		records = append(records, record)

		batch.Queue(`
INSERT INTO reservation_events (event_id, aggregate_id, aggregate_version, position, event_type, payload, occurred_on)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.EventID, e.AggregateID, version, i, string(e.EventType), record.Payload, e.OccurredOn,
		)
	}
	queueOutboxInserts(batch, records)

	return execBatch(ctx, q, batch)
}

func execBatch(ctx context.Context, q DBTX, batch *pgx.Batch) error {
	results := q.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
			}
			return fmt.Errorf("failed to append events: %w", err)
		}
	}
	return results.Close()
}

// ReservationRepositoryImpl implements ReservationRepository using PostgreSQL, reading the
// current-state table.
type ReservationRepositoryImpl struct {
	reservationWriter
}

var _ ReservationRepository = (*ReservationRepositoryImpl)(nil)

// NewReservationRepositoryImpl creates a new ReservationRepository implementation.
func NewReservationRepositoryImpl(pool *pgxpool.Pool) *ReservationRepositoryImpl {
	return &ReservationRepositoryImpl{reservationWriter{pool: pool, now: func() time.Time { return time.Now().UTC() }}}
}

// FindByID retrieves a reservation by ID.
func (r *ReservationRepositoryImpl) FindByID(ctx context.Context, id string) (*model.Reservation, error) {
	row := querier(ctx, r.pool).QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)

	reservation, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrReservationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation %s: %w", id, err)
	}

	return reservation, nil
}

// FindByGuestID retrieves the reservations of a guest.
func (r *ReservationRepositoryImpl) FindByGuestID(ctx context.Context, guestID string) ([]*model.Reservation, error) {
	rows, err := querier(ctx, r.pool).Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE guest_id = $1 ORDER BY created_at, id`, guestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations of guest %s: %w", guestID, err)
	}
	defer rows.Close()

	var reservations []*model.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}

	return reservations, rows.Err()
}

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var (
		s        model.ReservationSnapshot
		rooms    []byte
		amount   string
		currency string
		status   string
	)
	err := row.Scan(&s.ID, &s.GuestID, &s.CheckIn, &s.CheckOut, &rooms, &amount, &currency, &status,
		&s.ConfirmationNumber, &s.PaymentReference, &s.CancellationReason, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(rooms, &s.RoomBookings); err != nil {
		return nil, fmt.Errorf("failed to parse room bookings of %s: %w", s.ID, err)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total of %s: %w", s.ID, err)
	}
	if s.TotalAmount, err = model.NewMoney(d, model.Currency(currency)); err != nil {
		return nil, err
	}
	s.Status = model.ReservationStatus(status)

	return model.RestoreReservation(s)
}
