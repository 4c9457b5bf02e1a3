package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CancellationNoticeHours is the minimum notice for a cancellation to fall within the free period.
const CancellationNoticeHours = 24

// RateCalculator prices a stay. Implemented by the rate package.
type RateCalculator interface {
	Calculate(dateRange DateRange, roomBookings []RoomBooking) (Money, error)
}

// Reservation is the aggregate root of a booking and the unit of atomic persistence.
// State changes only through its methods; each recorded change becomes a DomainEvent.
type Reservation struct {
	changeLog

	id                 string
	guestID            string
	dateRange          DateRange
	roomBookings       []RoomBooking
	totalAmount        Money
	status             ReservationStatus
	confirmationNumber string
	paymentReference   string
	cancellationReason string
	createdAt          time.Time
	updatedAt          time.Time
}

var _ AggregateRoot = (*Reservation)(nil)

// NewReservation creates a pending reservation and records ReservationCreated.
func NewReservation(guestID string, dateRange DateRange, roomBookings []RoomBooking, now time.Time) (*Reservation, error) {
	if strings.TrimSpace(guestID) == "" {
		return nil, fmt.Errorf("%w: guest id is required", ErrValidation)
	}
	if dateRange.IsZero() {
		return nil, fmt.Errorf("%w: date range is required", ErrValidation)
	}
	if err := ValidateRoomBookings(roomBookings); err != nil {
		return nil, err
	}

	r := &Reservation{id: uuid.NewString()}
	r.raise(now, ReservationCreated{
		GuestID:      guestID,
		DateRange:    dateRange,
		RoomBookings: cloneRoomBookings(roomBookings),
		TotalAmount:  ZeroMoney(DefaultCurrency),
	})

	return r, nil
}

func (r *Reservation) ID() string                  { return r.id }
func (r *Reservation) GuestID() string             { return r.guestID }
func (r *Reservation) DateRange() DateRange        { return r.dateRange }
func (r *Reservation) RoomBookings() []RoomBooking { return cloneRoomBookings(r.roomBookings) }
func (r *Reservation) TotalAmount() Money          { return r.totalAmount }
func (r *Reservation) Status() ReservationStatus   { return r.status }
func (r *Reservation) ConfirmationNumber() string  { return r.confirmationNumber }
func (r *Reservation) PaymentReference() string    { return r.paymentReference }
func (r *Reservation) CancellationReason() string  { return r.cancellationReason }
func (r *Reservation) CreatedAt() time.Time        { return r.createdAt }
func (r *Reservation) UpdatedAt() time.Time        { return r.updatedAt }

// CalculateTotal prices the reservation. Only pending reservations can be repriced.
func (r *Reservation) CalculateTotal(calculator RateCalculator, now time.Time) error {
	if r.status != StatusPending {
		return fmt.Errorf("%w: cannot calculate total of reservation %s in status %s, only pending reservations can be repriced",
			ErrInvalidStateTransition, r.id, r.status)
	}
	if calculator == nil {
		return fmt.Errorf("%w: rate calculator is required", ErrValidation)
	}

	total, err := calculator.Calculate(r.dateRange, r.RoomBookings())
	if err != nil {
		return fmt.Errorf("failed to calculate total: %w", err)
	}
	if total.IsNegative() {
		return fmt.Errorf("%w: calculated total must not be negative, got %s", ErrValidation, total)
	}

	r.raise(now, ReservationTotalCalculated{TotalAmount: total})

	return nil
}

// Confirm accepts payment for a pending reservation and assigns a confirmation number.
func (r *Reservation) Confirm(paymentReference string, now time.Time) error {
	if r.status != StatusPending {
		return fmt.Errorf("%w: cannot confirm reservation %s in status %s, only pending reservations can be confirmed",
			ErrInvalidStateTransition, r.id, r.status)
	}
	if strings.TrimSpace(paymentReference) == "" {
		return fmt.Errorf("%w: a payment reference is required to confirm a pending reservation", ErrInvalidStateTransition)
	}

	r.raise(now, ReservationConfirmed{
		GuestID:            r.guestID,
		ConfirmationNumber: newConfirmationNumber(now),
		PaymentReference:   paymentReference,
		TotalAmount:        r.totalAmount,
	})

	return nil
}

// Cancel moves a pending or confirmed reservation to cancelled.
func (r *Reservation) Cancel(reason string, now time.Time) error {
	if !r.status.CanTransitionTo(StatusCancelled) {
		return fmt.Errorf("%w: cannot cancel reservation %s in status %s", ErrInvalidStateTransition, r.id, r.status)
	}

	r.raise(now, ReservationCancelled{
		GuestID:          r.guestID,
		Reason:           reason,
		PreviousStatus:   r.status,
		DateRange:        r.dateRange,
		RoomBookings:     r.RoomBookings(),
		TotalAmount:      r.totalAmount,
		PaymentReference: r.paymentReference,
	})

	return nil
}

// Complete closes a confirmed reservation after the stay.
func (r *Reservation) Complete(now time.Time) error {
	if !r.status.CanTransitionTo(StatusCompleted) {
		return fmt.Errorf("%w: cannot complete reservation %s in status %s, only confirmed reservations can be completed",
			ErrInvalidStateTransition, r.id, r.status)
	}

	r.raise(now, ReservationCompleted{GuestID: r.guestID})

	return nil
}

// CanBeModified reports whether the reservation is still open.
func (r *Reservation) CanBeModified() bool {
	return r.status == StatusPending || r.status == StatusConfirmed
}

// IsWithinCancellationPeriod reports whether check-in is at least 24 hours away.
func (r *Reservation) IsWithinCancellationPeriod(now time.Time) bool {
	return r.dateRange.HoursUntilCheckIn(now) >= CancellationNoticeHours
}

func (r *Reservation) raise(now time.Time, payload EventPayload) {
	e := newDomainEvent(r.id, truncate(now), payload)
	r.apply(e)
	r.record(e)
}

// apply is the single place where events change state, shared by live commands and replay.
func (r *Reservation) apply(e DomainEvent) {
	switch p := e.Payload.(type) {
	case ReservationCreated:
		r.id = e.AggregateID
		r.guestID = p.GuestID
		r.dateRange = p.DateRange
		r.roomBookings = cloneRoomBookings(p.RoomBookings)
		r.totalAmount = p.TotalAmount
		r.status = StatusPending
		r.createdAt = e.OccurredOn
	case ReservationTotalCalculated:
		r.totalAmount = p.TotalAmount
	case ReservationConfirmed:
		r.status = StatusConfirmed
		r.confirmationNumber = p.ConfirmationNumber
		r.paymentReference = p.PaymentReference
	case ReservationCancelled:
		r.status = StatusCancelled
		r.cancellationReason = p.Reason
	case ReservationCompleted:
		r.status = StatusCompleted
	}
	r.updatedAt = e.OccurredOn
}

// ReplayReservation rebuilds a reservation from its full history. version is the
// persisted version after the last event was written.
func ReplayReservation(history []DomainEvent, version int) (*Reservation, error) {
	if len(history) == 0 {
		return nil, ErrReservationNotFound
	}
	if history[0].EventType != EventReservationCreated {
		return nil, fmt.Errorf("%w: history must start with %s, got %s",
			ErrValidation, EventReservationCreated, history[0].EventType)
	}

	r := &Reservation{}
	for _, e := range history {
		if r.id != "" && e.AggregateID != r.id {
			return nil, fmt.Errorf("%w: event %s belongs to %s, not %s", ErrValidation, e.EventID, e.AggregateID, r.id)
		}
		r.apply(e)
	}
	r.version = version

	return r, nil
}

func newConfirmationNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return fmt.Sprintf("CNF-%s-%s", now.UTC().Format("20060102"), suffix)
}
