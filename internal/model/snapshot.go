package model

import (
	"fmt"
	"time"
)

// ReservationSnapshot is the flat, persisted form of a Reservation's business state.
type ReservationSnapshot struct {
	ID                 string
	GuestID            string
	CheckIn            time.Time
	CheckOut           time.Time
	RoomBookings       []RoomBooking
	TotalAmount        Money
	Status             ReservationStatus
	ConfirmationNumber string
	PaymentReference   string
	CancellationReason string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Snapshot captures the current state. Pending events are not part of it.
func (r *Reservation) Snapshot() ReservationSnapshot {
	return ReservationSnapshot{
		ID:                 r.id,
		GuestID:            r.guestID,
		CheckIn:            r.dateRange.CheckIn(),
		CheckOut:           r.dateRange.CheckOut(),
		RoomBookings:       r.RoomBookings(),
		TotalAmount:        r.totalAmount,
		Status:             r.status,
		ConfirmationNumber: r.confirmationNumber,
		PaymentReference:   r.paymentReference,
		CancellationReason: r.cancellationReason,
		Version:            r.version,
		CreatedAt:          r.createdAt,
		UpdatedAt:          r.updatedAt,
	}
}

// RestoreReservation reconstitutes an aggregate from a snapshot without recording events.
func RestoreReservation(s ReservationSnapshot) (*Reservation, error) {
	dr, err := RestoreDateRange(s.CheckIn, s.CheckOut)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, s.Status)
	}

	r := &Reservation{
		id:                 s.ID,
		guestID:            s.GuestID,
		dateRange:          dr,
		roomBookings:       cloneRoomBookings(s.RoomBookings),
		totalAmount:        s.TotalAmount,
		status:             s.Status,
		confirmationNumber: s.ConfirmationNumber,
		paymentReference:   s.PaymentReference,
		cancellationReason: s.CancellationReason,
		createdAt:          truncate(s.CreatedAt),
		updatedAt:          truncate(s.UpdatedAt),
	}
	r.version = s.Version

	return r, nil
}
