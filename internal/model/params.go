package model

import (
	"fmt"
	"strings"
	"time"
)

// CreateReservationParams represents parameters for creating a new reservation.
type CreateReservationParams struct {
	GuestID      string        `json:"guest_id"`
	CheckIn      time.Time     `json:"check_in"`
	CheckOut     time.Time     `json:"check_out"`
	RoomBookings []RoomBooking `json:"room_bookings"`
}

// Validate validates the CreateReservationParams fields.
func (p *CreateReservationParams) Validate() error {
	if strings.TrimSpace(p.GuestID) == "" {
		return fmt.Errorf("%w: guest id is required", ErrValidation)
	}
	if p.CheckIn.IsZero() || p.CheckOut.IsZero() {
		return fmt.Errorf("%w: check-in and check-out are required", ErrValidation)
	}
	return ValidateRoomBookings(p.RoomBookings)
}
