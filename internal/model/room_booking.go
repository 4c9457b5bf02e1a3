package model

import "fmt"

// StandardOccupancy is the number of guests per room included in the base rate.
const StandardOccupancy = 2

// RoomBooking is a line of a reservation. It is owned by the Reservation and has no identity of its own.
type RoomBooking struct {
	RoomTypeID      string `json:"room_type_id"`
	Quantity        int    `json:"quantity"`
	Occupancy       int    `json:"occupancy,omitempty"`
	SpecialRequests string `json:"special_requests,omitempty"`
}

// GuestsPerRoom returns the occupancy, defaulting to StandardOccupancy.
func (b RoomBooking) GuestsPerRoom() int {
	if b.Occupancy == 0 {
		return StandardOccupancy
	}
	return b.Occupancy
}

// Validate validates a single room booking line.
func (b RoomBooking) Validate() error {
	if b.RoomTypeID == "" {
		return fmt.Errorf("%w: room type is required", ErrValidation)
	}
	if b.Quantity <= 0 {
		return fmt.Errorf("%w: quantity for room type %s must be positive, got %d", ErrValidation, b.RoomTypeID, b.Quantity)
	}
	if b.Occupancy < 0 {
		return fmt.Errorf("%w: occupancy for room type %s must not be negative", ErrValidation, b.RoomTypeID)
	}
	return nil
}

// ValidateRoomBookings rejects an empty selection or any malformed line.
func ValidateRoomBookings(bookings []RoomBooking) error {
	if len(bookings) == 0 {
		return fmt.Errorf("%w: at least one room booking is required", ErrValidation)
	}
	for _, b := range bookings {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func cloneRoomBookings(bookings []RoomBooking) []RoomBooking {
	if bookings == nil {
		return nil
	}
	out := make([]RoomBooking, len(bookings))
	copy(out, bookings)
	return out
}
