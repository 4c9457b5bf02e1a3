package policy

import (
	"context"
	"time"

	"github.com/jnst/reservation-core/internal/clock"
)

const (
	DefaultMinAdvanceDays = 1
	DefaultMaxAdvanceDays = 365
)

// AdvanceBooking bounds how far ahead of check-in a booking may be made, in calendar days.
type AdvanceBooking struct {
	clock   clock.Clock
	minDays int
	maxDays int
}

var _ Policy = (*AdvanceBooking)(nil)

// NewAdvanceBooking creates the policy with the default 1..365 day window.
func NewAdvanceBooking(c clock.Clock) *AdvanceBooking {
	return NewAdvanceBookingWindow(c, DefaultMinAdvanceDays, DefaultMaxAdvanceDays)
}

// NewAdvanceBookingWindow creates the policy with a custom window.
func NewAdvanceBookingWindow(c clock.Clock, minDays, maxDays int) *AdvanceBooking {
	return &AdvanceBooking{clock: c, minDays: minDays, maxDays: maxDays}
}

func (*AdvanceBooking) Name() string { return "advance-booking" }

func (p *AdvanceBooking) Validate(_ context.Context, req BookingRequest) (Result, error) {
	days := daysBetween(p.clock.Now(), req.DateRange.CheckIn())

	switch {
	case days < p.minDays:
		return Fail("bookings must be made at least %d day(s) before check-in, check-in is in %d day(s)", p.minDays, days), nil
	case days > p.maxDays:
		return Fail("bookings can be made at most %d days before check-in, check-in is in %d days", p.maxDays, days), nil
	}

	return Pass(), nil
}

func daysBetween(from, to time.Time) int {
	f := from.UTC()
	t := to.UTC()
	start := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}
