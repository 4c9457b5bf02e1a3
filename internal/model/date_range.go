package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const hoursPerDay = 24

// timePrecision is the resolution kept for instants, matching PostgreSQL timestamptz so
// state rows and replayed events restore the same values.
const timePrecision = time.Microsecond

// DateRange is a stay from check-in to check-out, stored in UTC.
type DateRange struct {
	checkIn  time.Time
	checkOut time.Time
}

// NewDateRange validates a new stay. Check-in must precede check-out, the stay must span
// at least one night and check-in must not fall on a day before now.
func NewDateRange(checkIn, checkOut, now time.Time) (DateRange, error) {
	dr, err := RestoreDateRange(checkIn, checkOut)
	if err != nil {
		return DateRange{}, err
	}
	if dr.Nights() < 1 {
		return DateRange{}, fmt.Errorf("%w: stay %s must span at least one night", ErrValidation, dr)
	}
	if dr.checkIn.Before(startOfDay(now)) {
		return DateRange{}, fmt.Errorf("%w: check-in %s is in the past", ErrValidation, dr.checkIn.Format(time.DateOnly))
	}
	return dr, nil
}

// RestoreDateRange rebuilds a persisted range. Only the ordering invariant is checked.
func RestoreDateRange(checkIn, checkOut time.Time) (DateRange, error) {
	if checkIn.IsZero() || checkOut.IsZero() {
		return DateRange{}, fmt.Errorf("%w: check-in and check-out are required", ErrValidation)
	}
	checkIn, checkOut = truncate(checkIn), truncate(checkOut)
	if !checkIn.Before(checkOut) {
		return DateRange{}, fmt.Errorf("%w: check-in must be before check-out", ErrValidation)
	}
	return DateRange{checkIn: checkIn, checkOut: checkOut}, nil
}

func (d DateRange) CheckIn() time.Time  { return d.checkIn }
func (d DateRange) CheckOut() time.Time { return d.checkOut }

// IsZero reports whether the range was never initialized.
func (d DateRange) IsZero() bool {
	return d.checkIn.IsZero() && d.checkOut.IsZero()
}

// Nights counts calendar nights between the check-in and check-out dates.
func (d DateRange) Nights() int {
	return int(startOfDay(d.checkOut).Sub(startOfDay(d.checkIn)).Hours() / hoursPerDay)
}

// Days lists the calendar days in [checkIn, checkOut), one per night.
func (d DateRange) Days() []time.Time {
	nights := d.Nights()
	days := make([]time.Time, 0, nights)
	first := startOfDay(d.checkIn)
	for i := 0; i < nights; i++ {
		days = append(days, first.AddDate(0, 0, i))
	}
	return days
}

// Overlaps reports whether two half-open ranges share any instant.
func (d DateRange) Overlaps(other DateRange) bool {
	return d.checkIn.Before(other.checkOut) && other.checkIn.Before(d.checkOut)
}

// Contains reports whether t falls in [checkIn, checkOut).
func (d DateRange) Contains(t time.Time) bool {
	return !t.Before(d.checkIn) && t.Before(d.checkOut)
}

// ContainsRange reports whether other lies entirely inside d.
func (d DateRange) ContainsRange(other DateRange) bool {
	return !other.checkIn.Before(d.checkIn) && !other.checkOut.After(d.checkOut)
}

// HoursUntilCheckIn is negative once check-in has passed.
func (d DateRange) HoursUntilCheckIn(now time.Time) float64 {
	return d.checkIn.Sub(now).Hours()
}

func (d DateRange) Equal(other DateRange) bool {
	return d.checkIn.Equal(other.checkIn) && d.checkOut.Equal(other.checkOut)
}

func (d DateRange) String() string {
	return d.checkIn.Format(time.DateOnly) + "/" + d.checkOut.Format(time.DateOnly)
}

type dateRangeJSON struct {
	CheckIn  time.Time `json:"check_in"`
	CheckOut time.Time `json:"check_out"`
}

func (d DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateRangeJSON{CheckIn: d.checkIn, CheckOut: d.checkOut})
}

// UnmarshalJSON restores a range without the "not in the past" check.
func (d *DateRange) UnmarshalJSON(data []byte) error {
	var raw dateRangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	restored, err := RestoreDateRange(raw.CheckIn, raw.CheckOut)
	if err != nil {
		return err
	}
	*d = restored
	return nil
}

// truncate normalizes an instant to UTC at the stored precision.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(timePrecision)
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
