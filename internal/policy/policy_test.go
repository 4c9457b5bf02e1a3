package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/reservation-core/internal/clock"
	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

type calendarFunc func(ctx context.Context, window model.DateRange) ([]port.BlackoutPeriod, error)

func (f calendarFunc) BlackoutPeriods(ctx context.Context, window model.DateRange) ([]port.BlackoutPeriod, error) {
	return f(ctx, window)
}

func staticCalendar(periods ...port.BlackoutPeriod) port.BlackoutCalendar {
	return calendarFunc(func(context.Context, model.DateRange) ([]port.BlackoutPeriod, error) {
		return periods, nil
	})
}

type staticPolicy struct {
	name   string
	result Result
	err    error
	delay  time.Duration
}

func (p staticPolicy) Name() string { return p.name }

func (p staticPolicy) Validate(ctx context.Context, _ BookingRequest) (Result, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return p.result, p.err
}

func stay(t *testing.T, inDays, nights int) model.DateRange {
	t.Helper()
	checkIn := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC).AddDate(0, 0, inDays)
	dr, err := model.RestoreDateRange(checkIn, checkIn.AddDate(0, 0, nights))
	require.NoError(t, err)
	return dr
}

func request(t *testing.T, inDays, nights int, roomType string) BookingRequest {
	return BookingRequest{
		DateRange:    stay(t, inDays, nights),
		RoomBookings: []model.RoomBooking{{RoomTypeID: roomType, Quantity: 1}},
		Guest:        GuestInfo{GuestID: "g1"},
	}
}

func TestEngine_AllPass(t *testing.T) {
	engine := NewEngine(
		NewMinimumStay(1, nil),
		NewAdvanceBooking(clock.NewFixed(testNow)),
		NewBlackout(staticCalendar(), time.Second),
	)

	res, err := engine.Validate(context.Background(), request(t, 7, 3, "deluxe-king"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
	assert.Equal(t, []string{"minimum-stay", "advance-booking", "blackout-dates"}, engine.Policies())
}

func TestEngine_ReasonsInDeclaredOrder(t *testing.T) {
	engine := NewEngine(
		staticPolicy{name: "slow", result: Fail("first"), delay: 20 * time.Millisecond},
		staticPolicy{name: "ok", result: Pass()},
		staticPolicy{name: "fast", result: Fail("second")},
	)

	res, err := engine.Validate(context.Background(), request(t, 7, 3, "twin"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "first; second", res.Reason)
}

func TestEngine_EvaluatesEveryPolicy(t *testing.T) {
	engine := NewEngine(
		NewMinimumStay(1, map[string]int{"suite": 3}),
		NewAdvanceBooking(clock.NewFixed(testNow)),
	)

	res, err := engine.Validate(context.Background(), request(t, 0, 1, "suite"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "minimum stay for room type suite is 3 nights")
	assert.Contains(t, res.Reason, "at least 1 day(s)")
	assert.Contains(t, res.Reason, "; ")
}

func TestEngine_InfrastructureFailure(t *testing.T) {
	engine := NewEngine(
		staticPolicy{name: "ok", result: Pass()},
		staticPolicy{name: "broken", err: errors.New("connection refused")},
	)

	_, err := engine.Validate(context.Background(), request(t, 7, 3, "twin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPolicyUnavailable)
	assert.Contains(t, err.Error(), "broken")
}

func TestEngine_NoPolicies(t *testing.T) {
	res, err := NewEngine().Validate(context.Background(), request(t, 7, 3, "twin"))
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestMinimumStay(t *testing.T) {
	p := NewMinimumStay(0, map[string]int{"suite": 3, "villa": 5})

	tests := []struct {
		name     string
		rooms    []model.RoomBooking
		nights   int
		valid    bool
		contains string
	}{
		{name: "default one night", rooms: []model.RoomBooking{{RoomTypeID: "twin", Quantity: 1}}, nights: 1, valid: true},
		{name: "room type minimum met", rooms: []model.RoomBooking{{RoomTypeID: "suite", Quantity: 1}}, nights: 3, valid: true},
		{
			name:     "room type minimum not met",
			rooms:    []model.RoomBooking{{RoomTypeID: "suite", Quantity: 1}},
			nights:   2,
			contains: "room type suite is 3 nights, requested 2",
		},
		{
			name:     "strictest room type wins",
			rooms:    []model.RoomBooking{{RoomTypeID: "suite", Quantity: 1}, {RoomTypeID: "villa", Quantity: 1}},
			nights:   4,
			contains: "room type villa is 5 nights",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Validate(context.Background(), BookingRequest{DateRange: stay(t, 7, tt.nights), RoomBookings: tt.rooms})
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.contains != "" {
				assert.Contains(t, res.Reason, tt.contains)
			}
		})
	}
}

func TestAdvanceBooking(t *testing.T) {
	p := NewAdvanceBooking(clock.NewFixed(testNow))

	tests := []struct {
		name   string
		inDays int
		valid  bool
	}{
		{name: "same day", inDays: 0, valid: false},
		{name: "tomorrow", inDays: 1, valid: true},
		{name: "one week", inDays: 7, valid: true},
		{name: "one year", inDays: 365, valid: true},
		{name: "beyond one year", inDays: 366, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Validate(context.Background(), request(t, tt.inDays, 1, "twin"))
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, res.Reason)
		})
	}
}

func TestBlackout(t *testing.T) {
	christmas, err := model.RestoreDateRange(
		time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 12, 27, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	p := NewBlackout(staticCalendar(port.BlackoutPeriod{Period: christmas, Reason: "christmas"}), time.Second)

	t.Run("overlapping stay", func(t *testing.T) {
		dr, err := model.RestoreDateRange(
			time.Date(2026, 12, 23, 15, 0, 0, 0, time.UTC),
			time.Date(2026, 12, 25, 11, 0, 0, 0, time.UTC),
		)
		require.NoError(t, err)

		res, err := p.Validate(context.Background(), BookingRequest{DateRange: dr})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Reason, "christmas")
	})

	t.Run("disjoint stay", func(t *testing.T) {
		res, err := p.Validate(context.Background(), request(t, 7, 3, "twin"))
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})
}

func TestBlackout_Timeout(t *testing.T) {
	slow := calendarFunc(func(ctx context.Context, _ model.DateRange) ([]port.BlackoutPeriod, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := NewBlackout(slow, 10*time.Millisecond)

	_, err := p.Validate(context.Background(), request(t, 7, 3, "twin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPolicyUnavailable)
}
