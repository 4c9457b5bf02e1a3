package rate

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/reservation-core/internal/model"
)

// Season is a demand band derived from the month of a night.
type Season string

const (
	SeasonLow    Season = "low"
	SeasonMedium Season = "medium"
	SeasonHigh   Season = "high"
)

// SeasonOf maps a month to its demand band.
func SeasonOf(m time.Month) Season {
	switch m {
	case time.January, time.February, time.November:
		return SeasonLow
	case time.June, time.July, time.August, time.December:
		return SeasonHigh
	default:
		return SeasonMedium
	}
}

// Config holds the pricing parameters applied on top of base rates.
type Config struct {
	SeasonMultipliers map[Season]decimal.Decimal
	// WeekendMultiplier applies to Friday and Saturday nights.
	WeekendMultiplier decimal.Decimal
	// ExtraGuestSurcharge is charged per guest above StandardOccupancy, per room and night,
	// in the currency of the room's base rate.
	ExtraGuestSurcharge decimal.Decimal
	TaxRate             decimal.Decimal
}

// DefaultConfig returns the standard pricing parameters.
func DefaultConfig() Config {
	return Config{
		SeasonMultipliers: map[Season]decimal.Decimal{
			SeasonLow:    decimal.RequireFromString("0.85"),
			SeasonMedium: decimal.NewFromInt(1),
			SeasonHigh:   decimal.RequireFromString("1.25"),
		},
		WeekendMultiplier:   decimal.RequireFromString("1.20"),
		ExtraGuestSurcharge: decimal.NewFromInt(25),
		TaxRate:             decimal.RequireFromString("0.10"),
	}
}

// Calculator derives the total price of a stay. It holds no mutable state and is safe
// for concurrent use.
type Calculator struct {
	rates BaseRateProvider
	cfg   Config
}

var _ model.RateCalculator = (*Calculator)(nil)

// NewCalculator creates a calculator over the given base-rate table.
func NewCalculator(rates BaseRateProvider, cfg Config) *Calculator {
	return &Calculator{rates: rates, cfg: cfg}
}

// Calculate sums the nightly price of every room booking over every night of the stay
// and applies the tax rate. Room bookings are priced in parallel.
func (c *Calculator) Calculate(dateRange model.DateRange, roomBookings []model.RoomBooking) (model.Money, error) {
	if err := model.ValidateRoomBookings(roomBookings); err != nil {
		return model.Money{}, err
	}

	days := dateRange.Days()
	subtotals := make([]model.Money, len(roomBookings))

	var g errgroup.Group
	for i, booking := range roomBookings {
		g.Go(func() error {
			subtotal, err := c.priceRoom(booking, days)
			if err != nil {
				return err
			}
			subtotals[i] = subtotal
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Money{}, err
	}

	total := model.ZeroMoney(subtotals[0].Currency())
	for _, subtotal := range subtotals {
		var err error
		if total, err = total.Add(subtotal); err != nil {
			return model.Money{}, err
		}
	}

	withTax := total.Multiply(decimal.NewFromInt(1).Add(c.cfg.TaxRate))

	return withTax.Round(2), nil
}

func (c *Calculator) priceRoom(booking model.RoomBooking, days []time.Time) (model.Money, error) {
	base, err := c.rates.BaseRate(booking.RoomTypeID)
	if err != nil {
		return model.Money{}, err
	}

	extraGuests := booking.GuestsPerRoom() - model.StandardOccupancy
	surcharge := model.ZeroMoney(base.Currency())
	if extraGuests > 0 {
		amount := c.cfg.ExtraGuestSurcharge.Mul(decimal.NewFromInt(int64(extraGuests)))
		if surcharge, err = model.NewMoney(amount, base.Currency()); err != nil {
			return model.Money{}, err
		}
	}

	subtotal := model.ZeroMoney(base.Currency())
	for _, day := range days {
		nightly, err := c.nightly(base, day).Add(surcharge)
		if err != nil {
			return model.Money{}, err
		}
		if subtotal, err = subtotal.Add(nightly); err != nil {
			return model.Money{}, err
		}
	}

	return subtotal.Multiply(decimal.NewFromInt(int64(booking.Quantity))), nil
}

func (c *Calculator) nightly(base model.Money, day time.Time) model.Money {
	price := base
	if m, ok := c.cfg.SeasonMultipliers[SeasonOf(day.Month())]; ok {
		price = price.Multiply(m)
	}
	if isWeekendNight(day) {
		price = price.Multiply(c.cfg.WeekendMultiplier)
	}
	return price
}

func isWeekendNight(day time.Time) bool {
	wd := day.Weekday()
	return wd == time.Friday || wd == time.Saturday
}
