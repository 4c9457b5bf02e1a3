package adapter

import (
	"context"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

// StaticBlackoutCalendar serves a fixed list of blackout periods.
type StaticBlackoutCalendar struct {
	periods []port.BlackoutPeriod
}

var _ port.BlackoutCalendar = (*StaticBlackoutCalendar)(nil)

func NewStaticBlackoutCalendar(periods ...port.BlackoutPeriod) *StaticBlackoutCalendar {
	return &StaticBlackoutCalendar{periods: append([]port.BlackoutPeriod(nil), periods...)}
}

// BlackoutPeriods returns the periods overlapping window.
func (c *StaticBlackoutCalendar) BlackoutPeriods(ctx context.Context, window model.DateRange) ([]port.BlackoutPeriod, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []port.BlackoutPeriod
	for _, p := range c.periods {
		if p.Period.Overlaps(window) {
			out = append(out, p)
		}
	}
	return out, nil
}
