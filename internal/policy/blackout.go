package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

// DefaultBlackoutTimeout bounds the calendar lookup when no timeout is configured.
const DefaultBlackoutTimeout = 2 * time.Second

// Blackout rejects stays intersecting a closed period of an external calendar.
type Blackout struct {
	calendar port.BlackoutCalendar
	timeout  time.Duration
}

var _ Policy = (*Blackout)(nil)

// NewBlackout creates the policy. A non-positive timeout uses DefaultBlackoutTimeout.
func NewBlackout(calendar port.BlackoutCalendar, timeout time.Duration) *Blackout {
	if timeout <= 0 {
		timeout = DefaultBlackoutTimeout
	}
	return &Blackout{calendar: calendar, timeout: timeout}
}

func (*Blackout) Name() string { return "blackout-dates" }

// Validate fails with ErrPolicyUnavailable when the calendar errors or does not answer in time.
func (p *Blackout) Validate(ctx context.Context, req BookingRequest) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	periods, err := p.calendar.BlackoutPeriods(ctx, req.DateRange)
	if err != nil {
		return Result{}, fmt.Errorf("%w: blackout calendar: %v", model.ErrPolicyUnavailable, err)
	}

	var hits []string
	for _, bp := range periods {
		if bp.Period.Overlaps(req.DateRange) {
			hit := bp.Period.String()
			if bp.Reason != "" {
				hit += " (" + bp.Reason + ")"
			}
			hits = append(hits, hit)
		}
	}
	if len(hits) > 0 {
		return Fail("stay %s overlaps blackout period %s", req.DateRange, strings.Join(hits, ", ")), nil
	}

	return Pass(), nil
}
