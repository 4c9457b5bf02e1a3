// Package policy validates proposed bookings against independent, named business rules.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jnst/reservation-core/internal/model"
)

// GuestInfo describes who is booking.
type GuestInfo struct {
	GuestID string
}

// BookingRequest is the proposal every policy is evaluated against.
type BookingRequest struct {
	DateRange    model.DateRange
	RoomBookings []model.RoomBooking
	Guest        GuestInfo
}

// Result is the outcome of one policy or of the whole engine.
type Result struct {
	Valid  bool
	Reason string
}

// Pass is the result of a satisfied policy.
func Pass() Result {
	return Result{Valid: true}
}

// Fail is the result of a violated policy.
func Fail(format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Policy is a named predicate over a booking request. An error means the policy could not
// be evaluated, not that the booking is invalid.
type Policy interface {
	Name() string
	Validate(ctx context.Context, req BookingRequest) (Result, error)
}

// Engine evaluates every configured policy and aggregates their verdicts.
type Engine struct {
	policies []Policy
}

// NewEngine creates an engine evaluating policies in the given order.
func NewEngine(policies ...Policy) *Engine {
	return &Engine{policies: append([]Policy(nil), policies...)}
}

// Policies returns the configured policy names in evaluation order.
func (e *Engine) Policies() []string {
	names := make([]string, len(e.policies))
	for i, p := range e.policies {
		names[i] = p.Name()
	}
	return names
}

// Validate runs all policies concurrently. Every policy is evaluated even when an earlier
// one fails; failure reasons are reported in declared order joined by "; ".
func (e *Engine) Validate(ctx context.Context, req BookingRequest) (Result, error) {
	results := make([]Result, len(e.policies))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range e.policies {
		g.Go(func() error {
			res, err := p.Validate(gctx, req)
			if err != nil {
				if errors.Is(err, model.ErrPolicyUnavailable) {
					return fmt.Errorf("policy %s: %w", p.Name(), err)
				}
				return fmt.Errorf("%w: policy %s: %v", model.ErrPolicyUnavailable, p.Name(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var reasons []string
	for _, res := range results {
		if !res.Valid {
			reasons = append(reasons, res.Reason)
		}
	}
	if len(reasons) > 0 {
		return Result{Valid: false, Reason: strings.Join(reasons, "; ")}, nil
	}

	return Pass(), nil
}
