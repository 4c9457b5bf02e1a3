package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jnst/reservation-core/internal/clock"
	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/policy"
	"github.com/jnst/reservation-core/internal/port"
	"github.com/jnst/reservation-core/internal/repository"
)

const (
	DefaultConflictMaxAttempts = 3
	defaultConflictBackoff     = 20 * time.Millisecond
)

// ReservationServiceConfig tunes the optimistic concurrency retry.
type ReservationServiceConfig struct {
	// ConflictMaxAttempts is the number of load-apply-save attempts on version conflicts.
	ConflictMaxAttempts int
	// ConflictBackoff is the first wait between attempts; it doubles after each conflict.
	ConflictBackoff time.Duration
}

// ReservationServiceImpl implements ReservationService.
type ReservationServiceImpl struct {
	reservationRepo repository.ReservationRepository
	policies        *policy.Engine
	calculator      model.RateCalculator
	availability    port.RoomAvailability
	payments        port.PaymentGateway
	clock           clock.Clock
	cfg             ReservationServiceConfig
	logger          *slog.Logger
}

var _ ReservationService = (*ReservationServiceImpl)(nil)

// NewReservationServiceImpl creates a new ReservationService implementation.
func NewReservationServiceImpl(
	reservationRepo repository.ReservationRepository,
	policies *policy.Engine,
	calculator model.RateCalculator,
	availability port.RoomAvailability,
	payments port.PaymentGateway,
	clk clock.Clock,
	cfg ReservationServiceConfig,
	logger *slog.Logger,
) *ReservationServiceImpl {
	if cfg.ConflictMaxAttempts <= 0 {
		cfg.ConflictMaxAttempts = DefaultConflictMaxAttempts
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = defaultConflictBackoff
	}
	if policies == nil {
		policies = policy.NewEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ReservationServiceImpl{
		reservationRepo: reservationRepo,
		policies:        policies,
		calculator:      calculator,
		availability:    availability,
		payments:        payments,
		clock:           clk,
		cfg:             cfg,
		logger:          logger,
	}
}

// Create creates a new pending reservation.
func (s *ReservationServiceImpl) Create(ctx context.Context, params *model.CreateReservationParams) (*model.Reservation, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	dateRange, err := model.NewDateRange(params.CheckIn, params.CheckOut, now)
	if err != nil {
		return nil, err
	}

	verdict, err := s.policies.Validate(ctx, policy.BookingRequest{
		DateRange:    dateRange,
		RoomBookings: params.RoomBookings,
		Guest:        policy.GuestInfo{GuestID: params.GuestID},
	})
	if err != nil {
		return nil, err
	}
	if !verdict.Valid {
		return nil, fmt.Errorf("%w: %s", model.ErrBusinessRuleViolation, verdict.Reason)
	}

	availability, err := s.availability.CheckAvailability(ctx, dateRange, params.RoomBookings)
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}
	if !availability.IsAvailable {
		return nil, fmt.Errorf("%w: %s", model.ErrRoomsUnavailable, strings.Join(availability.Unavailable, ", "))
	}

	reservation, err := model.NewReservation(params.GuestID, dateRange, params.RoomBookings, now)
	if err != nil {
		return nil, err
	}
	if err := reservation.CalculateTotal(s.calculator, now); err != nil {
		return nil, err
	}

	if err := s.reservationRepo.Save(ctx, reservation); err != nil {
		return nil, fmt.Errorf("failed to save reservation: %w", err)
	}

	s.logger.Info("reservation created",
		slog.String("reservation_id", reservation.ID()),
		slog.String("guest_id", reservation.GuestID()),
		slog.String("total", reservation.TotalAmount().String()),
	)

	return reservation, nil
}

// StartPayment creates a payment intent for a pending reservation.
func (s *ReservationServiceImpl) StartPayment(ctx context.Context, reservationID string) (*port.PaymentIntent, error) {
	reservation, err := s.reservationRepo.FindByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if reservation.Status() != model.StatusPending {
		return nil, fmt.Errorf("%w: payment can only start for pending reservations, %s is %s",
			model.ErrInvalidStateTransition, reservationID, reservation.Status())
	}
	if !reservation.TotalAmount().IsPositive() {
		return nil, fmt.Errorf("%w: reservation %s has no amount to pay", model.ErrValidation, reservationID)
	}

	intent, err := s.payments.CreatePaymentIntent(ctx, &port.PaymentIntentRequest{
		ReservationID: reservation.ID(),
		GuestID:       reservation.GuestID(),
		Amount:        reservation.TotalAmount(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return intent, nil
}

// Confirm confirms a pending reservation once payment is accepted.
func (s *ReservationServiceImpl) Confirm(ctx context.Context, reservationID, paymentReference string) (*model.Reservation, error) {
	return s.mutate(ctx, reservationID, "confirm", func(r *model.Reservation, now time.Time) error {
		return r.Confirm(paymentReference, now)
	})
}

// Cancel cancels a pending or confirmed reservation.
func (s *ReservationServiceImpl) Cancel(ctx context.Context, reservationID, reason string) (*model.Reservation, error) {
	return s.mutate(ctx, reservationID, "cancel", func(r *model.Reservation, now time.Time) error {
		return r.Cancel(reason, now)
	})
}

// Complete completes a confirmed reservation.
func (s *ReservationServiceImpl) Complete(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return s.mutate(ctx, reservationID, "complete", func(r *model.Reservation, now time.Time) error {
		return r.Complete(now)
	})
}

// Get retrieves a reservation by ID.
func (s *ReservationServiceImpl) Get(ctx context.Context, reservationID string) (*model.Reservation, error) {
	return s.reservationRepo.FindByID(ctx, reservationID)
}

// ListByGuest retrieves the reservations of a guest.
func (s *ReservationServiceImpl) ListByGuest(ctx context.Context, guestID string) ([]*model.Reservation, error) {
	return s.reservationRepo.FindByGuestID(ctx, guestID)
}

// mutate loads the reservation, applies fn and saves it. A version conflict reloads and
// reapplies fn; every other error is returned as is.
func (s *ReservationServiceImpl) mutate(
	ctx context.Context,
	reservationID, action string,
	fn func(r *model.Reservation, now time.Time) error,
) (*model.Reservation, error) {
	attempt := 0
	operation := func() (*model.Reservation, error) {
		attempt++

		reservation, err := s.reservationRepo.FindByID(ctx, reservationID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := fn(reservation, s.clock.Now()); err != nil {
			return nil, backoff.Permanent(err)
		}

		err = s.reservationRepo.Save(ctx, reservation)
		if errors.Is(err, model.ErrConcurrencyConflict) {
			s.logger.Debug("version conflict, retrying",
				slog.String("reservation_id", reservationID),
				slog.String("action", action),
				slog.Int("attempt", attempt),
			)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		return reservation, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ConflictBackoff
	b.MaxInterval = s.cfg.ConflictBackoff * 8

	reservation, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.ConflictMaxAttempts)),
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation updated",
		slog.String("reservation_id", reservationID),
		slog.String("action", action),
		slog.String("status", reservation.Status().String()),
	)

	return reservation, nil
}
