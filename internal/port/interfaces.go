// Package port defines the collaborators the reservation core consumes but does not own:
// room inventory, payment processing, notification delivery and the blackout calendar.
package port

import (
	"context"
	"time"

	"github.com/jnst/reservation-core/internal/model"
)

// RoomAvailability is the inventory context.
type RoomAvailability interface {
	CheckAvailability(ctx context.Context, dateRange model.DateRange, rooms []model.RoomBooking) (*Availability, error)
	// HoldRooms reserves inventory for reservationID until expiry. Holding again for the same
	// reservation replaces the previous hold.
	HoldRooms(ctx context.Context, dateRange model.DateRange, rooms []model.RoomBooking, reservationID string, expiry time.Time) error
	// ReleaseRooms drops any hold or allocation of reservationID. Releasing an unknown
	// reservation is not an error.
	ReleaseRooms(ctx context.Context, reservationID string) error
}

// PaymentGateway is the billing context.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req *PaymentIntentRequest) (*PaymentIntent, error)
	ConfirmPayment(ctx context.Context, paymentReference string) (*Payment, error)
	ProcessRefund(ctx context.Context, req *RefundRequest) (*Refund, error)
	// GetPayment returns ErrPaymentNotFound for an unknown reference.
	GetPayment(ctx context.Context, paymentReference string) (*Payment, error)
	// FindRefund returns the refund recorded under idempotencyKey, or ErrRefundNotFound.
	FindRefund(ctx context.Context, idempotencyKey string) (*Refund, error)
}

// NotificationSender delivers guest-facing messages.
type NotificationSender interface {
	Send(ctx context.Context, n *Notification) error
}

// BlackoutCalendar lists the closed periods intersecting window.
type BlackoutCalendar interface {
	BlackoutPeriods(ctx context.Context, window model.DateRange) ([]BlackoutPeriod, error)
}
