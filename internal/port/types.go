package port

import (
	"errors"
	"time"

	"github.com/jnst/reservation-core/internal/model"
)

var (
	// ErrPaymentNotFound is returned when a payment reference is unknown to the gateway.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrRefundNotFound is returned when no refund exists for an idempotency key.
	ErrRefundNotFound = errors.New("refund not found")
)

// Availability is the answer of the inventory context for a stay.
type Availability struct {
	IsAvailable bool
	// Unavailable lists the room types that cannot be satisfied.
	Unavailable []string
}

// PaymentStatus represents the state of a payment at the gateway.
type PaymentStatus string

const (
	PaymentStatusRequiresConfirmation PaymentStatus = "requires_confirmation"
	PaymentStatusSucceeded            PaymentStatus = "succeeded"
	PaymentStatusRefunded             PaymentStatus = "refunded"
)

// PaymentIntentRequest asks the gateway to prepare a charge for a reservation.
type PaymentIntentRequest struct {
	ReservationID string
	GuestID       string
	Amount        model.Money
}

// PaymentIntent is a prepared, not yet captured, charge.
type PaymentIntent struct {
	PaymentReference string
	Amount           model.Money
	Status           PaymentStatus
}

// Payment is the gateway's view of a charge.
type Payment struct {
	PaymentReference string
	ReservationID    string
	Amount           model.Money
	Status           PaymentStatus
	ConfirmedAt      *time.Time
}

// RefundRequest asks for money back on a captured payment.
type RefundRequest struct {
	PaymentReference string
	Amount           model.Money
	Reason           string
	// IdempotencyKey identifies the business fact the refund answers, typically the event id.
	IdempotencyKey string
}

// Refund is a processed refund.
type Refund struct {
	RefundID         string
	PaymentReference string
	Amount           model.Money
	IdempotencyKey   string
	CreatedAt        time.Time
}

// NotificationKind identifies the template of a guest notification.
type NotificationKind string

const (
	NotificationReservationConfirmed NotificationKind = "reservation_confirmed"
	NotificationReservationCancelled NotificationKind = "reservation_cancelled"
	NotificationReservationCompleted NotificationKind = "reservation_completed"
)

// Notification is a message addressed to a guest.
type Notification struct {
	GuestID       string
	ReservationID string
	Kind          NotificationKind
	Subject       string
	Body          string
	// DedupKey lets the sender drop repeated deliveries of the same message.
	DedupKey string
}

// BlackoutPeriod is a closed interval during which no stay may overlap.
type BlackoutPeriod struct {
	Period model.DateRange
	Reason string
}
