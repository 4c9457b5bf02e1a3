package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
	"github.com/jnst/reservation-core/internal/service"
)

// PaymentCapture confirms the payment behind a confirmed reservation.
type PaymentCapture struct {
	payments port.PaymentGateway
	logger   *slog.Logger
}

var _ service.Subscriber = (*PaymentCapture)(nil)

func NewPaymentCapture(payments port.PaymentGateway, logger *slog.Logger) *PaymentCapture {
	return &PaymentCapture{payments: payments, logger: orDefault(logger)}
}

func (*PaymentCapture) Name() string { return "payment-capture" }

// Handle is a no-op when the gateway already reports the payment as captured. A payment
// the gateway does not know fails with model.ErrUnprocessableEvent.
func (h *PaymentCapture) Handle(ctx context.Context, event model.DomainEvent) error {
	confirmed, ok := event.Payload.(model.ReservationConfirmed)
	if !ok {
		return nil
	}

	payment, err := h.payments.GetPayment(ctx, confirmed.PaymentReference)
	switch {
	case errors.Is(err, port.ErrPaymentNotFound):
		return fmt.Errorf("%w: reservation %s: %w", model.ErrUnprocessableEvent, event.AggregateID, err)
	case err != nil:
		return fmt.Errorf("failed to look up payment %s: %w", confirmed.PaymentReference, err)
	case payment.Status != port.PaymentStatusRequiresConfirmation:
		h.logger.Debug("payment already captured",
			slog.String("reservation_id", event.AggregateID),
			slog.String("payment_reference", confirmed.PaymentReference),
		)
		return nil
	}

	if _, err := h.payments.ConfirmPayment(ctx, confirmed.PaymentReference); err != nil {
		return fmt.Errorf("failed to confirm payment %s: %w", confirmed.PaymentReference, err)
	}

	h.logger.Info("payment captured",
		slog.String("reservation_id", event.AggregateID),
		slog.String("payment_reference", confirmed.PaymentReference),
	)

	return nil
}

// Refund returns the payment of a cancelled reservation. Penalties are applied by billing
// downstream; the refund covers the recorded total.
type Refund struct {
	payments port.PaymentGateway
	logger   *slog.Logger
}

var _ service.Subscriber = (*Refund)(nil)

func NewRefund(payments port.PaymentGateway, logger *slog.Logger) *Refund {
	return &Refund{payments: payments, logger: orDefault(logger)}
}

func (*Refund) Name() string { return "refund" }

// RefundKey is the idempotency key of the refund answering a cancellation. A reservation is
// cancelled at most once, so one key per reservation is enough.
func RefundKey(reservationID string) string {
	return "refund:" + reservationID
}

// Handle skips reservations that were never paid and cancellations already refunded.
func (h *Refund) Handle(ctx context.Context, event model.DomainEvent) error {
	cancelled, ok := event.Payload.(model.ReservationCancelled)
	if !ok || cancelled.PaymentReference == "" || !cancelled.TotalAmount.IsPositive() {
		return nil
	}

	key := RefundKey(event.AggregateID)
	existing, err := h.payments.FindRefund(ctx, key)
	if err == nil {
		h.logger.Info("refund already processed",
			slog.String("reservation_id", event.AggregateID),
			slog.String("refund_id", existing.RefundID),
		)
		return nil
	}
	if !errors.Is(err, port.ErrRefundNotFound) {
		return fmt.Errorf("failed to look up refund %s: %w", key, err)
	}

	refund, err := h.payments.ProcessRefund(ctx, &port.RefundRequest{
		PaymentReference: cancelled.PaymentReference,
		Amount:           cancelled.TotalAmount,
		Reason:           cancelled.Reason,
		IdempotencyKey:   key,
	})
	if errors.Is(err, port.ErrPaymentNotFound) {
		return fmt.Errorf("%w: reservation %s: %w", model.ErrUnprocessableEvent, event.AggregateID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to refund payment %s: %w", cancelled.PaymentReference, err)
	}

	h.logger.Info("refund processed",
		slog.String("reservation_id", event.AggregateID),
		slog.String("refund_id", refund.RefundID),
		slog.String("amount", refund.Amount.String()),
	)

	return nil
}
