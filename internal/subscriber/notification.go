package subscriber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
	"github.com/jnst/reservation-core/internal/service"
)

// GuestNotification tells the guest about confirmations, cancellations and completed stays.
type GuestNotification struct {
	sender port.NotificationSender
	logger *slog.Logger
}

var _ service.Subscriber = (*GuestNotification)(nil)

func NewGuestNotification(sender port.NotificationSender, logger *slog.Logger) *GuestNotification {
	return &GuestNotification{sender: sender, logger: orDefault(logger)}
}

func (*GuestNotification) Name() string { return "guest-notification" }

func (h *GuestNotification) Handle(ctx context.Context, event model.DomainEvent) error {
	n := notificationFor(event)
	if n == nil {
		return nil
	}

	if err := h.sender.Send(ctx, n); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", n.Kind, err)
	}

	h.logger.Info("guest notified",
		slog.String("reservation_id", event.AggregateID),
		slog.String("kind", string(n.Kind)),
	)

	return nil
}

func notificationFor(event model.DomainEvent) *port.Notification {
	n := &port.Notification{ReservationID: event.AggregateID, DedupKey: event.EventID}

	switch p := event.Payload.(type) {
	case model.ReservationConfirmed:
		n.GuestID = p.GuestID
		n.Kind = port.NotificationReservationConfirmed
		n.Subject = "Your reservation is confirmed"
		n.Body = fmt.Sprintf("Confirmation number %s. Amount charged: %s.", p.ConfirmationNumber, p.TotalAmount)
	case model.ReservationCancelled:
		n.GuestID = p.GuestID
		n.Kind = port.NotificationReservationCancelled
		n.Subject = "Your reservation was cancelled"
		n.Body = fmt.Sprintf("Your stay %s was cancelled.", p.DateRange)
		if p.Reason != "" {
			n.Body += " Reason: " + p.Reason + "."
		}
	case model.ReservationCompleted:
		n.GuestID = p.GuestID
		n.Kind = port.NotificationReservationCompleted
		n.Subject = "Thank you for staying with us"
		n.Body = "We hope you enjoyed your stay."
	default:
		return nil
	}

	return n
}
