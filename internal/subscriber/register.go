package subscriber

import (
	"log/slog"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
	"github.com/jnst/reservation-core/internal/service"
)

// Dependencies are the ports the standard handlers talk to.
type Dependencies struct {
	Availability  port.RoomAvailability
	Payments      port.PaymentGateway
	Notifications port.NotificationSender
}

// Register subscribes the standard handlers, each deduplicated through inbox.
func Register(publisher *service.EventPublisher, deps Dependencies, inbox Inbox, logger *slog.Logger) {
	logger = orDefault(logger)
	wrap := func(s service.Subscriber) service.Subscriber {
		return Idempotent(s, inbox, logger)
	}

	inventory := wrap(NewInventory(deps.Availability, logger))
	publisher.Subscribe(model.EventReservationCreated, inventory)
	publisher.Subscribe(model.EventReservationCancelled, inventory)

	publisher.Subscribe(model.EventReservationConfirmed, wrap(NewPaymentCapture(deps.Payments, logger)))
	publisher.Subscribe(model.EventReservationCancelled, wrap(NewRefund(deps.Payments, logger)))

	notifications := wrap(NewGuestNotification(deps.Notifications, logger))
	publisher.Subscribe(model.EventReservationConfirmed, notifications)
	publisher.Subscribe(model.EventReservationCancelled, notifications)
	publisher.Subscribe(model.EventReservationCompleted, notifications)
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
