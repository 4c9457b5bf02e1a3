package subscriber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
	"github.com/jnst/reservation-core/internal/service"
)

// Inventory keeps room holds in step with the reservation lifecycle: rooms are held from
// creation until check-out and released on cancellation.
type Inventory struct {
	availability port.RoomAvailability
	logger       *slog.Logger
}

var _ service.Subscriber = (*Inventory)(nil)

func NewInventory(availability port.RoomAvailability, logger *slog.Logger) *Inventory {
	return &Inventory{availability: availability, logger: orDefault(logger)}
}

func (*Inventory) Name() string { return "inventory" }

// Handle relies on HoldRooms replacing an existing hold and ReleaseRooms ignoring unknown
// reservations, so redelivery is harmless.
func (h *Inventory) Handle(ctx context.Context, event model.DomainEvent) error {
	switch p := event.Payload.(type) {
	case model.ReservationCreated:
		if err := h.availability.HoldRooms(ctx, p.DateRange, p.RoomBookings, event.AggregateID, p.DateRange.CheckOut()); err != nil {
			return fmt.Errorf("failed to hold rooms for %s: %w", event.AggregateID, err)
		}
		h.logger.Info("rooms held",
			slog.String("reservation_id", event.AggregateID),
			slog.String("stay", p.DateRange.String()),
		)
	case model.ReservationCancelled:
		if err := h.availability.ReleaseRooms(ctx, event.AggregateID); err != nil {
			return fmt.Errorf("failed to release rooms for %s: %w", event.AggregateID, err)
		}
		h.logger.Info("rooms released", slog.String("reservation_id", event.AggregateID))
	}

	return nil
}
