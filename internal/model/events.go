package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event.
type EventType string

const (
	// EventReservationCreated is emitted once when a reservation is created.
	EventReservationCreated EventType = "ReservationCreated"
	// EventReservationTotalCalculated is emitted when the total price is (re)calculated.
	EventReservationTotalCalculated EventType = "ReservationTotalCalculated"
	// EventReservationConfirmed is emitted when payment is accepted.
	EventReservationConfirmed EventType = "ReservationConfirmed"
	// EventReservationCancelled is emitted on cancellation and carries what is needed to release inventory.
	EventReservationCancelled EventType = "ReservationCancelled"
	// EventReservationCompleted is emitted after the stay is over.
	EventReservationCompleted EventType = "ReservationCompleted"
)

// EventPayload is the type-specific body of a DomainEvent.
type EventPayload interface {
	EventType() EventType
}

// DomainEvent is an immutable fact produced by a Reservation state transition.
type DomainEvent struct {
	EventID     string
	EventType   EventType
	AggregateID string
	OccurredOn  time.Time
	Payload     EventPayload
}

func newDomainEvent(aggregateID string, occurredOn time.Time, payload EventPayload) DomainEvent {
	return DomainEvent{
		EventID:     uuid.NewString(),
		EventType:   payload.EventType(),
		AggregateID: aggregateID,
		OccurredOn:  occurredOn.UTC(),
		Payload:     payload,
	}
}

// MarshalPayload encodes the payload as JSON.
func (e DomainEvent) MarshalPayload() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.EventType, err)
	}
	return payload, nil
}

// DecodeEvent rebuilds a DomainEvent read from storage or a transport.
// Unknown payload fields are ignored so older readers survive additive changes.
func DecodeEvent(eventID string, eventType EventType, aggregateID string, occurredOn time.Time, payload []byte) (DomainEvent, error) {
	var body EventPayload
	switch eventType {
	case EventReservationCreated:
		body = &ReservationCreated{}
	case EventReservationTotalCalculated:
		body = &ReservationTotalCalculated{}
	case EventReservationConfirmed:
		body = &ReservationConfirmed{}
	case EventReservationCancelled:
		body = &ReservationCancelled{}
	case EventReservationCompleted:
		body = &ReservationCompleted{}
	default:
		return DomainEvent{}, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	if err := json.Unmarshal(payload, body); err != nil {
		return DomainEvent{}, fmt.Errorf("failed to parse %s payload: %w", eventType, err)
	}

	return DomainEvent{
		EventID:     eventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		OccurredOn:  occurredOn.UTC(),
		Payload:     deref(body),
	}, nil
}

// deref stores payloads by value so type switches only need the value cases.
func deref(p EventPayload) EventPayload {
	switch v := p.(type) {
	case *ReservationCreated:
		return *v
	case *ReservationTotalCalculated:
		return *v
	case *ReservationConfirmed:
		return *v
	case *ReservationCancelled:
		return *v
	case *ReservationCompleted:
		return *v
	}
	return p
}

// ReservationCreated represents the payload for reservation creation events.
type ReservationCreated struct {
	GuestID      string        `json:"guest_id"`
	DateRange    DateRange     `json:"date_range"`
	RoomBookings []RoomBooking `json:"room_bookings"`
	TotalAmount  Money         `json:"total_amount"`
}

func (ReservationCreated) EventType() EventType { return EventReservationCreated }

// ReservationTotalCalculated represents the payload for total calculation events.
type ReservationTotalCalculated struct {
	TotalAmount Money `json:"total_amount"`
}

func (ReservationTotalCalculated) EventType() EventType { return EventReservationTotalCalculated }

// ReservationConfirmed represents the payload for confirmation events.
type ReservationConfirmed struct {
	GuestID            string `json:"guest_id"`
	ConfirmationNumber string `json:"confirmation_number"`
	PaymentReference   string `json:"payment_reference"`
	TotalAmount        Money  `json:"total_amount"`
}

func (ReservationConfirmed) EventType() EventType { return EventReservationConfirmed }

// ReservationCancelled represents the payload for cancellation events.
// Downstream contexts use DateRange and RoomBookings to release held inventory.
type ReservationCancelled struct {
	GuestID          string            `json:"guest_id"`
	Reason           string            `json:"reason"`
	PreviousStatus   ReservationStatus `json:"previous_status"`
	DateRange        DateRange         `json:"date_range"`
	RoomBookings     []RoomBooking     `json:"room_bookings"`
	TotalAmount      Money             `json:"total_amount"`
	PaymentReference string            `json:"payment_reference,omitempty"`
}

func (ReservationCancelled) EventType() EventType { return EventReservationCancelled }

// ReservationCompleted represents the payload for completion events.
type ReservationCompleted struct {
	GuestID string `json:"guest_id"`
}

func (ReservationCompleted) EventType() EventType { return EventReservationCompleted }
