package model

import "errors"

var (
	// ErrValidation is returned when input is malformed. It is the caller's fault and is not retried.
	ErrValidation = errors.New("validation error")
	// ErrInvalidStateTransition is returned when an operation is not allowed in the current reservation status.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrBusinessRuleViolation is returned when the booking policies reject a reservation.
	ErrBusinessRuleViolation = errors.New("business rule violation")
	// ErrConcurrencyConflict is returned when a save is based on a stale version.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrCurrencyMismatch is returned when arithmetic mixes currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrReservationNotFound is returned when reservation is not found in the store.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrUnknownEventType is returned when an event type has no known payload.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrRoomsUnavailable is returned when the requested rooms cannot be booked.
	ErrRoomsUnavailable = errors.New("rooms unavailable")
	// ErrPolicyUnavailable is returned when a policy could not be evaluated.
	ErrPolicyUnavailable = errors.New("policy unavailable")
	// ErrOutboxRecordNotFound is returned when outbox record is not found in the store.
	ErrOutboxRecordNotFound = errors.New("outbox record not found")
	// ErrDeliveryFailed is returned when an event could not be delivered to every subscriber.
	ErrDeliveryFailed = errors.New("event delivery failed")
	// ErrUnprocessableEvent is returned by a subscriber when redelivering the event cannot succeed.
	ErrUnprocessableEvent = errors.New("unprocessable event")
)
