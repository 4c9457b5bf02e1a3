// Package stream carries outbox events across process boundaries: Redis Streams via rueidis
// and Kafka via kafka-go.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/jnst/reservation-core/internal/model"
)

// Message field and header names shared by every transport.
const (
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldAggregateID = "aggregate_id"
	FieldOccurredOn  = "occurred_on"
	FieldPayload     = "payload"
)

// ErrMalformedMessage is returned when a message lacks a required field.
var ErrMalformedMessage = errors.New("malformed stream message")

// Field is one name/value pair of an encoded event, in wire order.
type Field struct {
	Name  string
	Value string
}

// EncodeEvent flattens an event into transport fields.
func EncodeEvent(event model.DomainEvent) ([]Field, error) {
	payload, err := event.MarshalPayload()
	if err != nil {
		return nil, err
	}

	return []Field{
		{Name: FieldEventID, Value: event.EventID},
		{Name: FieldEventType, Value: string(event.EventType)},
		{Name: FieldAggregateID, Value: event.AggregateID},
		{Name: FieldOccurredOn, Value: event.OccurredOn.UTC().Format(time.RFC3339Nano)},
		{Name: FieldPayload, Value: string(payload)},
	}, nil
}

// DecodeEvent rebuilds an event from transport fields.
func DecodeEvent(fields map[string]string) (model.DomainEvent, error) {
	for _, name := range []string{FieldEventID, FieldEventType, FieldAggregateID, FieldOccurredOn, FieldPayload} {
		if _, ok := fields[name]; !ok {
			return model.DomainEvent{}, fmt.Errorf("%w: missing %s", ErrMalformedMessage, name)
		}
	}

	occurredOn, err := time.Parse(time.RFC3339Nano, fields[FieldOccurredOn])
	if err != nil {
		return model.DomainEvent{}, fmt.Errorf("%w: occurred_on: %v", ErrMalformedMessage, err)
	}

	return model.DecodeEvent(
		fields[FieldEventID],
		model.EventType(fields[FieldEventType]),
		fields[FieldAggregateID],
		occurredOn,
		[]byte(fields[FieldPayload]),
	)
}
