package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/rueidis"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/reservation-core/internal/adapter"
	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
	"github.com/jnst/reservation-core/internal/service"
	"github.com/jnst/reservation-core/internal/subscriber"
)

var occurredOn = time.Date(2026, 10, 16, 9, 30, 0, 123456789, time.UTC)

func confirmedEvent(id string) model.DomainEvent {
	return confirmedEventFor(id, "res-1")
}

func confirmedEventFor(id, aggregateID string) model.DomainEvent {
	return model.DomainEvent{
		EventID:     id,
		EventType:   model.EventReservationConfirmed,
		AggregateID: aggregateID,
		OccurredOn:  occurredOn,
		Payload: model.ReservationConfirmed{
			GuestID:            "guest-1",
			ConfirmationNumber: "CNF-20261016-ABCD",
			PaymentReference:   "pay_1",
			TotalAmount:        model.MustMoney("748.00", model.CurrencyUSD),
		},
	}
}

func assertSameEvent(t *testing.T, want, got model.DomainEvent) {
	t.Helper()
	assert.Equal(t, want.EventID, got.EventID)
	assert.Equal(t, want.EventType, got.EventType)
	assert.Equal(t, want.AggregateID, got.AggregateID)
	assert.True(t, want.OccurredOn.Equal(got.OccurredOn), "occurred %s vs %s", want.OccurredOn, got.OccurredOn)

	w := want.Payload.(model.ReservationConfirmed)
	g, ok := got.Payload.(model.ReservationConfirmed)
	require.True(t, ok, "payload type %T", got.Payload)
	assert.Equal(t, w.GuestID, g.GuestID)
	assert.Equal(t, w.ConfirmationNumber, g.ConfirmationNumber)
	assert.Equal(t, w.PaymentReference, g.PaymentReference)
	assert.True(t, w.TotalAmount.Equal(g.TotalAmount))
}

func fieldMap(fields []Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	return m
}

func TestEncodeEvent_Fields(t *testing.T) {
	fields, err := EncodeEvent(confirmedEvent("evt-1"))
	require.NoError(t, err)

	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{FieldEventID, FieldEventType, FieldAggregateID, FieldOccurredOn, FieldPayload}, names)

	m := fieldMap(fields)
	assert.Equal(t, "ReservationConfirmed", m[FieldEventType])
	assert.Equal(t, "2026-10-16T09:30:00.123456789Z", m[FieldOccurredOn])
	assert.Contains(t, m[FieldPayload], `"payment_reference":"pay_1"`)

	decoded, err := DecodeEvent(m)
	require.NoError(t, err)
	assertSameEvent(t, confirmedEvent("evt-1"), decoded)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	fields, err := EncodeEvent(confirmedEvent("evt-1"))
	require.NoError(t, err)

	missing := fieldMap(fields)
	delete(missing, FieldAggregateID)
	_, err = DecodeEvent(missing)
	require.ErrorIs(t, err, ErrMalformedMessage)
	assert.Contains(t, err.Error(), FieldAggregateID)

	badTime := fieldMap(fields)
	badTime[FieldOccurredOn] = "yesterday"
	_, err = DecodeEvent(badTime)
	require.ErrorIs(t, err, ErrMalformedMessage)

	unknown := fieldMap(fields)
	unknown[FieldEventType] = "ReservationTeleported"
	_, err = DecodeEvent(unknown)
	require.ErrorIs(t, err, model.ErrUnknownEventType)
}

type recordingSink struct {
	mu            sync.Mutex
	events        []model.DomainEvent
	failures      map[string]int
	unprocessable map[string]bool
	attempts      map[string]int
}

func (s *recordingSink) Publish(_ context.Context, event model.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[event.EventID]++
	if s.unprocessable[event.EventID] {
		return fmt.Errorf("%w: payment not found", model.ErrUnprocessableEvent)
	}
	if s.failures[event.EventID] > 0 {
		s.failures[event.EventID]--
		return errors.New("subscriber down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventID)
	}
	return out
}

func (s *recordingSink) attemptsFor(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[eventID]
}

type parkedEntry struct {
	messageID string
	fields    map[string]string
	reason    string
}

type fakeDeadLetter struct {
	parked []parkedEntry
	err    error
}

func (d *fakeDeadLetter) Park(_ context.Context, messageID string, fields map[string]string, reason error) error {
	if d.err != nil {
		return d.err
	}
	d.parked = append(d.parked, parkedEntry{messageID: messageID, fields: fields, reason: reason.Error()})
	return nil
}

func (d *fakeDeadLetter) ids() []string {
	out := make([]string, 0, len(d.parked))
	for _, p := range d.parked {
		out = append(out, p.messageID)
	}
	return out
}

func entry(t *testing.T, id string, event model.DomainEvent) rueidis.XRangeEntry {
	t.Helper()
	fields, err := EncodeEvent(event)
	require.NoError(t, err)
	return rueidis.XRangeEntry{ID: id, FieldValues: fieldMap(fields)}
}

func TestRedisConsumer_HandleEntries(t *testing.T) {
	sink := &recordingSink{failures: map[string]int{"evt-2": 1}}
	dead := &fakeDeadLetter{}
	c := NewRedisConsumer(nil, sink, RedisConsumerConfig{Group: "reservation-subscribers", Consumer: "c1", DeadLetter: dead}, nil)
	ctx := context.Background()

	acked, unacked := c.handleEntries(ctx, []rueidis.XRangeEntry{
		entry(t, "1-0", confirmedEventFor("evt-1", "res-1")),
		{ID: "2-0", FieldValues: map[string]string{FieldEventID: "broken"}},
		entry(t, "3-0", confirmedEventFor("evt-2", "res-2")),
		entry(t, "4-0", confirmedEventFor("evt-3", "res-3")),
	})

	assert.Equal(t, []string{"1-0", "2-0", "4-0"}, acked)
	assert.Equal(t, 1, unacked)
	assert.Equal(t, []string{"evt-1", "evt-3"}, sink.ids())
	assert.Equal(t, []string{"2-0"}, dead.ids())
	assert.Contains(t, dead.parked[0].reason, "malformed")
}

func TestRedisConsumer_HoldsBackLaterEventsOfFailedAggregate(t *testing.T) {
	created := confirmedEventFor("evt-created", "res-1")
	cancelled := confirmedEventFor("evt-cancelled", "res-1")
	sink := &recordingSink{failures: map[string]int{"evt-created": 1}}
	c := NewRedisConsumer(nil, sink, RedisConsumerConfig{Group: "reservation-subscribers", Consumer: "c1", DeadLetter: &fakeDeadLetter{}}, nil)
	ctx := context.Background()

	acked, unacked := c.handleEntries(ctx, []rueidis.XRangeEntry{
		entry(t, "1-0", created),
		entry(t, "2-0", cancelled),
		entry(t, "3-0", confirmedEventFor("evt-other", "res-2")),
	})
	assert.Equal(t, []string{"3-0"}, acked)
	assert.Equal(t, 2, unacked)
	assert.Equal(t, []string{"evt-other"}, sink.ids())
	assert.Zero(t, sink.attemptsFor("evt-cancelled"))

	// the backlog replays both entries of res-1 in stream order
	acked, unacked = c.handleEntries(ctx, []rueidis.XRangeEntry{
		entry(t, "1-0", created),
		entry(t, "2-0", cancelled),
	})
	assert.Equal(t, []string{"1-0", "2-0"}, acked)
	assert.Zero(t, unacked)
	assert.Equal(t, []string{"evt-other", "evt-created", "evt-cancelled"}, sink.ids())
}

func TestRedisConsumer_ParksAfterMaxAttempts(t *testing.T) {
	sink := &recordingSink{failures: map[string]int{"evt-1": 100}}
	dead := &fakeDeadLetter{}
	c := NewRedisConsumer(nil, sink, RedisConsumerConfig{Group: "reservation-subscribers", Consumer: "c1", MaxAttempts: 3, DeadLetter: dead}, nil)
	ctx := context.Background()
	batch := []rueidis.XRangeEntry{
		entry(t, "1-0", confirmedEventFor("evt-1", "res-1")),
		entry(t, "2-0", confirmedEventFor("evt-2", "res-1")),
	}

	for range 2 {
		acked, unacked := c.handleEntries(ctx, batch)
		assert.Empty(t, acked)
		assert.Equal(t, 2, unacked)
	}
	assert.Empty(t, dead.parked)

	acked, unacked := c.handleEntries(ctx, batch)
	assert.Equal(t, []string{"1-0", "2-0"}, acked)
	assert.Zero(t, unacked)
	assert.Equal(t, 3, sink.attemptsFor("evt-1"))
	assert.Equal(t, []string{"evt-2"}, sink.ids())

	require.Len(t, dead.parked, 1)
	assert.Equal(t, "1-0", dead.parked[0].messageID)
	assert.Equal(t, "evt-1", dead.parked[0].fields[FieldEventID])
	assert.Contains(t, dead.parked[0].reason, "subscriber down")
	assert.Empty(t, c.attempts)
}

func TestRedisConsumer_ParksUnprocessableAtOnce(t *testing.T) {
	sink := &recordingSink{unprocessable: map[string]bool{"evt-1": true}}
	dead := &fakeDeadLetter{}
	c := NewRedisConsumer(nil, sink, RedisConsumerConfig{Group: "reservation-subscribers", Consumer: "c1", DeadLetter: dead}, nil)

	acked, unacked := c.handleEntries(context.Background(), []rueidis.XRangeEntry{
		entry(t, "1-0", confirmedEventFor("evt-1", "res-1")),
		entry(t, "2-0", confirmedEventFor("evt-2", "res-1")),
	})
	assert.Equal(t, []string{"1-0", "2-0"}, acked)
	assert.Zero(t, unacked)
	assert.Equal(t, 1, sink.attemptsFor("evt-1"))
	assert.Equal(t, []string{"1-0"}, dead.ids())
}

func TestRedisConsumer_KeepsEntryWhenParkingFails(t *testing.T) {
	sink := &recordingSink{unprocessable: map[string]bool{"evt-1": true}}
	dead := &fakeDeadLetter{err: errors.New("READONLY replica")}
	c := NewRedisConsumer(nil, sink, RedisConsumerConfig{Group: "reservation-subscribers", Consumer: "c1", DeadLetter: dead}, nil)

	acked, unacked := c.handleEntries(context.Background(), []rueidis.XRangeEntry{
		entry(t, "1-0", confirmedEventFor("evt-1", "res-1")),
		entry(t, "2-0", confirmedEventFor("evt-2", "res-1")),
		{ID: "3-0", FieldValues: map[string]string{FieldEventID: "broken"}},
	})
	assert.Empty(t, acked)
	assert.Equal(t, 3, unacked)
	assert.Empty(t, sink.ids())
}

type fakeProducer struct {
	msgs []kafka.Message
	err  error
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func TestKafkaRelay_Publish(t *testing.T) {
	producer := &fakeProducer{}
	relay := NewKafkaRelay(producer, "", nil)

	require.NoError(t, relay.Publish(context.Background(), confirmedEvent("evt-1")))
	require.Len(t, producer.msgs, 1)

	msg := producer.msgs[0]
	assert.Equal(t, DefaultTopic, msg.Topic)
	assert.Equal(t, "res-1", string(msg.Key))
	assert.Contains(t, string(msg.Value), `"confirmation_number":"CNF-20261016-ABCD"`)

	decoded, err := DecodeMessage(msg)
	require.NoError(t, err)
	assertSameEvent(t, confirmedEvent("evt-1"), decoded)
}

func TestKafkaRelay_PublishError(t *testing.T) {
	relay := NewKafkaRelay(&fakeProducer{err: errors.New("leader not available")}, "events", nil)

	err := relay.Publish(context.Background(), confirmedEvent("evt-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evt-1")
	assert.Contains(t, err.Error(), "leader not available")
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	select {
	case r.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return io.EOF
}

func kafkaMessage(t *testing.T, offset int64, event model.DomainEvent) kafka.Message {
	t.Helper()
	msg, err := EncodeMessage(DefaultTopic, event)
	require.NoError(t, err)
	msg.Offset = offset
	return msg
}

func runUntilDrained(t *testing.T, c *KafkaConsumer, reader *fakeReader) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	return <-done
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaConsumer_RetriesUntilDelivered(t *testing.T) {
	malformed := kafka.Message{Topic: DefaultTopic, Offset: 12, Value: []byte("{}")}
	reader := &fakeReader{queue: []kafka.Message{
		kafkaMessage(t, 10, confirmedEvent("evt-1")),
		kafkaMessage(t, 11, confirmedEvent("evt-2")),
		malformed,
	}, drained: make(chan struct{}, 1)}
	sink := &recordingSink{failures: map[string]int{"evt-1": 2}}
	dead := &fakeProducer{}

	c := NewKafkaConsumer(reader, sink, KafkaConsumerConfig{DeadLetter: dead}, nil)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	require.NoError(t, runUntilDrained(t, c, reader))

	assert.Equal(t, []string{"evt-1", "evt-2"}, sink.ids())
	assert.Equal(t, 3, sink.attemptsFor("evt-1"))
	assert.Equal(t, []int64{10, 11, 12}, reader.committed)
	assert.True(t, reader.closed)

	require.Len(t, dead.msgs, 1)
	assert.Equal(t, DefaultDeadLetterTopic, dead.msgs[0].Topic)
	assert.Equal(t, DefaultTopic+"/0/12", header(dead.msgs[0], FieldSourceMessageID))
	assert.Contains(t, header(dead.msgs[0], FieldDeadLetterReason), "malformed")
}

func TestKafkaConsumer_ParksAfterMaxAttempts(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		kafkaMessage(t, 10, confirmedEvent("evt-1")),
		kafkaMessage(t, 11, confirmedEvent("evt-2")),
	}, drained: make(chan struct{}, 1)}
	sink := &recordingSink{failures: map[string]int{"evt-1": 1000}}
	dead := &fakeProducer{}

	c := NewKafkaConsumer(reader, sink, KafkaConsumerConfig{MaxAttempts: 4, DeadLetter: dead, DeadLetterTopic: "events.dead"}, nil)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	require.NoError(t, runUntilDrained(t, c, reader))

	assert.Equal(t, 4, sink.attemptsFor("evt-1"))
	assert.Equal(t, []string{"evt-2"}, sink.ids())
	assert.Equal(t, []int64{10, 11}, reader.committed)

	require.Len(t, dead.msgs, 1)
	parked := dead.msgs[0]
	assert.Equal(t, "events.dead", parked.Topic)
	assert.Equal(t, "res-1", string(parked.Key))
	assert.Contains(t, header(parked, FieldDeadLetterReason), "subscriber down")

	// the parked copy still decodes to the original event
	decoded, err := DecodeMessage(parked)
	require.NoError(t, err)
	assertSameEvent(t, confirmedEvent("evt-1"), decoded)
}

func TestKafkaConsumer_ParksUnprocessableWithoutRetry(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		kafkaMessage(t, 10, confirmedEvent("evt-1")),
		kafkaMessage(t, 11, confirmedEvent("evt-2")),
	}, drained: make(chan struct{}, 1)}
	sink := &recordingSink{unprocessable: map[string]bool{"evt-1": true}}
	dead := &fakeProducer{}

	c := NewKafkaConsumer(reader, sink, KafkaConsumerConfig{MaxAttempts: 10, DeadLetter: dead}, nil)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	require.NoError(t, runUntilDrained(t, c, reader))

	assert.Equal(t, 1, sink.attemptsFor("evt-1"))
	assert.Equal(t, []string{"evt-2"}, sink.ids())
	assert.Equal(t, []int64{10, 11}, reader.committed)
	require.Len(t, dead.msgs, 1)
	assert.Contains(t, header(dead.msgs[0], FieldDeadLetterReason), "unprocessable event")
}

func TestKafkaConsumer_StopsWhenParkingFails(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		kafkaMessage(t, 10, confirmedEvent("evt-1")),
		kafkaMessage(t, 11, confirmedEvent("evt-2")),
	}, drained: make(chan struct{}, 1)}
	sink := &recordingSink{unprocessable: map[string]bool{"evt-1": true}}

	c := NewKafkaConsumer(reader, sink, KafkaConsumerConfig{DeadLetter: &fakeProducer{err: errors.New("leader not available")}}, nil)

	err := runUntilDrained(t, c, reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
	assert.Empty(t, reader.committed)
	assert.Empty(t, sink.ids())
	assert.True(t, reader.closed)
}

func TestKafkaConsumer_UnknownPaymentDoesNotBlockPartition(t *testing.T) {
	payments := adapter.NewMemoryPaymentGateway()
	payments.Seed(&port.Payment{
		PaymentReference: "pay_2",
		ReservationID:    "res-2",
		Amount:           model.MustMoney("748.00", model.CurrencyUSD),
		Status:           port.PaymentStatusRequiresConfirmation,
	})
	publisher := service.NewEventPublisher(nil)
	subscriber.Register(publisher, subscriber.Dependencies{
		Availability:  adapter.NewMemoryRoomInventory(nil, nil),
		Payments:      payments,
		Notifications: adapter.NewLogNotificationSender(nil),
	}, subscriber.NewMemoryInbox(), nil)

	unknown := confirmedEventFor("evt-1", "res-1")
	known := confirmedEventFor("evt-2", "res-2")
	body := known.Payload.(model.ReservationConfirmed)
	body.PaymentReference = "pay_2"
	known.Payload = body

	reader := &fakeReader{queue: []kafka.Message{
		kafkaMessage(t, 10, unknown),
		kafkaMessage(t, 11, known),
	}, drained: make(chan struct{}, 1)}
	dead := &fakeProducer{}
	c := NewKafkaConsumer(reader, publisher, KafkaConsumerConfig{DeadLetter: dead}, nil)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	require.NoError(t, runUntilDrained(t, c, reader))

	assert.Equal(t, []int64{10, 11}, reader.committed)
	require.Len(t, dead.msgs, 1)
	assert.Equal(t, "res-1", string(dead.msgs[0].Key))
	assert.Contains(t, header(dead.msgs[0], FieldDeadLetterReason), "payment not found")

	captured, err := payments.GetPayment(context.Background(), "pay_2")
	require.NoError(t, err)
	assert.Equal(t, port.PaymentStatusSucceeded, captured.Status)
}
