package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/reservation-core/internal/clock"
	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/repository"
)

// flakySink fails the first failures[eventID] deliveries of an event, or every delivery
// when the count is negative.
type flakySink struct {
	mu        sync.Mutex
	failures  map[string]int
	delivered []model.DomainEvent
}

func newFlakySink() *flakySink {
	return &flakySink{failures: make(map[string]int)}
}

func (s *flakySink) Publish(_ context.Context, event model.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.failures[event.EventID]; n != 0 {
		if n > 0 {
			s.failures[event.EventID] = n - 1
		}
		return errors.New("broker unavailable")
	}
	s.delivered = append(s.delivered, event)
	return nil
}

func (s *flakySink) failFor(eventID string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[eventID] = times
}

func (s *flakySink) deliveredFor(aggregateID string) []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EventType
	for _, e := range s.delivered {
		if e.AggregateID == aggregateID {
			out = append(out, e.EventType)
		}
	}
	return out
}

type dispatcherHarness struct {
	dispatcher *OutboxServiceImpl
	store      *repository.MemoryStore
	sink       *flakySink
	clock      *clock.Fixed
}

func newDispatcherHarness(t *testing.T, cfg DispatcherConfig) *dispatcherHarness {
	t.Helper()
	clk := clock.NewFixed(testNow)
	store := repository.NewMemoryStore(clk.Now)
	sink := newFlakySink()
	return &dispatcherHarness{
		dispatcher: NewOutboxServiceImpl(store, store, sink, clk, cfg, nil),
		store:      store,
		sink:       sink,
		clock:      clk,
	}
}

// seedReservation saves a confirmed reservation and returns its id and outbox event ids.
func (h *dispatcherHarness) seedReservation(t *testing.T, guestID string) (string, []string) {
	t.Helper()
	dr, err := model.NewDateRange(testNow.AddDate(0, 0, 7), testNow.AddDate(0, 0, 10), testNow)
	require.NoError(t, err)
	r, err := model.NewReservation(guestID, dr, []model.RoomBooking{{RoomTypeID: "deluxe-king", Quantity: 1}}, testNow)
	require.NoError(t, err)
	require.NoError(t, r.Confirm("pay_"+guestID, testNow))
	require.NoError(t, h.store.Save(context.Background(), r))

	var ids []string
	for _, rec := range h.store.Records(func(rec model.OutboxRecord) bool { return rec.AggregateID == r.ID() }, 0) {
		ids = append(ids, rec.EventID)
	}
	return r.ID(), ids
}

func (h *dispatcherHarness) record(t *testing.T, eventID string) *model.OutboxRecord {
	t.Helper()
	recs := h.store.Records(func(rec model.OutboxRecord) bool { return rec.EventID == eventID }, 1)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestOutboxService_DeliversInAggregateOrder(t *testing.T) {
	h := newDispatcherHarness(t, DispatcherConfig{Workers: 4})
	ctx := context.Background()

	var ids []string
	for _, g := range []string{"g1", "g2", "g3", "g4", "g5"} {
		id, _ := h.seedReservation(t, g)
		ids = append(ids, id)
	}

	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 0))

	for _, id := range ids {
		assert.Equal(t, []model.EventType{model.EventReservationCreated, model.EventReservationConfirmed}, h.sink.deliveredFor(id))
	}
	pending := h.store.Records(func(rec model.OutboxRecord) bool { return rec.Status != model.OutboxStatusProcessed }, 0)
	assert.Empty(t, pending)

	processed := h.store.Records(nil, 1)[0]
	require.NotNil(t, processed.ProcessedAt)
	assert.True(t, processed.ProcessedAt.Equal(testNow))
}

func TestOutboxService_RetriesWithBackoff(t *testing.T) {
	h := newDispatcherHarness(t, DispatcherConfig{BackoffInitial: time.Second, BackoffMax: time.Minute, MaxRetries: 5})
	ctx := context.Background()

	agg, events := h.seedReservation(t, "g1")
	other, _ := h.seedReservation(t, "g2")
	h.sink.failFor(events[0], 1)

	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))

	failed := h.record(t, events[0])
	assert.Equal(t, model.OutboxStatusPending, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "broker unavailable", failed.LastError)
	assert.True(t, failed.NextAttemptAt.Equal(testNow.Add(time.Second)))

	// the confirmation waits behind the failed creation; other aggregates are unaffected
	assert.Empty(t, h.sink.deliveredFor(agg))
	assert.Equal(t, model.OutboxStatusPending, h.record(t, events[1]).Status)
	assert.Len(t, h.sink.deliveredFor(other), 2)

	// not due yet
	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))
	assert.Empty(t, h.sink.deliveredFor(agg))

	h.clock.Advance(time.Second)
	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))
	assert.Equal(t, []model.EventType{model.EventReservationCreated, model.EventReservationConfirmed}, h.sink.deliveredFor(agg))
	assert.Empty(t, h.record(t, events[0]).LastError)
}

func TestOutboxService_PoisonsAfterMaxRetries(t *testing.T) {
	h := newDispatcherHarness(t, DispatcherConfig{BackoffInitial: time.Second, BackoffMax: time.Minute, MaxRetries: 3})
	ctx := context.Background()

	agg, events := h.seedReservation(t, "g1")
	h.sink.failFor(events[0], -1)

	for range 3 {
		require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))
		h.clock.Advance(time.Hour)
	}

	poisoned, err := h.dispatcher.ListPoisoned(ctx, 0)
	require.NoError(t, err)
	require.Len(t, poisoned, 1)
	assert.Equal(t, events[0], poisoned[0].EventID)
	assert.Equal(t, 3, poisoned[0].RetryCount)

	// later events of the aggregate stay behind the poisoned one
	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))
	assert.Empty(t, h.sink.deliveredFor(agg))
	assert.Equal(t, model.OutboxStatusPending, h.record(t, events[1]).Status)

	h.sink.failFor(events[0], 0)
	require.NoError(t, h.dispatcher.Requeue(ctx, events[0]))
	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))
	assert.Equal(t, []model.EventType{model.EventReservationCreated, model.EventReservationConfirmed}, h.sink.deliveredFor(agg))

	err = h.dispatcher.Requeue(ctx, events[0])
	require.ErrorIs(t, err, model.ErrOutboxRecordNotFound)
}

func TestOutboxService_PoisonsUndecodableRecords(t *testing.T) {
	h := newDispatcherHarness(t, DispatcherConfig{MaxRetries: 10})
	ctx := context.Background()

	require.NoError(t, h.store.Append(ctx, []*model.OutboxRecord{{
		EventID:       "evt-broken",
		EventType:     "ReservationArchived",
		AggregateID:   "res-x",
		Payload:       []byte(`{}`),
		OccurredOn:    testNow,
		CreatedAt:     testNow,
		NextAttemptAt: testNow,
		Status:        model.OutboxStatusPending,
	}}))

	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))

	rec := h.record(t, "evt-broken")
	assert.Equal(t, model.OutboxStatusPoisoned, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.LastError, "unknown event type")
}

type rejectingSink struct{}

func (rejectingSink) Publish(_ context.Context, event model.DomainEvent) error {
	return fmt.Errorf("%w: payment for %s is unknown", model.ErrUnprocessableEvent, event.AggregateID)
}

func TestOutboxService_PoisonsUnprocessableEvents(t *testing.T) {
	h := newDispatcherHarness(t, DispatcherConfig{MaxRetries: 10})
	h.dispatcher = NewOutboxServiceImpl(h.store, h.store, rejectingSink{}, h.clock, DispatcherConfig{MaxRetries: 10}, nil)
	ctx := context.Background()

	_, events := h.seedReservation(t, "g1")
	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 10))

	rec := h.record(t, events[0])
	assert.Equal(t, model.OutboxStatusPoisoned, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.LastError, "unprocessable event")
	assert.Equal(t, model.OutboxStatusPending, h.record(t, events[1]).Status)
}

func TestOutboxService_RetryDelay(t *testing.T) {
	h := newDispatcherHarness(t, DispatcherConfig{BackoffInitial: time.Second, BackoffMax: 10 * time.Second})

	tests := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second,
		9: 10 * time.Second,
	}
	for attempts, want := range tests {
		assert.Equal(t, want, h.dispatcher.RetryDelay(attempts), "attempts %d", attempts)
	}
}

func TestOutboxService_Partitions(t *testing.T) {
	ctx := context.Background()
	h := newDispatcherHarness(t, DispatcherConfig{})

	var aggregates []string
	for _, g := range []string{"g1", "g2", "g3", "g4", "g5", "g6", "g7", "g8"} {
		id, _ := h.seedReservation(t, g)
		aggregates = append(aggregates, id)
	}

	for p := 0; p < 3; p++ {
		d := NewOutboxServiceImpl(h.store, h.store, h.sink, h.clock, DispatcherConfig{Partition: p, Partitions: 3}, nil)
		require.NoError(t, d.ProcessUnpublishedEvents(ctx, 0))
	}

	for _, id := range aggregates {
		assert.Len(t, h.sink.deliveredFor(id), 2, "aggregate %s", id)
	}
}

func TestOutboxService_Cleanup(t *testing.T) {
	h := newDispatcherHarness(t, DispatcherConfig{Retention: 24 * time.Hour})
	ctx := context.Background()

	h.seedReservation(t, "g1")
	require.NoError(t, h.dispatcher.ProcessUnpublishedEvents(ctx, 0))

	deleted, err := h.dispatcher.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	h.clock.Advance(25 * time.Hour)
	_, pending := h.seedReservation(t, "g2")

	deleted, err = h.dispatcher.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
	assert.Len(t, h.store.Records(nil, 0), len(pending))
}

func TestOutboxService_Run(t *testing.T) {
	clk := clock.NewFixed(testNow)
	store := repository.NewMemoryStore(clk.Now)
	sink := newFlakySink()
	d := NewOutboxServiceImpl(store, store, sink, clk, DispatcherConfig{PollInterval: 5 * time.Millisecond}, nil)

	h := &dispatcherHarness{dispatcher: d, store: store, sink: sink, clock: clk}
	agg, _ := h.seedReservation(t, "g1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(sink.deliveredFor(agg)) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
