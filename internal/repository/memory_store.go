package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/jnst/reservation-core/internal/model"
)

type memoryTxKey struct{}

type storedEvent struct {
	event   model.DomainEvent
	payload []byte
	version int
}

// MemoryStore keeps reservations, their history and the outbox in process memory.
// It implements ReservationRepository over the state snapshots, OutboxRepository and
// TransactionManager; EventSourced exposes a repository that replays the history instead.
//
// Transactions serialize callers but do not roll back: every write is applied as soon as
// it succeeds. Save is atomic on its own.
type MemoryStore struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	reservations map[string]model.ReservationSnapshot
	history      map[string][]storedEvent
	outbox       []model.OutboxRecord
	sequence     int64
	now          func() time.Time
}

var (
	_ ReservationRepository = (*MemoryStore)(nil)
	_ OutboxRepository      = (*MemoryStore)(nil)
	_ TransactionManager    = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store. now stamps outbox records; nil uses the wall clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		reservations: make(map[string]model.ReservationSnapshot),
		history:      make(map[string][]storedEvent),
		now:          now,
	}
}

// WithTransaction serializes fn against other transactions of this store.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	return fn(context.WithValue(ctx, memoryTxKey{}, struct{}{}))
}

// Save implements ReservationRepository.
func (s *MemoryStore) Save(ctx context.Context, reservation *model.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	events := reservation.PendingEvents()
	if len(events) == 0 && reservation.Version() > 0 {
		return nil
	}

	snap := reservation.Snapshot()
	records := make([]model.OutboxRecord, 0, len(events))
	stored := make([]storedEvent, 0, len(events))
	createdAt := s.now()
	for _, e := range events {
		rec, err := model.NewOutboxRecord(e, createdAt)
		if err != nil {
			return err
		}
		records = append(records, *rec)
		stored = append(stored, storedEvent{event: e, payload: rec.Payload, version: snap.Version + 1})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.reservations[snap.ID]
	switch {
	case snap.Version == 0 && exists:
		return fmt.Errorf("%w: reservation %s already exists", model.ErrConcurrencyConflict, snap.ID)
	case snap.Version > 0 && !exists:
		return fmt.Errorf("%w: %s", model.ErrReservationNotFound, snap.ID)
	case snap.Version > 0 && current.Version != snap.Version:
		return fmt.Errorf("%w: reservation %s is at version %d, not %d",
			model.ErrConcurrencyConflict, snap.ID, current.Version, snap.Version)
	}

	snap.Version++
	snap.RoomBookings = append([]model.RoomBooking(nil), snap.RoomBookings...)
	s.reservations[snap.ID] = snap
	s.history[snap.ID] = append(s.history[snap.ID], stored...)
	s.appendLocked(records)

	reservation.MarkCommitted()

	return nil
}

// FindByID implements ReservationRepository over the state snapshots.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	snap, ok := s.reservations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrReservationNotFound, id)
	}

	return model.RestoreReservation(snap)
}

// FindByGuestID implements ReservationRepository over the state snapshots.
func (s *MemoryStore) FindByGuestID(ctx context.Context, guestID string) ([]*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var snaps []model.ReservationSnapshot
	for _, snap := range s.reservations {
		if snap.GuestID == guestID {
			snaps = append(snaps, snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})

	reservations := make([]*model.Reservation, 0, len(snaps))
	for _, snap := range snaps {
		r, err := model.RestoreReservation(snap)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}

	return reservations, nil
}

// EventSourced returns a repository over the same data that rebuilds aggregates from their history.
func (s *MemoryStore) EventSourced() ReservationRepository {
	return &memoryEventSourced{store: s}
}

// History returns the decoded event history of a reservation, oldest first.
func (s *MemoryStore) History(id string) ([]model.DomainEvent, error) {
	s.mu.RLock()
	stored := append([]storedEvent(nil), s.history[id]...)
	s.mu.RUnlock()

	events := make([]model.DomainEvent, 0, len(stored))
	for _, se := range stored {
		e, err := model.DecodeEvent(se.event.EventID, se.event.EventType, se.event.AggregateID, se.event.OccurredOn, se.payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

type memoryEventSourced struct {
	store *MemoryStore
}

func (r *memoryEventSourced) Save(ctx context.Context, reservation *model.Reservation) error {
	return r.store.Save(ctx, reservation)
}

func (r *memoryEventSourced) FindByID(ctx context.Context, id string) (*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	history, err := r.store.History(id)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrReservationNotFound, id)
	}

	r.store.mu.RLock()
	stored := r.store.history[id]
	version := stored[len(stored)-1].version
	r.store.mu.RUnlock()

	return model.ReplayReservation(history, version)
}

func (r *memoryEventSourced) FindByGuestID(ctx context.Context, guestID string) ([]*model.Reservation, error) {
	r.store.mu.RLock()
	type created struct {
		id string
		at time.Time
	}
	var ids []created
	for id, stored := range r.store.history {
		if len(stored) == 0 {
			continue
		}
		if p, ok := stored[0].event.Payload.(model.ReservationCreated); ok && p.GuestID == guestID {
			ids = append(ids, created{id: id, at: stored[0].event.OccurredOn})
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		if ids[i].at.Equal(ids[j].at) {
			return ids[i].id < ids[j].id
		}
		return ids[i].at.Before(ids[j].at)
	})

	reservations := make([]*model.Reservation, 0, len(ids))
	for _, c := range ids {
		reservation, err := r.FindByID(ctx, c.id)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

// Append implements OutboxRepository.
func (s *MemoryStore) Append(_ context.Context, records []*model.OutboxRecord) error {
	values := make([]model.OutboxRecord, 0, len(records))
	for _, rec := range records {
		values = append(values, *rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range values {
		for _, existing := range s.outbox {
			if existing.EventID == rec.EventID {
				return fmt.Errorf("%w: outbox record %s already exists", model.ErrConcurrencyConflict, rec.EventID)
			}
		}
	}
	s.appendLocked(values)

	return nil
}

func (s *MemoryStore) appendLocked(records []model.OutboxRecord) {
	for _, rec := range records {
		s.sequence++
		rec.Sequence = s.sequence
		rec.Status = model.OutboxStatusPending
		s.outbox = append(s.outbox, rec)
	}
}

// LockPending implements OutboxRepository with the same eligibility rules as the
// PostgreSQL implementation.
func (s *MemoryStore) LockPending(_ context.Context, query model.OutboxQuery) ([]*model.OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocked := make(map[string]bool)
	var out []*model.OutboxRecord
	for _, rec := range s.outbox {
		if rec.Status == model.OutboxStatusPoisoned {
			blocked[rec.AggregateID] = true
		}
	}
	for _, rec := range s.outbox {
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
		if rec.Status != model.OutboxStatusPending || blocked[rec.AggregateID] {
			continue
		}
		if !inPartition(rec.AggregateID, query.Partition, query.Partitions) {
			continue
		}
		if !rec.IsDue(query.Now) {
			// Later records of this aggregate wait for this one.
			blocked[rec.AggregateID] = true
			continue
		}
		copied := rec
		copied.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, &copied)
	}

	return out, nil
}

func inPartition(aggregateID string, partition, partitions int) bool {
	if partitions <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32()%uint32(partitions)) == partition
}

// MarkProcessed implements OutboxRepository.
func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string, processedAt time.Time) error {
	return s.update(eventID, func(rec *model.OutboxRecord) error {
		at := processedAt.UTC()
		rec.Status = model.OutboxStatusProcessed
		rec.ProcessedAt = &at
		rec.LastError = ""
		return nil
	})
}

// MarkFailed implements OutboxRepository.
func (s *MemoryStore) MarkFailed(_ context.Context, failure model.OutboxFailure) error {
	return s.update(failure.EventID, func(rec *model.OutboxRecord) error {
		rec.RetryCount++
		rec.LastError = failure.Error
		rec.NextAttemptAt = failure.NextAttemptAt.UTC()
		if failure.Poisoned {
			rec.Status = model.OutboxStatusPoisoned
		} else {
			rec.Status = model.OutboxStatusPending
		}
		return nil
	})
}

// ListPoisoned implements OutboxRepository.
func (s *MemoryStore) ListPoisoned(_ context.Context, limit int) ([]*model.OutboxRecord, error) {
	return s.Records(func(rec model.OutboxRecord) bool { return rec.Status == model.OutboxStatusPoisoned }, limit), nil
}

// Requeue implements OutboxRepository.
func (s *MemoryStore) Requeue(_ context.Context, eventID string, at time.Time) error {
	return s.update(eventID, func(rec *model.OutboxRecord) error {
		if rec.Status != model.OutboxStatusPoisoned {
			return fmt.Errorf("%w: no poisoned record %s", model.ErrOutboxRecordNotFound, eventID)
		}
		rec.Status = model.OutboxStatusPending
		rec.RetryCount = 0
		rec.LastError = ""
		rec.NextAttemptAt = at.UTC()
		return nil
	})
}

// DeleteProcessed implements OutboxRepository.
func (s *MemoryStore) DeleteProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.outbox[:0]
	var deleted int64
	for _, rec := range s.outbox {
		if rec.Status == model.OutboxStatusProcessed && rec.ProcessedAt != nil && rec.ProcessedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.outbox = kept

	return deleted, nil
}

// Records returns copies of the outbox records matching keep, in sequence order.
// A limit of zero returns every match.
func (s *MemoryStore) Records(keep func(model.OutboxRecord) bool, limit int) []*model.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.OutboxRecord
	for _, rec := range s.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep == nil || keep(rec) {
			copied := rec
			out = append(out, &copied)
		}
	}
	return out
}

func (s *MemoryStore) update(eventID string, fn func(rec *model.OutboxRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].EventID == eventID {
			return fn(&s.outbox[i])
		}
	}
	return fmt.Errorf("%w: %s", model.ErrOutboxRecordNotFound, eventID)
}
