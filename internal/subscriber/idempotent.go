// Package subscriber contains the handlers that keep inventory, billing and guest
// notifications consistent with reservation events, and the inbox that deduplicates
// redelivered events.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/service"
)

// DefaultLease bounds how long a claimed event may stay in progress before another
// delivery may take it over.
const DefaultLease = 30 * time.Second

// ErrInboxBusy is returned when another delivery of the same event is in progress.
var ErrInboxBusy = errors.New("event is being processed by another delivery")

// Inbox records which (subscriber, event) pairs have been handled.
type Inbox interface {
	// Begin claims key for lease. It reports false when key was already completed and
	// returns ErrInboxBusy while another claim holds it.
	Begin(ctx context.Context, key string, lease time.Duration) (bool, error)
	// Complete marks key as handled.
	Complete(ctx context.Context, key string) error
	// Abort drops a claim so a later delivery can retry.
	Abort(ctx context.Context, key string) error
}

// InboxKey identifies one handling of an event by a subscriber.
func InboxKey(subscriberName, eventID string) string {
	return "inbox:" + subscriberName + ":" + eventID
}

type idempotent struct {
	next   service.Subscriber
	inbox  Inbox
	lease  time.Duration
	logger *slog.Logger
}

// Idempotent wraps next so each event is handled at most once per subscriber, as long as
// the inbox remembers it.
func Idempotent(next service.Subscriber, inbox Inbox, logger *slog.Logger) service.Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &idempotent{next: next, inbox: inbox, lease: DefaultLease, logger: logger}
}

func (s *idempotent) Name() string { return s.next.Name() }

func (s *idempotent) Handle(ctx context.Context, event model.DomainEvent) error {
	key := InboxKey(s.next.Name(), event.EventID)

	fresh, err := s.inbox.Begin(ctx, key, s.lease)
	if err != nil {
		return fmt.Errorf("inbox claim %s: %w", key, err)
	}
	if !fresh {
		s.logger.Debug("duplicate event skipped",
			slog.String("subscriber", s.next.Name()),
			slog.String("event_id", event.EventID),
		)
		return nil
	}

	if err := s.next.Handle(ctx, event); err != nil {
		if abortErr := s.inbox.Abort(context.WithoutCancel(ctx), key); abortErr != nil {
			s.logger.Warn("failed to release inbox claim",
				slog.String("key", key),
				slog.String("error", abortErr.Error()),
			)
		}
		return err
	}

	return s.inbox.Complete(context.WithoutCancel(ctx), key)
}

type inboxEntry struct {
	done    bool
	expires time.Time
}

// MemoryInbox is an in-process Inbox.
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]inboxEntry
	now     func() time.Time
}

var _ Inbox = (*MemoryInbox)(nil)

// NewMemoryInbox creates an empty inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{entries: make(map[string]inboxEntry), now: time.Now}
}

func (i *MemoryInbox) Begin(_ context.Context, key string, lease time.Duration) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if e, ok := i.entries[key]; ok {
		if e.done {
			return false, nil
		}
		if now.Before(e.expires) {
			return false, ErrInboxBusy
		}
	}
	i.entries[key] = inboxEntry{expires: now.Add(lease)}
	return true, nil
}

func (i *MemoryInbox) Complete(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[key] = inboxEntry{done: true}
	return nil
}

func (i *MemoryInbox) Abort(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if e, ok := i.entries[key]; ok && !e.done {
		delete(i.entries, key)
	}
	return nil
}
