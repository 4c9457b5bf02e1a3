package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/reservation-core/internal/clock"
	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/repository"
)

// DispatcherConfig holds the outbox polling and retry settings.
type DispatcherConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	MaxRetries      int
	DeliveryTimeout time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	Partition       int
	Partitions      int
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultDispatcherConfig returns the settings used when none are configured.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:    time.Second,
		BatchSize:       100,
		Workers:         8,
		MaxRetries:      10,
		DeliveryTimeout: 10 * time.Second,
		BackoffInitial:  time.Second,
		BackoffMax:      10 * time.Minute,
		Partitions:      1,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// OutboxServiceImpl implements OutboxService. It is the dispatcher of the transactional outbox.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	txManager  repository.TransactionManager
	sink       EventSink
	clock      clock.Clock
	cfg        DispatcherConfig
	logger     *slog.Logger
}

var _ OutboxService = (*OutboxServiceImpl)(nil)

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	txManager repository.TransactionManager,
	sink EventSink,
	clk clock.Clock,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *OutboxServiceImpl {
	def := DefaultDispatcherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		txManager:  txManager,
		sink:       sink,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProcessUnpublishedEvents processes unpublished outbox events.
//
// The batch is locked in one transaction. Records are grouped by aggregate; groups are
// delivered concurrently, the records of a group in sequence order. The first failure
// in a group defers the rest of that group to a later batch.
func (s *OutboxServiceImpl) ProcessUnpublishedEvents(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}

	return s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		records, err := s.outboxRepo.LockPending(ctx, model.OutboxQuery{
			Limit:      limit,
			Now:        s.clock.Now(),
			Partition:  s.cfg.Partition,
			Partitions: s.cfg.Partitions,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		// The transaction's connection serves one statement at a time.
		var repoMu sync.Mutex
		marks := func(fn func() error) error {
			repoMu.Lock()
			defer repoMu.Unlock()
			return fn()
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)
		for _, group := range groupByAggregate(records) {
			g.Go(func() error {
				return s.dispatchGroup(gctx, group, marks)
			})
		}

		return g.Wait()
	})
}

func (s *OutboxServiceImpl) dispatchGroup(ctx context.Context, group []*model.OutboxRecord, marks func(func() error) error) error {
	for _, rec := range group {
		deliveryErr := s.deliver(ctx, rec)
		if deliveryErr == nil {
			if err := marks(func() error { return s.outboxRepo.MarkProcessed(ctx, rec.EventID, s.clock.Now()) }); err != nil {
				return err
			}
			s.logger.Debug("event published",
				slog.String("event_id", rec.EventID),
				slog.String("event_type", string(rec.EventType)),
				slog.String("aggregate_id", rec.AggregateID),
			)
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		failure := s.failure(rec, deliveryErr)
		if err := marks(func() error { return s.outboxRepo.MarkFailed(ctx, failure) }); err != nil {
			return err
		}

		attrs := []any{
			slog.String("event_id", rec.EventID),
			slog.String("event_type", string(rec.EventType)),
			slog.String("aggregate_id", rec.AggregateID),
			slog.Int("attempt", rec.RetryCount+1),
			slog.String("error", deliveryErr.Error()),
		}
		if failure.Poisoned {
			s.logger.Error("event poisoned after exhausting retries, manual intervention required", attrs...)
		} else {
			s.logger.Warn("event delivery failed, will retry",
				append(attrs, slog.Time("next_attempt_at", failure.NextAttemptAt))...)
		}

		return nil
	}

	return nil
}

func (s *OutboxServiceImpl) deliver(ctx context.Context, rec *model.OutboxRecord) error {
	event, err := rec.Event()
	if err != nil {
		return backoff.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	return s.sink.Publish(ctx, event)
}

// failure decides what happens after a failed attempt. Records that cannot be decoded or
// that a subscriber reports as unprocessable are poisoned immediately.
func (s *OutboxServiceImpl) failure(rec *model.OutboxRecord, deliveryErr error) model.OutboxFailure {
	attempts := rec.RetryCount + 1
	var permanent *backoff.PermanentError
	permanentErr := errors.As(deliveryErr, &permanent) || errors.Is(deliveryErr, model.ErrUnprocessableEvent)

	return model.OutboxFailure{
		EventID:       rec.EventID,
		Error:         deliveryErr.Error(),
		NextAttemptAt: s.clock.Now().Add(s.RetryDelay(attempts)),
		Poisoned:      attempts >= s.cfg.MaxRetries || permanentErr,
	}
}

// RetryDelay is the wait before the next attempt after the given number of failed attempts:
// BackoffInitial doubling per attempt, capped at BackoffMax.
func (s *OutboxServiceImpl) RetryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cfg.BackoffMax,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Run polls the outbox on PollInterval and deletes old processed records on CleanupInterval
// until ctx is done.
func (s *OutboxServiceImpl) Run(ctx context.Context) error {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	s.logger.Info("outbox dispatcher started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Int("workers", s.cfg.Workers),
		slog.Int("partition", s.cfg.Partition),
		slog.Int("partitions", s.cfg.Partitions),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox dispatcher stopped")
			return nil
		case <-poll.C:
			if err := s.ProcessUnpublishedEvents(ctx, s.cfg.BatchSize); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to process outbox events", slog.String("error", err.Error()))
			}
		case <-cleanup.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to clean up outbox", slog.String("error", err.Error()))
			}
		}
	}
}

// Cleanup deletes processed records older than the retention.
func (s *OutboxServiceImpl) Cleanup(ctx context.Context) (int64, error) {
	deleted, err := s.outboxRepo.DeleteProcessed(ctx, s.clock.Now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("deleted processed outbox records", slog.Int64("count", deleted))
	}
	return deleted, nil
}

// ListPoisoned returns records waiting for manual intervention.
func (s *OutboxServiceImpl) ListPoisoned(ctx context.Context, limit int) ([]*model.OutboxRecord, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	return s.outboxRepo.ListPoisoned(ctx, limit)
}

// Requeue makes a poisoned record deliverable again, which also releases the records
// of the same aggregate queued behind it.
func (s *OutboxServiceImpl) Requeue(ctx context.Context, eventID string) error {
	if err := s.outboxRepo.Requeue(ctx, eventID, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", eventID, err)
	}
	s.logger.Info("poisoned event requeued", slog.String("event_id", eventID))
	return nil
}

// groupByAggregate splits records by aggregate id keeping sequence order inside each group.
func groupByAggregate(records []*model.OutboxRecord) [][]*model.OutboxRecord {
	index := make(map[string]int)
	var groups [][]*model.OutboxRecord
	for _, rec := range records {
		i, ok := index[rec.AggregateID]
		if !ok {
			i = len(groups)
			index[rec.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}
