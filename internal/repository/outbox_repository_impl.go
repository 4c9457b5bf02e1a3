package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/reservation-core/internal/model"
)

const outboxColumns = `sequence, event_id, event_type, aggregate_id, payload, occurred_on, created_at, processed_at,
	retry_count, last_error, next_attempt_at, status`

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{pool: pool}
}

// Append inserts outbox records.
func (r *OutboxRepositoryImpl) Append(ctx context.Context, records []*model.OutboxRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	queueOutboxInserts(batch, records)

	return execBatch(ctx, querier(ctx, r.pool), batch)
}

func queueOutboxInserts(batch *pgx.Batch, records []*model.OutboxRecord) {
	for _, rec := range records {
		batch.Queue(`
INSERT INTO outbox (event_id, event_type, aggregate_id, payload, occurred_on, created_at, next_attempt_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.EventID, string(rec.EventType), rec.AggregateID, rec.Payload, rec.OccurredOn, rec.CreatedAt,
			rec.NextAttemptAt, string(model.OutboxStatusPending),
		)
	}
}

// outboxLockNamespace is the first key of the per-aggregate advisory locks.
const outboxLockNamespace = 7460

// LockPending selects a batch of due records for this dispatcher's partition.
//
// Aggregates are claimed first: an aggregate qualifies when its oldest undelivered record
// is due, and it is claimed with a transaction-scoped advisory lock so dispatchers sharing
// a partition never work on the same aggregate at once. The records of the claimed
// aggregates are then read in a second statement, which sees every delivery committed
// before the claim. A record is held back while an earlier record of the same aggregate
// is waiting for its backoff or is poisoned.
func (r *OutboxRepositoryImpl) LockPending(ctx context.Context, query model.OutboxQuery) ([]*model.OutboxRecord, error) {
	q := querier(ctx, r.pool)

	rows, err := q.Query(ctx, `
SELECT h.aggregate_id
FROM (
	SELECT o.aggregate_id
	FROM outbox o
	WHERE o.status = 'pending'
		AND o.next_attempt_at <= $1
		AND ($2::int <= 1 OR ((hashtext(o.aggregate_id)::bigint % $2::int) + $2::int) % $2::int = $3::int)
		AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = o.aggregate_id
				AND p.sequence < o.sequence
				AND p.status <> 'processed'
		)
	ORDER BY o.sequence
	LIMIT $4
) h
WHERE pg_try_advisory_xact_lock($5::int, hashtext(h.aggregate_id))`,
		query.Now, query.Partitions, query.Partition, query.Limit, outboxLockNamespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox aggregates: %w", err)
	}
	aggregateIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox aggregates: %w", err)
	}
	if len(aggregateIDs) == 0 {
		return nil, nil
	}

	rows, err = q.Query(ctx, `
SELECT `+outboxColumns+`
FROM outbox o
WHERE o.aggregate_id = ANY($1)
	AND o.status = 'pending'
	AND o.next_attempt_at <= $2
	AND NOT EXISTS (
		SELECT 1 FROM outbox p
		WHERE p.aggregate_id = o.aggregate_id
			AND p.sequence < o.sequence
			AND (p.status = 'poisoned' OR (p.status = 'pending' AND p.next_attempt_at > $2))
	)
ORDER BY o.sequence
LIMIT $3
FOR UPDATE OF o`,
		aggregateIDs, query.Now, query.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock pending outbox records: %w", err)
	}
	defer rows.Close()

	return collectOutboxRecords(rows)
}

// MarkProcessed marks an outbox record as delivered.
func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	tag, err := querier(ctx, r.pool).Exec(ctx, `
UPDATE outbox SET status = 'processed', processed_at = $2, last_error = ''
WHERE event_id = $1`, eventID, processedAt)
	if err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrOutboxRecordNotFound, eventID)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one, or poisons the record.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, failure model.OutboxFailure) error {
	status := model.OutboxStatusPending
	if failure.Poisoned {
		status = model.OutboxStatusPoisoned
	}

	tag, err := querier(ctx, r.pool).Exec(ctx, `
UPDATE outbox SET retry_count = retry_count + 1, last_error = $2, next_attempt_at = $3, status = $4
WHERE event_id = $1`, failure.EventID, failure.Error, failure.NextAttemptAt, string(status))
	if err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", failure.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrOutboxRecordNotFound, failure.EventID)
	}
	return nil
}

// ListPoisoned returns poisoned records oldest first.
func (r *OutboxRepositoryImpl) ListPoisoned(ctx context.Context, limit int) ([]*model.OutboxRecord, error) {
	rows, err := querier(ctx, r.pool).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = 'poisoned' ORDER BY sequence LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list poisoned outbox records: %w", err)
	}
	defer rows.Close()

	return collectOutboxRecords(rows)
}

// Requeue resets a poisoned record.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, eventID string, at time.Time) error {
	tag, err := querier(ctx, r.pool).Exec(ctx, `
UPDATE outbox SET status = 'pending', retry_count = 0, last_error = '', next_attempt_at = $2
WHERE event_id = $1 AND status = 'poisoned'`, eventID, at)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no poisoned record %s", model.ErrOutboxRecordNotFound, eventID)
	}
	return nil
}

// DeleteProcessed removes delivered records processed before the cutoff.
func (r *OutboxRepositoryImpl) DeleteProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := querier(ctx, r.pool).Exec(ctx,
		`DELETE FROM outbox WHERE status = 'processed' AND processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed outbox records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectOutboxRecords(rows pgx.Rows) ([]*model.OutboxRecord, error) {
	var records []*model.OutboxRecord
	for rows.Next() {
		var (
			rec       model.OutboxRecord
			eventType string
			status    string
		)
		if err := rows.Scan(&rec.Sequence, &rec.EventID, &eventType, &rec.AggregateID, &rec.Payload, &rec.OccurredOn,
			&rec.CreatedAt, &rec.ProcessedAt, &rec.RetryCount, &rec.LastError, &rec.NextAttemptAt, &status); err != nil {
			return nil, err
		}
		rec.EventType = model.EventType(eventType)
		rec.Status = model.OutboxStatus(status)
		records = append(records, &rec)
	}
	return records, rows.Err()
}
