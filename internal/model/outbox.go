package model

import "time"

// OutboxStatus represents the delivery state of an outbox record.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	// OutboxStatusPoisoned marks a record that exhausted its retries and waits for manual intervention.
	OutboxStatusPoisoned OutboxStatus = "poisoned"
)

// OutboxRecord represents a domain event persisted for reliable delivery.
type OutboxRecord struct {
	Sequence      int64        `json:"sequence"`
	EventID       string       `json:"event_id"`
	EventType     EventType    `json:"event_type"`
	AggregateID   string       `json:"aggregate_id"`
	Payload       []byte       `json:"payload"`
	OccurredOn    time.Time    `json:"occurred_on"`
	CreatedAt     time.Time    `json:"created_at"`
	ProcessedAt   *time.Time   `json:"processed_at"`
	RetryCount    int          `json:"retry_count"`
	LastError     string       `json:"last_error,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	Status        OutboxStatus `json:"status"`
}

// NewOutboxRecord turns a pending domain event into an outbox record.
func NewOutboxRecord(event DomainEvent, createdAt time.Time) (*OutboxRecord, error) {
	payload, err := event.MarshalPayload()
	if err != nil {
		return nil, err
	}

	return &OutboxRecord{
		EventID:       event.EventID,
		EventType:     event.EventType,
		AggregateID:   event.AggregateID,
		Payload:       payload,
		OccurredOn:    event.OccurredOn,
		CreatedAt:     createdAt.UTC(),
		NextAttemptAt: createdAt.UTC(),
		Status:        OutboxStatusPending,
	}, nil
}

// Event decodes the record back into a domain event.
func (r *OutboxRecord) Event() (DomainEvent, error) {
	return DecodeEvent(r.EventID, r.EventType, r.AggregateID, r.OccurredOn, r.Payload)
}

// IsDue reports whether the record is pending and its backoff has elapsed.
func (r *OutboxRecord) IsDue(now time.Time) bool {
	return r.Status == OutboxStatusPending && !r.NextAttemptAt.After(now)
}

// OutboxQuery selects a batch of records for one dispatcher.
type OutboxQuery struct {
	Limit int
	Now   time.Time
	// Partition and Partitions split aggregates across dispatcher processes; Partitions <= 1 disables it.
	Partition  int
	Partitions int
}

// OutboxFailure describes a failed delivery attempt.
type OutboxFailure struct {
	EventID       string
	Error         string
	NextAttemptAt time.Time
	Poisoned      bool
}
