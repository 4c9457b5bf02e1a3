package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/rueidis"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/service"
)

// DefaultStreamKey is the Redis stream reservation events are appended to.
const DefaultStreamKey = "reservation:events"

// RedisRelay publishes outbox events to a Redis stream.
type RedisRelay struct {
	client    rueidis.Client
	streamKey string
	logger    *slog.Logger
}

var _ service.EventSink = (*RedisRelay)(nil)

// NewRedisRelay creates a relay appending to streamKey.
func NewRedisRelay(client rueidis.Client, streamKey string, logger *slog.Logger) *RedisRelay {
	if streamKey == "" {
		streamKey = DefaultStreamKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, streamKey: streamKey, logger: logger}
}

// Publish appends event to the stream with XADD.
func (r *RedisRelay) Publish(ctx context.Context, event model.DomainEvent) error {
	fields, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	fv := r.client.B().Xadd().Key(r.streamKey).Id("*").FieldValue()
	for _, f := range fields {
		fv = fv.FieldValue(f.Name, f.Value)
	}

	id, err := r.client.Do(ctx, fv.Build()).ToString()
	if err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", event.EventID, r.streamKey, err)
	}

	r.logger.Debug("published event to stream",
		slog.String("stream", r.streamKey),
		slog.String("message_id", id),
		slog.String("event_id", event.EventID),
		slog.String("event_type", string(event.EventType)),
	)

	return nil
}
