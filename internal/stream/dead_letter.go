package stream

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/redis/rueidis"
)

// DefaultDeadLetterStream is the Redis stream parked entries are appended to.
const DefaultDeadLetterStream = "reservation:events:dead"

// DefaultDeadLetterTopic is the Kafka topic parked messages are written to.
const DefaultDeadLetterTopic = "reservation.events.dead"

// Dead-letter fields added next to the original event fields.
const (
	FieldDeadLetterReason = "dead_letter_reason"
	FieldSourceMessageID  = "source_message_id"
)

// DeadLetter parks messages that cannot be delivered so the consumer can move past them.
type DeadLetter interface {
	Park(ctx context.Context, messageID string, fields map[string]string, reason error) error
}

// RedisDeadLetter appends parked entries to a Redis stream, keeping the original fields so
// an operator can replay them with XADD.
type RedisDeadLetter struct {
	client    rueidis.Client
	streamKey string
	logger    *slog.Logger
}

var _ DeadLetter = (*RedisDeadLetter)(nil)

func NewRedisDeadLetter(client rueidis.Client, streamKey string, logger *slog.Logger) *RedisDeadLetter {
	if streamKey == "" {
		streamKey = DefaultDeadLetterStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDeadLetter{client: client, streamKey: streamKey, logger: logger}
}

func (d *RedisDeadLetter) Park(ctx context.Context, messageID string, fields map[string]string, reason error) error {
	fv := d.client.B().Xadd().Key(d.streamKey).Id("*").FieldValue()
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		fv = fv.FieldValue(name, fields[name])
	}
	fv = fv.FieldValue(FieldSourceMessageID, messageID).FieldValue(FieldDeadLetterReason, reason.Error())

	id, err := d.client.Do(context.WithoutCancel(ctx), fv.Build()).ToString()
	if err != nil {
		return fmt.Errorf("failed to park message %s on %s: %w", messageID, d.streamKey, err)
	}

	d.logger.Info("parked message",
		slog.String("stream", d.streamKey),
		slog.String("message_id", messageID),
		slog.String("dead_letter_id", id),
	)
	return nil
}

type discardDeadLetter struct {
	logger *slog.Logger
}

func (d discardDeadLetter) Park(_ context.Context, messageID string, _ map[string]string, _ error) error {
	d.logger.Warn("no dead letter configured, dropping message", slog.String("message_id", messageID))
	return nil
}
