package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/service"
)

// DefaultTopic is the Kafka topic reservation events are written to.
const DefaultTopic = "reservation.events"

// Producer is the part of *kafka.Writer the relay needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Reader is the part of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer that hashes message keys so every event of one
// reservation lands on the same partition.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewKafkaReader returns a consumer-group reader for topic.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

// KafkaRelay publishes outbox events to a Kafka topic keyed by aggregate ID.
type KafkaRelay struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

var _ service.EventSink = (*KafkaRelay)(nil)

func NewKafkaRelay(producer Producer, topic string, logger *slog.Logger) *KafkaRelay {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaRelay{producer: producer, topic: topic, logger: logger}
}

func (r *KafkaRelay) Publish(ctx context.Context, event model.DomainEvent) error {
	msg, err := EncodeMessage(r.topic, event)
	if err != nil {
		return err
	}
	if err := r.producer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", event.EventID, r.topic, err)
	}

	r.logger.Debug("published event to topic",
		slog.String("topic", r.topic),
		slog.String("event_id", event.EventID),
		slog.String("event_type", string(event.EventType)),
	)
	return nil
}

// EncodeMessage builds the Kafka message for event. The payload is the value and the
// remaining fields travel as headers.
func EncodeMessage(topic string, event model.DomainEvent) (kafka.Message, error) {
	fields, err := EncodeEvent(event)
	if err != nil {
		return kafka.Message{}, err
	}

	msg := kafka.Message{Topic: topic, Key: []byte(event.AggregateID)}
	for _, f := range fields {
		if f.Name == FieldPayload {
			msg.Value = []byte(f.Value)
			continue
		}
		msg.Headers = append(msg.Headers, kafka.Header{Key: f.Name, Value: []byte(f.Value)})
	}
	return msg, nil
}

// DecodeMessage reverses EncodeMessage.
func DecodeMessage(msg kafka.Message) (model.DomainEvent, error) {
	fields := make(map[string]string, len(msg.Headers)+1)
	for _, h := range msg.Headers {
		fields[h.Key] = string(h.Value)
	}
	if msg.Value != nil {
		fields[FieldPayload] = string(msg.Value)
	}
	return DecodeEvent(fields)
}

// KafkaConsumer feeds messages from a consumer group into a sink. A message is committed
// after the sink accepts it; until then it is retried with exponential backoff, which
// holds back the rest of its partition. After MaxAttempts failures, or as soon as the
// sink reports the event as unprocessable, the message is copied to the dead-letter topic
// and committed.
type KafkaConsumer struct {
	reader          Reader
	sink            service.EventSink
	deadLetter      Producer
	deadLetterTopic string
	maxAttempts     int
	logger          *slog.Logger
	newBackOff      func() backoff.BackOff
}

// KafkaConsumerConfig bounds redelivery and names the dead-letter destination.
type KafkaConsumerConfig struct {
	MaxAttempts     int
	DeadLetter      Producer
	DeadLetterTopic string
}

func NewKafkaConsumer(reader Reader, sink service.EventSink, cfg KafkaConsumerConfig, logger *slog.Logger) *KafkaConsumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultDeadLetterTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{
		reader:          reader,
		sink:            sink,
		deadLetter:      cfg.DeadLetter,
		deadLetterTopic: cfg.DeadLetterTopic,
		maxAttempts:     cfg.MaxAttempts,
		logger:          logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopped")
				return nil
			}
			return err
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle returns nil once msg is delivered or parked and may be committed.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	event, err := DecodeMessage(msg)
	if err != nil {
		return c.park(ctx, msg, 0, err)
	}

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := c.sink.Publish(ctx, event)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, model.ErrUnprocessableEvent):
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Warn("failed to process message, retrying",
			slog.String("event_id", event.EventID),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.park(ctx, msg, attempts, fmt.Errorf("handle event %s: %w", event.EventID, err))
}

// park copies msg to the dead-letter topic. An error means msg must not be committed.
func (c *KafkaConsumer) park(ctx context.Context, msg kafka.Message, attempts int, reason error) error {
	c.logger.Error("parking message on dead-letter topic, manual intervention required",
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.Int("attempts", attempts),
		slog.String("error", reason.Error()),
	)
	if c.deadLetter == nil {
		return nil
	}

	parked := kafka.Message{
		Topic:   c.deadLetterTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: slices.Clone(msg.Headers),
	}
	parked.Headers = append(parked.Headers,
		kafka.Header{Key: FieldSourceMessageID, Value: []byte(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))},
		kafka.Header{Key: FieldDeadLetterReason, Value: []byte(reason.Error())},
	)
	if err := c.deadLetter.WriteMessages(context.WithoutCancel(ctx), parked); err != nil {
		return fmt.Errorf("failed to park offset %d on %s: %w", msg.Offset, c.deadLetterTopic, err)
	}
	return nil
}
