package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/service"
)

const (
	redisBlockTimeout  = 1000 // milliseconds
	errorRetryDelay    = 1 * time.Second
	defaultReadCount   = 10
	defaultMaxAttempts = 5
)

// RedisConsumer reads a Redis stream through a consumer group and hands each event to a
// sink, usually the in-process EventPublisher. Entries are acknowledged only after the
// sink accepted them; failed entries stay pending and are re-read from the backlog. An
// entry that fails MaxAttempts times, or that the sink reports as unprocessable, is parked
// on the dead letter and acknowledged.
type RedisConsumer struct {
	client      rueidis.Client
	sink        service.EventSink
	deadLetter  DeadLetter
	streamKey   string
	group       string
	consumer    string
	count       int64
	maxAttempts int
	attempts    map[string]int
	logger      *slog.Logger
}

// RedisConsumerConfig names the stream position a consumer reads from and where entries
// go once they run out of attempts.
type RedisConsumerConfig struct {
	StreamKey   string
	Group       string
	Consumer    string
	Count       int64
	MaxAttempts int
	DeadLetter  DeadLetter
}

func NewRedisConsumer(client rueidis.Client, sink service.EventSink, cfg RedisConsumerConfig, logger *slog.Logger) *RedisConsumer {
	if cfg.StreamKey == "" {
		cfg.StreamKey = DefaultStreamKey
	}
	if cfg.Count <= 0 {
		cfg.Count = defaultReadCount
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeadLetter == nil {
		cfg.DeadLetter = discardDeadLetter{logger: logger}
	}
	return &RedisConsumer{
		client:      client,
		sink:        sink,
		deadLetter:  cfg.DeadLetter,
		streamKey:   cfg.StreamKey,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		count:       cfg.Count,
		maxAttempts: cfg.MaxAttempts,
		attempts:    make(map[string]int),
		logger:      logger,
	}
}

// EnsureGroup creates the consumer group and the stream if missing.
func (c *RedisConsumer) EnsureGroup(ctx context.Context) error {
	cmd := c.client.B().XgroupCreate().Key(c.streamKey).Group(c.group).Id("0").Mkstream().Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		if isBusyGroup(err) {
			return nil
		}
		return err
	}
	return nil
}

// Run consumes until ctx is cancelled. The consumer's own pending entries are replayed
// first, and again after any entry fails.
func (c *RedisConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	c.logger.Info("starting stream consumer",
		slog.String("stream", c.streamKey),
		slog.String("group", c.group),
		slog.String("consumer", c.consumer),
	)

	backlog := true
	for {
		if ctx.Err() != nil {
			c.logger.Info("stream consumer stopped")
			return nil
		}

		id := ">"
		if backlog {
			id = "0"
		}

		entries, err := c.read(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("error consuming messages", slog.String("error", err.Error()))
			sleep(ctx, errorRetryDelay)
			continue
		}

		if backlog && len(entries) == 0 {
			backlog = false
			continue
		}

		acked, unacked := c.handleEntries(ctx, entries)
		c.ack(ctx, acked)
		if unacked > 0 {
			backlog = true
			sleep(ctx, errorRetryDelay)
		}
	}
}

func (c *RedisConsumer) read(ctx context.Context, id string) ([]rueidis.XRangeEntry, error) {
	readCmd := c.client.B().Xreadgroup().Group(c.group, c.consumer).
		Count(c.count).
		Block(redisBlockTimeout).
		Streams().
		Key(c.streamKey).
		Id(id).
		Build()

	result := c.client.Do(ctx, readCmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}

	streams, err := result.AsXRead()
	if err != nil {
		return nil, err
	}
	return streams[c.streamKey], nil
}

// handleEntries delivers entries in stream order and returns the IDs safe to acknowledge
// along with the number left pending. Once an entry of an aggregate fails, the later
// entries of that aggregate in the batch are held back so the backlog retry replays them
// in order.
func (c *RedisConsumer) handleEntries(ctx context.Context, entries []rueidis.XRangeEntry) ([]string, int) {
	var (
		acked   []string
		unacked int
	)
	blocked := make(map[string]bool)
	for _, entry := range entries {
		event, err := DecodeEvent(entry.FieldValues)
		if err != nil {
			if c.park(ctx, entry, err) {
				acked = append(acked, entry.ID)
			} else {
				unacked++
			}
			continue
		}

		if blocked[event.AggregateID] {
			unacked++
			continue
		}

		if err := c.sink.Publish(ctx, event); err != nil {
			c.attempts[entry.ID]++
			attempt := c.attempts[entry.ID]
			if errors.Is(err, model.ErrUnprocessableEvent) || attempt >= c.maxAttempts {
				if c.park(ctx, entry, err) {
					acked = append(acked, entry.ID)
					continue
				}
			} else {
				c.logger.Warn("failed to process message, will retry",
					slog.String("message_id", entry.ID),
					slog.String("event_id", event.EventID),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			}
			blocked[event.AggregateID] = true
			unacked++
			continue
		}

		delete(c.attempts, entry.ID)
		acked = append(acked, entry.ID)
	}
	return acked, unacked
}

// park moves entry to the dead letter and reports whether it may be acknowledged.
func (c *RedisConsumer) park(ctx context.Context, entry rueidis.XRangeEntry, reason error) bool {
	c.logger.Error("parking message on dead letter, manual intervention required",
		slog.String("message_id", entry.ID),
		slog.String("event_id", entry.FieldValues[FieldEventID]),
		slog.Int("attempts", c.attempts[entry.ID]),
		slog.String("error", reason.Error()),
	)
	if err := c.deadLetter.Park(ctx, entry.ID, entry.FieldValues, reason); err != nil {
		c.logger.Error("failed to park message",
			slog.String("message_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	delete(c.attempts, entry.ID)
	return true
}

func (c *RedisConsumer) ack(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	ackCmd := c.client.B().Xack().Key(c.streamKey).Group(c.group).Id(ids...).Build()
	if err := c.client.Do(context.WithoutCancel(ctx), ackCmd).Error(); err != nil {
		c.logger.Error("failed to ACK messages",
			slog.Any("message_ids", ids),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Debug("ACKed messages", slog.Int("count", len(ids)))
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
