// Package main provides the consumer that feeds reservation events from Redis Streams or
// Kafka into the inventory, billing and notification handlers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/rueidis"

	"github.com/jnst/reservation-core/internal/adapter"
	"github.com/jnst/reservation-core/internal/config"
	"github.com/jnst/reservation-core/internal/logger"
	"github.com/jnst/reservation-core/internal/service"
	"github.com/jnst/reservation-core/internal/stream"
	"github.com/jnst/reservation-core/internal/subscriber"
)

const (
	signalBufferSize = 1
	exitCode         = 1
)

func setupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping consumer")
		cancel()
	}()

	return ctx, cancel
}

// runner is implemented by the Redis and Kafka consumers.
type runner interface {
	Run(ctx context.Context) error
}

// newRunner returns the consumer for the configured transport and a cleanup func.
func newRunner(cfg *config.Config, redisClient rueidis.Client, publisher *service.EventPublisher, log *slog.Logger) (runner, func()) {
	if cfg.EventSink == config.SinkKafka {
		reader := stream.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ConsumerGroup)
		deadLetter := stream.NewKafkaWriter(cfg.KafkaBrokers)
		consumer := stream.NewKafkaConsumer(reader, publisher, stream.KafkaConsumerConfig{
			MaxAttempts:     cfg.ConsumerMaxAttempts,
			DeadLetter:      deadLetter,
			DeadLetterTopic: cfg.KafkaDeadLetterTopic,
		}, log)
		return consumer, func() { _ = deadLetter.Close() }
	}

	return stream.NewRedisConsumer(redisClient, publisher, stream.RedisConsumerConfig{
		StreamKey:   cfg.StreamKey,
		Group:       cfg.ConsumerGroup,
		Consumer:    cfg.ConsumerName,
		MaxAttempts: cfg.ConsumerMaxAttempts,
		DeadLetter:  stream.NewRedisDeadLetter(redisClient, cfg.DeadLetterStream, log),
	}, log), func() {}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", "consumer"))
	slog.SetDefault(log)

	// the inbox, holds and payments live in Redis for both transports
	redisClient, err := setupRedisClient(cfg)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	publisher := service.NewEventPublisher(log)
	subscriber.Register(publisher, subscriber.Dependencies{
		Availability:  adapter.NewRedisRoomInventory(redisClient, adapter.DefaultHoldsKey, cfg.RoomCapacity, nil),
		Payments:      adapter.NewRedisPaymentGateway(redisClient, nil),
		Notifications: adapter.NewLogNotificationSender(log),
	}, stream.NewRedisInbox(redisClient, cfg.IdempotencyTTL), log)

	ctx, cancel := setupSignalHandling()
	defer cancel()

	log.Info("starting message consumer",
		slog.String("transport", cfg.EventSink),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	consumer, closeRunner := newRunner(cfg, redisClient, publisher, log)
	if err := consumer.Run(ctx); err != nil {
		log.Error("consumer stopped with error", slog.String("error", err.Error()))
		closeRunner()
		redisClient.Close()
		os.Exit(exitCode)
	}
	closeRunner()
	log.Info("consumer stopped")
}
