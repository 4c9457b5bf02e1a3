// Package main provides the outbox dispatcher that polls pending reservation events and
// publishes them to Redis Streams or Kafka.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"

	"github.com/jnst/reservation-core/internal/clock"
	"github.com/jnst/reservation-core/internal/config"
	"github.com/jnst/reservation-core/internal/logger"
	"github.com/jnst/reservation-core/internal/repository"
	"github.com/jnst/reservation-core/internal/service"
	"github.com/jnst/reservation-core/internal/stream"
)

const (
	signalBufferSize = 1
	exitCode         = 1
)

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err := repository.ApplySchema(ctx, dbPool); err != nil {
		dbPool.Close()
		return nil, err
	}

	return dbPool, nil
}

// setupSink returns the configured event sink and a function releasing its connections.
func setupSink(cfg *config.Config, log *slog.Logger) (service.EventSink, func(), error) {
	switch cfg.EventSink {
	case config.SinkKafka:
		writer := stream.NewKafkaWriter(cfg.KafkaBrokers)
		closeWriter := func() {
			if err := writer.Close(); err != nil {
				log.Error("failed to close kafka writer", slog.String("error", err.Error()))
			}
		}
		return stream.NewKafkaRelay(writer, cfg.KafkaTopic, log), closeWriter, nil
	case config.SinkRedis:
		redisClient, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.RedisAddr},
		})
		if err != nil {
			return nil, nil, err
		}
		return stream.NewRedisRelay(redisClient, cfg.StreamKey, log), redisClient.Close, nil
	default:
		return nil, nil, errors.New("unsupported event sink: " + cfg.EventSink)
	}
}

// runCommand handles the operator commands:
//
//	dispatcher poisoned          list events that exhausted their retries
//	dispatcher requeue <id>...   make poisoned events deliverable again
//	dispatcher cleanup           delete processed events past retention
func runCommand(ctx context.Context, outboxService service.OutboxService, args []string, log *slog.Logger) error {
	switch args[0] {
	case "poisoned":
		records, err := outboxService.ListPoisoned(ctx, 0)
		if err != nil {
			return err
		}
		for _, rec := range records {
			log.Info("poisoned event",
				slog.String("event_id", rec.EventID),
				slog.String("event_type", string(rec.EventType)),
				slog.String("aggregate_id", rec.AggregateID),
				slog.Int("retry_count", rec.RetryCount),
				slog.String("last_error", rec.LastError),
			)
		}
		return nil
	case "requeue":
		if len(args) < 2 {
			return errors.New("requeue needs at least one event id")
		}
		for _, id := range args[1:] {
			if err := outboxService.Requeue(ctx, id); err != nil {
				return err
			}
		}
		return nil
	case "cleanup":
		_, err := outboxService.Cleanup(ctx)
		return err
	default:
		return errors.New("unknown command " + args[0])
	}
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping dispatcher")
		cancel()
	}()

	return ctx, cancel
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", "dispatcher"))
	slog.SetDefault(log)

	ctx, cancel := setupSignalHandling()
	defer cancel()

	dbPool, err := setupDatabase(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	sink, closeSink, err := setupSink(cfg, log)
	if err != nil {
		log.Error("failed to set up event sink", slog.String("sink", cfg.EventSink), slog.String("error", err.Error()))
		dbPool.Close()
		os.Exit(exitCode)
	}
	defer closeSink()

	outboxService := service.NewOutboxServiceImpl(
		repository.NewOutboxRepositoryImpl(dbPool),
		repository.NewTransactionManagerImpl(dbPool),
		sink,
		clock.NewSystem(),
		cfg.Dispatcher(),
		log,
	)

	if len(os.Args) > 1 {
		if err := runCommand(ctx, outboxService, os.Args[1:], log); err != nil {
			log.Error("command failed", slog.String("command", os.Args[1]), slog.String("error", err.Error()))
			closeSink()
			dbPool.Close()
			os.Exit(exitCode)
		}
		return
	}

	log.Info("starting outbox dispatcher", slog.String("sink", cfg.EventSink))

	if err := outboxService.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("dispatcher stopped with error", slog.String("error", err.Error()))
		closeSink()
		dbPool.Close()
		os.Exit(exitCode)
	}
	log.Info("dispatcher stopped")
}
