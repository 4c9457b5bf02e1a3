package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, SinkRedis, cfg.EventSink)
	assert.Equal(t, "reservation:events", cfg.StreamKey)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 100, cfg.DispatcherBatchSize)
	assert.Equal(t, 10*time.Minute, cfg.DispatcherBackoffMax)
	assert.Equal(t, 168*time.Hour, cfg.OutboxRetention)
	assert.Equal(t, "0.1", cfg.TaxRate.String())

	d := cfg.Dispatcher()
	assert.Equal(t, 1, d.Partitions)
	assert.Equal(t, 8, d.Workers)
	assert.Equal(t, 3, cfg.ReservationService().ConflictMaxAttempts)
	assert.True(t, cfg.Rate().TaxRate.Equal(cfg.TaxRate))

	assert.Equal(t, 5, cfg.ConsumerMaxAttempts)
	assert.Equal(t, "reservation:events:dead", cfg.DeadLetterStream)
	assert.Equal(t, "reservation.events.dead", cfg.KafkaDeadLetterTopic)
	assert.Equal(t, map[string]int{"standard-queen": 20, "standard-twin": 20, "deluxe-king": 10, "suite": 4}, cfg.RoomCapacity)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("EVENT_SINK", "kafka")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("DISPATCHER_PARTITION", "2")
	t.Setenv("DISPATCHER_PARTITIONS", "4")
	t.Setenv("DISPATCHER_POLL_INTERVAL", "250ms")
	t.Setenv("TAX_RATE", "0.08")
	t.Setenv("CONSUMER_MAX_ATTEMPTS", "8")
	t.Setenv("ROOM_CAPACITY", "deluxe-king:3,suite:1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.ConsumerMaxAttempts)
	assert.Equal(t, map[string]int{"deluxe-king": 3, "suite": 1}, cfg.RoomCapacity)

	assert.Equal(t, SinkKafka, cfg.EventSink)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2, cfg.Dispatcher().Partition)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher().PollInterval)
	assert.Equal(t, "0.08", cfg.Rate().TaxRate.String())
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unknown sink",
			env:  map[string]string{"EVENT_SINK": "nats"},
			want: "EVENT_SINK",
		},
		{
			name: "partition out of range",
			env:  map[string]string{"DISPATCHER_PARTITION": "3", "DISPATCHER_PARTITIONS": "3"},
			want: "DISPATCHER_PARTITION must be in [0, 3)",
		},
		{
			name: "no partitions",
			env:  map[string]string{"DISPATCHER_PARTITIONS": "0"},
			want: "DISPATCHER_PARTITIONS",
		},
		{
			name: "backoff inverted",
			env:  map[string]string{"DISPATCHER_BACKOFF_INITIAL": "1h", "DISPATCHER_BACKOFF_MAX": "1m"},
			want: "DISPATCHER_BACKOFF_INITIAL",
		},
		{
			name: "negative tax",
			env:  map[string]string{"TAX_RATE": "-0.1"},
			want: "TAX_RATE",
		},
		{
			name: "no consumer attempts",
			env:  map[string]string{"CONSUMER_MAX_ATTEMPTS": "0"},
			want: "CONSUMER_MAX_ATTEMPTS",
		},
		{
			name: "negative capacity",
			env:  map[string]string{"ROOM_CAPACITY": "suite:-1"},
			want: "ROOM_CAPACITY for suite",
		},
		{
			name: "no conflict attempts",
			env:  map[string]string{"CONFLICT_MAX_ATTEMPTS": "0"},
			want: "CONFLICT_MAX_ATTEMPTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_ParseError(t *testing.T) {
	t.Setenv("DISPATCHER_WORKERS", "many")

	_, err := LoadConfig()
	require.Error(t, err)
}
