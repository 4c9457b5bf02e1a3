package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/reservation-core/internal/subscriber"
)

const (
	inboxProcessing = "processing"
	inboxDone       = "done"

	// DefaultInboxRetention is how long completed keys are remembered.
	DefaultInboxRetention = 7 * 24 * time.Hour
)

// RedisInbox keeps subscriber inbox keys in Redis so deduplication survives restarts and
// is shared by every consumer process.
type RedisInbox struct {
	client    rueidis.Client
	retention time.Duration
}

var _ subscriber.Inbox = (*RedisInbox)(nil)

func NewRedisInbox(client rueidis.Client, retention time.Duration) *RedisInbox {
	if retention <= 0 {
		retention = DefaultInboxRetention
	}
	return &RedisInbox{client: client, retention: retention}
}

// Begin claims key with SET NX PX. A lost race is resolved by reading the current value.
func (i *RedisInbox) Begin(ctx context.Context, key string, lease time.Duration) (bool, error) {
	claim := i.client.B().Set().Key(key).Value(inboxProcessing).Nx().PxMilliseconds(lease.Milliseconds()).Build()
	err := i.client.Do(ctx, claim).Error()
	if err == nil {
		return true, nil
	}
	if !rueidis.IsRedisNil(err) {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}

	state, err := i.client.Do(ctx, i.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			// lease expired between SET and GET
			return false, subscriber.ErrInboxBusy
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if state == inboxDone {
		return false, nil
	}
	return false, subscriber.ErrInboxBusy
}

func (i *RedisInbox) Complete(ctx context.Context, key string) error {
	cmd := i.client.B().Set().Key(key).Value(inboxDone).ExSeconds(int64(i.retention / time.Second)).Build()
	if err := i.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

func (i *RedisInbox) Abort(ctx context.Context, key string) error {
	if err := i.client.Do(ctx, i.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("abort %s: %w", key, err)
	}
	return nil
}
