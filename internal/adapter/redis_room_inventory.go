package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

// DefaultHoldsKey is the Redis hash holding one room hold per reservation.
const DefaultHoldsKey = "inventory:holds"

// RedisRoomInventory implements port.RoomAvailability with the holds kept in a Redis hash,
// so the process that checks availability sees the holds placed by the consumers.
type RedisRoomInventory struct {
	client   rueidis.Client
	key      string
	capacity map[string]int
	now      func() time.Time
}

var _ port.RoomAvailability = (*RedisRoomInventory)(nil)

type holdJSON struct {
	DateRange model.DateRange     `json:"date_range"`
	Rooms     []model.RoomBooking `json:"rooms"`
	Expiry    time.Time           `json:"expiry"`
}

func encodeHold(h roomHold) (string, error) {
	data, err := json.Marshal(holdJSON{DateRange: h.dateRange, Rooms: h.rooms, Expiry: h.expiry.UTC()})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeHold(raw string) (roomHold, error) {
	var h holdJSON
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return roomHold{}, err
	}
	return roomHold{dateRange: h.DateRange, rooms: h.Rooms, expiry: h.Expiry}, nil
}

func NewRedisRoomInventory(client rueidis.Client, key string, capacity map[string]int, now func() time.Time) *RedisRoomInventory {
	if key == "" {
		key = DefaultHoldsKey
	}
	copied := make(map[string]int, len(capacity))
	for id, n := range capacity {
		copied[id] = n
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RedisRoomInventory{client: client, key: key, capacity: copied, now: now}
}

// CheckAvailability reads every hold and drops the expired ones on the way.
func (inv *RedisRoomInventory) CheckAvailability(ctx context.Context, dateRange model.DateRange, rooms []model.RoomBooking) (*port.Availability, error) {
	stored, err := inv.client.Do(ctx, inv.client.B().Hgetall().Key(inv.key).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read holds from %s: %w", inv.key, err)
	}

	now := inv.now()
	holds := make([]roomHold, 0, len(stored))
	var expired []string
	for reservationID, raw := range stored {
		h, err := decodeHold(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode hold of %s: %w", reservationID, err)
		}
		if !now.Before(h.expiry) {
			expired = append(expired, reservationID)
			continue
		}
		holds = append(holds, h)
	}

	if len(expired) > 0 {
		// best effort; an expired hold is ignored either way
		_ = inv.client.Do(ctx, inv.client.B().Hdel().Key(inv.key).Field(expired...).Build()).Error()
	}

	return availability(inv.capacity, holds, dateRange, rooms, now), nil
}

// HoldRooms replaces the hold of reservationID.
func (inv *RedisRoomInventory) HoldRooms(ctx context.Context, dateRange model.DateRange, rooms []model.RoomBooking, reservationID string, expiry time.Time) error {
	raw, err := encodeHold(roomHold{dateRange: dateRange, rooms: rooms, expiry: expiry})
	if err != nil {
		return err
	}

	cmd := inv.client.B().Hset().Key(inv.key).FieldValue().FieldValue(reservationID, raw).Build()
	if err := inv.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to hold rooms for %s: %w", reservationID, err)
	}
	return nil
}

// ReleaseRooms drops the hold of reservationID if any.
func (inv *RedisRoomInventory) ReleaseRooms(ctx context.Context, reservationID string) error {
	if err := inv.client.Do(ctx, inv.client.B().Hdel().Key(inv.key).Field(reservationID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to release rooms of %s: %w", reservationID, err)
	}
	return nil
}
