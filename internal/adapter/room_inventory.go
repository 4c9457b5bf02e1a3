package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jnst/reservation-core/internal/model"
	"github.com/jnst/reservation-core/internal/port"
)

type roomHold struct {
	dateRange model.DateRange
	rooms     []model.RoomBooking
	expiry    time.Time
}

// MemoryRoomInventory implements port.RoomAvailability over a fixed number of rooms per type.
type MemoryRoomInventory struct {
	mu       sync.Mutex
	capacity map[string]int
	holds    map[string]roomHold
	now      func() time.Time
}

var _ port.RoomAvailability = (*MemoryRoomInventory)(nil)

// NewMemoryRoomInventory creates an inventory with the given number of rooms per room type.
func NewMemoryRoomInventory(capacity map[string]int, now func() time.Time) *MemoryRoomInventory {
	copied := make(map[string]int, len(capacity))
	for id, n := range capacity {
		copied[id] = n
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryRoomInventory{capacity: copied, holds: make(map[string]roomHold), now: now}
}

// CheckAvailability reports the room types that cannot take the requested quantity on
// some night of the stay.
func (inv *MemoryRoomInventory) CheckAvailability(ctx context.Context, dateRange model.DateRange, rooms []model.RoomBooking) (*port.Availability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	holds := make([]roomHold, 0, len(inv.holds))
	for _, h := range inv.holds {
		holds = append(holds, h)
	}
	return availability(inv.capacity, holds, dateRange, rooms, inv.now()), nil
}

// HoldRooms replaces the hold of reservationID.
func (inv *MemoryRoomInventory) HoldRooms(ctx context.Context, dateRange model.DateRange, rooms []model.RoomBooking, reservationID string, expiry time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.holds[reservationID] = roomHold{
		dateRange: dateRange,
		rooms:     append([]model.RoomBooking(nil), rooms...),
		expiry:    expiry,
	}
	return nil
}

// ReleaseRooms drops the hold of reservationID if any.
func (inv *MemoryRoomInventory) ReleaseRooms(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	delete(inv.holds, reservationID)
	return nil
}

// Held reports whether reservationID currently holds rooms.
func (inv *MemoryRoomInventory) Held(reservationID string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	h, ok := inv.holds[reservationID]
	return ok && inv.now().Before(h.expiry)
}

// availability reports the room types of rooms that would exceed capacity on some night
// of dateRange given the live holds.
func availability(capacity map[string]int, holds []roomHold, dateRange model.DateRange, rooms []model.RoomBooking, now time.Time) *port.Availability {
	requested := make(map[string]int)
	for _, b := range rooms {
		requested[b.RoomTypeID] += b.Quantity
	}

	var unavailable []string
	for roomType, qty := range requested {
		if peakHeld(holds, roomType, dateRange, now)+qty > capacity[roomType] {
			unavailable = append(unavailable, roomType)
		}
	}
	sort.Strings(unavailable)

	return &port.Availability{IsAvailable: len(unavailable) == 0, Unavailable: unavailable}
}

// peakHeld returns the highest number of rooms of roomType held on any night of dateRange.
func peakHeld(holds []roomHold, roomType string, dateRange model.DateRange, now time.Time) int {
	peak := 0
	for _, day := range dateRange.Days() {
		held := 0
		for _, h := range holds {
			if !now.Before(h.expiry) || !coversNight(h.dateRange, day) {
				continue
			}
			for _, b := range h.rooms {
				if b.RoomTypeID == roomType {
					held += b.Quantity
				}
			}
		}
		if held > peak {
			peak = held
		}
	}
	return peak
}

// coversNight reports whether the night starting on day (a UTC midnight) is part of dr.
func coversNight(dr model.DateRange, day time.Time) bool {
	days := dr.Days()
	return len(days) > 0 && !day.Before(days[0]) && !day.After(days[len(days)-1])
}
