package policy

import (
	"context"
)

// MinimumStay requires a number of nights per room type.
type MinimumStay struct {
	defaultNights int
	byRoomType    map[string]int
}

var _ Policy = (*MinimumStay)(nil)

// NewMinimumStay creates the policy. defaultNights below 1 is raised to 1.
func NewMinimumStay(defaultNights int, byRoomType map[string]int) *MinimumStay {
	if defaultNights < 1 {
		defaultNights = 1
	}
	copied := make(map[string]int, len(byRoomType))
	for id, n := range byRoomType {
		copied[id] = n
	}
	return &MinimumStay{defaultNights: defaultNights, byRoomType: copied}
}

func (*MinimumStay) Name() string { return "minimum-stay" }

// Validate applies the strictest minimum of the booked room types.
func (p *MinimumStay) Validate(_ context.Context, req BookingRequest) (Result, error) {
	required := p.defaultNights
	roomType := ""
	for _, b := range req.RoomBookings {
		if n, ok := p.byRoomType[b.RoomTypeID]; ok && n > required {
			required = n
			roomType = b.RoomTypeID
		}
	}

	nights := req.DateRange.Nights()
	if nights >= required {
		return Pass(), nil
	}
	if roomType != "" {
		return Fail("minimum stay for room type %s is %d nights, requested %d", roomType, required, nights), nil
	}
	return Fail("minimum stay is %d nights, requested %d", required, nights), nil
}
