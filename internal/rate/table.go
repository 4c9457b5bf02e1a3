// Package rate prices a stay from a base-rate table, seasonal and weekday multipliers,
// extra-guest surcharges and a flat tax.
package rate

import (
	"fmt"

	"github.com/jnst/reservation-core/internal/model"
)

// BaseRateProvider supplies the nightly base rate per room type. The table is owned
// outside this package; implementations must return the same rate for the same room type
// for the lifetime of a calculation.
type BaseRateProvider interface {
	BaseRate(roomTypeID string) (model.Money, error)
}

// StaticRateTable is an immutable in-memory BaseRateProvider.
type StaticRateTable struct {
	rates map[string]model.Money
}

// NewStaticRateTable copies rates into a new table.
func NewStaticRateTable(rates map[string]model.Money) *StaticRateTable {
	copied := make(map[string]model.Money, len(rates))
	for id, m := range rates {
		copied[id] = m
	}
	return &StaticRateTable{rates: copied}
}

// BaseRate returns the nightly rate for roomTypeID.
func (t *StaticRateTable) BaseRate(roomTypeID string) (model.Money, error) {
	m, ok := t.rates[roomTypeID]
	if !ok {
		return model.Money{}, fmt.Errorf("%w: no base rate for room type %s", model.ErrValidation, roomTypeID)
	}
	return m, nil
}
