// Package cache provides the shared order, instrument, and key/value store
// consumed by execution clients and the reconciliation engine.
package cache

import "github.com/coachpo/tidemark/internal/schema"

// KV exposes generic byte-string storage. The correlation mapping persists
// through this surface so it survives process restarts.
type KV interface {
	Add(key string, value []byte)
	Get(key string) ([]byte, bool)
}

// Store is the order and position cache collaborator. Callers must not
// assume atomicity across calls; mutations re-read current state.
type Store interface {
	KV

	Order(id schema.ClientOrderID) *schema.Order
	Instrument(id schema.InstrumentID) *schema.Instrument
	ClientOrderID(id schema.VenueOrderID) (schema.ClientOrderID, bool)
	StrategyIDForOrder(id schema.ClientOrderID) (schema.StrategyID, bool)
	OrdersOpen(instrumentID schema.InstrumentID, strategyID schema.StrategyID) []*schema.Order

	AddOrder(order *schema.Order)
	AddInstrument(instrument *schema.Instrument)
	UpdateOrder(order *schema.Order)
	IndexVenueOrderID(clientOrderID schema.ClientOrderID, venueOrderID schema.VenueOrderID)
}
