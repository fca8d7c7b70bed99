package cache

import (
	"sync"

	"github.com/coachpo/tidemark/internal/schema"
)

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[schema.ClientOrderID]*schema.Order
	instruments map[schema.InstrumentID]*schema.Instrument
	venueIndex  map[schema.VenueOrderID]schema.ClientOrderID
	kv          map[string][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.orders = make(map[schema.ClientOrderID]*schema.Order)
	store.instruments = make(map[schema.InstrumentID]*schema.Instrument)
	store.venueIndex = make(map[schema.VenueOrderID]schema.ClientOrderID)
	store.kv = make(map[string][]byte)
	return store
}

// Order returns a copy of the tracked order, or nil when unknown.
func (s *MemoryStore) Order(id schema.ClientOrderID) *schema.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil
	}
	clone := *order
	return &clone
}

// Instrument returns the cached instrument, or nil when unknown.
func (s *MemoryStore) Instrument(id schema.InstrumentID) *schema.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instrument, ok := s.instruments[id]
	if !ok {
		return nil
	}
	clone := *instrument
	return &clone
}

// ClientOrderID resolves a venue order id to the owning client order id.
func (s *MemoryStore) ClientOrderID(id schema.VenueOrderID) (schema.ClientOrderID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clientOrderID, ok := s.venueIndex[id]
	return clientOrderID, ok
}

// StrategyIDForOrder resolves the strategy owning a client order id.
func (s *MemoryStore) StrategyIDForOrder(id schema.ClientOrderID) (schema.StrategyID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok || order.StrategyID == "" {
		return "", false
	}
	return order.StrategyID, true
}

// OrdersOpen lists non-terminal orders, optionally filtered by instrument
// and strategy. Empty filter values match everything.
func (s *MemoryStore) OrdersOpen(instrumentID schema.InstrumentID, strategyID schema.StrategyID) []*schema.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []*schema.Order
	for _, order := range s.orders {
		if order.IsClosed() {
			continue
		}
		if instrumentID != "" && order.InstrumentID != instrumentID {
			continue
		}
		if strategyID != "" && order.StrategyID != strategyID {
			continue
		}
		clone := *order
		open = append(open, &clone)
	}
	return open
}

// AddOrder tracks a new order, indexing its venue order id when present.
func (s *MemoryStore) AddOrder(order *schema.Order) {
	if order == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *order
	s.orders[order.ClientOrderID] = &clone
	if order.VenueOrderID != "" {
		s.venueIndex[order.VenueOrderID] = order.ClientOrderID
	}
}

// AddInstrument caches the instrument definition.
func (s *MemoryStore) AddInstrument(instrument *schema.Instrument) {
	if instrument == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *instrument
	s.instruments[instrument.ID] = &clone
}

// UpdateOrder replaces the tracked order state.
func (s *MemoryStore) UpdateOrder(order *schema.Order) {
	s.AddOrder(order)
}

// IndexVenueOrderID records the venue-assigned id for reverse lookup.
func (s *MemoryStore) IndexVenueOrderID(clientOrderID schema.ClientOrderID, venueOrderID schema.VenueOrderID) {
	if clientOrderID == "" || venueOrderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venueIndex[venueOrderID] = clientOrderID
	if order, ok := s.orders[clientOrderID]; ok {
		order.VenueOrderID = venueOrderID
	}
}

// Add stores a byte value under the key.
func (s *MemoryStore) Add(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	s.kv[key] = buf
}

// Get returns the byte value stored under the key.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.kv[key]
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, true
}
