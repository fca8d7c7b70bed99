// Package postgres provides the durable cache store. Reads are served from
// an in-memory mirror loaded at startup; writes go through to Postgres so
// order state and the correlation mapping survive restarts.
package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// Store is the Postgres-backed cache.Store implementation.
type Store struct {
	pool *pgxpool.Pool
	mem  *cache.MemoryStore
}

var _ cache.Store = (*Store)(nil)

// NewStore constructs the store and loads the persisted state into the
// in-memory mirror.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool, mem: cache.NewMemoryStore()}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM cache_kv`)
	if err != nil {
		return fmt.Errorf("load kv: %w", err)
	}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return fmt.Errorf("scan kv row: %w", err)
		}
		s.mem.Add(key, value)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate kv rows: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT payload FROM cache_orders`)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan order row: %w", err)
		}
		var order schema.Order
		if err := json.Unmarshal(payload, &order); err != nil {
			rows.Close()
			return fmt.Errorf("decode order payload: %w", err)
		}
		s.mem.AddOrder(&order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order rows: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT payload FROM cache_instruments`)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan instrument row: %w", err)
		}
		var instrument schema.Instrument
		if err := json.Unmarshal(payload, &instrument); err != nil {
			rows.Close()
			return fmt.Errorf("decode instrument payload: %w", err)
		}
		s.mem.AddInstrument(&instrument)
	}
	rows.Close()
	return rows.Err()
}

// Add stores a byte value under the key, write-through.
func (s *Store) Add(key string, value []byte) {
	s.mem.Add(key, value)
	s.exec(`INSERT INTO cache_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
}

// Get returns the byte value stored under the key.
func (s *Store) Get(key string) ([]byte, bool) {
	return s.mem.Get(key)
}

// Order returns a copy of the tracked order, or nil when unknown.
func (s *Store) Order(id schema.ClientOrderID) *schema.Order {
	return s.mem.Order(id)
}

// Instrument returns the cached instrument, or nil when unknown.
func (s *Store) Instrument(id schema.InstrumentID) *schema.Instrument {
	return s.mem.Instrument(id)
}

// ClientOrderID resolves a venue order id to the owning client order id.
func (s *Store) ClientOrderID(id schema.VenueOrderID) (schema.ClientOrderID, bool) {
	return s.mem.ClientOrderID(id)
}

// StrategyIDForOrder resolves the strategy owning a client order id.
func (s *Store) StrategyIDForOrder(id schema.ClientOrderID) (schema.StrategyID, bool) {
	return s.mem.StrategyIDForOrder(id)
}

// OrdersOpen lists non-terminal orders matching the filters.
func (s *Store) OrdersOpen(instrumentID schema.InstrumentID, strategyID schema.StrategyID) []*schema.Order {
	return s.mem.OrdersOpen(instrumentID, strategyID)
}

// AddOrder tracks a new order, write-through.
func (s *Store) AddOrder(order *schema.Order) {
	if order == nil {
		return
	}
	s.mem.AddOrder(order)
	s.persistOrder(order)
}

// AddInstrument caches the instrument definition, write-through.
func (s *Store) AddInstrument(instrument *schema.Instrument) {
	if instrument == nil {
		return
	}
	s.mem.AddInstrument(instrument)
	payload, err := json.Marshal(instrument)
	if err != nil {
		observability.Log().Error("encode instrument for persistence",
			observability.F("instrument_id", instrument.ID),
			observability.F("error", err),
		)
		return
	}
	s.exec(`INSERT INTO cache_instruments (id, payload) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		string(instrument.ID), payload)
}

// UpdateOrder replaces the tracked order state, write-through.
func (s *Store) UpdateOrder(order *schema.Order) {
	if order == nil {
		return
	}
	s.mem.UpdateOrder(order)
	s.persistOrder(order)
}

// IndexVenueOrderID records the venue-assigned id for reverse lookup.
func (s *Store) IndexVenueOrderID(clientOrderID schema.ClientOrderID, venueOrderID schema.VenueOrderID) {
	s.mem.IndexVenueOrderID(clientOrderID, venueOrderID)
	if order := s.mem.Order(clientOrderID); order != nil {
		s.persistOrder(order)
	}
}

func (s *Store) persistOrder(order *schema.Order) {
	payload, err := json.Marshal(order)
	if err != nil {
		observability.Log().Error("encode order for persistence",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("error", err),
		)
		return
	}
	s.exec(`INSERT INTO cache_orders (client_order_id, venue_order_id, instrument_id, strategy_id, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_order_id) DO UPDATE SET
			venue_order_id = EXCLUDED.venue_order_id,
			instrument_id  = EXCLUDED.instrument_id,
			strategy_id    = EXCLUDED.strategy_id,
			status         = EXCLUDED.status,
			payload        = EXCLUDED.payload`,
		order.ClientOrderID.Value(),
		order.VenueOrderID.Value(),
		string(order.InstrumentID),
		string(order.StrategyID),
		string(order.Status),
		payload,
	)
}

// Cache mutations happen on hot paths that cannot return errors; a failed
// write-through is logged and the in-memory state stays authoritative for
// the life of the process.
func (s *Store) exec(query string, args ...any) {
	if _, err := s.pool.Exec(context.Background(), query, args...); err != nil {
		observability.Log().Error("cache write-through failed",
			observability.F("error", err),
		)
	}
}
