// Package identity bridges client-assigned order identifiers and the
// compact integer correlation ids required by gRPC-native venues.
package identity

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// maxClientOrderIDInt bounds the integer correlation space to [0, 2^32-1).
const maxClientOrderIDInt = math.MaxUint32

// Correlator persists the bidirectional ClientOrderID <-> uint32 mapping
// in the shared cache so it survives process restarts. Random sampling
// accepts the negligible collision risk across ~4 billion values rather
// than paying for collision detection.
type Correlator struct {
	kv cache.KV
}

// NewCorrelator constructs a correlator over the shared cache.
func NewCorrelator(kv cache.KV) *Correlator {
	return &Correlator{kv: kv}
}

// GenerateClientOrderIDInt assigns the integer correlation id for a client
// order id and persists both directions of the mapping before returning.
// Numeric identifiers map to themselves; call at most once per order per
// submission attempt.
func (c *Correlator) GenerateClientOrderIDInt(clientOrderID schema.ClientOrderID) uint32 {
	clientOrderIDInt, ok := numericValue(clientOrderID)
	if !ok {
		clientOrderIDInt = rand.N(uint32(maxClientOrderIDInt))
	}

	// The integer fits 32 bits, i.e. 4 bytes big-endian.
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, clientOrderIDInt)
	c.kv.Add(clientOrderID.Value(), buf)
	c.kv.Add(strconv.FormatUint(uint64(clientOrderIDInt), 10), []byte(clientOrderID.Value()))

	return clientOrderIDInt
}

// ClientOrderIDInt retrieves the integer correlation id for a client order
// id. The second return is false when no mapping was ever generated, which
// indicates a caller bug (cancel/query before submission completed).
func (c *Correlator) ClientOrderIDInt(clientOrderID schema.ClientOrderID) (uint32, bool) {
	if clientOrderIDInt, ok := numericValue(clientOrderID); ok {
		return clientOrderIDInt, true
	}

	value, ok := c.kv.Get(clientOrderID.Value())
	if !ok || len(value) != 4 {
		observability.Log().Error("no integer mapping for client order id",
			observability.F("client_order_id", clientOrderID),
		)
		return 0, false
	}
	return binary.BigEndian.Uint32(value), true
}

// ClientOrderID performs the reverse lookup. When the mapping is absent it
// logs and falls back to the integer's decimal string, since this path runs
// inside inbound-message handling where failing loudly would drop a fill.
func (c *Correlator) ClientOrderID(clientOrderIDInt uint32) schema.ClientOrderID {
	key := strconv.FormatUint(uint64(clientOrderIDInt), 10)
	value, ok := c.kv.Get(key)
	if !ok {
		observability.Log().Error("no client order id mapping for integer",
			observability.F("client_order_id_int", clientOrderIDInt),
		)
		return schema.ClientOrderID(key)
	}
	return schema.ClientOrderID(value)
}

func numericValue(clientOrderID schema.ClientOrderID) (uint32, bool) {
	parsed, err := strconv.ParseUint(clientOrderID.Value(), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(parsed), true
}
