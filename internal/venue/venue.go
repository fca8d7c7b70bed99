// Package venue defines the transport collaborators an execution client
// drives: the account REST API, the signed-transaction gateway, and the
// websocket stream. Wire parsing stays behind these boundaries; the core
// only sees already-typed domain objects.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/internal/schema"
)

// Order is a venue-reported order snapshot, already decoded.
type Order struct {
	ID        string
	ClientID  uint32
	Ticker    string
	Status    schema.VenueOrderStatus
	Side      schema.OrderSide
	Type      schema.OrderType
	Flags     schema.OrderFlags
	Price     decimal.Decimal
	Size      decimal.Decimal
	FilledQty decimal.Decimal
	UpdatedAt time.Time
}

// Fill is a venue-reported fill, already decoded. Fee may be nil when the
// venue omits commission from the payload.
type Fill struct {
	ID        string
	OrderID   string
	Ticker    string
	Side      schema.OrderSide
	Size      decimal.Decimal
	Price     decimal.Decimal
	Fee       *decimal.Decimal
	Liquidity schema.LiquiditySide
	CreatedAt time.Time
}

// Position is a venue-reported open position, already decoded.
type Position struct {
	Market    string
	Side      schema.PositionSide
	Size      decimal.Decimal
	UpdatedAt time.Time
}

// AccountAPI queries venue-authoritative account state over REST.
type AccountAPI interface {
	// GetOrders lists orders for the account, optionally filtered by symbol.
	// When returnLatest is set only the most recent orders are returned.
	GetOrders(ctx context.Context, symbol string, returnLatest bool) ([]Order, error)
	// GetOrder fetches a single order by its venue order id.
	GetOrder(ctx context.Context, venueOrderID string) (Order, error)
	// GetFills lists fills for the account, optionally filtered by symbol.
	GetFills(ctx context.Context, symbol string) ([]Fill, error)
	// GetPositions lists open positions for the account.
	GetPositions(ctx context.Context) ([]Position, error)
}

// OrderTx describes one order transaction before signing.
type OrderTx struct {
	ClientID     uint32
	Symbol       string
	Side         schema.OrderSide
	Type         schema.OrderType
	TimeInForce  schema.TimeInForce
	Flags        schema.OrderFlags
	Size         decimal.Decimal
	Price        decimal.Decimal
	ReduceOnly   bool
	PostOnly     bool
	GoodTilBlock uint64
}

// CancelTx describes one cancel transaction before signing.
type CancelTx struct {
	ClientID     uint32
	Symbol       string
	Flags        schema.OrderFlags
	GoodTilBlock uint64
}

// TxAck is the venue acknowledgment for a signed transaction submission.
// A non-zero code is a terminal rejection, not a transport failure.
type TxAck struct {
	Code   uint32
	TxHash string
	RawLog string
}

// OK reports whether the transaction was accepted by the venue.
func (a TxAck) OK() bool { return a.Code == 0 }

// TxGateway submits signed transactions against the venue. Implementations
// own wallet sequence numbers; callers must serialize transaction
// construction for order batches (see ExecutionClient.SubmitOrderList).
type TxGateway interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
	PlaceOrder(ctx context.Context, tx OrderTx) (TxAck, error)
	CancelOrder(ctx context.Context, tx CancelTx) (TxAck, error)
	BatchCancelOrders(ctx context.Context, cancels []CancelTx) (TxAck, error)
}
