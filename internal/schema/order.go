package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce enumerates supported order lifetimes.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderFlags classifies orders for expiry and batch-cancel eligibility.
type OrderFlags string

const (
	// FlagShortTerm orders expire after a small block window and may be
	// batch-canceled in a single transaction.
	FlagShortTerm OrderFlags = "SHORT_TERM"
	// FlagLongTerm orders are stateful on-chain and consume sequence numbers.
	FlagLongTerm OrderFlags = "LONG_TERM"
	// FlagConditional orders trigger on an oracle price condition.
	FlagConditional OrderFlags = "CONDITIONAL"
)

// OrderStatus is the locally-tracked lifecycle state of an order.
type OrderStatus string

const (
	StatusInitialized     OrderStatus = "INITIALIZED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Order is the locally-tracked view of one order.
type Order struct {
	ClientOrderID ClientOrderID
	VenueOrderID  VenueOrderID
	InstrumentID  InstrumentID
	StrategyID    StrategyID
	AccountID     AccountID

	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	Flags       OrderFlags

	Price    decimal.Decimal
	Quantity decimal.Decimal
	// QuoteQuantity marks quantity as denominated in the quote currency,
	// which some venues cannot express natively.
	QuoteQuantity bool
	PostOnly      bool
	ReduceOnly    bool

	Status    OrderStatus
	FilledQty decimal.Decimal
	UpdatedAt time.Time
}

// IsClosed reports whether the order reached a terminal state.
func (o *Order) IsClosed() bool {
	if o == nil {
		return false
	}
	return o.Status.Terminal()
}

// Remaining returns the unfilled quantity, floored at zero.
func (o *Order) Remaining() decimal.Decimal {
	remaining := o.Quantity.Sub(o.FilledQty)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Instrument describes a tradable instrument as cached locally.
type Instrument struct {
	ID             InstrumentID
	BaseCurrency   string
	QuoteCurrency  string
	PricePrecision int32
	SizePrecision  int32
	MarginInit     decimal.Decimal
	MarginMaint    decimal.Decimal
}
