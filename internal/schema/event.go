package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderEventKind enumerates lifecycle events emitted by an execution client.
type OrderEventKind string

const (
	EventOrderSubmitted      OrderEventKind = "ORDER_SUBMITTED"
	EventOrderAccepted       OrderEventKind = "ORDER_ACCEPTED"
	EventOrderRejected       OrderEventKind = "ORDER_REJECTED"
	EventOrderCanceled       OrderEventKind = "ORDER_CANCELED"
	EventOrderUpdated        OrderEventKind = "ORDER_UPDATED"
	EventOrderFilled         OrderEventKind = "ORDER_FILLED"
	EventOrderCancelRejected OrderEventKind = "ORDER_CANCEL_REJECTED"
	EventOrderModifyRejected OrderEventKind = "ORDER_MODIFY_REJECTED"
)

// OrderEvent is the unit pushed to the strategy layer; command results are
// delivered exclusively through these, never as returned errors.
type OrderEvent struct {
	EventID       uuid.UUID
	Kind          OrderEventKind
	AccountID     AccountID
	InstrumentID  InstrumentID
	ClientOrderID ClientOrderID
	VenueOrderID  VenueOrderID
	StrategyID    StrategyID

	// Reason carries the operator-facing failure string on rejection kinds.
	Reason string

	// Fill details, set only for EventOrderFilled.
	TradeID       TradeID
	Side          OrderSide
	LastQty       decimal.Decimal
	LastPx        decimal.Decimal
	Commission    decimal.Decimal
	CommissionCcy string
	LiquiditySide LiquiditySide

	TsEvent time.Time
}

// Balance is one currency balance inside an account state event.
type Balance struct {
	Currency string
	Total    decimal.Decimal
	Free     decimal.Decimal
	Locked   decimal.Decimal
}

// MarginBalance aggregates initial and maintenance margin for one currency.
type MarginBalance struct {
	Currency    string
	Initial     decimal.Decimal
	Maintenance decimal.Decimal
}

// AccountState is pushed when the venue reports an account snapshot.
type AccountState struct {
	AccountID AccountID
	Balances  []Balance
	Margins   []MarginBalance
	Reported  bool
	TsEvent   time.Time
}

// OraclePrice is a venue oracle price update for one instrument.
type OraclePrice struct {
	InstrumentID InstrumentID
	Price        decimal.Decimal
	TsEvent      time.Time
}
