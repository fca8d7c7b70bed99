package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VenueOrderStatus enumerates order states as reported by the venue.
type VenueOrderStatus string

const (
	VenueStatusOpen               VenueOrderStatus = "OPEN"
	VenueStatusBestEffortOpened   VenueOrderStatus = "BEST_EFFORT_OPENED"
	VenueStatusUntriggered        VenueOrderStatus = "UNTRIGGERED"
	VenueStatusCanceled           VenueOrderStatus = "CANCELED"
	VenueStatusBestEffortCanceled VenueOrderStatus = "BEST_EFFORT_CANCELED"
	VenueStatusFilled             VenueOrderStatus = "FILLED"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// LiquiditySide records whether a fill took or made liquidity.
type LiquiditySide string

const (
	LiquidityTaker LiquiditySide = "TAKER"
	LiquidityMaker LiquiditySide = "MAKER"
)

// OrderStatusReport is a venue-authoritative snapshot of one order.
type OrderStatusReport struct {
	AccountID     AccountID
	InstrumentID  InstrumentID
	ClientOrderID ClientOrderID
	VenueOrderID  VenueOrderID
	ReportID      uuid.UUID

	Status      VenueOrderStatus
	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	Flags       OrderFlags
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	FilledQty   decimal.Decimal

	TsLast  time.Time
	TsEvent time.Time
}

// FillReport is a venue-authoritative snapshot of one fill.
type FillReport struct {
	AccountID     AccountID
	InstrumentID  InstrumentID
	ClientOrderID ClientOrderID
	VenueOrderID  VenueOrderID
	TradeID       TradeID
	ReportID      uuid.UUID

	Side          OrderSide
	LastQty       decimal.Decimal
	LastPx        decimal.Decimal
	Commission    decimal.Decimal
	CommissionCcy string
	LiquiditySide LiquiditySide

	TsEvent time.Time
}

// PositionStatusReport is a venue-authoritative snapshot of one position.
type PositionStatusReport struct {
	AccountID    AccountID
	InstrumentID InstrumentID
	ReportID     uuid.UUID

	Side     PositionSide
	Quantity decimal.Decimal

	TsLast time.Time
}

// FlatPositionReport synthesizes the authoritative "no position" report for
// an instrument the venue reports nothing for.
func FlatPositionReport(accountID AccountID, instrumentID InstrumentID, now time.Time) PositionStatusReport {
	return PositionStatusReport{
		AccountID:    accountID,
		InstrumentID: instrumentID,
		ReportID:     uuid.New(),
		Side:         PositionFlat,
		Quantity:     decimal.Zero,
		TsLast:       now,
	}
}

// ExecutionMassStatus aggregates all report kinds for one venue at one
// point in time. Immutable once built.
type ExecutionMassStatus struct {
	Venue     string
	AccountID AccountID
	ReportID  uuid.UUID
	Generated time.Time

	OrderReports    []OrderStatusReport
	FillReports     []FillReport
	PositionReports []PositionStatusReport
}

// NewExecutionMassStatus constructs an empty aggregate for the venue.
func NewExecutionMassStatus(venue string, accountID AccountID, now time.Time) ExecutionMassStatus {
	return ExecutionMassStatus{
		Venue:     venue,
		AccountID: accountID,
		ReportID:  uuid.New(),
		Generated: now,
	}
}
