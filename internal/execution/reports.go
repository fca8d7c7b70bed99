package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
	"github.com/coachpo/tidemark/internal/venue"
)

// GenerateOrderStatusReports fetches venue-authoritative order snapshots,
// optionally filtered by instrument and by last-update time window.
func (c *Client) GenerateOrderStatusReports(ctx context.Context, instrumentID schema.InstrumentID, start, end time.Time) ([]schema.OrderStatusReport, error) {
	symbol := ""
	if instrumentID != "" {
		symbol = instrumentID.Symbol()
	}
	orders, err := c.api.GetOrders(ctx, symbol, false)
	if err != nil {
		return nil, err
	}

	reports := make([]schema.OrderStatusReport, 0, len(orders))
	for _, order := range orders {
		if !start.IsZero() && order.UpdatedAt.Before(start) {
			continue
		}
		if !end.IsZero() && order.UpdatedAt.After(end) {
			continue
		}
		reports = append(reports, c.reportFromVenueOrder(order))
	}
	return reports, nil
}

// GenerateOrderStatusReport fetches the snapshot for one order. Lookups
// are capped per order independently of the network retry budget; once the
// cap is reached the order is failed with a rejection event so the
// strategy layer is not left waiting on an order the venue never reported.
func (c *Client) GenerateOrderStatusReport(ctx context.Context, instrumentID schema.InstrumentID, clientOrderID schema.ClientOrderID, venueOrderID schema.VenueOrderID) *schema.OrderStatusReport {
	report, err := c.fetchOrderStatus(ctx, instrumentID, clientOrderID, venueOrderID)
	if err == nil && report != nil {
		c.resetStatusRetries(clientOrderID)
		return report
	}

	attempts := c.bumpStatusRetries(clientOrderID)
	observability.Log().Warn("order status lookup failed",
		observability.F("client_order_id", clientOrderID),
		observability.F("attempt", attempts),
		observability.F("error", err),
	)
	if attempts < maxOrderStatusRetries {
		return nil
	}
	c.resetStatusRetries(clientOrderID)

	if order := c.store.Order(clientOrderID); order != nil && !order.IsClosed() {
		c.rejectOrder(order, fmt.Sprintf("order status checks exhausted after %d attempts", maxOrderStatusRetries))
	}
	return nil
}

func (c *Client) fetchOrderStatus(ctx context.Context, instrumentID schema.InstrumentID, clientOrderID schema.ClientOrderID, venueOrderID schema.VenueOrderID) (*schema.OrderStatusReport, error) {
	if venueOrderID == "" {
		if order := c.store.Order(clientOrderID); order != nil {
			venueOrderID = order.VenueOrderID
		}
	}
	if venueOrderID != "" {
		order, err := c.api.GetOrder(ctx, venueOrderID.Value())
		if err != nil {
			return nil, err
		}
		report := c.reportFromVenueOrder(order)
		return &report, nil
	}

	clientOrderIDInt, ok := c.correlator.ClientOrderIDInt(clientOrderID)
	if !ok {
		return nil, fmt.Errorf("no integer mapping for %s", clientOrderID)
	}
	symbol := ""
	if instrumentID != "" {
		symbol = instrumentID.Symbol()
	}
	orders, err := c.api.GetOrders(ctx, symbol, true)
	if err != nil {
		return nil, err
	}
	for _, order := range orders {
		if order.ClientID == clientOrderIDInt {
			report := c.reportFromVenueOrder(order)
			return &report, nil
		}
	}
	return nil, fmt.Errorf("order %s not reported by venue", clientOrderID)
}

func (c *Client) bumpStatusRetries(clientOrderID schema.ClientOrderID) int {
	c.retriesMu.Lock()
	defer c.retriesMu.Unlock()
	c.orderStatusRetries[clientOrderID]++
	return c.orderStatusRetries[clientOrderID]
}

func (c *Client) resetStatusRetries(clientOrderID schema.ClientOrderID) {
	c.retriesMu.Lock()
	defer c.retriesMu.Unlock()
	delete(c.orderStatusRetries, clientOrderID)
}

// GenerateFillReports fetches venue-authoritative fill snapshots,
// optionally filtered by instrument and by creation time.
func (c *Client) GenerateFillReports(ctx context.Context, instrumentID schema.InstrumentID, start time.Time) ([]schema.FillReport, error) {
	symbol := ""
	if instrumentID != "" {
		symbol = instrumentID.Symbol()
	}
	fills, err := c.api.GetFills(ctx, symbol)
	if err != nil {
		return nil, err
	}

	reports := make([]schema.FillReport, 0, len(fills))
	for _, fill := range fills {
		if !start.IsZero() && fill.CreatedAt.Before(start) {
			continue
		}
		reports = append(reports, c.reportFromVenueFill(fill))
	}
	return reports, nil
}

// GeneratePositionStatusReports fetches venue-authoritative position
// snapshots. When an instrument filter matches no open position a
// synthetic FLAT report is returned so reconciliation sees an
// authoritative answer either way.
func (c *Client) GeneratePositionStatusReports(ctx context.Context, instrumentID schema.InstrumentID) ([]schema.PositionStatusReport, error) {
	positions, err := c.api.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]schema.PositionStatusReport, 0, len(positions))
	matched := false
	for _, position := range positions {
		positionInstrument := schema.InstrumentFromSymbol(position.Market)
		if instrumentID != "" && positionInstrument != instrumentID {
			continue
		}
		matched = true
		reports = append(reports, schema.PositionStatusReport{
			AccountID:    c.cfg.AccountID,
			InstrumentID: positionInstrument,
			ReportID:     uuid.New(),
			Side:         position.Side,
			Quantity:     position.Size.Abs(),
			TsLast:       position.UpdatedAt,
		})
	}
	if instrumentID != "" && !matched {
		reports = append(reports, schema.FlatPositionReport(c.cfg.AccountID, instrumentID, c.clock()))
	}
	return reports, nil
}

func (c *Client) reportFromVenueOrder(order venue.Order) schema.OrderStatusReport {
	return schema.OrderStatusReport{
		AccountID:     c.cfg.AccountID,
		InstrumentID:  schema.InstrumentFromSymbol(order.Ticker),
		ClientOrderID: c.correlator.ClientOrderID(order.ClientID),
		VenueOrderID:  schema.VenueOrderID(order.ID),
		ReportID:      uuid.New(),
		Status:        order.Status,
		Side:          order.Side,
		Type:          order.Type,
		Flags:         order.Flags,
		Price:         order.Price,
		Quantity:      order.Size,
		FilledQty:     order.FilledQty,
		TsLast:        order.UpdatedAt,
		TsEvent:       c.clock(),
	}
}

func (c *Client) reportFromVenueFill(fill venue.Fill) schema.FillReport {
	instrumentID := schema.InstrumentFromSymbol(fill.Ticker)
	clientOrderID, _ := c.store.ClientOrderID(schema.VenueOrderID(fill.OrderID))
	commission := decimal.Zero
	if fill.Fee != nil {
		commission = *fill.Fee
	}
	return schema.FillReport{
		AccountID:     c.cfg.AccountID,
		InstrumentID:  instrumentID,
		ClientOrderID: clientOrderID,
		VenueOrderID:  schema.VenueOrderID(fill.OrderID),
		TradeID:       schema.TradeID(fill.ID),
		ReportID:      uuid.New(),
		Side:          fill.Side,
		LastQty:       fill.Size,
		LastPx:        fill.Price,
		Commission:    commission,
		CommissionCcy: c.quoteCurrency(instrumentID),
		LiquiditySide: fill.Liquidity,
		TsEvent:       fill.CreatedAt,
	}
}

// applyOrderStatusReport routes a queried snapshot through the same
// transition logic as push-driven updates.
func (c *Client) applyOrderStatusReport(report schema.OrderStatusReport) {
	if _, tracked := c.store.StrategyIDForOrder(report.ClientOrderID); !tracked {
		c.onExternal(report)
		return
	}
	order := c.store.Order(report.ClientOrderID)
	if order == nil {
		observability.Log().Error("status report for untracked order dropped",
			observability.F("client_order_id", report.ClientOrderID),
		)
		return
	}
	if report.VenueOrderID != "" && order.VenueOrderID == "" {
		order.VenueOrderID = report.VenueOrderID
		c.store.IndexVenueOrderID(report.ClientOrderID, report.VenueOrderID)
	}

	switch report.Status {
	case schema.VenueStatusOpen, schema.VenueStatusBestEffortOpened, schema.VenueStatusUntriggered:
		c.applyAccepted(order)
	case schema.VenueStatusCanceled:
		c.applyCanceled(order)
	case schema.VenueStatusFilled, schema.VenueStatusBestEffortCanceled:
		// Terminal fills arrive on the fills feed; pending cancellations
		// resolve to CANCELED or FILLED later.
	default:
		observability.Log().Error("status report with unrecognized status dropped",
			observability.F("client_order_id", report.ClientOrderID),
			observability.F("status", report.Status),
		)
	}
}
