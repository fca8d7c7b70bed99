// Package execution provides the per-venue execution client: command
// handling under retry management, inbound event classification, and
// venue-authoritative report generation.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/identity"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/retry"
	"github.com/coachpo/tidemark/internal/schema"
	"github.com/coachpo/tidemark/internal/venue"
)

// ConnectionState tracks the client's connection lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// Per-order report generation is capped independently of the network retry
// budget, to bound how long a strategy waits before the order is failed.
const maxOrderStatusRetries = 3

// EventHandler consumes order lifecycle events.
type EventHandler func(event schema.OrderEvent)

// AccountHandler consumes account state snapshots.
type AccountHandler func(state schema.AccountState)

// ExternalOrderHandler consumes status reports for orders not tracked
// locally (placed through another interface).
type ExternalOrderHandler func(report schema.OrderStatusReport)

// ExternalFillHandler consumes fills whose venue order id has no cached
// client order id.
type ExternalFillHandler func(report schema.FillReport)

// OraclePriceHandler consumes oracle price updates from the markets channel.
type OraclePriceHandler func(update schema.OraclePrice)

// Config configures one execution client.
type Config struct {
	Venue         string
	AccountID     schema.AccountID
	WalletAddress string
	Subaccount    int

	PoolSize int
	Retry    retry.Config

	// GoodTilBlocks is the block window granted to order transactions.
	GoodTilBlocks uint64
	// CancelGoodTilBlocks is the block window granted to cancel transactions.
	CancelGoodTilBlocks uint64
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 100
	}
	if c.GoodTilBlocks == 0 {
		c.GoodTilBlocks = 20
	}
	if c.CancelGoodTilBlocks == 0 {
		c.CancelGoodTilBlocks = 10
	}
	return c
}

// Client is the single point of contact between the order/command model and
// one venue. It owns a retry manager pool and emits all command results as
// events, never as returned errors.
type Client struct {
	cfg        Config
	store      cache.Store
	correlator *identity.Correlator
	api        venue.AccountAPI
	gateway    venue.TxGateway

	pool  *retry.Pool[venue.TxAck]
	state atomic.Int32
	clock func() time.Time

	onEvent        EventHandler
	onAccount      AccountHandler
	onExternal     ExternalOrderHandler
	onExternalFill ExternalFillHandler
	onOracle       OraclePriceHandler

	// listMu serializes order-list submission so each transaction is built
	// and sent to completion before the next, respecting per-account
	// sequence numbers. Unrelated single-order submissions stay concurrent.
	listMu sync.Mutex

	retriesMu          sync.Mutex
	orderStatusRetries map[schema.ClientOrderID]int

	fillsMu       sync.Mutex
	appliedTrades map[schema.ClientOrderID]map[schema.TradeID]struct{}

	latestBlock atomic.Uint64
}

// NewClient constructs an execution client over the given collaborators.
func NewClient(cfg Config, store cache.Store, api venue.AccountAPI, gateway venue.TxGateway) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:                cfg,
		store:              store,
		correlator:         identity.NewCorrelator(store),
		api:                api,
		gateway:            gateway,
		pool:               retry.NewPool[venue.TxAck](cfg.PoolSize, cfg.Retry),
		clock:              time.Now,
		orderStatusRetries: make(map[schema.ClientOrderID]int),
		appliedTrades:      make(map[schema.ClientOrderID]map[schema.TradeID]struct{}),
	}
	c.onEvent = func(schema.OrderEvent) {}
	c.onAccount = func(schema.AccountState) {}
	c.onExternal = func(schema.OrderStatusReport) {}
	c.onExternalFill = func(schema.FillReport) {}
	c.onOracle = func(schema.OraclePrice) {}
	return c
}

// OnEvent registers the order event handler.
func (c *Client) OnEvent(handler EventHandler) {
	if handler != nil {
		c.onEvent = handler
	}
}

// OnAccountState registers the account state handler.
func (c *Client) OnAccountState(handler AccountHandler) {
	if handler != nil {
		c.onAccount = handler
	}
}

// OnExternalOrder registers the external order report handler.
func (c *Client) OnExternalOrder(handler ExternalOrderHandler) {
	if handler != nil {
		c.onExternal = handler
	}
}

// OnExternalFill registers the external fill report handler.
func (c *Client) OnExternalFill(handler ExternalFillHandler) {
	if handler != nil {
		c.onExternalFill = handler
	}
}

// OnOraclePrice registers the oracle price handler.
func (c *Client) OnOraclePrice(handler OraclePriceHandler) {
	if handler != nil {
		c.onOracle = handler
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Connect transitions the client into the CONNECTED state. Transport
// startup (websocket dial, subscriptions) is owned by the caller; the
// client only accepts commands once connected.
func (c *Client) Connect() {
	c.state.Store(int32(StateConnecting))
	c.state.Store(int32(StateConnected))
	observability.Log().Info("execution client connected",
		observability.F("venue", c.cfg.Venue),
		observability.F("account", c.cfg.AccountID),
	)
}

// Disconnect cancels every in-flight retry loop and transitions the client
// back to DISCONNECTED. No orphaned retries survive.
func (c *Client) Disconnect() {
	c.state.Store(int32(StateDisconnecting))
	c.pool.Shutdown()
	c.state.Store(int32(StateDisconnected))
	observability.Log().Info("execution client disconnected",
		observability.F("venue", c.cfg.Venue),
	)
}

// SubmitOrder validates and submits one order. The "submitted" event is
// emitted synchronously before the network call so lifecycle events stay
// in causal order; acceptance arrives later on the push channel.
func (c *Client) SubmitOrder(ctx context.Context, order *schema.Order) {
	if !c.requireConnected(order) {
		return
	}
	c.submitSingle(ctx, order)
}

// SubmitOrderList submits the orders strictly one after another: each
// transaction is built and sent to completion, including its retries,
// before the next begins. Venues with per-account sequence numbers reject
// interleaved construction.
func (c *Client) SubmitOrderList(ctx context.Context, orders []*schema.Order) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	for _, order := range orders {
		if !c.requireConnected(order) {
			continue
		}
		c.submitSingle(ctx, order)
	}
}

func (c *Client) submitSingle(ctx context.Context, order *schema.Order) {
	if order == nil {
		return
	}
	if existing := c.store.Order(order.ClientOrderID); existing != nil && existing.IsClosed() {
		observability.Log().Warn("order already closed",
			observability.F("client_order_id", order.ClientOrderID),
		)
		return
	}

	if order.QuoteQuantity {
		c.rejectOrder(order, "quote quantity sizing not supported")
		return
	}
	if order.Type != schema.OrderTypeLimit && order.Type != schema.OrderTypeMarket {
		c.rejectOrder(order, fmt.Sprintf("order type %s not supported", order.Type))
		return
	}
	if order.Flags == schema.FlagLongTerm && order.Type == schema.OrderTypeMarket {
		c.rejectOrder(order, "long-term market orders not supported")
		return
	}

	instrument := c.store.Instrument(order.InstrumentID)
	if instrument == nil {
		c.rejectOrder(order, fmt.Sprintf("no instrument for %s", order.InstrumentID))
		return
	}

	// Track and announce the submission before touching the network so the
	// submitted event always precedes accept/reject.
	order.Status = schema.StatusSubmitted
	order.AccountID = c.cfg.AccountID
	order.UpdatedAt = c.clock()
	c.store.AddOrder(order)
	c.emit(schema.OrderEvent{
		EventID:       uuid.New(),
		Kind:          schema.EventOrderSubmitted,
		AccountID:     c.cfg.AccountID,
		InstrumentID:  order.InstrumentID,
		ClientOrderID: order.ClientOrderID,
		StrategyID:    order.StrategyID,
		TsEvent:       c.clock(),
	})

	clientOrderIDInt := c.correlator.GenerateClientOrderIDInt(order.ClientOrderID)

	height, err := c.gateway.LatestBlockHeight(ctx)
	if err != nil {
		c.rejectOrder(order, fmt.Sprintf("failed to retrieve latest block height: %s", errs.Reason(err)))
		return
	}

	price := decimal.Zero
	if order.Type == schema.OrderTypeLimit {
		price = order.Price
	}
	tx := venue.OrderTx{
		ClientID:     clientOrderIDInt,
		Symbol:       order.InstrumentID.Symbol(),
		Side:         order.Side,
		Type:         order.Type,
		TimeInForce:  order.TimeInForce,
		Flags:        order.Flags,
		Size:         order.Quantity,
		Price:        price,
		ReduceOnly:   order.ReduceOnly,
		PostOnly:     order.PostOnly,
		GoodTilBlock: height + c.cfg.GoodTilBlocks,
	}

	c.pool.Do(func(m *retry.Manager[venue.TxAck]) {
		ack, runErr := m.Run(ctx, "submit_order", []string{order.ClientOrderID.Value()}, func(ctx context.Context) (venue.TxAck, error) {
			return c.gateway.PlaceOrder(ctx, tx)
		})
		switch {
		case runErr == nil && ack.OK():
			// Acceptance is delivered by the inbound event stream.
		case runErr == nil:
			c.rejectOrder(order, fmt.Sprintf("failed to submit order: %s", ack.RawLog))
		case errors.Is(runErr, retry.ErrRetriesExhausted), errors.Is(runErr, retry.ErrCanceled):
			c.rejectOrder(order, m.Message())
		default:
			c.rejectOrder(order, errs.Reason(runErr))
		}
	})
}

// CancelOrder cancels one order. Closed or unknown orders are guarded
// before any network call is attempted.
func (c *Client) CancelOrder(ctx context.Context, clientOrderID schema.ClientOrderID) {
	tx, order, ok := c.buildCancel(clientOrderID)
	if !ok {
		return
	}
	if c.State() != StateConnected {
		c.cancelRejected(order, c.notConnectedReason())
		return
	}

	height, err := c.gateway.LatestBlockHeight(ctx)
	if err != nil {
		c.cancelRejected(order, fmt.Sprintf("failed to retrieve latest block height: %s", errs.Reason(err)))
		return
	}
	tx.GoodTilBlock = height + c.cfg.CancelGoodTilBlocks

	c.pool.Do(func(m *retry.Manager[venue.TxAck]) {
		ack, runErr := m.Run(ctx, "cancel_order", []string{clientOrderID.Value()}, func(ctx context.Context) (venue.TxAck, error) {
			return c.gateway.CancelOrder(ctx, tx)
		})
		switch {
		case runErr == nil && ack.OK():
			// Cancellation confirmation arrives on the push channel.
		case runErr == nil:
			c.cancelRejected(order, fmt.Sprintf("failed to cancel order: %s", ack.RawLog))
		case errors.Is(runErr, retry.ErrRetriesExhausted), errors.Is(runErr, retry.ErrCanceled):
			c.cancelRejected(order, m.Message())
		default:
			c.cancelRejected(order, errs.Reason(runErr))
		}
	})
}

// CancelAllOrders cancels every open order matching the filters, one
// cancel transaction per order.
func (c *Client) CancelAllOrders(ctx context.Context, instrumentID schema.InstrumentID, strategyID schema.StrategyID) {
	for _, order := range c.store.OrdersOpen(instrumentID, strategyID) {
		c.CancelOrder(ctx, order.ClientOrderID)
	}
}

// BatchCancelOrders cancels the given orders with one batched transaction
// per order-flag partition, reducing round trips and sequence-number use.
func (c *Client) BatchCancelOrders(ctx context.Context, clientOrderIDs []schema.ClientOrderID) {
	if c.State() != StateConnected {
		reason := c.notConnectedReason()
		for _, clientOrderID := range clientOrderIDs {
			if _, order, ok := c.buildCancel(clientOrderID); ok {
				c.cancelRejected(order, reason)
			}
		}
		return
	}

	partitions := make(map[schema.OrderFlags][]venue.CancelTx)
	for _, clientOrderID := range clientOrderIDs {
		tx, order, ok := c.buildCancel(clientOrderID)
		if !ok {
			continue
		}
		partitions[order.Flags] = append(partitions[order.Flags], tx)
	}
	if len(partitions) == 0 {
		return
	}

	height, err := c.gateway.LatestBlockHeight(ctx)
	if err != nil {
		observability.Log().Error("batch cancel aborted: cannot retrieve latest block height",
			observability.F("venue", c.cfg.Venue),
			observability.F("error", err),
		)
		return
	}

	for flags, cancels := range partitions {
		for i := range cancels {
			cancels[i].GoodTilBlock = height + c.cfg.CancelGoodTilBlocks
		}
		batch := cancels
		c.pool.Do(func(m *retry.Manager[venue.TxAck]) {
			ack, runErr := m.Run(ctx, "batch_cancel_orders", []string{string(flags)}, func(ctx context.Context) (venue.TxAck, error) {
				return c.gateway.BatchCancelOrders(ctx, batch)
			})
			if runErr != nil || !ack.OK() {
				observability.Log().Error("batch cancel failed",
					observability.F("flags", flags),
					observability.F("error", runErr),
					observability.F("raw_log", ack.RawLog),
				)
			}
		})
	}
}

// ModifyOrder replaces the order's price and quantity via cancel-and-replace,
// since the venue has no native amend. Failures emit a modify-rejected event.
func (c *Client) ModifyOrder(ctx context.Context, clientOrderID schema.ClientOrderID, price, quantity decimal.Decimal) {
	order := c.store.Order(clientOrderID)
	if order == nil {
		observability.Log().Error("order not found to modify",
			observability.F("client_order_id", clientOrderID),
		)
		return
	}
	if order.IsClosed() {
		observability.Log().Warn("modify for closed order dropped",
			observability.F("client_order_id", clientOrderID),
			observability.F("status", order.Status),
		)
		return
	}
	if c.State() != StateConnected {
		c.modifyRejected(order, c.notConnectedReason())
		return
	}
	instrument := c.store.Instrument(order.InstrumentID)
	if instrument == nil {
		c.modifyRejected(order, fmt.Sprintf("no instrument for %s", order.InstrumentID))
		return
	}
	clientOrderIDInt, ok := c.correlator.ClientOrderIDInt(clientOrderID)
	if !ok {
		c.modifyRejected(order, "client order id integer not found")
		return
	}

	height, err := c.gateway.LatestBlockHeight(ctx)
	if err != nil {
		c.modifyRejected(order, fmt.Sprintf("failed to retrieve latest block height: %s", errs.Reason(err)))
		return
	}

	cancelTx := venue.CancelTx{
		ClientID:     clientOrderIDInt,
		Symbol:       order.InstrumentID.Symbol(),
		Flags:        order.Flags,
		GoodTilBlock: height + c.cfg.CancelGoodTilBlocks,
	}
	replaceTx := venue.OrderTx{
		ClientID:     clientOrderIDInt,
		Symbol:       order.InstrumentID.Symbol(),
		Side:         order.Side,
		Type:         order.Type,
		TimeInForce:  order.TimeInForce,
		Flags:        order.Flags,
		Size:         quantity,
		Price:        price,
		ReduceOnly:   order.ReduceOnly,
		PostOnly:     order.PostOnly,
		GoodTilBlock: height + c.cfg.GoodTilBlocks,
	}

	c.pool.Do(func(m *retry.Manager[venue.TxAck]) {
		ack, runErr := m.Run(ctx, "modify_order", []string{clientOrderID.Value()}, func(ctx context.Context) (venue.TxAck, error) {
			cancelAck, err := c.gateway.CancelOrder(ctx, cancelTx)
			if err != nil {
				return cancelAck, err
			}
			if !cancelAck.OK() {
				return cancelAck, nil
			}
			return c.gateway.PlaceOrder(ctx, replaceTx)
		})
		switch {
		case runErr == nil && ack.OK():
		case runErr == nil:
			c.modifyRejected(order, fmt.Sprintf("failed to modify order: %s", ack.RawLog))
		case errors.Is(runErr, retry.ErrRetriesExhausted), errors.Is(runErr, retry.ErrCanceled):
			c.modifyRejected(order, m.Message())
		default:
			c.modifyRejected(order, errs.Reason(runErr))
		}
	})
}

// QueryOrder requests a status report for one order and forwards the
// result into the same pipeline as push-driven updates.
func (c *Client) QueryOrder(ctx context.Context, clientOrderID schema.ClientOrderID) {
	if c.State() != StateConnected {
		observability.Log().Error("query dropped: client not connected",
			observability.F("client_order_id", clientOrderID),
			observability.F("state", c.State()),
		)
		return
	}
	report := c.GenerateOrderStatusReport(ctx, "", clientOrderID, "")
	if report == nil {
		return
	}
	c.applyOrderStatusReport(*report)
}

func (c *Client) requireConnected(order *schema.Order) bool {
	if c.State() == StateConnected {
		return true
	}
	if order != nil {
		c.rejectOrder(order, c.notConnectedReason())
	}
	return false
}

func (c *Client) notConnectedReason() string {
	return fmt.Sprintf("client not connected (state %s)", c.State())
}

func (c *Client) buildCancel(clientOrderID schema.ClientOrderID) (venue.CancelTx, *schema.Order, bool) {
	order := c.store.Order(clientOrderID)
	if order == nil {
		observability.Log().Error("order not found to cancel",
			observability.F("client_order_id", clientOrderID),
		)
		return venue.CancelTx{}, nil, false
	}
	if order.IsClosed() {
		observability.Log().Warn("cancel for closed order dropped",
			observability.F("client_order_id", clientOrderID),
			observability.F("status", order.Status),
		)
		return venue.CancelTx{}, nil, false
	}
	if instrument := c.store.Instrument(order.InstrumentID); instrument == nil {
		observability.Log().Error("cannot cancel order: instrument missing",
			observability.F("client_order_id", clientOrderID),
			observability.F("instrument_id", order.InstrumentID),
		)
		return venue.CancelTx{}, nil, false
	}
	clientOrderIDInt, ok := c.correlator.ClientOrderIDInt(clientOrderID)
	if !ok {
		observability.Log().Error("cannot cancel order: client order id integer not found",
			observability.F("client_order_id", clientOrderID),
		)
		return venue.CancelTx{}, nil, false
	}
	return venue.CancelTx{
		ClientID: clientOrderIDInt,
		Symbol:   order.InstrumentID.Symbol(),
		Flags:    order.Flags,
	}, order, true
}

func (c *Client) rejectOrder(order *schema.Order, reason string) {
	if tracked := c.store.Order(order.ClientOrderID); tracked != nil && !tracked.IsClosed() {
		tracked.Status = schema.StatusRejected
		tracked.UpdatedAt = c.clock()
		c.store.UpdateOrder(tracked)
	}
	observability.Log().Error("order rejected",
		observability.F("client_order_id", order.ClientOrderID),
		observability.F("reason", reason),
	)
	observability.Telemetry().IncCounter(observability.MetricCommandsRejected, 1, map[string]string{"venue": c.cfg.Venue, "command": "submit_order"})
	c.emit(schema.OrderEvent{
		EventID:       uuid.New(),
		Kind:          schema.EventOrderRejected,
		AccountID:     c.cfg.AccountID,
		InstrumentID:  order.InstrumentID,
		ClientOrderID: order.ClientOrderID,
		StrategyID:    order.StrategyID,
		Reason:        reason,
		TsEvent:       c.clock(),
	})
}

func (c *Client) cancelRejected(order *schema.Order, reason string) {
	observability.Log().Error("cancel rejected",
		observability.F("client_order_id", order.ClientOrderID),
		observability.F("reason", reason),
	)
	c.emit(schema.OrderEvent{
		EventID:       uuid.New(),
		Kind:          schema.EventOrderCancelRejected,
		AccountID:     c.cfg.AccountID,
		InstrumentID:  order.InstrumentID,
		ClientOrderID: order.ClientOrderID,
		StrategyID:    order.StrategyID,
		Reason:        reason,
		TsEvent:       c.clock(),
	})
}

func (c *Client) modifyRejected(order *schema.Order, reason string) {
	observability.Log().Error("modify rejected",
		observability.F("client_order_id", order.ClientOrderID),
		observability.F("reason", reason),
	)
	c.emit(schema.OrderEvent{
		EventID:       uuid.New(),
		Kind:          schema.EventOrderModifyRejected,
		AccountID:     c.cfg.AccountID,
		InstrumentID:  order.InstrumentID,
		ClientOrderID: order.ClientOrderID,
		StrategyID:    order.StrategyID,
		Reason:        reason,
		TsEvent:       c.clock(),
	})
}

func (c *Client) emit(event schema.OrderEvent) {
	c.onEvent(event)
}
