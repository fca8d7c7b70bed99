package execution

import (
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// messageKind is the closed classification of inbound stream payloads.
// Every message resolves to exactly one kind; unknown payloads are logged
// and dropped without disturbing the dispatch loop.
type messageKind int

const (
	kindUnknown messageKind = iota
	kindConnected
	kindSubscribed
	kindUnsubscribed
	kindChannelData
	kindError
)

const (
	channelSubaccounts = "v4_subaccounts"
	channelBlockHeight = "v4_block_height"
	channelMarkets     = "v4_markets"
)

type wsEnvelope struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Message  string          `json:"message"`
	Contents json.RawMessage `json:"contents"`
}

func classify(envelope wsEnvelope) messageKind {
	switch envelope.Type {
	case "connected":
		return kindConnected
	case "subscribed":
		return kindSubscribed
	case "unsubscribed":
		return kindUnsubscribed
	case "channel_data", "channel_batch_data":
		return kindChannelData
	case "error":
		return kindError
	default:
		return kindUnknown
	}
}

type wsSubaccountContents struct {
	Orders      []wsOrder `json:"orders"`
	Fills       []wsFill  `json:"fills"`
	BlockHeight string    `json:"blockHeight"`
}

type wsOrder struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	Ticker      string `json:"ticker"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	OrderFlags  string `json:"orderFlags"`
	TimeInForce string `json:"timeInForce"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	TotalFilled string `json:"totalFilled"`
	UpdatedAt   string `json:"updatedAt"`
}

type wsFill struct {
	ID        string  `json:"id"`
	OrderID   string  `json:"orderId"`
	Ticker    string  `json:"market"`
	Side      string  `json:"side"`
	Size      string  `json:"size"`
	Price     string  `json:"price"`
	Fee       *string `json:"fee"`
	Liquidity string  `json:"liquidity"`
	CreatedAt string  `json:"createdAt"`
}

type wsSubaccountSnapshot struct {
	Subaccount struct {
		Equity         string `json:"equity"`
		FreeCollateral string `json:"freeCollateral"`
	} `json:"subaccount"`
}

type wsBlockHeightContents struct {
	BlockHeight string `json:"blockHeight"`
}

type wsMarketsContents struct {
	OraclePrices map[string]struct {
		OraclePrice string `json:"oraclePrice"`
	} `json:"oraclePrices"`
}

// HandleWSMessage classifies and routes one raw stream payload. Decode
// failures and unrecognized kinds are logged and dropped; the dispatch
// loop never stops on a bad message.
func (c *Client) HandleWSMessage(raw []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		observability.Log().Error("undecodable stream message dropped",
			observability.F("venue", c.cfg.Venue),
			observability.F("error", err),
		)
		return
	}

	switch classify(envelope) {
	case kindConnected:
		observability.Log().Debug("stream connected", observability.F("venue", c.cfg.Venue))
	case kindSubscribed:
		c.handleSubscribed(envelope)
	case kindUnsubscribed:
		observability.Log().Debug("stream unsubscribed",
			observability.F("channel", envelope.Channel),
		)
	case kindChannelData:
		c.handleChannelData(envelope)
	case kindError:
		observability.Log().Error("stream error message",
			observability.F("venue", c.cfg.Venue),
			observability.F("message", envelope.Message),
		)
	default:
		observability.Log().Error("unrecognized stream message dropped",
			observability.F("venue", c.cfg.Venue),
			observability.F("type", envelope.Type),
		)
	}
}

func (c *Client) handleSubscribed(envelope wsEnvelope) {
	if envelope.Channel != channelSubaccounts || len(envelope.Contents) == 0 {
		return
	}
	var snapshot wsSubaccountSnapshot
	if err := json.Unmarshal(envelope.Contents, &snapshot); err != nil {
		observability.Log().Error("decode subaccount snapshot failed",
			observability.F("error", err),
		)
		return
	}
	equity := parseDecimalOrZero(snapshot.Subaccount.Equity)
	free := parseDecimalOrZero(snapshot.Subaccount.FreeCollateral)
	c.onAccount(schema.AccountState{
		AccountID: c.cfg.AccountID,
		Balances: []schema.Balance{{
			Currency: "USDC",
			Total:    equity,
			Free:     free,
			Locked:   equity.Sub(free),
		}},
		// The snapshot exposes only the collateral split; maintenance
		// margin is not reported on this channel.
		Margins: []schema.MarginBalance{{
			Currency: "USDC",
			Initial:  equity.Sub(free),
		}},
		Reported: true,
		TsEvent:  c.clock(),
	})
}

func (c *Client) handleChannelData(envelope wsEnvelope) {
	switch envelope.Channel {
	case channelSubaccounts:
		var contents wsSubaccountContents
		if err := json.Unmarshal(envelope.Contents, &contents); err != nil {
			observability.Log().Error("decode subaccount update failed",
				observability.F("error", err),
			)
			return
		}
		if contents.BlockHeight != "" {
			c.recordBlockHeight(contents.BlockHeight)
		}
		for _, order := range contents.Orders {
			c.handleOrderUpdate(order)
		}
		for _, fill := range contents.Fills {
			c.handleFillUpdate(fill)
		}
	case channelBlockHeight:
		var contents wsBlockHeightContents
		if err := json.Unmarshal(envelope.Contents, &contents); err != nil {
			observability.Log().Error("decode block height failed",
				observability.F("error", err),
			)
			return
		}
		c.recordBlockHeight(contents.BlockHeight)
	case channelMarkets:
		var contents wsMarketsContents
		if err := json.Unmarshal(envelope.Contents, &contents); err != nil {
			observability.Log().Error("decode markets update failed",
				observability.F("error", err),
			)
			return
		}
		for symbol, market := range contents.OraclePrices {
			if market.OraclePrice == "" {
				continue
			}
			c.onOracle(schema.OraclePrice{
				InstrumentID: schema.InstrumentFromSymbol(symbol),
				Price:        parseDecimalOrZero(market.OraclePrice),
				TsEvent:      c.clock(),
			})
		}
	default:
		observability.Log().Error("channel data for unrecognized channel dropped",
			observability.F("channel", envelope.Channel),
		)
	}
}

func (c *Client) recordBlockHeight(height string) {
	parsed, err := strconv.ParseUint(height, 10, 64)
	if err != nil {
		observability.Log().Warn("unparsable block height",
			observability.F("value", height),
		)
		return
	}
	c.latestBlock.Store(parsed)
}

// LatestBlockHeight returns the last block height observed on the stream.
func (c *Client) LatestBlockHeight() uint64 {
	return c.latestBlock.Load()
}

func (c *Client) handleOrderUpdate(msg wsOrder) {
	clientID, err := strconv.ParseUint(msg.ClientID, 10, 32)
	if err != nil {
		observability.Log().Error("order update with unparsable client id dropped",
			observability.F("client_id", msg.ClientID),
		)
		return
	}
	clientOrderID := c.correlator.ClientOrderID(uint32(clientID))
	instrumentID := schema.InstrumentFromSymbol(msg.Ticker)

	// Orders placed outside this client are forwarded as reports, never
	// merged into the local lifecycle.
	if _, tracked := c.store.StrategyIDForOrder(clientOrderID); !tracked {
		c.onExternal(c.reportFromWSOrder(msg, clientOrderID, instrumentID))
		return
	}

	order := c.store.Order(clientOrderID)
	if order == nil {
		observability.Log().Error("order update for untracked order dropped",
			observability.F("client_order_id", clientOrderID),
		)
		return
	}

	if msg.ID != "" && order.VenueOrderID == "" {
		order.VenueOrderID = schema.VenueOrderID(msg.ID)
		c.store.IndexVenueOrderID(clientOrderID, order.VenueOrderID)
	}

	switch schema.VenueOrderStatus(msg.Status) {
	case schema.VenueStatusOpen, schema.VenueStatusBestEffortOpened, schema.VenueStatusUntriggered:
		c.applyAccepted(order)
	case schema.VenueStatusCanceled:
		c.applyCanceled(order)
	case schema.VenueStatusFilled:
		// Fill quantities and prices arrive on the fills feed; emitting
		// here would double-count.
	case schema.VenueStatusBestEffortCanceled:
		observability.Log().Debug("best effort cancellation pending",
			observability.F("client_order_id", clientOrderID),
		)
	default:
		observability.Log().Error("order update with unrecognized status dropped",
			observability.F("client_order_id", clientOrderID),
			observability.F("status", msg.Status),
		)
	}
}

// applyAccepted is idempotent: repeated OPEN updates for an already
// accepted or closed order emit nothing.
func (c *Client) applyAccepted(order *schema.Order) {
	if order.Status == schema.StatusAccepted || order.IsClosed() {
		return
	}
	order.Status = schema.StatusAccepted
	order.UpdatedAt = c.clock()
	c.store.UpdateOrder(order)
	c.emit(schema.OrderEvent{
		EventID:       uuid.New(),
		Kind:          schema.EventOrderAccepted,
		AccountID:     c.cfg.AccountID,
		InstrumentID:  order.InstrumentID,
		ClientOrderID: order.ClientOrderID,
		VenueOrderID:  order.VenueOrderID,
		StrategyID:    order.StrategyID,
		TsEvent:       c.clock(),
	})
}

func (c *Client) applyCanceled(order *schema.Order) {
	if order.IsClosed() {
		// A cancellation racing a final fill loses; the fill already
		// closed the order.
		observability.Log().Debug("stale cancellation for closed order dropped",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("status", order.Status),
		)
		return
	}
	order.Status = schema.StatusCanceled
	order.UpdatedAt = c.clock()
	c.store.UpdateOrder(order)
	c.emit(schema.OrderEvent{
		EventID:       uuid.New(),
		Kind:          schema.EventOrderCanceled,
		AccountID:     c.cfg.AccountID,
		InstrumentID:  order.InstrumentID,
		ClientOrderID: order.ClientOrderID,
		VenueOrderID:  order.VenueOrderID,
		StrategyID:    order.StrategyID,
		TsEvent:       c.clock(),
	})
}

func (c *Client) handleFillUpdate(msg wsFill) {
	venueOrderID := schema.VenueOrderID(msg.OrderID)
	instrumentID := schema.InstrumentFromSymbol(msg.Ticker)

	clientOrderID, tracked := c.store.ClientOrderID(venueOrderID)
	if !tracked {
		// Fill for an order placed outside this client: forward as a
		// report without touching local state.
		c.onExternalFill(c.fillReportFromWS(msg, "", instrumentID))
		return
	}

	order := c.store.Order(clientOrderID)
	if order == nil {
		observability.Log().Error("fill for untracked order dropped",
			observability.F("client_order_id", clientOrderID),
			observability.F("venue_order_id", venueOrderID),
		)
		return
	}

	tradeID := schema.TradeID(msg.ID)
	if !c.markTradeApplied(clientOrderID, tradeID) {
		observability.Log().Debug("duplicate fill dropped",
			observability.F("client_order_id", clientOrderID),
			observability.F("trade_id", tradeID),
		)
		return
	}
	if order.Status == schema.StatusFilled {
		observability.Log().Debug("fill for already filled order dropped",
			observability.F("client_order_id", clientOrderID),
			observability.F("trade_id", tradeID),
		)
		return
	}

	size := parseDecimalOrZero(msg.Size)
	price := parseDecimalOrZero(msg.Price)
	commission := decimal.Zero
	if msg.Fee != nil {
		commission = parseDecimalOrZero(*msg.Fee)
	}

	order.FilledQty = order.FilledQty.Add(size)
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = schema.StatusFilled
	} else {
		order.Status = schema.StatusPartiallyFilled
	}
	order.UpdatedAt = c.clock()
	c.store.UpdateOrder(order)

	c.emit(schema.OrderEvent{
		EventID:       uuid.New(),
		Kind:          schema.EventOrderFilled,
		AccountID:     c.cfg.AccountID,
		InstrumentID:  order.InstrumentID,
		ClientOrderID: clientOrderID,
		VenueOrderID:  venueOrderID,
		StrategyID:    order.StrategyID,
		TradeID:       tradeID,
		Side:          schema.OrderSide(msg.Side),
		LastQty:       size,
		LastPx:        price,
		Commission:    commission,
		CommissionCcy: c.quoteCurrency(order.InstrumentID),
		LiquiditySide: schema.LiquiditySide(msg.Liquidity),
		TsEvent:       c.clock(),
	})
}

// markTradeApplied records the trade id for the order and reports whether
// it was newly applied.
func (c *Client) markTradeApplied(clientOrderID schema.ClientOrderID, tradeID schema.TradeID) bool {
	c.fillsMu.Lock()
	defer c.fillsMu.Unlock()
	applied, ok := c.appliedTrades[clientOrderID]
	if !ok {
		applied = make(map[schema.TradeID]struct{})
		c.appliedTrades[clientOrderID] = applied
	}
	if _, dup := applied[tradeID]; dup {
		return false
	}
	applied[tradeID] = struct{}{}
	return true
}

func (c *Client) reportFromWSOrder(msg wsOrder, clientOrderID schema.ClientOrderID, instrumentID schema.InstrumentID) schema.OrderStatusReport {
	updatedAt, _ := time.Parse(time.RFC3339Nano, msg.UpdatedAt)
	return schema.OrderStatusReport{
		AccountID:     c.cfg.AccountID,
		InstrumentID:  instrumentID,
		ClientOrderID: clientOrderID,
		VenueOrderID:  schema.VenueOrderID(msg.ID),
		ReportID:      uuid.New(),
		Status:        schema.VenueOrderStatus(msg.Status),
		Side:          schema.OrderSide(msg.Side),
		Type:          schema.OrderType(msg.Type),
		TimeInForce:   schema.TimeInForce(msg.TimeInForce),
		Flags:         schema.OrderFlags(msg.OrderFlags),
		Price:         parseDecimalOrZero(msg.Price),
		Quantity:      parseDecimalOrZero(msg.Size),
		FilledQty:     parseDecimalOrZero(msg.TotalFilled),
		TsLast:        updatedAt,
		TsEvent:       c.clock(),
	}
}

func (c *Client) fillReportFromWS(msg wsFill, clientOrderID schema.ClientOrderID, instrumentID schema.InstrumentID) schema.FillReport {
	commission := decimal.Zero
	if msg.Fee != nil {
		commission = parseDecimalOrZero(*msg.Fee)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, msg.CreatedAt)
	return schema.FillReport{
		AccountID:     c.cfg.AccountID,
		InstrumentID:  instrumentID,
		ClientOrderID: clientOrderID,
		VenueOrderID:  schema.VenueOrderID(msg.OrderID),
		TradeID:       schema.TradeID(msg.ID),
		ReportID:      uuid.New(),
		Side:          schema.OrderSide(msg.Side),
		LastQty:       parseDecimalOrZero(msg.Size),
		LastPx:        parseDecimalOrZero(msg.Price),
		Commission:    commission,
		CommissionCcy: c.quoteCurrency(instrumentID),
		LiquiditySide: schema.LiquiditySide(msg.Liquidity),
		TsEvent:       createdAt,
	}
}

func (c *Client) quoteCurrency(instrumentID schema.InstrumentID) string {
	if instrument := c.store.Instrument(instrumentID); instrument != nil && instrument.QuoteCurrency != "" {
		return instrument.QuoteCurrency
	}
	return "USDC"
}

func parseDecimalOrZero(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		observability.Log().Warn("unparsable decimal in stream payload",
			observability.F("value", value),
		)
		return decimal.Zero
	}
	return parsed
}
