package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

const defaultHTTPTimeout = 10 * time.Second

// RESTClient implements AccountAPI against a venue indexer REST surface.
type RESTClient struct {
	venue      string
	baseURL    string
	address    string
	subaccount int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// RESTConfig configures a venue REST client.
type RESTConfig struct {
	Venue      string
	BaseURL    string
	Address    string
	Subaccount int
	Timeout    time.Duration
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// NewRESTClient constructs a rate-limited REST account client.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &RESTClient{
		venue:      cfg.Venue,
		baseURL:    cfg.BaseURL,
		address:    cfg.Address,
		subaccount: cfg.Subaccount,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

type restOrder struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	Ticker      string    `json:"ticker"`
	Status      string    `json:"status"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	OrderFlags  string    `json:"orderFlags"`
	Price       string    `json:"price"`
	Size        string    `json:"size"`
	TotalFilled string    `json:"totalFilled"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type restFill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	Ticker    string    `json:"market"`
	Side      string    `json:"side"`
	Size      string    `json:"size"`
	Price     string    `json:"price"`
	Fee       *string   `json:"fee"`
	Liquidity string    `json:"liquidity"`
	CreatedAt time.Time `json:"createdAt"`
}

type restFillsEnvelope struct {
	Fills []restFill `json:"fills"`
}

type restPosition struct {
	Market    string    `json:"market"`
	Side      string    `json:"side"`
	Size      string    `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type restPositionsEnvelope struct {
	Positions []restPosition `json:"positions"`
}

// GetOrders lists account orders, optionally filtered by symbol.
func (c *RESTClient) GetOrders(ctx context.Context, symbol string, returnLatest bool) ([]Order, error) {
	query := c.accountQuery()
	if symbol != "" {
		query.Set("ticker", symbol)
	}
	if returnLatest {
		query.Set("returnLatestOrders", "true")
	}

	body, err := c.sendRequest(ctx, http.MethodGet, "/v4/orders", query)
	if err != nil {
		return nil, err
	}

	var raw []restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.New(c.venue, errs.CodeDecode, errs.WithMessage("decode orders payload"), errs.WithCause(err))
	}
	orders := make([]Order, 0, len(raw))
	for _, entry := range raw {
		order, err := entry.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// GetOrder fetches a single order by venue order id.
func (c *RESTClient) GetOrder(ctx context.Context, venueOrderID string) (Order, error) {
	body, err := c.sendRequest(ctx, http.MethodGet, "/v4/orders/"+url.PathEscape(venueOrderID), nil)
	if err != nil {
		return Order{}, err
	}
	var raw restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return Order{}, errs.New(c.venue, errs.CodeDecode, errs.WithMessage("decode order payload"), errs.WithCause(err))
	}
	return raw.toOrder()
}

// GetFills lists account fills, optionally filtered by symbol.
func (c *RESTClient) GetFills(ctx context.Context, symbol string) ([]Fill, error) {
	query := c.accountQuery()
	if symbol != "" {
		query.Set("market", symbol)
	}

	body, err := c.sendRequest(ctx, http.MethodGet, "/v4/fills", query)
	if err != nil {
		return nil, err
	}

	var envelope restFillsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errs.New(c.venue, errs.CodeDecode, errs.WithMessage("decode fills payload"), errs.WithCause(err))
	}
	fills := make([]Fill, 0, len(envelope.Fills))
	for _, entry := range envelope.Fills {
		fill, err := entry.toFill()
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

// GetPositions lists open account positions.
func (c *RESTClient) GetPositions(ctx context.Context) ([]Position, error) {
	query := c.accountQuery()
	query.Set("status", "OPEN")

	body, err := c.sendRequest(ctx, http.MethodGet, "/v4/perpetualPositions", query)
	if err != nil {
		return nil, err
	}

	var envelope restPositionsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errs.New(c.venue, errs.CodeDecode, errs.WithMessage("decode positions payload"), errs.WithCause(err))
	}
	positions := make([]Position, 0, len(envelope.Positions))
	for _, entry := range envelope.Positions {
		position, err := entry.toPosition()
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	return positions, nil
}

func (c *RESTClient) accountQuery() url.Values {
	query := url.Values{}
	query.Set("address", c.address)
	query.Set("subaccountNumber", strconv.Itoa(c.subaccount))
	return query
}

func (c *RESTClient) sendRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(c.venue, errs.CodeNetwork, errs.WithMessage("rate limiter interrupted"), errs.WithCause(err))
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, errs.New(c.venue, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		code := errs.CodeNetwork
		if ctx.Err() == nil && isTimeout(err) {
			code = errs.CodeTimeout
		}
		return nil, errs.New(c.venue, code, errs.WithMessage(fmt.Sprintf("%s %s", method, path)), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(c.venue, errs.CodeNetwork, errs.WithMessage("read response body"), errs.WithCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(c.venue, errs.CodeVenue,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)),
			errs.WithRawMessage(string(body)),
		)
	}
	return body, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for unwrapped := err; unwrapped != nil; {
		if t, ok := unwrapped.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := unwrapped.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		unwrapped = u.Unwrap()
	}
	return false
}

func (o restOrder) toOrder() (Order, error) {
	clientID, err := strconv.ParseUint(o.ClientID, 10, 32)
	if err != nil {
		return Order{}, errs.New("", errs.CodeDecode, errs.WithMessage("parse order clientId"), errs.WithCause(err))
	}
	price, err := parseDecimal(o.Price)
	if err != nil {
		return Order{}, err
	}
	size, err := parseDecimal(o.Size)
	if err != nil {
		return Order{}, err
	}
	filled, err := parseDecimal(o.TotalFilled)
	if err != nil {
		return Order{}, err
	}
	return Order{
		ID:        o.ID,
		ClientID:  uint32(clientID),
		Ticker:    o.Ticker,
		Status:    schema.VenueOrderStatus(o.Status),
		Side:      schema.OrderSide(o.Side),
		Type:      schema.OrderType(o.Type),
		Flags:     schema.OrderFlags(o.OrderFlags),
		Price:     price,
		Size:      size,
		FilledQty: filled,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

func (f restFill) toFill() (Fill, error) {
	size, err := parseDecimal(f.Size)
	if err != nil {
		return Fill{}, err
	}
	price, err := parseDecimal(f.Price)
	if err != nil {
		return Fill{}, err
	}
	fill := Fill{
		ID:        f.ID,
		OrderID:   f.OrderID,
		Ticker:    f.Ticker,
		Side:      schema.OrderSide(f.Side),
		Size:      size,
		Price:     price,
		Liquidity: schema.LiquiditySide(f.Liquidity),
		CreatedAt: f.CreatedAt,
	}
	if f.Fee != nil {
		fee, err := parseDecimal(*f.Fee)
		if err != nil {
			return Fill{}, err
		}
		fill.Fee = &fee
	}
	return fill, nil
}

func (p restPosition) toPosition() (Position, error) {
	size, err := parseDecimal(p.Size)
	if err != nil {
		return Position{}, err
	}
	return Position{
		Market:    p.Market,
		Side:      schema.PositionSide(p.Side),
		Size:      size,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

func parseDecimal(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errs.New("", errs.CodeDecode, errs.WithMessage("parse decimal "+value), errs.WithCause(err))
	}
	return parsed, nil
}
