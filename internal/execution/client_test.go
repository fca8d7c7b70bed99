package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/retry"
	"github.com/coachpo/tidemark/internal/schema"
	"github.com/coachpo/tidemark/internal/venue"
)

const testInstrument = schema.InstrumentID("BTC-USD-PERP")

type fakeGateway struct {
	mu sync.Mutex

	height    uint64
	heightErr error

	placeFn  func(attempt int, tx venue.OrderTx) (venue.TxAck, error)
	cancelFn func(attempt int, tx venue.CancelTx) (venue.TxAck, error)

	placeCalls  []venue.OrderTx
	cancelCalls []venue.CancelTx
	batchCalls  [][]venue.CancelTx
}

func (g *fakeGateway) LatestBlockHeight(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.heightErr != nil {
		return 0, g.heightErr
	}
	if g.height == 0 {
		return 1000, nil
	}
	return g.height, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, tx venue.OrderTx) (venue.TxAck, error) {
	g.mu.Lock()
	g.placeCalls = append(g.placeCalls, tx)
	attempt := len(g.placeCalls)
	fn := g.placeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(attempt, tx)
	}
	return venue.TxAck{TxHash: "hash"}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, tx venue.CancelTx) (venue.TxAck, error) {
	g.mu.Lock()
	g.cancelCalls = append(g.cancelCalls, tx)
	attempt := len(g.cancelCalls)
	fn := g.cancelFn
	g.mu.Unlock()
	if fn != nil {
		return fn(attempt, tx)
	}
	return venue.TxAck{TxHash: "hash"}, nil
}

func (g *fakeGateway) BatchCancelOrders(ctx context.Context, cancels []venue.CancelTx) (venue.TxAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	batch := make([]venue.CancelTx, len(cancels))
	copy(batch, cancels)
	g.batchCalls = append(g.batchCalls, batch)
	return venue.TxAck{TxHash: "hash"}, nil
}

func (g *fakeGateway) placeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placeCalls)
}

func (g *fakeGateway) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancelCalls)
}

type fakeAPI struct {
	mu sync.Mutex

	orders    []venue.Order
	ordersErr error
	fills     []venue.Fill
	fillsErr  error
	positions []venue.Position
	posErr    error

	orderCalls int
}

func (a *fakeAPI) GetOrders(ctx context.Context, symbol string, returnLatest bool) ([]venue.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orderCalls++
	if a.ordersErr != nil {
		return nil, a.ordersErr
	}
	return a.orders, nil
}

func (a *fakeAPI) GetOrder(ctx context.Context, venueOrderID string) (venue.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orderCalls++
	if a.ordersErr != nil {
		return venue.Order{}, a.ordersErr
	}
	for _, order := range a.orders {
		if order.ID == venueOrderID {
			return order, nil
		}
	}
	return venue.Order{}, errs.New("test", errs.CodeNotFound, errs.WithMessage("order not found"))
}

func (a *fakeAPI) GetFills(ctx context.Context, symbol string) ([]venue.Fill, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fillsErr != nil {
		return nil, a.fillsErr
	}
	return a.fills, nil
}

func (a *fakeAPI) GetPositions(ctx context.Context) ([]venue.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.posErr != nil {
		return nil, a.posErr
	}
	return a.positions, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.OrderEvent
}

func (r *eventRecorder) handle(event schema.OrderEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) kinds() []schema.OrderEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]schema.OrderEventKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func (r *eventRecorder) last() schema.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return schema.OrderEvent{}
	}
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func transientErr() error {
	return errs.New("test", errs.CodeTimeout, errs.WithMessage("request timed out"))
}

func fastRetryConfig(maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:    maxRetries,
		DelayInitial:  time.Millisecond,
		DelayMax:      2 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func newTestClient(t *testing.T, gateway *fakeGateway, api *fakeAPI) (*Client, *cache.MemoryStore, *eventRecorder) {
	t.Helper()
	store := cache.NewMemoryStore()
	store.AddInstrument(&schema.Instrument{
		ID:            testInstrument,
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDC",
	})
	client := NewClient(Config{
		Venue:     "testvenue",
		AccountID: "testvenue-wallet-0",
		PoolSize:  4,
		Retry:     fastRetryConfig(2),
	}, store, api, gateway)
	recorder := &eventRecorder{}
	client.OnEvent(recorder.handle)
	client.Connect()
	return client, store, recorder
}

// Numeric client order ids map to themselves, keeping inbound correlation
// deterministic without a prior submission.
func testOrder(clientOrderID schema.ClientOrderID) *schema.Order {
	return &schema.Order{
		ClientOrderID: clientOrderID,
		InstrumentID:  testInstrument,
		StrategyID:    "alpha",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		TimeInForce:   schema.TIFGTC,
		Flags:         schema.FlagShortTerm,
		Price:         decimal.NewFromInt(100),
		Quantity:      decimal.NewFromInt(1),
	}
}

func TestSubmitOrderEmitsSubmittedBeforeNetworkCall(t *testing.T) {
	gateway := &fakeGateway{}
	var client *Client
	var recorder *eventRecorder
	submittedBeforePlace := false
	gateway.placeFn = func(attempt int, tx venue.OrderTx) (venue.TxAck, error) {
		kinds := recorder.kinds()
		submittedBeforePlace = len(kinds) == 1 && kinds[0] == schema.EventOrderSubmitted
		return venue.TxAck{}, nil
	}
	client, _, recorder = newTestClient(t, gateway, &fakeAPI{})

	client.SubmitOrder(context.Background(), testOrder("1001"))

	if !submittedBeforePlace {
		t.Fatal("submitted event was not emitted before the network call")
	}
}

func TestSubmitOrderRetriesThenSucceeds(t *testing.T) {
	gateway := &fakeGateway{}
	gateway.placeFn = func(attempt int, tx venue.OrderTx) (venue.TxAck, error) {
		if attempt == 1 {
			return venue.TxAck{}, transientErr()
		}
		return venue.TxAck{TxHash: "hash"}, nil
	}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	client.SubmitOrder(context.Background(), testOrder("1001"))

	if got := gateway.placeCount(); got != 2 {
		t.Fatalf("place attempts = %d, want 2", got)
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderSubmitted {
		t.Fatalf("events = %v, want only submitted", kinds)
	}
}

func TestSubmitOrderLifecycleThroughStream(t *testing.T) {
	gateway := &fakeGateway{}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	client.SubmitOrder(context.Background(), testOrder("1001"))
	client.HandleWSMessage([]byte(`{"type":"channel_data","channel":"v4_subaccounts","contents":{"orders":[{"id":"VO-1","clientId":"1001","ticker":"BTC-USD","status":"OPEN","side":"BUY","type":"LIMIT","orderFlags":"SHORT_TERM","timeInForce":"GTC","price":"100","size":"1","totalFilled":"0","updatedAt":"2026-09-01T00:00:00Z"}]}}`))
	client.HandleWSMessage([]byte(`{"type":"channel_data","channel":"v4_subaccounts","contents":{"fills":[{"id":"T-1","orderId":"VO-1","market":"BTC-USD","side":"BUY","size":"1","price":"100","fee":"0.05","liquidity":"TAKER","createdAt":"2026-09-01T00:00:01Z"}]}}`))

	want := []schema.OrderEventKind{
		schema.EventOrderSubmitted,
		schema.EventOrderAccepted,
		schema.EventOrderFilled,
	}
	kinds := recorder.kinds()
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	filled := recorder.last()
	if !filled.LastQty.Equal(decimal.NewFromInt(1)) || !filled.Commission.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("fill event qty=%s commission=%s", filled.LastQty, filled.Commission)
	}
	if filled.CommissionCcy != "USDC" {
		t.Errorf("commission ccy = %s", filled.CommissionCcy)
	}
}

func TestSubmitUnsupportedOrderRejectedWithoutNetworkCall(t *testing.T) {
	gateway := &fakeGateway{}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	order := testOrder("1001")
	order.Type = schema.OrderTypeMarket
	order.Flags = schema.FlagLongTerm
	client.SubmitOrder(context.Background(), order)

	if got := gateway.placeCount(); got != 0 {
		t.Fatalf("place attempts = %d, want 0", got)
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderRejected {
		t.Fatalf("events = %v, want single rejected", kinds)
	}
	if reason := recorder.last().Reason; !strings.Contains(reason, "not supported") {
		t.Errorf("reject reason = %q, want it to name the unsupported feature", reason)
	}
}

func TestSubmitQuoteQuantityRejected(t *testing.T) {
	gateway := &fakeGateway{}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	order := testOrder("1001")
	order.QuoteQuantity = true
	client.SubmitOrder(context.Background(), order)

	if gateway.placeCount() != 0 {
		t.Fatal("expected no network call")
	}
	if reason := recorder.last().Reason; !strings.Contains(reason, "not supported") {
		t.Errorf("reject reason = %q", reason)
	}
}

func TestSubmitRejectedWhenNotConnected(t *testing.T) {
	gateway := &fakeGateway{}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})
	client.Disconnect()

	client.SubmitOrder(context.Background(), testOrder("1001"))

	if gateway.placeCount() != 0 {
		t.Fatal("expected no network call while disconnected")
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderRejected {
		t.Fatalf("events = %v, want single rejected", kinds)
	}
	if reason := recorder.last().Reason; !strings.Contains(reason, "not connected") {
		t.Errorf("reject reason = %q", reason)
	}
}

func TestSubmitOrderRetriesExhausted(t *testing.T) {
	gateway := &fakeGateway{}
	gateway.placeFn = func(attempt int, tx venue.OrderTx) (venue.TxAck, error) {
		return venue.TxAck{}, transientErr()
	}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	client.SubmitOrder(context.Background(), testOrder("1001"))

	// MaxRetries 2 means 3 total attempts.
	if got := gateway.placeCount(); got != 3 {
		t.Fatalf("place attempts = %d, want 3", got)
	}
	kinds := recorder.kinds()
	if len(kinds) != 2 || kinds[1] != schema.EventOrderRejected {
		t.Fatalf("events = %v, want submitted then rejected", kinds)
	}
}

func TestSubmitOrderTerminalAckRejected(t *testing.T) {
	gateway := &fakeGateway{}
	gateway.placeFn = func(attempt int, tx venue.OrderTx) (venue.TxAck, error) {
		return venue.TxAck{Code: 13, RawLog: "margin requirements not met"}, nil
	}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	client.SubmitOrder(context.Background(), testOrder("1001"))

	// A terminal venue rejection must not be retried.
	if got := gateway.placeCount(); got != 1 {
		t.Fatalf("place attempts = %d, want 1", got)
	}
	if reason := recorder.last().Reason; !strings.Contains(reason, "margin requirements not met") {
		t.Errorf("reject reason = %q", reason)
	}
}

func TestSubmitOrderListSequential(t *testing.T) {
	gateway := &fakeGateway{}
	var sequence []uint32
	gateway.placeFn = func(attempt int, tx venue.OrderTx) (venue.TxAck, error) {
		sequence = append(sequence, tx.ClientID)
		// First order fails once so its retry must finish before the
		// second order's transaction is built and sent.
		if tx.ClientID == 1001 && attempt == 1 {
			return venue.TxAck{}, transientErr()
		}
		return venue.TxAck{}, nil
	}
	client, _, _ := newTestClient(t, gateway, &fakeAPI{})

	client.SubmitOrderList(context.Background(), []*schema.Order{
		testOrder("1001"),
		testOrder("1002"),
	})

	want := []uint32{1001, 1001, 1002}
	if len(sequence) != len(want) {
		t.Fatalf("place sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("place sequence = %v, want %v", sequence, want)
		}
	}
}

func TestCancelClosedOrderIsNoOp(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, recorder := newTestClient(t, gateway, &fakeAPI{})

	order := testOrder("1001")
	order.Status = schema.StatusFilled
	store.AddOrder(order)

	client.CancelOrder(context.Background(), "1001")

	if gateway.cancelCount() != 0 {
		t.Fatal("expected no network call for closed order")
	}
	if recorder.count() != 0 {
		t.Fatalf("expected no events, got %v", recorder.kinds())
	}
}

func TestModifyClosedOrderIsNoOp(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, recorder := newTestClient(t, gateway, &fakeAPI{})

	order := testOrder("1001")
	order.Status = schema.StatusCanceled
	store.AddOrder(order)

	client.ModifyOrder(context.Background(), "1001", decimal.NewFromInt(101), decimal.NewFromInt(2))

	if gateway.cancelCount() != 0 || gateway.placeCount() != 0 {
		t.Fatal("expected no network calls for closed order")
	}
	if recorder.count() != 0 {
		t.Fatalf("expected no events, got %v", recorder.kinds())
	}
}

func TestCancelUnknownOrderIsNoOp(t *testing.T) {
	gateway := &fakeGateway{}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	client.CancelOrder(context.Background(), "never-submitted")

	if gateway.cancelCount() != 0 || recorder.count() != 0 {
		t.Fatal("expected no calls and no events for unknown order")
	}
}

func TestCancelOpenOrderSendsTransaction(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, recorder := newTestClient(t, gateway, &fakeAPI{})

	order := testOrder("1001")
	order.Status = schema.StatusAccepted
	store.AddOrder(order)

	client.CancelOrder(context.Background(), "1001")

	if gateway.cancelCount() != 1 {
		t.Fatalf("cancel attempts = %d, want 1", gateway.cancelCount())
	}
	// Confirmation arrives on the push channel, not synchronously.
	if recorder.count() != 0 {
		t.Fatalf("expected no events yet, got %v", recorder.kinds())
	}
}

func TestCancelRejectedWhenNotConnected(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, recorder := newTestClient(t, gateway, &fakeAPI{})

	order := testOrder("1001")
	order.Status = schema.StatusAccepted
	store.AddOrder(order)
	client.Disconnect()

	client.CancelOrder(context.Background(), "1001")

	if gateway.cancelCount() != 0 {
		t.Fatal("expected no network call while disconnected")
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderCancelRejected {
		t.Fatalf("events = %v, want single cancel rejected", kinds)
	}
	if reason := recorder.last().Reason; !strings.Contains(reason, "not connected") {
		t.Errorf("reject reason = %q", reason)
	}
}

func TestModifyRejectedWhenNotConnected(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, recorder := newTestClient(t, gateway, &fakeAPI{})

	order := testOrder("1001")
	order.Status = schema.StatusAccepted
	store.AddOrder(order)
	client.Disconnect()

	client.ModifyOrder(context.Background(), "1001", decimal.NewFromInt(101), decimal.NewFromInt(2))

	if gateway.cancelCount() != 0 || gateway.placeCount() != 0 {
		t.Fatal("expected no network calls while disconnected")
	}
	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderModifyRejected {
		t.Fatalf("events = %v, want single modify rejected", kinds)
	}
}

func TestBatchCancelRejectedWhenNotConnected(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, recorder := newTestClient(t, gateway, &fakeAPI{})

	first := testOrder("1001")
	first.Status = schema.StatusAccepted
	second := testOrder("1002")
	second.Status = schema.StatusAccepted
	store.AddOrder(first)
	store.AddOrder(second)
	client.Disconnect()

	client.BatchCancelOrders(context.Background(), []schema.ClientOrderID{"1001", "1002"})

	gateway.mu.Lock()
	batches := len(gateway.batchCalls)
	gateway.mu.Unlock()
	if batches != 0 {
		t.Fatal("expected no batch transaction while disconnected")
	}
	kinds := recorder.kinds()
	if len(kinds) != 2 || kinds[0] != schema.EventOrderCancelRejected || kinds[1] != schema.EventOrderCancelRejected {
		t.Fatalf("events = %v, want one cancel rejected per open order", kinds)
	}
}

func TestQueryOrderDroppedWhenNotConnected(t *testing.T) {
	api := &fakeAPI{}
	client, store, recorder := newTestClient(t, &fakeGateway{}, api)

	order := testOrder("1001")
	order.Status = schema.StatusSubmitted
	store.AddOrder(order)
	client.Disconnect()

	client.QueryOrder(context.Background(), "1001")

	api.mu.Lock()
	calls := api.orderCalls
	api.mu.Unlock()
	if calls != 0 {
		t.Fatalf("order lookups = %d, want 0 while disconnected", calls)
	}
	if recorder.count() != 0 {
		t.Fatalf("events = %v, want none", recorder.kinds())
	}
}

func TestBatchCancelPartitionsByFlags(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, _ := newTestClient(t, gateway, &fakeAPI{})

	short1 := testOrder("1001")
	short1.Status = schema.StatusAccepted
	short2 := testOrder("1002")
	short2.Status = schema.StatusAccepted
	long1 := testOrder("1003")
	long1.Status = schema.StatusAccepted
	long1.Flags = schema.FlagLongTerm
	store.AddOrder(short1)
	store.AddOrder(short2)
	store.AddOrder(long1)

	client.BatchCancelOrders(context.Background(), []schema.ClientOrderID{"1001", "1002", "1003"})

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if len(gateway.batchCalls) != 2 {
		t.Fatalf("batch calls = %d, want one per flag partition", len(gateway.batchCalls))
	}
	sizes := map[int]bool{}
	for _, batch := range gateway.batchCalls {
		sizes[len(batch)] = true
	}
	if !sizes[2] || !sizes[1] {
		t.Errorf("partition sizes = %v, want one of 2 and one of 1", gateway.batchCalls)
	}
}

func TestDisconnectCancelsInFlightRetry(t *testing.T) {
	gateway := &fakeGateway{}
	firstAttempt := make(chan struct{})
	var once sync.Once
	gateway.placeFn = func(attempt int, tx venue.OrderTx) (venue.TxAck, error) {
		once.Do(func() { close(firstAttempt) })
		return venue.TxAck{}, transientErr()
	}

	store := cache.NewMemoryStore()
	store.AddInstrument(&schema.Instrument{ID: testInstrument, QuoteCurrency: "USDC"})
	client := NewClient(Config{
		Venue:     "testvenue",
		AccountID: "testvenue-wallet-0",
		Retry: retry.Config{
			MaxRetries:    10,
			DelayInitial:  time.Hour,
			DelayMax:      time.Hour,
			BackoffFactor: 2,
		},
	}, store, &fakeAPI{}, gateway)
	recorder := &eventRecorder{}
	client.OnEvent(recorder.handle)
	client.Connect()

	done := make(chan struct{})
	go func() {
		client.SubmitOrder(context.Background(), testOrder("1001"))
		close(done)
	}()

	<-firstAttempt
	client.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not unblock after disconnect")
	}
	if reason := recorder.last().Reason; reason != retry.ErrCanceled.Error() {
		t.Errorf("reject reason = %q, want %q", reason, retry.ErrCanceled.Error())
	}
}

func TestQueryOrderAppliesReport(t *testing.T) {
	api := &fakeAPI{orders: []venue.Order{{
		ID:       "VO-1",
		ClientID: 1001,
		Ticker:   "BTC-USD",
		Status:   schema.VenueStatusOpen,
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Flags:    schema.FlagShortTerm,
		Price:    decimal.NewFromInt(100),
		Size:     decimal.NewFromInt(1),
	}}}
	client, store, recorder := newTestClient(t, &fakeGateway{}, api)

	order := testOrder("1001")
	order.Status = schema.StatusSubmitted
	store.AddOrder(order)

	client.QueryOrder(context.Background(), "1001")

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderAccepted {
		t.Fatalf("events = %v, want single accepted", kinds)
	}
	if updated := store.Order("1001"); updated.Status != schema.StatusAccepted {
		t.Errorf("cached status = %s, want ACCEPTED", updated.Status)
	}
}

func TestOrderStatusChecksExhaustedRejectOrder(t *testing.T) {
	api := &fakeAPI{ordersErr: transientErr()}
	client, store, recorder := newTestClient(t, &fakeGateway{}, api)

	order := testOrder("1001")
	order.Status = schema.StatusSubmitted
	store.AddOrder(order)

	for i := 0; i < maxOrderStatusRetries; i++ {
		if report := client.GenerateOrderStatusReport(context.Background(), testInstrument, "1001", ""); report != nil {
			t.Fatal("expected nil report while venue is failing")
		}
	}

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderRejected {
		t.Fatalf("events = %v, want single rejected after exhausted checks", kinds)
	}
	if reason := recorder.last().Reason; !strings.Contains(reason, "exhausted") {
		t.Errorf("reject reason = %q", reason)
	}
	if updated := store.Order("1001"); updated.Status != schema.StatusRejected {
		t.Errorf("cached status = %s, want REJECTED", updated.Status)
	}
}

func TestGenerateOrderStatusReportsFiltersByWindow(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{orders: []venue.Order{
		{ID: "VO-1", ClientID: 1001, Ticker: "BTC-USD", Status: schema.VenueStatusOpen, UpdatedAt: now},
		{ID: "VO-2", ClientID: 1002, Ticker: "BTC-USD", Status: schema.VenueStatusOpen, UpdatedAt: now.Add(-2 * time.Hour)},
	}}
	client, _, _ := newTestClient(t, &fakeGateway{}, api)

	reports, err := client.GenerateOrderStatusReports(context.Background(), testInstrument, now.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 || reports[0].VenueOrderID != "VO-1" {
		t.Fatalf("reports = %+v, want only VO-1", reports)
	}
}

func TestGeneratePositionReportsSynthesizesFlat(t *testing.T) {
	client, _, _ := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	reports, err := client.GeneratePositionStatusReports(context.Background(), testInstrument)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1 synthetic flat report", len(reports))
	}
	if reports[0].Side != schema.PositionFlat || !reports[0].Quantity.IsZero() {
		t.Errorf("report = %+v, want FLAT with zero quantity", reports[0])
	}
}

func TestGenerateFillReportsDefaultsCommission(t *testing.T) {
	created := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{fills: []venue.Fill{{
		ID:        "T-1",
		OrderID:   "VO-1",
		Ticker:    "BTC-USD",
		Side:      schema.SideBuy,
		Size:      decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(100),
		Liquidity: schema.LiquidityTaker,
		CreatedAt: created,
	}}}
	client, _, _ := newTestClient(t, &fakeGateway{}, api)

	reports, err := client.GenerateFillReports(context.Background(), testInstrument, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if !reports[0].Commission.IsZero() || reports[0].CommissionCcy != "USDC" {
		t.Errorf("commission = %s %s, want zero USDC", reports[0].Commission, reports[0].CommissionCcy)
	}
}

func TestCancelAllOrdersFiltersOpenOrders(t *testing.T) {
	gateway := &fakeGateway{}
	client, store, _ := newTestClient(t, gateway, &fakeAPI{})

	open := testOrder("1001")
	open.Status = schema.StatusAccepted
	closed := testOrder("1002")
	closed.Status = schema.StatusFilled
	other := testOrder("1003")
	other.Status = schema.StatusAccepted
	other.StrategyID = "beta"
	store.AddOrder(open)
	store.AddOrder(closed)
	store.AddOrder(other)

	client.CancelAllOrders(context.Background(), testInstrument, "alpha")

	if got := gateway.cancelCount(); got != 1 {
		t.Fatalf("cancel transactions = %d, want 1", got)
	}
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.cancelCalls[0].ClientID != 1001 {
		t.Errorf("canceled client id = %d, want 1001", gateway.cancelCalls[0].ClientID)
	}
}

func TestHeightFailureRejectsSubmit(t *testing.T) {
	gateway := &fakeGateway{heightErr: errors.New("rpc unavailable")}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	client.SubmitOrder(context.Background(), testOrder("1001"))

	kinds := recorder.kinds()
	if len(kinds) != 2 || kinds[1] != schema.EventOrderRejected {
		t.Fatalf("events = %v, want submitted then rejected", kinds)
	}
	if reason := recorder.last().Reason; !strings.Contains(reason, "block height") {
		t.Errorf("reject reason = %q", reason)
	}
	if gateway.placeCount() != 0 {
		t.Error("expected no place attempt without a block height")
	}
}

func TestConcurrentSubmitsDoNotInterfere(t *testing.T) {
	gateway := &fakeGateway{}
	client, _, recorder := newTestClient(t, gateway, &fakeAPI{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client.SubmitOrder(context.Background(), testOrder(schema.ClientOrderID(fmt.Sprintf("%d", 2000+i))))
		}(i)
	}
	wg.Wait()

	if got := recorder.count(); got != 8 {
		t.Fatalf("events = %d, want 8 submitted", got)
	}
	if got := gateway.placeCount(); got != 8 {
		t.Fatalf("place attempts = %d, want 8", got)
	}
}
