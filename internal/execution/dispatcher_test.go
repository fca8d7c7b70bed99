package execution

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/schema"
)

func orderUpdateMsg(venueOrderID, clientID, status string) []byte {
	return []byte(`{"type":"channel_data","channel":"v4_subaccounts","contents":{"orders":[{"id":"` + venueOrderID + `","clientId":"` + clientID + `","ticker":"BTC-USD","status":"` + status + `","side":"BUY","type":"LIMIT","orderFlags":"SHORT_TERM","timeInForce":"GTC","price":"100","size":"1","totalFilled":"0","updatedAt":"2026-09-01T00:00:00Z"}]}}`)
}

func fillMsg(tradeID, venueOrderID, size string) []byte {
	return []byte(`{"type":"channel_data","channel":"v4_subaccounts","contents":{"fills":[{"id":"` + tradeID + `","orderId":"` + venueOrderID + `","market":"BTC-USD","side":"BUY","size":"` + size + `","price":"100","liquidity":"TAKER","createdAt":"2026-09-01T00:00:01Z"}]}}`)
}

func trackOpenOrder(t *testing.T, store *cache.MemoryStore, clientOrderID schema.ClientOrderID, venueOrderID schema.VenueOrderID) {
	t.Helper()
	order := testOrder(clientOrderID)
	order.Status = schema.StatusAccepted
	order.VenueOrderID = venueOrderID
	store.AddOrder(order)
	store.IndexVenueOrderID(clientOrderID, venueOrderID)
}

func TestAcceptedUpdateIsIdempotent(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	order := testOrder("1001")
	order.Status = schema.StatusSubmitted
	store.AddOrder(order)

	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "OPEN"))
	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "OPEN"))
	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "BEST_EFFORT_OPENED"))

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderAccepted {
		t.Fatalf("events = %v, want exactly one accepted", kinds)
	}
}

func TestUntriggeredMapsToAccepted(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	order := testOrder("1001")
	order.Status = schema.StatusSubmitted
	order.Flags = schema.FlagConditional
	store.AddOrder(order)

	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "UNTRIGGERED"))

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderAccepted {
		t.Fatalf("events = %v, want accepted for untriggered order", kinds)
	}
}

func TestCanceledUpdateEmitsCanceled(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})
	trackOpenOrder(t, store, "1001", "VO-1")

	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "CANCELED"))

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderCanceled {
		t.Fatalf("events = %v, want single canceled", kinds)
	}
	if got := store.Order("1001").Status; got != schema.StatusCanceled {
		t.Errorf("cached status = %s, want CANCELED", got)
	}
}

func TestStaleCancellationAfterFillIsDropped(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})
	trackOpenOrder(t, store, "1001", "VO-1")

	client.HandleWSMessage(fillMsg("T-1", "VO-1", "1"))
	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "CANCELED"))

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderFilled {
		t.Fatalf("events = %v, want only the fill", kinds)
	}
	if got := store.Order("1001").Status; got != schema.StatusFilled {
		t.Errorf("cached status = %s, want FILLED", got)
	}
}

func TestBestEffortCanceledEmitsNothing(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})
	trackOpenOrder(t, store, "1001", "VO-1")

	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "BEST_EFFORT_CANCELED"))

	if recorder.count() != 0 {
		t.Fatalf("events = %v, want none for pending cancellation", recorder.kinds())
	}
}

func TestUnrecognizedStatusDropped(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})
	trackOpenOrder(t, store, "1001", "VO-1")

	client.HandleWSMessage(orderUpdateMsg("VO-1", "1001", "SOMETHING_NEW"))

	if recorder.count() != 0 {
		t.Fatalf("events = %v, want none for unrecognized status", recorder.kinds())
	}
}

func TestDuplicateFillAppliedOnce(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})
	order := testOrder("1001")
	order.Status = schema.StatusAccepted
	order.Quantity = decimal.NewFromInt(2)
	order.VenueOrderID = "VO-1"
	store.AddOrder(order)
	store.IndexVenueOrderID("1001", "VO-1")

	client.HandleWSMessage(fillMsg("T-1", "VO-1", "1"))
	client.HandleWSMessage(fillMsg("T-1", "VO-1", "1"))

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderFilled {
		t.Fatalf("events = %v, want exactly one fill", kinds)
	}
	if got := store.Order("1001").FilledQty; !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("filled qty = %s, want 1", got)
	}
}

func TestTwoCompletingFillsEmitOneFilledEvent(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})
	trackOpenOrder(t, store, "1001", "VO-1")

	// Both messages would individually complete the one-unit order; only
	// the first may close it.
	client.HandleWSMessage(fillMsg("T-1", "VO-1", "1"))
	client.HandleWSMessage(fillMsg("T-2", "VO-1", "1"))

	kinds := recorder.kinds()
	if len(kinds) != 1 || kinds[0] != schema.EventOrderFilled {
		t.Fatalf("events = %v, want exactly one fill", kinds)
	}
	cached := store.Order("1001")
	if cached.Status != schema.StatusFilled {
		t.Errorf("cached status = %s, want FILLED", cached.Status)
	}
	if !cached.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("filled qty = %s, want 1", cached.FilledQty)
	}
}

func TestPartialThenCompletingFill(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})
	order := testOrder("1001")
	order.Status = schema.StatusAccepted
	order.Quantity = decimal.NewFromInt(2)
	order.VenueOrderID = "VO-1"
	store.AddOrder(order)
	store.IndexVenueOrderID("1001", "VO-1")

	client.HandleWSMessage(fillMsg("T-1", "VO-1", "1"))
	if got := store.Order("1001").Status; got != schema.StatusPartiallyFilled {
		t.Fatalf("status after partial = %s", got)
	}
	client.HandleWSMessage(fillMsg("T-2", "VO-1", "1"))
	if got := store.Order("1001").Status; got != schema.StatusFilled {
		t.Fatalf("status after completion = %s", got)
	}
	if got := recorder.count(); got != 2 {
		t.Fatalf("events = %d, want 2 fills", got)
	}
}

func TestExternalOrderForwardedAsReport(t *testing.T) {
	client, store, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	var mu sync.Mutex
	var external []schema.OrderStatusReport
	client.OnExternalOrder(func(report schema.OrderStatusReport) {
		mu.Lock()
		defer mu.Unlock()
		external = append(external, report)
	})

	client.HandleWSMessage(orderUpdateMsg("VO-9", "777", "OPEN"))

	mu.Lock()
	defer mu.Unlock()
	if len(external) != 1 {
		t.Fatalf("external reports = %d, want 1", len(external))
	}
	if external[0].ClientOrderID != "777" || external[0].Status != schema.VenueStatusOpen {
		t.Errorf("report = %+v", external[0])
	}
	if recorder.count() != 0 {
		t.Errorf("events = %v, want none for external order", recorder.kinds())
	}
	if store.Order("777") != nil {
		t.Error("external order must not enter the local cache")
	}
}

func TestExternalFillForwardedAsReport(t *testing.T) {
	client, _, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	var mu sync.Mutex
	var external []schema.FillReport
	client.OnExternalFill(func(report schema.FillReport) {
		mu.Lock()
		defer mu.Unlock()
		external = append(external, report)
	})

	client.HandleWSMessage(fillMsg("T-9", "VO-unknown", "1"))

	mu.Lock()
	defer mu.Unlock()
	if len(external) != 1 {
		t.Fatalf("external fill reports = %d, want 1", len(external))
	}
	if external[0].TradeID != "T-9" || external[0].ClientOrderID != "" {
		t.Errorf("report = %+v", external[0])
	}
	if recorder.count() != 0 {
		t.Errorf("events = %v, want none for external fill", recorder.kinds())
	}
}

func TestUnknownMessageDropped(t *testing.T) {
	client, _, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	client.HandleWSMessage([]byte(`{"type":"mystery","channel":"v4_ufo"}`))
	client.HandleWSMessage([]byte(`not json at all`))
	client.HandleWSMessage([]byte(`{"type":"channel_data","channel":"v4_ufo","contents":{}}`))

	if recorder.count() != 0 {
		t.Fatalf("events = %v, want none for unknown messages", recorder.kinds())
	}
}

func TestSubaccountSnapshotEmitsAccountState(t *testing.T) {
	client, _, _ := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	var mu sync.Mutex
	var states []schema.AccountState
	client.OnAccountState(func(state schema.AccountState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	})

	client.HandleWSMessage([]byte(`{"type":"subscribed","channel":"v4_subaccounts","contents":{"subaccount":{"equity":"1000.5","freeCollateral":"750.25"}}}`))

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 {
		t.Fatalf("account states = %d, want 1", len(states))
	}
	state := states[0]
	if len(state.Balances) != 1 || state.Balances[0].Currency != "USDC" {
		t.Fatalf("balances = %+v", state.Balances)
	}
	if !state.Balances[0].Total.Equal(decimal.RequireFromString("1000.5")) {
		t.Errorf("total = %s", state.Balances[0].Total)
	}
	if !state.Balances[0].Locked.Equal(decimal.RequireFromString("250.25")) {
		t.Errorf("locked = %s", state.Balances[0].Locked)
	}
	if len(state.Margins) != 1 || state.Margins[0].Currency != "USDC" {
		t.Fatalf("margins = %+v", state.Margins)
	}
	if !state.Margins[0].Initial.Equal(decimal.RequireFromString("250.25")) {
		t.Errorf("initial margin = %s", state.Margins[0].Initial)
	}
}

func TestOraclePriceUpdateSurfaced(t *testing.T) {
	client, _, recorder := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	var mu sync.Mutex
	var updates []schema.OraclePrice
	client.OnOraclePrice(func(update schema.OraclePrice) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, update)
	})

	client.HandleWSMessage([]byte(`{"type":"channel_data","channel":"v4_markets","contents":{"oraclePrices":{"BTC-USD":{"oraclePrice":"65000.5"}}}}`))

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 {
		t.Fatalf("oracle updates = %d, want 1", len(updates))
	}
	if updates[0].InstrumentID != testInstrument {
		t.Errorf("instrument = %s, want %s", updates[0].InstrumentID, testInstrument)
	}
	if !updates[0].Price.Equal(decimal.RequireFromString("65000.5")) {
		t.Errorf("price = %s", updates[0].Price)
	}
	if recorder.count() != 0 {
		t.Fatalf("events = %v, want none for market data", recorder.kinds())
	}
}

func TestBlockHeightTracked(t *testing.T) {
	client, _, _ := newTestClient(t, &fakeGateway{}, &fakeAPI{})

	client.HandleWSMessage([]byte(`{"type":"channel_data","channel":"v4_block_height","contents":{"blockHeight":"123456"}}`))

	if got := client.LatestBlockHeight(); got != 123456 {
		t.Errorf("latest block = %d, want 123456", got)
	}
}
