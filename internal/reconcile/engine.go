// Package reconcile aligns local order state with venue-authoritative
// reports at startup and on demand.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// Source produces venue-authoritative reports. The execution client
// implements this surface.
type Source interface {
	GenerateOrderStatusReports(ctx context.Context, instrumentID schema.InstrumentID, start, end time.Time) ([]schema.OrderStatusReport, error)
	GenerateFillReports(ctx context.Context, instrumentID schema.InstrumentID, start time.Time) ([]schema.FillReport, error)
	GeneratePositionStatusReports(ctx context.Context, instrumentID schema.InstrumentID) ([]schema.PositionStatusReport, error)
	GenerateOrderStatusReport(ctx context.Context, instrumentID schema.InstrumentID, clientOrderID schema.ClientOrderID, venueOrderID schema.VenueOrderID) *schema.OrderStatusReport
}

// ExternalOrderHandler receives reports for orders the local cache does
// not track.
type ExternalOrderHandler func(report schema.OrderStatusReport)

// Engine drives reconciliation for one venue account.
type Engine struct {
	venue     string
	accountID schema.AccountID
	source    Source
	store     cache.Store
	clock     func() time.Time

	onExternal ExternalOrderHandler
}

// NewEngine constructs a reconciliation engine over the report source and
// the shared cache.
func NewEngine(venue string, accountID schema.AccountID, source Source, store cache.Store) *Engine {
	e := &Engine{
		venue:     venue,
		accountID: accountID,
		source:    source,
		store:     store,
		clock:     time.Now,
	}
	e.onExternal = func(schema.OrderStatusReport) {}
	return e
}

// OnExternalOrder registers the handler for untracked order reports.
func (e *Engine) OnExternalOrder(handler ExternalOrderHandler) {
	if handler != nil {
		e.onExternal = handler
	}
}

// GenerateMassStatus fetches order, fill, and position reports
// concurrently and aggregates them. A failing report kind degrades to an
// empty list so one venue endpoint outage does not abort the whole
// snapshot; the second return reports whether every kind succeeded.
func (e *Engine) GenerateMassStatus(ctx context.Context, lookback time.Duration) (schema.ExecutionMassStatus, bool) {
	started := e.clock()
	start := time.Time{}
	if lookback > 0 {
		start = started.Add(-lookback)
	}

	mass := schema.NewExecutionMassStatus(e.venue, e.accountID, started)
	var failures atomic.Int32

	var wg conc.WaitGroup
	wg.Go(func() {
		reports, err := e.source.GenerateOrderStatusReports(ctx, "", start, time.Time{})
		if err != nil {
			failures.Add(1)
			observability.Log().Error("order status reports unavailable",
				observability.F("venue", e.venue),
				observability.F("error", err),
			)
			return
		}
		mass.OrderReports = reports
	})
	wg.Go(func() {
		reports, err := e.source.GenerateFillReports(ctx, "", start)
		if err != nil {
			failures.Add(1)
			observability.Log().Error("fill reports unavailable",
				observability.F("venue", e.venue),
				observability.F("error", err),
			)
			return
		}
		mass.FillReports = reports
	})
	wg.Go(func() {
		reports, err := e.source.GeneratePositionStatusReports(ctx, "")
		if err != nil {
			failures.Add(1)
			observability.Log().Error("position reports unavailable",
				observability.F("venue", e.venue),
				observability.F("error", err),
			)
			return
		}
		mass.PositionReports = reports
	})
	wg.Wait()

	observability.Telemetry().IncCounter(observability.MetricReconcileReports,
		float64(len(mass.OrderReports)+len(mass.FillReports)+len(mass.PositionReports)),
		map[string]string{"venue": e.venue},
	)
	if failed := failures.Load(); failed > 0 {
		observability.Telemetry().IncCounter(observability.MetricReconcileFailures, float64(failed), map[string]string{"venue": e.venue})
	}
	observability.Telemetry().ObserveHistogram(observability.MetricReconcileDurations, e.clock().Sub(started).Seconds(), map[string]string{"venue": e.venue})

	return mass, failures.Load() == 0
}

// Reconcile aligns the local cache with a fresh mass status. Tracked
// orders adopt venue-reported state; untracked reports are forwarded to
// the external handler; locally open orders the venue did not report are
// looked up individually.
func (e *Engine) Reconcile(ctx context.Context, lookback time.Duration) (schema.ExecutionMassStatus, bool) {
	mass, complete := e.GenerateMassStatus(ctx, lookback)

	reported := make(map[schema.ClientOrderID]struct{}, len(mass.OrderReports))
	for _, report := range mass.OrderReports {
		reported[report.ClientOrderID] = struct{}{}
		e.applyReport(report)
	}

	for _, order := range e.store.OrdersOpen("", "") {
		if _, ok := reported[order.ClientOrderID]; ok {
			continue
		}
		report := e.source.GenerateOrderStatusReport(ctx, order.InstrumentID, order.ClientOrderID, order.VenueOrderID)
		if report == nil {
			// The source caps per-order lookups and fails the order itself
			// once the cap is hit.
			continue
		}
		e.applyReport(*report)
	}

	observability.Log().Info("reconciliation complete",
		observability.F("venue", e.venue),
		observability.F("order_reports", len(mass.OrderReports)),
		observability.F("fill_reports", len(mass.FillReports)),
		observability.F("position_reports", len(mass.PositionReports)),
		observability.F("complete", complete),
	)
	return mass, complete
}

func (e *Engine) applyReport(report schema.OrderStatusReport) {
	if _, tracked := e.store.StrategyIDForOrder(report.ClientOrderID); !tracked {
		e.onExternal(report)
		return
	}
	order := e.store.Order(report.ClientOrderID)
	if order == nil {
		return
	}

	if report.VenueOrderID != "" && order.VenueOrderID == "" {
		order.VenueOrderID = report.VenueOrderID
		e.store.IndexVenueOrderID(order.ClientOrderID, report.VenueOrderID)
	}

	if report.Status == schema.VenueStatusBestEffortCanceled {
		// Pending cancellation; a later report resolves it to CANCELED or
		// FILLED, so the local order must not close yet.
		return
	}

	status, ok := localStatus(report)
	if !ok {
		observability.Log().Error("report with unrecognized status skipped",
			observability.F("client_order_id", report.ClientOrderID),
			observability.F("status", report.Status),
		)
		return
	}
	// Venue truth wins, but a closed local order never reopens.
	if order.IsClosed() && !status.Terminal() {
		return
	}
	if order.Status == status && order.FilledQty.Equal(report.FilledQty) {
		return
	}

	observability.Log().Info("reconciling order state",
		observability.F("client_order_id", report.ClientOrderID),
		observability.F("from", order.Status),
		observability.F("to", status),
	)
	order.Status = status
	order.FilledQty = report.FilledQty
	order.UpdatedAt = e.clock()
	e.store.UpdateOrder(order)
}

func localStatus(report schema.OrderStatusReport) (schema.OrderStatus, bool) {
	switch report.Status {
	case schema.VenueStatusOpen, schema.VenueStatusBestEffortOpened, schema.VenueStatusUntriggered:
		if report.FilledQty.IsPositive() {
			return schema.StatusPartiallyFilled, true
		}
		return schema.StatusAccepted, true
	case schema.VenueStatusCanceled:
		return schema.StatusCanceled, true
	case schema.VenueStatusFilled:
		return schema.StatusFilled, true
	default:
		return "", false
	}
}
