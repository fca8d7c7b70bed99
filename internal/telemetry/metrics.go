package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tidemark/internal/observability"
)

// collector adapts an OTel meter to the observability metrics surface.
// Instruments are created on first use and cached by name.
type collector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

func newCollector(meter metric.Meter) *collector {
	return &collector{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// IncCounter adds value to the named counter.
func (c *collector) IncCounter(name string, value float64, labels map[string]string) {
	counter, err := c.counter(name)
	if err != nil {
		observability.Log().Warn("counter instrument unavailable",
			observability.F("name", name),
			observability.F("error", err),
		)
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attributes(labels)...))
}

// ObserveHistogram records value on the named histogram.
func (c *collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	histogram, err := c.histogram(name)
	if err != nil {
		observability.Log().Warn("histogram instrument unavailable",
			observability.F("name", name),
			observability.F("error", err),
		)
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(attributes(labels)...))
}

func (c *collector) counter(name string) (metric.Float64Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok := c.counters[name]; ok {
		return counter, nil
	}
	counter, err := c.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	c.counters[name] = counter
	return counter, nil
}

func (c *collector) histogram(name string) (metric.Float64Histogram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok := c.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := c.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	c.histograms[name] = histogram
	return histogram, nil
}

func attributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
