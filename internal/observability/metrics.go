package observability

// Metrics provides counter and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// Metric names recorded by the execution core.
const (
	MetricRetryAttempts      = "tidemark_retry_attempts_total"
	MetricRetryExhausted     = "tidemark_retry_exhausted_total"
	MetricRetryCanceled      = "tidemark_retry_canceled_total"
	MetricCommandsRejected   = "tidemark_commands_rejected_total"
	MetricReconcileReports   = "tidemark_reconcile_reports_total"
	MetricReconcileFailures  = "tidemark_reconcile_failures_total"
	MetricReconcileDurations = "tidemark_reconcile_duration_seconds"
)

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
