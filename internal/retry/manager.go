// Package retry executes fallible venue operations under bounded
// exponential-backoff retry with cooperative cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/observability"
)

var (
	// ErrRetriesExhausted reports that every attempt within the retry
	// budget failed with a transient error.
	ErrRetriesExhausted = errors.New("retry: retries exhausted")
	// ErrCanceled reports that the retry loop was canceled before
	// completion. Cancellation is a normal outcome, not an error path.
	ErrCanceled = errors.New("Canceled retry")
)

// Config holds the backoff parameters applied to every run.
type Config struct {
	// MaxRetries bounds the attempts after the first: total attempts are
	// MaxRetries+1. Zero disables retrying entirely.
	MaxRetries int
	// DelayInitial is the first backoff delay.
	DelayInitial time.Duration
	// DelayMax caps the backoff delay.
	DelayMax time.Duration
	// BackoffFactor multiplies the delay between attempts.
	BackoffFactor float64
	// Jitter is the backoff randomization factor in [0, 1]. Zero makes the
	// schedule deterministic.
	Jitter float64
	// Transient classifies errors worth retrying. Defaults to errs.Retryable.
	Transient func(error) bool
	// RetryCheck, when set, can veto a retry for an otherwise transient
	// error; the run then terminates as a failure.
	RetryCheck func(error) bool
}

func (c Config) withDefaults() Config {
	if c.DelayInitial <= 0 {
		c.DelayInitial = time.Second
	}
	if c.DelayMax <= 0 {
		c.DelayMax = 10 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.Transient == nil {
		c.Transient = errs.Retryable
	}
	return c
}

// Manager runs exactly one operation at a time, retrying transient failures
// until success, budget exhaustion, or cancellation. Instances are reused
// serially through a Pool and must be Cleared between owners.
type Manager[T any] struct {
	cfg Config

	mu       sync.Mutex
	name     string
	details  []string
	attempts int
	result   bool
	message  string
	canceled bool
	cancelCh chan struct{}
}

// NewManager constructs a manager with the given backoff configuration.
func NewManager[T any](cfg Config) *Manager[T] {
	m := new(Manager[T])
	m.cfg = cfg.withDefaults()
	m.cancelCh = make(chan struct{})
	return m
}

// Run invokes op, retrying while it fails with a transient error, until it
// succeeds, exhausts the retry budget, or is canceled.
//
// On success the value is returned with a nil error. Exhaustion and
// retry-check vetoes return ErrRetriesExhausted wrapping the last failure.
// Cancellation returns ErrCanceled. An error outside the transient set
// propagates unchanged on the attempt that produced it.
func (m *Manager[T]) Run(ctx context.Context, name string, details []string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	m.begin(name, details)

	schedule := m.newBackoff()
	retries := 0

	for {
		if err := m.checkCanceled(ctx); err != nil {
			return zero, err
		}

		m.recordAttempt()
		value, err := op(ctx)
		if err == nil {
			m.finish(true, "")
			return value, nil
		}

		if !m.cfg.Transient(err) {
			m.finish(false, err.Error())
			return zero, err
		}

		observability.Log().Warn("retryable error on operation",
			observability.F("name", name),
			observability.F("details", details),
			observability.F("error", err),
		)

		vetoed := m.cfg.RetryCheck != nil && !m.cfg.RetryCheck(err)
		if vetoed || retries >= m.cfg.MaxRetries {
			m.finish(false, err.Error())
			observability.Log().Error("exhausted retries on operation",
				observability.F("name", name),
				observability.F("details", details),
				observability.F("retries", retries),
				observability.F("error", err),
			)
			observability.Telemetry().IncCounter(observability.MetricRetryExhausted, 1, map[string]string{"operation": name})
			return zero, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		retries++
		delay := schedule.NextBackOff()
		if delay == backoff.Stop || delay > m.cfg.DelayMax {
			delay = m.cfg.DelayMax
		}
		observability.Log().Debug("retrying operation",
			observability.F("name", name),
			observability.F("retry", retries),
			observability.F("delay", delay),
		)
		observability.Telemetry().IncCounter(observability.MetricRetryAttempts, 1, map[string]string{"operation": name})

		if err := m.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// Cancel cooperatively stops the retry loop. An in-flight attempt is not
// interrupted; the loop exits before the next attempt or mid-backoff.
func (m *Manager[T]) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canceled {
		return
	}
	m.canceled = true
	close(m.cancelCh)
}

// Clear resets all per-operation state so the instance is safe for reuse.
// Never call while a run is in progress.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = ""
	m.details = nil
	m.attempts = 0
	m.result = false
	m.message = ""
	m.canceled = false
	m.cancelCh = make(chan struct{})
}

// Result reports whether the last run succeeded.
func (m *Manager[T]) Result() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Message returns the failure message recorded by the last run.
func (m *Manager[T]) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// Attempts returns the number of attempts performed by the last run.
func (m *Manager[T]) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager[T]) begin(name string, details []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	m.details = details
	m.attempts = 0
	m.result = false
	m.message = ""
}

func (m *Manager[T]) newBackoff() *backoff.ExponentialBackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = m.cfg.DelayInitial
	schedule.MaxInterval = m.cfg.DelayMax
	schedule.Multiplier = m.cfg.BackoffFactor
	schedule.RandomizationFactor = m.cfg.Jitter
	schedule.Reset()
	return schedule
}

func (m *Manager[T]) recordAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
}

func (m *Manager[T]) finish(result bool, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	m.message = message
}

func (m *Manager[T]) checkCanceled(ctx context.Context) error {
	m.mu.Lock()
	canceled := m.canceled
	m.mu.Unlock()
	if canceled || ctx.Err() != nil {
		m.markCanceled()
		return ErrCanceled
	}
	return nil
}

func (m *Manager[T]) sleep(ctx context.Context, delay time.Duration) error {
	m.mu.Lock()
	cancelCh := m.cancelCh
	m.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-cancelCh:
		m.markCanceled()
		return ErrCanceled
	case <-ctx.Done():
		m.markCanceled()
		return ErrCanceled
	}
}

func (m *Manager[T]) markCanceled() {
	m.mu.Lock()
	name := m.name
	m.result = false
	m.message = ErrCanceled.Error()
	m.mu.Unlock()
	observability.Telemetry().IncCounter(observability.MetricRetryCanceled, 1, map[string]string{"operation": name})
}
