// Package prommetrics implements ledger.Metrics using Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	incrementsTotal            *prometheus.CounterVec
	creditsTotal               *prometheus.CounterVec
	limitReachedTotal          *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	modeChangesTotal           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		incrementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_increments_total",
			Help:      "Total number of usage increments by backend.",
		}, []string{"backend", "success"}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_credits_total",
			Help:      "Total number of payment credits applied to sessions by backend.",
		}, []string{"backend", "success"}),

		limitReachedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_limit_reached_total",
			Help:      "Total number of generations refused because the usage limit was reached.",
		}, []string{"regime"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of record store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of record store operation errors.",
		}, []string{"operation"}),

		modeChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_mode_changes_total",
			Help:      "Total number of usage sessions switching storage mode.",
		}, []string{"mode"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordIncrement(backend string, success bool) {
	m.incrementsTotal.WithLabelValues(backend, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordCredit(backend string, success bool) {
	m.creditsTotal.WithLabelValues(backend, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordLimitReached(regime string) {
	m.limitReachedTotal.WithLabelValues(regime).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordModeChange(mode string) {
	m.modeChangesTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
