package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records outcome counts and latency for every ledger operation.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	escrowed   prometheus.Gauge
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the lazily-initialised metrics registry for ledger activity.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "datamarket",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "datamarket",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			escrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "datamarket",
				Subsystem: "ledger",
				Name:      "escrowed_total",
				Help:      "Funds currently held in escrow across open requests.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.escrowed,
		)
	})
	return ledgerRegistry
}

// Observe records a finished ledger operation.
func (m *LedgerMetrics) Observe(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(seconds)
}

// SetEscrowed updates the escrowed-funds gauge.
func (m *LedgerMetrics) SetEscrowed(total float64) {
	if m == nil {
		return
	}
	m.escrowed.Set(total)
}
