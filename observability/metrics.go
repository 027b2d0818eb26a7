package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records the activity of the stablecoin engine: state
// transitions segmented by operation and outcome, plus liquidation totals.
type EngineMetrics struct {
	operations   *prometheus.CounterVec
	liquidations prometheus.Counter
	debtCovered  prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised metrics registry used to record
// engine state transitions.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total engine state transitions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations.",
			}),
			debtCovered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "engine",
				Name:      "liquidation_debt_covered_wei",
				Help:      "Cumulative synthetic debt covered through liquidations, in wei.",
			}),
		}
		prometheus.MustRegister(engineRegistry.operations, engineRegistry.liquidations, engineRegistry.debtCovered)
	})
	return engineRegistry
}

// RecordOperation increments the operation counter for the supplied name and
// outcome ("ok" or "error").
func (m *EngineMetrics) RecordOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	normalized := strings.TrimSpace(strings.ToLower(op))
	if normalized == "" {
		normalized = "unknown"
	}
	m.operations.WithLabelValues(normalized, outcome).Inc()
}

// RecordLiquidation tracks a completed liquidation and the debt it covered.
// The covered amount is reported as a float because Prometheus counters do
// not carry integer precision; exact amounts live in the journal.
func (m *EngineMetrics) RecordLiquidation(debtCoveredWei float64) {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	if debtCoveredWei > 0 {
		m.debtCovered.Add(debtCoveredWei)
	}
}
