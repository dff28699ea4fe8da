// Package metrics exposes prometheus metrics of the accounting core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "martibooks"
	subsystem = "portfolio"
)

// Metrics of sync cycles and portfolio state.
type Metrics struct {
	syncCycles     *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	ingested       *prometheus.CounterVec
	duplicates     prometheus.Counter
	rejected       prometheus.Counter
	equity         prometheus.Gauge
	drift          prometheus.Gauge
	unvalued       prometheus.Gauge
	prunedSnapshot prometheus.Counter
}

// New registers the metrics in reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		syncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by result",
		}, []string{"result"}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_duration_seconds",
			Help:      "Duration of completed sync cycles",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ingested_entries_total",
			Help:      "Ledger entries accepted by kind",
		}, []string{"kind"}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicate_entries_total",
			Help:      "Entries skipped because their id was already known",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected_entries_total",
			Help:      "Malformed entries rejected at ingestion",
		}),
		equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "equity_base",
			Help:      "Portfolio equity in the base currency",
		}),
		drift: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drift_detected",
			Help:      "1 when the last reconciliation detected drift",
		}),
		unvalued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unvalued_assets",
			Help:      "Held assets without a valuation path",
		}),
		prunedSnapshot: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pruned_snapshots_total",
			Help:      "Snapshots removed by retention",
		}),
	}
}

// ObserveSync records a finished sync cycle. result is "ok", "failed", "skipped" or "cancelled".
func (m *Metrics) ObserveSync(result string, took time.Duration, trades, cashFlows, duplicates, rejected int) {
	m.syncCycles.WithLabelValues(result).Inc()
	if result != "ok" {
		return
	}
	m.syncDuration.Observe(took.Seconds())
	m.ingested.WithLabelValues("trade").Add(float64(trades))
	m.ingested.WithLabelValues("cash_flow").Add(float64(cashFlows))
	m.duplicates.Add(float64(duplicates))
	m.rejected.Add(float64(rejected))
}

// ObservePortfolio records the state published by a sync or snapshot.
func (m *Metrics) ObservePortfolio(equity float64, drift bool, unvalued int) {
	m.equity.Set(equity)
	if drift {
		m.drift.Set(1)
	} else {
		m.drift.Set(0)
	}
	m.unvalued.Set(float64(unvalued))
}

// ObservePruned records removed snapshots.
func (m *Metrics) ObservePruned(n int) {
	m.prunedSnapshot.Add(float64(n))
}
