package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSync("ok", 150*time.Millisecond, 3, 1, 2, 1)
	m.ObserveSync("skipped", 0, 5, 5, 5, 5)
	m.ObservePortfolio(12345.5, true, 2)
	m.ObservePruned(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.syncCycles.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.syncCycles.WithLabelValues("skipped")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ingested.WithLabelValues("trade")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 12345.5, testutil.ToFloat64(m.equity))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.drift))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.unvalued))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.prunedSnapshot))

	count, err := testutil.GatherAndCount(reg, "martibooks_portfolio_sync_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}
