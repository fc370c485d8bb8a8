package services

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordTick(t *testing.T) {
	m := NewMetrics()
	m.RecordTick(TickSummary{Succeeded: 3, Failed: 1, Conflicted: 2, Duration: 150 * time.Millisecond})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TicksTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EntriesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EntriesTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickDuration))
}

func TestMetricsUseOwnRegistry(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordApply("beta", "inserted")
	a.SetPrimary([]string{"alpha", "beta"}, "beta")

	assert.Equal(t, float64(1), testutil.ToFloat64(a.AppliesTotal.WithLabelValues("beta", "inserted")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.AppliesTotal.WithLabelValues("beta", "inserted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.PrimaryNode.WithLabelValues("beta")))
	assert.Equal(t, float64(0), testutil.ToFloat64(a.PrimaryNode.WithLabelValues("alpha")))

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
