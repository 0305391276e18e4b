package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	connections := 3
	assert.Equal(t, metrics.RegisterActiveConnections(func() int {
		return connections
	}), nil)

	metrics.BeginTransaction("a")
	metrics.BeginTransaction("a")
	metrics.EndTransaction("a")

	assert.Equal(t, testutil.ToFloat64(metrics.changesTotal), float64(2))
	assert.Equal(t, testutil.ToFloat64(metrics.changesInFlight), float64(1))

	count, err := testutil.GatherAndCount(registry, "docsync_active_connections")
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 1)

	connections = 5
	families, err := registry.Gather()
	assert.Equal(t, err, nil)
	for _, family := range families {
		if family.GetName() == "docsync_active_connections" {
			assert.Equal(t, family.GetMetric()[0].GetGauge().GetValue(), float64(5))
		}
	}
}
