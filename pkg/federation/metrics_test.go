package federation

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics.Deliveries == nil {
		t.Error("Deliveries metric not created")
	}
	if metrics.Inbound == nil {
		t.Error("Inbound metric not created")
	}
	if metrics.ResolverCacheHits == nil {
		t.Error("ResolverCacheHits metric not created")
	}
}

func TestMetrics_Counting(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.Deliveries.WithLabelValues("diaspora", "delivered").Inc()
	metrics.Deliveries.WithLabelValues("diaspora", "delivered").Inc()
	metrics.Deliveries.WithLabelValues("native", "failed").Inc()
	metrics.PeersArchived.Inc()

	if got := testutil.ToFloat64(metrics.Deliveries.WithLabelValues("diaspora", "delivered")); got != 2 {
		t.Errorf("delivered count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.PeersArchived); got != 1 {
		t.Errorf("archived count = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(metrics.Deliveries); n != 2 {
		t.Errorf("delivery series = %d, want 2", n)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances on distinct registries must not collide.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
