package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation-wide metrics
type Metrics struct {
	// Outbound delivery
	Deliveries         *prometheus.CounterVec // dialect, result
	DeliveryLatency    *prometheus.HistogramVec
	DeliveriesDeferred prometheus.Counter
	PeersArchived      prometheus.Counter
	PeersRestored      prometheus.Counter

	// Inbound dispatch
	Inbound              *prometheus.CounterVec // kind, outcome
	VerificationFailures *prometheus.CounterVec // reason
	ParentFetches        *prometheus.CounterVec // result

	// Identity resolution
	ResolverCacheHits   prometheus.Counter
	ResolverCacheMisses prometheus.Counter
	ResolverProbeErrors prometheus.Counter

	// Worker queue
	QueueDepth prometheus.Gauge
	JobsRun    *prometheus.CounterVec // result
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_deliveries_total",
			Help: "Outbound delivery attempts by dialect and result",
		}, []string{"dialect", "result"}),
		DeliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_delivery_duration_seconds",
			Help:    "Time spent transmitting one delivery",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"dialect"}),
		DeliveriesDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_deliveries_deferred_total",
			Help: "Deliveries handed back to the scheduler for retry",
		}),
		PeersArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_peers_archived_total",
			Help: "Peers marked unreachable after repeated delivery failure",
		}),
		PeersRestored: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_peers_restored_total",
			Help: "Archived peers that answered again",
		}),

		Inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbound_messages_total",
			Help: "Inbound messages by kind and outcome",
		}, []string{"kind", "outcome"}),
		VerificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbound_verification_failures_total",
			Help: "Inbound envelopes or relayables that failed verification",
		}, []string{"reason"}),
		ParentFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_parent_fetches_total",
			Help: "Remote fetches of missing thread parents",
		}, []string{"result"}),

		ResolverCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_resolver_cache_hits_total",
			Help: "Handle resolutions served from cache",
		}),
		ResolverCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_resolver_cache_misses_total",
			Help: "Handle resolutions that needed the store or a probe",
		}),
		ResolverProbeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_resolver_probe_errors_total",
			Help: "Webfinger probes that failed",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "federation_queue_depth",
			Help: "Jobs waiting in the delivery queue",
		}),
		JobsRun: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_jobs_total",
			Help: "Jobs executed by the worker pool",
		}, []string{"result"}),
	}
}
