package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the engine updates directly at
// the point each counter/observation changes, mirroring the retrieval
// pack's own simulator (llm-d-llm-d-inference-sim), which exports
// comparable counters for the same continuous-batching domain.
type Metrics struct {
	TokensProcessed   prometheus.Counter
	RequestsCompleted prometheus.Counter
	RequestsFailed    prometheus.Counter
	ActiveRequests    prometheus.Gauge
	BatchSize         prometheus.Histogram
	TickDuration      prometheus.Histogram
}

// NewMetrics registers the engine's collectors against reg and returns
// the bundle to pass as Options.Metrics. Pass a fresh
// prometheus.NewRegistry() in tests to avoid colliding with
// prometheus.DefaultRegisterer across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortexstream_tokens_processed_total",
			Help: "Total number of tokens generated across all requests.",
		}),
		RequestsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortexstream_requests_completed_total",
			Help: "Total number of requests that reached a Finished state.",
		}),
		RequestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortexstream_requests_failed_total",
			Help: "Total number of requests that reached a Failed state.",
		}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortexstream_active_requests",
			Help: "Number of requests currently Prefilling or Decoding.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortexstream_batch_size",
			Help:    "Size of each non-empty prefill or decode batch.",
			Buckets: prometheus.LinearBuckets(1, 4, 8),
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortexstream_tick_duration_seconds",
			Help:    "Wall-clock duration of one engine tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
