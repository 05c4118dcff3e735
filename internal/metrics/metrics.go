// Package metrics holds the Prometheus collectors for ytdash. All methods are
// safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	GatewayCalls     *prometheus.CounterVec
	QuotaRemaining   prometheus.Gauge
	SyncRuns         *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	VideosInserted   prometheus.Counter
	VideosUpdated    prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ytdash_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by route, method and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ytdash_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytdash_gateway_calls_total",
			Help: "YouTube Data API calls, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ytdash_gateway_quota_remaining",
			Help: "Estimated remaining daily Data API quota units.",
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytdash_sync_runs_total",
			Help: "Channel sync runs, by outcome.",
		}, []string{"outcome"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ytdash_sync_duration_seconds",
			Help:    "Duration of channel sync runs.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		VideosInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytdash_sync_videos_inserted_total",
			Help: "Videos inserted by sync runs.",
		}),
		VideosUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytdash_sync_videos_updated_total",
			Help: "Videos whose counters were refreshed by sync runs.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytdash_cache_hits_total",
			Help: "Total Redis cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytdash_cache_misses_total",
			Help: "Total Redis cache misses.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestDuration,
			m.RequestsInFlight,
			m.GatewayCalls,
			m.QuotaRemaining,
			m.SyncRuns,
			m.SyncDuration,
			m.VideosInserted,
			m.VideosUpdated,
			m.CacheHits,
			m.CacheMisses,
		)
	}
	return m
}

// GatewayCall counts one Data API call.
func (m *Metrics) GatewayCall(endpoint string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GatewayCalls.WithLabelValues(endpoint, outcome).Inc()
}

// SetQuotaRemaining records the gateway's quota estimate.
func (m *Metrics) SetQuotaRemaining(units int) {
	if m == nil {
		return
	}
	m.QuotaRemaining.Set(float64(units))
}

// SyncCompleted records a finished sync run.
func (m *Metrics) SyncCompleted(seconds float64, inserted, updated int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SyncRuns.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(seconds)
	m.VideosInserted.Add(float64(inserted))
	m.VideosUpdated.Add(float64(updated))
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// ObserveRequest records a served HTTP request.
func (m *Metrics) ObserveRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, status).Observe(seconds)
}
