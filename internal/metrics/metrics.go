package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hls_proxy"

// Metrics holds the proxy collectors on a private registry, so several servers can
// live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheStoreErrors  prometheus.Counter
	OriginFetches     *prometheus.CounterVec
	OriginFetchTime   prometheus.Histogram
	PrefetchScheduled *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by resource kind and response code.",
		}, []string{"kind", "code"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Resource cache lookups by result.",
		}, []string{"result"}),
		CacheStoreErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "Failed resource cache writes.",
		}),
		OriginFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_fetches_total",
			Help:      "Origin fetches by outcome.",
		}, []string{"outcome"}),
		OriginFetchTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_fetch_duration_seconds",
			Help:      "Origin fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		PrefetchScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_total",
			Help:      "Segment prefetch attempts by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The Observe helpers are safe on a nil *Metrics.

func (m *Metrics) ObserveRequest(kind string, code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCacheStoreError() {
	if m == nil {
		return
	}
	m.CacheStoreErrors.Inc()
}

func (m *Metrics) ObserveOriginFetch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OriginFetches.WithLabelValues(outcome).Inc()
	m.OriginFetchTime.Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePrefetch(outcome string) {
	if m == nil {
		return
	}
	m.PrefetchScheduled.WithLabelValues(outcome).Inc()
}
