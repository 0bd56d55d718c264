package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rss_reader"

// Metrics counts pipeline outcomes per trigger. Results are labelled with the
// failing stage so fetch, parse and persist problems can be told apart.
type Metrics struct {
	Registry *prometheus.Registry

	loads        *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
	coalesced    prometheus.Counter
	refreshRuns  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_loads_total",
			Help:      "Feed fetch, parse and persist cycles by result.",
		}, []string{"result"}),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "feed_load_duration_seconds",
			Help:      "Duration of a feed fetch, parse and persist cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_loads_coalesced_total",
			Help:      "Requests that joined an in-flight load of the same URL.",
		}),
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_runs_total",
			Help:      "Refresh-all runs by trigger.",
		}, []string{"trigger"}),
	}

	registry.MustRegister(m.loads, m.loadDuration, m.coalesced, m.refreshRuns)

	return m
}

func (m *Metrics) observeLoad(result string, seconds float64) {
	m.loads.WithLabelValues(result).Inc()
	m.loadDuration.WithLabelValues(result).Observe(seconds)
}

func (m *Metrics) observeCoalesced() {
	m.coalesced.Inc()
}

func (m *Metrics) observeRefreshRun(trigger string) {
	m.refreshRuns.WithLabelValues(trigger).Inc()
}
