// Package metrics holds the Prometheus collectors reported by the sync layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaysync"

type Metrics struct {
	registry *prometheus.Registry

	online        prometheus.Gauge
	probesTotal   *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	feedItems     prometheus.Gauge
	feedChannel   *prometheus.GaugeVec
	outboxDepth   prometheus.Gauge
	outboxReplays *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the last connectivity probe succeeded",
		}),
		probesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_probes_total",
			Help:      "Connectivity probes by result",
		}, []string{"result"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Failed attempts inside retry loops by operation",
		}, []string{"operation"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Durable cache lookups by result",
		}, []string{"result"}),
		fetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Remote fetches by component and outcome",
		}, []string{"component", "outcome"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Remote fetch latency by component",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"component"}),
		feedItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_items",
			Help:      "Posts currently held by the feed",
		}),
		feedChannel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_channel_status",
			Help:      "1 for the current push channel status of the feed",
		}, []string{"status"}),
		outboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Mutations waiting in the offline queue",
		}),
		outboxReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_replays_total",
			Help:      "Offline queue replay attempts by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

func (m *Metrics) ObserveProbe(ok bool) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(operation).Inc()
}

// ObserveCacheLookup records one of hit, miss, expired or corrupt.
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFetch(component, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(component, outcome).Inc()
	m.fetchDuration.WithLabelValues(component).Observe(seconds)
}

func (m *Metrics) SetFeedItems(n int) {
	if m == nil {
		return
	}
	m.feedItems.Set(float64(n))
}

func (m *Metrics) SetFeedChannel(status string) {
	if m == nil {
		return
	}
	m.feedChannel.Reset()
	m.feedChannel.WithLabelValues(status).Set(1)
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

// ObserveReplay records one of success, failure or dropped.
func (m *Metrics) ObserveReplay(result string) {
	if m == nil {
		return
	}
	m.outboxReplays.WithLabelValues(result).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
