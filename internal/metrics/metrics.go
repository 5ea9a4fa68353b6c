// Package metrics exposes Prometheus instrumentation for the price pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricefeed/internal/model"
)

// Metrics holds all Prometheus metrics for the price pipeline.
type Metrics struct {
	registry *prometheus.Registry

	PollsTotal          *prometheus.CounterVec // labels: source, result
	PollDuration        *prometheus.HistogramVec
	SourceConnected     *prometheus.GaugeVec   // labels: source
	ActiveSource        *prometheus.GaugeVec   // labels: source, 1 for the active one
	FailoverTransitions *prometheus.CounterVec // labels: from, to, reason
	PublishesTotal      prometheus.Counter
	RepublishesTotal    prometheus.Counter
	PublishDuration     prometheus.Histogram
	SubscriberDrops     prometheus.Counter
	SinkDrops           *prometheus.CounterVec // labels: sink
	Subscribers         prometheus.Gauge
	AlertsFired         prometheus.Counter
	PushFailures        *prometheus.CounterVec // labels: reason
	PersistFailures     *prometheus.CounterVec // labels: table
}

// New registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_polls_total",
			Help: "Upstream polls by source and result",
		}, []string{"source", "result"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricefeed_poll_duration_seconds",
			Help:    "Upstream fetch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		SourceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricefeed_source_connected",
			Help: "1 when the source is considered connected",
		}, []string{"source"}),
		ActiveSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricefeed_active_source",
			Help: "1 for the source currently driving published prices",
		}, []string{"source"}),
		FailoverTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_failover_transitions_total",
			Help: "Active source switches",
		}, []string{"from", "to", "reason"}),
		PublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_publishes_total",
			Help: "Freshly derived snapshots published",
		}),
		RepublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_republishes_total",
			Help: "Previous snapshots retransmitted unchanged",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricefeed_publish_duration_seconds",
			Help:    "Time spent persisting and broadcasting a snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_subscriber_drops_total",
			Help: "Snapshots dropped for slow subscribers",
		}),
		SinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_sink_drops_total",
			Help: "Snapshots dropped because an external sink lagged",
		}, []string{"sink"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricefeed_subscribers",
			Help: "Live snapshot subscribers",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricefeed_alerts_fired_total",
			Help: "Price alerts fired",
		}),
		PushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_push_failures_total",
			Help: "Push notifications that could not be delivered",
		}, []string{"reason"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricefeed_persist_failures_total",
			Help: "Storage writes that failed, by table",
		}, []string{"table"}),
	}

	reg.MustRegister(
		m.PollsTotal,
		m.PollDuration,
		m.SourceConnected,
		m.ActiveSource,
		m.FailoverTransitions,
		m.PublishesTotal,
		m.RepublishesTotal,
		m.PublishDuration,
		m.SubscriberDrops,
		m.SinkDrops,
		m.Subscribers,
		m.AlertsFired,
		m.PushFailures,
		m.PersistFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePoll(source model.Source, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.PollsTotal.WithLabelValues(string(source), result).Inc()
	m.PollDuration.WithLabelValues(string(source)).Observe(elapsed.Seconds())
}

func (m *Metrics) SetConnected(source model.Source, connected bool) {
	if m == nil {
		return
	}
	m.SourceConnected.WithLabelValues(string(source)).Set(boolGauge(connected))
}

func (m *Metrics) SetActive(active model.Source) {
	if m == nil {
		return
	}
	for _, s := range model.Sources {
		m.ActiveSource.WithLabelValues(string(s)).Set(boolGauge(s == active))
	}
}

func (m *Metrics) Transition(from, to model.Source, reason string) {
	if m == nil {
		return
	}
	m.FailoverTransitions.WithLabelValues(string(from), string(to), reason).Inc()
}

func (m *Metrics) Published(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PublishesTotal.Inc()
	m.PublishDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Republished() {
	if m == nil {
		return
	}
	m.RepublishesTotal.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.SubscriberDrops.Inc()
}

func (m *Metrics) SinkDropped(sink string) {
	if m == nil {
		return
	}
	m.SinkDrops.WithLabelValues(sink).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) AlertFired() {
	if m == nil {
		return
	}
	m.AlertsFired.Inc()
}

func (m *Metrics) PushFailed(reason string) {
	if m == nil {
		return
	}
	m.PushFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) PersistFailed(table string) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(table).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
