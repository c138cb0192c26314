// Package metrics owns the prometheus collectors of one service instance.
// Every dropped or rejected reading is counted here in addition to being logged.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agri"

// Drop and rejection reasons.
const (
	ReasonMalformed   = "malformed"
	ReasonStale       = "stale"
	ReasonValidation  = "validation"
	ReasonOverflow    = "overflow"
	ReasonShutdown    = "shutdown"
	ReasonRateLimited = "rate_limited"
)

type Metrics struct {
	registry *prometheus.Registry

	ReadingsAccepted   *prometheus.CounterVec
	ReadingsDropped    *prometheus.CounterVec
	AlertsPublished    *prometheus.CounterVec
	SubscriberDrops    prometheus.Counter
	SubscriberFailures prometheus.Counter
	ChannelStates      *prometheus.GaugeVec
	Reconnects         prometheus.Counter
	WindowsEmitted     *prometheus.CounterVec
	TrainingRuns       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReadingsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Validated readings forwarded to evaluation and aggregation.",
		}, []string{"sensor_type"}),
		ReadingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_dropped_total",
			Help:      "Readings rejected or dropped before buffering, by reason.",
		}, []string{"reason"}),
		AlertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Alerts handed to the dispatcher.",
		}, []string{"alert_type", "severity"}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_subscriber_drops_total",
			Help:      "Alerts not delivered because a subscriber queue was full.",
		}),
		SubscriberFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_subscriber_failures_total",
			Help:      "Subscriber callbacks that returned an error or panicked.",
		}),
		ChannelStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingestion_channels",
			Help:      "Ingestion channels per connection state.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_reconnects_total",
			Help:      "Reconnection attempts across all devices.",
		}),
		WindowsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregated_windows_total",
			Help:      "Aggregated windows emitted by flushes.",
		}, []string{"sensor_type"}),
		TrainingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Per-farm export and submission outcomes.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.ReadingsAccepted,
		m.ReadingsDropped,
		m.AlertsPublished,
		m.SubscriberDrops,
		m.SubscriberFailures,
		m.ChannelStates,
		m.Reconnects,
		m.WindowsEmitted,
		m.TrainingRuns,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Dropped(reason string) {
	m.ReadingsDropped.WithLabelValues(reason).Inc()
}

// StateChanged moves one channel from the from gauge to the to gauge. An empty
// from means the channel is new.
func (m *Metrics) StateChanged(from, to string) {
	if from != "" {
		m.ChannelStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.ChannelStates.WithLabelValues(to).Inc()
	}
}
