// Package metrics holds the Prometheus collectors shared by the pipeline
// binaries. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thumbing"

// Metrics groups the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	eventsConsumed  *prometheus.CounterVec
	processed       *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	published       *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	transitions     *prometheus.CounterVec
}

// New creates and registers the collectors with a fresh registry that also
// exports Go runtime and process metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Storage events read from the transport, by stage and outcome",
		}, []string{"stage", "outcome"}),

		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invocations_total",
			Help:      "Worker invocations by result class",
		}, []string{"result"}),

		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invocation_duration_seconds",
			Help:      "Worker invocation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts after a failure, by stage",
		}, []string{"stage"}),

		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Events moved to the dead-letter sink, by stage and error class",
		}, []string{"stage", "class"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publishes_total",
			Help:      "Notification publishes by outcome",
		}, []string{"outcome"}),

		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Per-subscriber webhook deliveries by result",
		}, []string{"result"}),

		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "delivery_duration_seconds",
			Help:      "Per-subscriber delivery latency including retries",
			Buckets:   prometheus.DefBuckets,
		}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscription_transitions_total",
			Help:      "Subscription state transitions by target status",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.eventsConsumed,
		m.processed,
		m.processDuration,
		m.retries,
		m.deadLettered,
		m.published,
		m.deliveries,
		m.deliveryLatency,
		m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventConsumed(stage, outcome string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ObserveInvocation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(result).Inc()
	m.processDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) Retry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

func (m *Metrics) DeadLettered(stage, class string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(stage, class).Inc()
}

func (m *Metrics) Published(outcome string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDelivery(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.deliveryLatency.Observe(d.Seconds())
}

func (m *Metrics) SubscriptionTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}
