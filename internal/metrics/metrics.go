// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics provides the Prometheus instrumentation surface for the
// coordination core.
//
// Unlike a package-global promauto registry, every counter/gauge/histogram
// here is created against a caller-supplied prometheus.Registerer so that
// more than one Manager/Bus/Engine can coexist in a process (notably in
// tests) without a "duplicate metrics collector registration attempted"
// panic. Pass prometheus.NewRegistry() for isolated instances, or
// prometheus.DefaultRegisterer to expose on the process-wide /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full instrumentation surface shared by the three
// subsystems. Each subsystem reads only the fields relevant to it; the
// struct is kept flat rather than split per-subsystem because all three
// are typically registered together by the embedder.
type Metrics struct {
	// Service Manager
	ServiceTotal           *prometheus.GaugeVec
	ServiceHealthChecks    *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerFailures *prometheus.GaugeVec
	CircuitBreakerTrips    *prometheus.CounterVec

	// Event Bus
	EventsPublished    *prometheus.CounterVec
	EventsDelivered    *prometheus.CounterVec
	EventHandlerErrors *prometheus.CounterVec
	EventHistorySize   *prometheus.GaugeVec
	SubscriberCount    prometheus.Gauge
	BrokerDroppedTotal prometheus.Counter

	// Pipeline Engine
	PipelineExecutions     *prometheus.CounterVec
	PipelineExecutionTime  *prometheus.HistogramVec
	PipelineItemsProcessed *prometheus.CounterVec
	PipelineQueueInFlight  *prometheus.GaugeVec
	DLQSize                *prometheus.GaugeVec
	DLQOverflowTotal       *prometheus.CounterVec
}

// New builds and registers the full metrics surface against reg. Passing
// a nil Registerer is equivalent to prometheus.NewRegistry() — always
// registered, never left dangling.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promFactory{reg}

	return &Metrics{
		ServiceTotal: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "servicemgr_services",
			Help: "Number of registered services by state.",
		}, []string{"state"}),
		ServiceHealthChecks: factory.counterVec(prometheus.CounterOpts{
			Name: "servicemgr_health_checks_total",
			Help: "Total health probe invocations by outcome.",
		}, []string{"service", "outcome"}),
		CircuitBreakerState: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "servicemgr_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		CircuitBreakerFailures: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "servicemgr_circuit_breaker_consecutive_failures",
			Help: "Current consecutive health-check failures per service.",
		}, []string{"service"}),
		CircuitBreakerTrips: factory.counterVec(prometheus.CounterOpts{
			Name: "servicemgr_circuit_breaker_trips_total",
			Help: "Total number of times a circuit breaker opened.",
		}, []string{"service"}),

		EventsPublished: factory.counterVec(prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total events accepted by publish, by topic.",
		}, []string{"namespace", "topic"}),
		EventsDelivered: factory.counterVec(prometheus.CounterOpts{
			Name: "eventbus_events_delivered_total",
			Help: "Total handler invocations, by topic and outcome.",
		}, []string{"namespace", "topic", "outcome"}),
		EventHandlerErrors: factory.counterVec(prometheus.CounterOpts{
			Name: "eventbus_handler_errors_total",
			Help: "Total handler errors absorbed by the bus.",
		}, []string{"namespace", "topic"}),
		EventHistorySize: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "eventbus_history_entries",
			Help: "Current history ring size per topic.",
		}, []string{"namespace", "topic"}),
		SubscriberCount: factory.gauge(prometheus.GaugeOpts{
			Name: "eventbus_subscribers",
			Help: "Current number of active subscriptions.",
		}),
		BrokerDroppedTotal: factory.counter(prometheus.CounterOpts{
			Name: "eventbus_broker_dropped_total",
			Help: "Events dropped from remote fan-out while the broker was disconnected.",
		}),

		PipelineExecutions: factory.counterVec(prometheus.CounterOpts{
			Name: "pipeline_executions_total",
			Help: "Total pipeline executions by outcome.",
		}, []string{"pipeline", "outcome"}),
		PipelineExecutionTime: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_execution_duration_seconds",
			Help:    "Duration of pipeline executions in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
		PipelineItemsProcessed: factory.counterVec(prometheus.CounterOpts{
			Name: "pipeline_items_processed_total",
			Help: "Total items processed by a pipeline, by outcome.",
		}, []string{"pipeline", "outcome"}),
		PipelineQueueInFlight: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_in_flight",
			Help: "Current in-flight item count per work queue.",
		}, []string{"pipeline"}),
		DLQSize: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_dlq_size",
			Help: "Current number of entries in a pipeline's dead-letter queue.",
		}, []string{"pipeline"}),
		DLQOverflowTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "pipeline_dlq_overflow_total",
			Help: "Total dead-letter entries dropped due to DLQ capacity.",
		}, []string{"pipeline"}),
	}
}

// promFactory registers each collector as it is created, panicking only on
// a genuine programmer error (a metric name already registered with the
// same Registerer, e.g. two New calls against one registry) — acceptable
// since New is called once per Registerer at wiring time, not per request.
type promFactory struct {
	reg prometheus.Registerer
}

func (f promFactory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promFactory) gaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(opts, labels)
	f.reg.MustRegister(g)
	return g
}

func (f promFactory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}

func (f promFactory) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.reg.MustRegister(g)
	return g
}

func (f promFactory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}
