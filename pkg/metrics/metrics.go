// Package metrics defines the Prometheus metric collectors used across the
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HandlerOutcomesTotal *prometheus.CounterVec
	HandlerDuration      prometheus.Histogram
	DuplicateEventsTotal prometheus.Counter
	StoreWritesTotal     *prometheus.CounterVec
	ExtractionsTotal     *prometheus.CounterVec
	ExtractionDuration   prometheus.Histogram
	DeliveryAttempts     *prometheus.CounterVec
	DeliveryDeadLetters  *prometheus.CounterVec
	ObjectEventsTotal    *prometheus.CounterVec
	KafkaMessagesTotal   *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		HandlerOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_outcomes_total",
				Help: "Ingestion handler outcomes by outcome and the stage it ended in.",
			},
			[]string{"outcome", "stage"},
		),
		HandlerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestion_duration_seconds",
				Help:    "End-to-end ingestion handler latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
			},
		),
		DuplicateEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestion_duplicate_events_total",
				Help: "Deliveries suppressed because their event id was already acknowledged.",
			},
		),
		StoreWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "document_store_writes_total",
				Help: "Document store write attempts by result (ok, transient, error).",
			},
			[]string{"result"},
		),
		ExtractionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractions_total",
				Help: "Extraction requests by result (succeeded, partial, failed, timeout, transient).",
			},
			[]string{"result"},
		),
		ExtractionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "extraction_duration_seconds",
				Help:    "Time from submission to terminal extraction status in seconds.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_attempts_total",
				Help: "Event delivery attempts by subscription and result.",
			},
			[]string{"subscription", "result"},
		),
		DeliveryDeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_dead_letters_total",
				Help: "Events dead-lettered by subscription and reason.",
			},
			[]string{"subscription", "reason"},
		),
		ObjectEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "object_events_total",
				Help: "Object store change notifications emitted by event type.",
			},
			[]string{"type"},
		),
		KafkaMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_total",
				Help: "Kafka messages by topic, direction (publish, consume) and result.",
			},
			[]string{"topic", "direction", "result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.HandlerOutcomesTotal,
		m.HandlerDuration,
		m.DuplicateEventsTotal,
		m.StoreWritesTotal,
		m.ExtractionsTotal,
		m.ExtractionDuration,
		m.DeliveryAttempts,
		m.DeliveryDeadLetters,
		m.ObjectEventsTotal,
		m.KafkaMessagesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// BreakerStateHook returns a CircuitBreakerConfig.OnStateChange callback
// that mirrors breaker transitions into CircuitBreakerState.
func (m *Metrics) BreakerStateHook() func(name string, from, to resilience.State) {
	return func(name string, _, to resilience.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
