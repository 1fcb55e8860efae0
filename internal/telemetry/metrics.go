// Package telemetry provides logging and metrics for the chat relay.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Metrics holds the relay's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages           *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	completionFailures *prometheus.CounterVec
	tokens             *prometheus.CounterVec
	storeWrites        *prometheus.CounterVec
	storeWriteDuration prometheus.Histogram
	storeCorrupt       prometheus.Counter
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion API call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		completionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_failures_total",
			Help:      "Failed completion calls, by failure kind.",
		}, []string{"kind"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the completion API.",
		}, []string{"type"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Memory store read-modify-write cycles, by outcome.",
		}, []string{"outcome"}),
		storeWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_write_duration_seconds",
			Help:      "Time spent inside the memory store write section.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		storeCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_corrupt_total",
			Help:      "Times the memory store document failed to decode.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.completionDuration,
		m.completionFailures,
		m.tokens,
		m.storeWrites,
		m.storeWriteDuration,
		m.storeCorrupt,
	)
	return m
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordMessage counts one handled inbound message.
func (m *Metrics) RecordMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, outcome).Inc()
}

// RecordCompletion records one completion call. failureKind is empty on success.
func (m *Metrics) RecordCompletion(d time.Duration, failureKind string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	outcome := "success"
	if failureKind != "" {
		outcome = "failure"
		m.completionFailures.WithLabelValues(failureKind).Inc()
	}
	m.completionDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.tokens.WithLabelValues("input").Add(float64(inputTokens))
	m.tokens.WithLabelValues("output").Add(float64(outputTokens))
}

// ObserveStoreWrite records one memory store write cycle.
func (m *Metrics) ObserveStoreWrite(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.storeWrites.WithLabelValues(outcome).Inc()
	m.storeWriteDuration.Observe(d.Seconds())
}

// IncStoreCorrupt counts a memory store decode failure.
func (m *Metrics) IncStoreCorrupt() {
	if m == nil {
		return
	}
	m.storeCorrupt.Inc()
}
