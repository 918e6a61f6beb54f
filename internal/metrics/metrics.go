// Package metrics holds the Prometheus collectors of the API and the worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meboard"

// Metrics is a set of collectors registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal      *prometheus.CounterVec
	ClaimsTotal      prometheus.Counter
	EmptyPollsTotal  prometheus.Counter
	InferenceSeconds *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "events_total",
			Help:      "Events finished by the worker, by final status.",
		}, []string{"status"}),
		ClaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "claims_total",
			Help:      "Claim calls that returned at least one event.",
		}),
		EmptyPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "empty_polls_total",
			Help:      "Claim calls that returned no events.",
		}),
		InferenceSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "inference_seconds",
			Help:      "Latency of model server inference calls.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"model"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests served by the API, by route and status code.",
		}, []string{"path", "status"}),
	}

	m.registry.MustRegister(
		m.EventsTotal,
		m.ClaimsTotal,
		m.EmptyPollsTotal,
		m.InferenceSeconds,
		m.RequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInference records one inference call. Its signature matches classifier.Model.ObserveWith.
func (m *Metrics) ObserveInference(model string, d time.Duration) {
	m.InferenceSeconds.WithLabelValues(model).Observe(d.Seconds())
}

// EventFinished counts one event reaching a terminal status.
func (m *Metrics) EventFinished(status string) {
	m.EventsTotal.WithLabelValues(status).Inc()
}

// RequestServed counts one API request.
func (m *Metrics) RequestServed(path string, status int) {
	m.RequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}
