// Package metrics exposes Prometheus counters for anchoring and batch
// certification. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Anchor outcomes.
const (
	OutcomeAnchored        = "anchored"
	OutcomeReconciled      = "reconciled"
	OutcomeAlreadyAnchored = "already_anchored"
	OutcomeFailed          = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	anchorTotal       *prometheus.CounterVec
	ledgerDuration    *prometheus.HistogramVec
	ledgerErrors      *prometheus.CounterVec
	rootsComputed     prometheus.Counter
	batchTransitions  *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		anchorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravardha_anchor_total",
			Help: "Anchor attempts by outcome.",
		}, []string{"outcome"}),
		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pravardha_ledger_request_duration_seconds",
			Help:    "Histogram of ledger request durations by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		ledgerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravardha_ledger_errors_total",
			Help: "Ledger request failures by operation.",
		}, []string{"op"}),
		rootsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pravardha_merkle_roots_computed_total",
			Help: "Window Merkle roots computed and stored.",
		}),
		batchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravardha_batch_transitions_total",
			Help: "Batch lifecycle transitions by target status.",
		}, []string{"status"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.anchorTotal,
		m.ledgerDuration,
		m.ledgerErrors,
		m.rootsComputed,
		m.batchTransitions,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) AnchorOutcome(outcome string) {
	if m == nil {
		return
	}
	m.anchorTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerRequest(op string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.ledgerDuration.WithLabelValues(op).Observe(duration.Seconds())
	if !success {
		m.ledgerErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RootComputed() {
	if m == nil {
		return
	}
	m.rootsComputed.Inc()
}

func (m *Metrics) BatchTransition(status string) {
	if m == nil {
		return
	}
	m.batchTransitions.WithLabelValues(status).Inc()
}
