package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	deductions       *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	buildTransitions *prometheus.CounterVec
	refunds          prometheus.Counter
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_deductions_total",
			Help: "Credit deduction attempts by decision.",
		}, []string{"decision"}),
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_events_total",
			Help: "Payment gateway events by type and outcome.",
		}, []string{"type", "outcome"}),
		buildTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "build_transitions_total",
			Help: "Build status transitions by target status.",
		}, []string{"status"}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "build_refunds_total",
			Help: "Credits refunded for failed builds.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deductions, m.paymentEvents, m.buildTransitions, m.refunds, m.httpDuration,
	)
	return m
}

func (m *Metrics) Deduction(decision string) {
	if m == nil {
		return
	}
	m.deductions.WithLabelValues(decision).Inc()
}

func (m *Metrics) PaymentEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) BuildTransition(status string) {
	if m == nil {
		return
	}
	m.buildTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Refund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses (SSE) working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Instrument records request latency labelled with the matched ServeMux pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpDuration.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(start).Seconds())
	})
}
