// Package metrics exposes gateway counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "solforge"

// Collector owns a private registry so several gateways (and tests) can run in
// one process. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	rateLimitHits    prometheus.Counter
	tokens           *prometheus.CounterVec
	costUSD          *prometheus.CounterVec
	deductions       *prometheus.CounterVec
	unbilled         *prometheus.CounterVec
	topUps           *prometheus.CounterVec
	topUpUSD         prometheus.Counter
	adapterRequests  *prometheus.CounterVec
	adapterLatency   *prometheus.HistogramVec
	facilitatorCalls *prometheus.CounterVec
}

// NewCollector registers every gateway metric plus the Go and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, labeled by route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP requests.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}, []string{"method"}),
		rateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the per-wallet rate limiter.",
		}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Billed tokens by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		costUSD: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billed_usd_total",
			Help:      "USD deducted from wallet balances.",
		}, []string{"provider", "model"}),
		deductions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deductions_total",
			Help:      "Deduction attempts by outcome.",
		}, []string{"outcome"}),
		unbilled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unbilled_completions_total",
			Help:      "Completions served without a deduction, by reason.",
		}, []string{"provider", "reason"}),
		topUps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topups_total",
			Help:      "Top-up attempts by outcome.",
		}, []string{"outcome"}),
		topUpUSD: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topup_usd_total",
			Help:      "USD credited through settled payments.",
		}),
		adapterRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		adapterLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Time until an upstream call completed or its stream drained.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		facilitatorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facilitator_requests_total",
			Help:      "Calls to the payment facilitator by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRequestStart increments in-flight requests. The route is unknown
// before routing, so the gauge is keyed by method.
func (c *Collector) RecordRequestStart(method string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(method).Inc()
}

// RecordRequestEnd decrements in-flight requests.
func (c *Collector) RecordRequestEnd(method string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(method).Dec()
}

// RecordRequest records a finished HTTP request.
func (c *Collector) RecordRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit() {
	if c == nil {
		return
	}
	c.rateLimitHits.Inc()
}

// RecordBilled records a successful deduction.
func (c *Collector) RecordBilled(provider, model string, input, output int64, cost float64) {
	if c == nil {
		return
	}
	c.tokens.WithLabelValues(provider, model, "input").Add(float64(input))
	c.tokens.WithLabelValues(provider, model, "output").Add(float64(output))
	c.costUSD.WithLabelValues(provider, model).Add(cost)
	c.deductions.WithLabelValues("ok").Inc()
}

// RecordDeductionFailure records a deduction that did not apply.
func (c *Collector) RecordDeductionFailure(reason string) {
	if c == nil {
		return
	}
	c.deductions.WithLabelValues(reason).Inc()
}

// RecordUnbilled records a completion served without a deduction.
func (c *Collector) RecordUnbilled(provider, reason string) {
	if c == nil {
		return
	}
	c.unbilled.WithLabelValues(provider, reason).Inc()
}

// RecordTopUp records a top-up attempt; amount is only added on success.
func (c *Collector) RecordTopUp(outcome string, amount float64) {
	if c == nil {
		return
	}
	c.topUps.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		c.topUpUSD.Add(amount)
	}
}

// RecordAdapterRequest records an upstream call.
func (c *Collector) RecordAdapterRequest(provider string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.adapterRequests.WithLabelValues(provider, outcome).Inc()
	c.adapterLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFacilitator records one facilitator round trip.
func (c *Collector) RecordFacilitator(op string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.facilitatorCalls.WithLabelValues(op, outcome).Inc()
}
