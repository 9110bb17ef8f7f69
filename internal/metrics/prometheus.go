// Package metrics provides a Prometheus metrics registry for the metering proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_gated_requests_total{outcome} — outcome: forwarded|unauthorized|insufficient_balance|billing_unavailable|upstream_unreachable
	gatedRequestsTotal *prometheus.CounterVec

	// proxy_balance_cache_total{result} — result: hit|miss|stale|fail_closed
	balanceCacheTotal *prometheus.CounterVec

	// proxy_usage_reports_total{result} — result: sent|enqueued|retried|dropped_overflow|dropped_exhausted
	usageReportsTotal *prometheus.CounterVec

	// proxy_retry_queue_depth
	retryQueueDepth prometheus.Gauge

	// proxy_sse_bytes_total — bytes passed through on the streaming path
	sseBytesTotal prometheus.Counter

	// proxy_tokens_total{direction} — direction: input|output|cache_read|cache_creation
	tokensTotal *prometheus.CounterVec

	// proxy_usage_report_cost_usd_total
	costTotal prometheus.Counter

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes balance check and upstream forward)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		gatedRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_gated_requests_total",
				Help: "Gated requests to /v1/messages by terminal outcome",
			},
			[]string{"outcome"},
		),

		balanceCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_balance_cache_total",
				Help: "Balance cache check results",
			},
			[]string{"result"},
		),

		usageReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_usage_reports_total",
				Help: "Usage report lifecycle events",
			},
			[]string{"result"},
		),

		retryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_retry_queue_depth",
			Help: "Current number of entries in the usage-report retry queue",
		}),

		sseBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_sse_bytes_total",
			Help: "Total bytes passed through on the SSE streaming path",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Token counts extracted from metered upstream responses",
			},
			[]string{"direction"},
		),

		costTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_usage_report_cost_usd_total",
			Help: "Sum of computed USD cost across all metered requests",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Always 1; labeled with the running build's version",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.gatedRequestsTotal,
		r.balanceCacheTotal,
		r.usageReportsTotal,
		r.retryQueueDepth,
		r.sseBytesTotal,
		r.tokensTotal,
		r.costTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordGatedOutcome increments the counter for one terminal gating outcome:
// "forwarded", "unauthorized", "insufficient_balance", "billing_unavailable",
// or "upstream_unreachable".
func (r *Registry) RecordGatedOutcome(outcome string) {
	r.gatedRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordBalanceCache increments the counter for one balance cache check
// result: "hit", "miss", "stale", or "fail_closed".
func (r *Registry) RecordBalanceCache(result string) {
	r.balanceCacheTotal.WithLabelValues(result).Inc()
}

// RecordUsageReport increments the counter for one usage-report lifecycle
// event: "sent", "enqueued", "retried", "dropped_overflow", or "dropped_exhausted".
func (r *Registry) RecordUsageReport(result string) {
	r.usageReportsTotal.WithLabelValues(result).Inc()
}

// SetRetryQueueDepth sets the current retry-queue length gauge.
func (r *Registry) SetRetryQueueDepth(n int) {
	r.retryQueueDepth.Set(float64(n))
}

// AddSSEBytes adds n to the total bytes passed through on the streaming path.
func (r *Registry) AddSSEBytes(n int) {
	if n > 0 {
		r.sseBytesTotal.Add(float64(n))
	}
}

// AddUsage records extracted token counts and computed cost for one metered request.
func (r *Registry) AddUsage(inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens uint32, cost float64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
	if cacheReadTokens > 0 {
		r.tokensTotal.WithLabelValues("cache_read").Add(float64(cacheReadTokens))
	}
	if cacheCreationTokens > 0 {
		r.tokensTotal.WithLabelValues("cache_creation").Add(float64(cacheCreationTokens))
	}
	if cost > 0 {
		r.costTotal.Add(cost)
	}
}

// SetBuildInfo records the running build's version as a constant-1 gauge
// labeled by version, the conventional Prometheus build-info pattern.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.Reset()
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
