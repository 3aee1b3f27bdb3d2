// Package metrics provides the Prometheus registry for the bridge.
//
// All metrics live on a private registry so they don't interfere with
// host-level metrics when embedded elsewhere. Handler serves /metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// bridge_inflight_requests
	inFlight prometheus.Gauge

	// bridge_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// bridge_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// bridge_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// bridge_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// bridge_stream_events_total{route,event}
	streamEvents *prometheus.CounterVec

	// bridge_tokens_total{provider,route,direction}
	tokensTotal *prometheus.CounterVec

	// bridge_circuit_breaker_state{provider}: 0 closed, 1 open, 2 half-open
	circuitBreakerState *prometheus.GaugeVec
	cbTransitions       *prometheus.CounterVec
	cbMu                sync.Mutex
	lastCBState         map[string]float64

	// bridge_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// bridge_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// bridge_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// bridge_toolcall_operations_total{op,outcome}
	toolcallOps *prometheus.CounterVec

	// bridge_tts_jobs_total{status}
	ttsJobs *prometheus.CounterVec

	// bridge_tts_chunk_duration_seconds{status}
	ttsChunkDuration *prometheus.HistogramVec

	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "End-to-end request duration, measured to stream drain for SSE",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_upstream_attempts_total",
				Help: "Upstream calls by outcome",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_upstream_attempt_duration_seconds",
				Help:    "Duration of one upstream call",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"provider", "route", "outcome"},
		),

		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_stream_events_total",
				Help: "Outgoing SSE events by type",
			},
			[]string{"route", "event"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tokens_total",
				Help: "Tokens reported to clients, exact or estimated",
			},
			[]string{"provider", "route", "direction"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_circuit_breaker_state",
				Help: "Circuit breaker state per upstream (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_circuit_breaker_transitions_total",
				Help: "Circuit breaker state changes",
			},
			[]string{"provider", "to_state"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_failover_events_total",
				Help: "Switches to another upstream after a failure",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_ratelimit_total",
				Help: "Rate limiter decisions",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_provider_health",
				Help: "Last health probe result per upstream (1 ok, 0 failing)",
			},
			[]string{"provider"},
		),

		toolcallOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_toolcall_operations_total",
				Help: "Tool-call correlation store operations by outcome",
			},
			[]string{"op", "outcome"},
		),

		ttsJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tts_jobs_total",
				Help: "Background TTS jobs by final status",
			},
			[]string{"status"},
		),

		ttsChunkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_tts_chunk_duration_seconds",
				Help:    "Time to settle one TTS chunk, retries included",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"status"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.streamEvents,
		r.tokensTotal,
		r.circuitBreakerState,
		r.cbTransitions,
		r.failoverEvents,
		r.rateLimitTotal,
		r.providerHealth,
		r.toolcallOps,
		r.ttsJobs,
		r.ttsChunkDuration,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream call.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordStreamEvent(route, event string) {
	r.streamEvents.WithLabelValues(route, event).Inc()
}

func (r *Registry) AddTokens(provider, route string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

// RecordToolcall matches the toolcall.Correlator observer signature.
func (r *Registry) RecordToolcall(op, outcome string) {
	r.toolcallOps.WithLabelValues(op, outcome).Inc()
}

func (r *Registry) RecordTTSJob(status string) {
	r.ttsJobs.WithLabelValues(status).Inc()
}

func (r *Registry) ObserveTTSChunk(status string, dur time.Duration) {
	r.ttsChunkDuration.WithLabelValues(status).Observe(dur.Seconds())
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the state gauge and counts a transition when the
// state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.cbTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
