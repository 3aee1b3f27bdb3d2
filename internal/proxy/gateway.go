// Package proxy is the bridge's HTTP edge.
//
// The Gateway accepts Anthropic Messages and OpenAI Chat Completions
// requests, normalizes them, sends them to Gemini (or an OpenAI-compatible
// upstream) and translates the answer back, streaming it as server-sent
// events when asked to. It also fronts speech synthesis: a synchronous
// endpoint for short text and a polled job surface for long text.
//
// Key design constraints:
//   - Nothing is written to a streaming client before the upstream produced
//     its first chunk, so upstream failures still get a proper error status.
//   - Rate limiter and health checker are optional and nil-safe.
//   - All upstream I/O carries a bounded timeout.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/metrics"
	"github.com/nulpointcorp/gemini-bridge/internal/normalize"
	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	"github.com/nulpointcorp/gemini-bridge/internal/ratelimit"
	"github.com/nulpointcorp/gemini-bridge/internal/toolcall"
	"github.com/nulpointcorp/gemini-bridge/internal/transform"
	"github.com/nulpointcorp/gemini-bridge/pkg/apierr"
)

// DefaultStreamTimeout bounds one streamed response end to end.
const DefaultStreamTimeout = 10 * time.Minute

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to a fresh private registry.
	Metrics *metrics.Registry

	// DefaultUpstream serves models that belong to no configured upstream.
	// Default: "gemini".
	DefaultUpstream string

	// DefaultModels overrides providers.DefaultModels per upstream.
	DefaultModels map[string]string

	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Default: providers.MaxRetries.
	MaxRetries int

	// ProviderTimeout bounds one non-streaming upstream call.
	// Default: providers.ProviderTimeout.
	ProviderTimeout time.Duration

	// StreamTimeout bounds one streamed response. Default: DefaultStreamTimeout.
	StreamTimeout time.Duration

	CBConfig CBConfig

	// AuthToken is the shared client secret. Empty disables auth.
	AuthToken string

	// CORSOrigins defaults to allowing any origin.
	CORSOrigins []string

	// RateLimiter is nil when rate limiting is off.
	RateLimiter *ratelimit.RPMLimiter

	// StorePing probes the shared state store for /readiness. Nil means
	// state is kept in process.
	StorePing func(ctx context.Context) error

	// ToolCalls correlates tool_use ids across turns. Defaults to an
	// in-memory correlator.
	ToolCalls *toolcall.Correlator

	// Speech wires the TTS routes; they answer 404 when Speech.Synth is nil.
	Speech SpeechOptions
}

// Gateway is the HTTP edge. All dependencies are injected via the
// constructor so they can be replaced with doubles in tests.
type Gateway struct {
	upstreams       map[string]providers.Provider
	defaultUpstream string
	defaultModels   map[string]string

	cb      *CircuitBreaker
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	maxRetries      int
	providerTimeout time.Duration
	streamTimeout   time.Duration

	rpmLimiter *ratelimit.RPMLimiter
	toolcalls  *toolcall.Correlator
	speech     SpeechOptions

	authToken   string
	corsOrigins []string

	srvMu sync.Mutex
	srv   *fasthttp.Server
}

// NewGateway creates a Gateway and starts its health probes. baseCtx bounds
// background work such as streams and probes.
func NewGateway(baseCtx context.Context, upstreams map[string]providers.Provider, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	g := &Gateway{
		upstreams:       upstreams,
		defaultUpstream: opts.DefaultUpstream,
		defaultModels:   make(map[string]string, len(providers.DefaultModels)),
		cb:              NewCircuitBreaker(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		maxRetries:      opts.MaxRetries,
		providerTimeout: opts.ProviderTimeout,
		streamTimeout:   opts.StreamTimeout,
		rpmLimiter:      opts.RateLimiter,
		toolcalls:       opts.ToolCalls,
		speech:          opts.Speech.withDefaults(),
		authToken:       opts.AuthToken,
		corsOrigins:     opts.CORSOrigins,
	}

	if g.upstreams == nil {
		g.upstreams = make(map[string]providers.Provider)
	}
	if g.defaultUpstream == "" {
		g.defaultUpstream = "gemini"
	}
	for k, v := range providers.DefaultModels {
		g.defaultModels[k] = v
	}
	for k, v := range opts.DefaultModels {
		g.defaultModels[k] = v
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	if g.maxRetries < 1 {
		g.maxRetries = providers.MaxRetries
	}
	if g.providerTimeout <= 0 {
		g.providerTimeout = providers.ProviderTimeout
	}
	if g.streamTimeout <= 0 {
		g.streamTimeout = DefaultStreamTimeout
	}
	if g.toolcalls == nil {
		g.toolcalls = toolcall.NewCorrelator(toolcall.NewMemoryStore(baseCtx),
			toolcall.WithObserver(g.metrics.RecordToolcall))
	}

	g.cb.onChange = func(name string, s cbState) {
		g.metrics.SetCircuitBreaker(name, int64(s))
		g.log.Info("circuit_breaker_state",
			slog.String("provider", name),
			slog.String("state", s.String()),
		)
	}
	for name := range g.upstreams {
		g.metrics.SetCircuitBreaker(name, int64(cbClosed))
	}

	if len(g.upstreams) > 0 || opts.StorePing != nil {
		g.health = NewHealthChecker(baseCtx, g.upstreams, opts.StorePing, g.metrics)
	}

	return g
}

// Close stops background probes. It does not stop a running server; use
// Shutdown for that.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// begin marks the start of a request for metrics. The returned func must be
// called exactly once with the final status.
func (g *Gateway) begin(route string) func(status int) {
	start := time.Now()
	g.metrics.IncInFlight()
	return func(status int) {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, status, time.Since(start))
	}
}

// allow applies the rate limiter. It writes the 429 itself.
func (g *Gateway) allow(ctx *fasthttp.RequestCtx, style apierr.Style, key string) bool {
	if g.rpmLimiter == nil {
		return true
	}
	allowed, err := g.rpmLimiter.Allow(ctx, key)
	switch {
	case err != nil:
		g.metrics.RecordRateLimit("error")
		g.log.WarnContext(ctx, "rate_limit_unavailable",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		return true
	case !allowed:
		g.metrics.RecordRateLimit("blocked")
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("key", key),
		)
		style.WriteRateLimit(ctx)
		return false
	}
	g.metrics.RecordRateLimit("allowed")
	return true
}

// resolver adapts the correlator to the normalizer for one conversation.
func (g *Gateway) resolver(conversation string) normalize.ToolNameResolver {
	return func(ctx context.Context, toolUseID string) string {
		name := g.toolcalls.Lookup(ctx, conversation, toolUseID)
		if name == toolcall.Placeholder {
			return ""
		}
		return name
	}
}

// recordToolCalls remembers the tool_use ids sent to the client so the
// matching tool_result turns can be named. It runs after the response and
// never fails the request.
func (g *Gateway) recordToolCalls(ctx context.Context, conversation string, calls []transform.ToolCall) {
	if len(calls) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	recs := make([]toolcall.Record, len(calls))
	for i, c := range calls {
		recs[i] = toolcall.Record{ToolUseID: c.ID, ToolName: c.Name, Args: c.Args}
	}
	_ = g.toolcalls.Record(ctx, conversation, recs...)
}

// recordToolResults stores the tool results submitted in the request's last
// turn against the calls they answer. Earlier turns were stored when they
// were new. It never fails the request.
func (g *Gateway) recordToolResults(ctx context.Context, conversation string, req *providers.ChatRequest) {
	if len(req.Messages) == 0 {
		return
	}
	var recs []toolcall.Record
	for _, p := range req.Messages[len(req.Messages)-1].Parts {
		if p.Type != providers.PartToolResult {
			continue
		}
		rec := toolcall.Record{ToolUseID: p.ToolUseID, IsError: p.IsError, Payload: p.Result}
		if p.ToolName != normalize.UnknownToolName {
			rec.ToolName = p.ToolName
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = g.toolcalls.RecordResults(ctx, conversation, recs...)
}

// writeError maps err onto the taxonomy: validation 400, no upstream 503,
// everything else by upstream classification.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, style apierr.Style, err error) {
	var ve *normalize.ValidationError
	switch {
	case errors.As(err, &ve):
		style.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, ve.Error())
	case errors.Is(err, errNoUpstream):
		style.WriteUnavailable(ctx, "no upstream available", 30)
	default:
		style.WriteInfo(ctx, transform.ClassifyError(err))
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func writeJSONStatus(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	writeJSON(ctx, v)
}
