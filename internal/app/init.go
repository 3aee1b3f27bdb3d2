package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/gemini-bridge/internal/audiostore"
	"github.com/nulpointcorp/gemini-bridge/internal/config"
	"github.com/nulpointcorp/gemini-bridge/internal/metrics"
	openaiprov "github.com/nulpointcorp/gemini-bridge/internal/providers/openai"
	"github.com/nulpointcorp/gemini-bridge/internal/proxy"
	"github.com/nulpointcorp/gemini-bridge/internal/ratelimit"
	"github.com/nulpointcorp/gemini-bridge/internal/toolcall"
	"github.com/nulpointcorp/gemini-bridge/internal/tts"
)

// initInfra establishes the shared Redis connection. It is only needed when
// state must survive across replicas.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Store.Mode != "redis" {
		return nil
	}
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))

	rdb, err := audiostore.Dial(ctx, a.cfg.Store.RedisURL)
	if err != nil {
		return err
	}
	a.rdb = rdb
	a.storePing = redisPinger(rdb)
	a.log.Info("redis connected")
	return nil
}

// initUpstreams builds the upstream map. Gemini is always present;
// config.Load refuses to start without its key.
func (a *App) initUpstreams(_ context.Context) error {
	ups, gemini, err := buildUpstreams(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	a.upstreams = ups
	a.gemini = gemini

	names := make([]string, 0, len(ups))
	for n := range ups {
		names = append(names, n)
	}
	sort.Strings(names)
	a.log.Info("upstreams loaded", slog.Any("upstreams", names))
	return nil
}

// initServices creates the metrics registry and every piece of state the
// gateway keeps: tool-call mappings, job records and chunk audio.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var (
		callStore toolcall.Store
		jobStore  tts.Store
	)
	switch a.cfg.Store.Mode {
	case "redis":
		callStore = toolcall.NewRedisStore(a.rdb)
		jobStore = tts.NewRedisStore(a.rdb, a.cfg.TTS.JobTTL)
		a.audio = audiostore.NewRedisStore(a.rdb)
		a.log.Info("state store: redis")
	case "memory":
		a.memCalls = toolcall.NewMemoryStore(ctx)
		callStore = a.memCalls
		jobStore = tts.NewMemoryStore(a.cfg.TTS.JobTTL)
		a.memAudio = audiostore.NewMemoryStore(ctx)
		a.audio = a.memAudio
		a.log.Info("state store: memory (in-process, not shared across replicas)")
	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	a.toolcalls = toolcall.NewCorrelator(callStore,
		toolcall.WithTTL(a.cfg.ToolCall.TTL),
		toolcall.WithRetry(a.cfg.ToolCall.RetryAttempts, a.cfg.ToolCall.RetryDelay),
		toolcall.WithObserver(a.prom.RecordToolcall),
	)

	a.machine = tts.NewMachine(jobStore, tts.WithMaxChunkBytes(a.cfg.TTS.MaxChunkBytes))
	a.runner = tts.NewRunner(a.baseCtx, a.machine, a.gemini, a.audio,
		tts.RunnerConfig{
			Timeouts:   speechTimeouts(a.cfg),
			Workers:    a.cfg.TTS.Workers,
			Retries:    a.cfg.TTS.SynthRetries,
			RetryDelay: a.cfg.TTS.SynthRetryDelay,
			AudioTTL:   a.cfg.TTS.JobTTL,
		},
		tts.WithChunkObserver(func(s tts.ChunkStatus, took time.Duration) {
			a.prom.ObserveTTSChunk(string(s), took)
		}),
		tts.WithJobObserver(func(s tts.Status) {
			a.prom.RecordTTSJob(string(s))
		}),
	)
	return nil
}

// initGateway wires the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		DefaultUpstream: a.cfg.DefaultUpstream,
		DefaultModels:   map[string]string{"gemini": a.cfg.DefaultModel},
		MaxRetries:      a.cfg.Failover.MaxRetries,
		ProviderTimeout: a.cfg.Failover.ProviderTimeout,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		AuthToken:   a.cfg.AuthToken,
		CORSOrigins: a.cfg.CORSOrigins,
		StorePing:   a.storePing,
		ToolCalls:   a.toolcalls,
		Speech: proxy.SpeechOptions{
			Synth:         a.gemini,
			Machine:       a.machine,
			Runner:        a.runner,
			Audio:         a.audio,
			Model:         a.cfg.TTS.Model,
			Voice:         a.cfg.TTS.Voice,
			SyncThreshold: a.cfg.TTS.SyncThreshold,
			Timeouts:      speechTimeouts(a.cfg),
			AudioTTL:      a.cfg.TTS.JobTTL,
		},
	}

	// Rate limiting needs the shared store; config.Load enforces that.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.RateLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}
	if a.cfg.AuthToken == "" {
		a.log.Warn("AUTH_TOKEN is empty: the bridge accepts unauthenticated requests")
	}

	a.gw = proxy.NewGateway(a.baseCtx, a.upstreams, opts)
	return nil
}

func speechTimeouts(cfg *config.Config) tts.TimeoutPolicy {
	return tts.TimeoutPolicy{
		Base:    cfg.TTS.TimeoutBase,
		PerChar: cfg.TTS.TimeoutPerChar,
		Max:     cfg.TTS.TimeoutMax,
	}
}

func newOpenAI(cfg *config.Config) *openaiprov.Provider {
	var opts []openaiprov.Option
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return openaiprov.New(cfg.OpenAI.APIKey, opts...)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
