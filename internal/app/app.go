// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     the shared Redis client when STORE_MODE=redis
//  2. initUpstreams Gemini (required) and OpenAI (optional) clients
//  3. initServices  metrics, state stores, correlator, speech jobs
//  4. initGateway   the HTTP edge
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/gemini-bridge/internal/audiostore"
	"github.com/nulpointcorp/gemini-bridge/internal/config"
	"github.com/nulpointcorp/gemini-bridge/internal/metrics"
	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	geminiprov "github.com/nulpointcorp/gemini-bridge/internal/providers/gemini"
	"github.com/nulpointcorp/gemini-bridge/internal/proxy"
	"github.com/nulpointcorp/gemini-bridge/internal/toolcall"
	"github.com/nulpointcorp/gemini-bridge/internal/tts"
)

// shutdownGrace bounds how long open requests and streams may run after a
// shutdown signal.
const shutdownGrace = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// nil unless STORE_MODE=redis.
	rdb *redis.Client

	prom *metrics.Registry

	upstreams map[string]providers.Provider
	gemini    *geminiprov.Provider

	toolcalls *toolcall.Correlator
	memCalls  *toolcall.MemoryStore
	audio     audiostore.Store
	memAudio  *audiostore.MemoryStore
	machine   *tts.Machine
	runner    *tts.Runner
	storePing func(ctx context.Context) error
	gw        *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, errors.New("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"upstreams", a.initUpstreams},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. On cancellation it drains open requests, waits for background speech
// jobs to settle, then closes the app.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting bridge",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.String("default_upstream", a.cfg.DefaultUpstream),
		slog.Int("upstreams", len(a.upstreams)),
	)

	gw, runner := a.gw, a.runner
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		runner.Wait()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.memAudio != nil {
		a.memAudio.Close()
		a.memAudio = nil
	}
	if a.memCalls != nil {
		a.memCalls.Close()
		a.memCalls = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// redisPinger returns a probe for the HealthChecker. It reuses the shared
// client.
func redisPinger(rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// buildUpstreams creates the upstream map from configured keys. The Gemini
// provider is returned separately because it also serves speech.
func buildUpstreams(ctx context.Context, cfg *config.Config) (map[string]providers.Provider, *geminiprov.Provider, error) {
	ups := make(map[string]providers.Provider)

	geminiOpts := []geminiprov.Option{
		geminiprov.WithSpeechModel(cfg.TTS.Model),
		geminiprov.WithVoice(cfg.TTS.Voice),
	}
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
	}
	gemini, err := geminiprov.New(ctx, cfg.Gemini.APIKey, geminiOpts...)
	if err != nil {
		return nil, nil, err
	}
	ups[gemini.Name()] = gemini

	if cfg.OpenAIEnabled() {
		ups["openai"] = newOpenAI(cfg)
	}

	return ups, gemini, nil
}
