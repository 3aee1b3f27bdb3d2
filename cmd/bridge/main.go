// Command bridge serves Anthropic Messages and OpenAI Chat Completions
// clients from Gemini, and fronts Gemini speech synthesis.
//
// It reads configuration from environment variables (or config.yaml) and
// listens on the configured port.
//
// Quick-start (in-process state, no Redis required):
//
//	GOOGLE_API_KEY=... ./bridge
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/gemini-bridge/internal/app"
	"github.com/nulpointcorp/gemini-bridge/internal/config"
	"github.com/nulpointcorp/gemini-bridge/internal/logger"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(lg.Logger)

	os.Exit(run(ctx, cfg, lg))
}

// run keeps deferred cleanup ahead of os.Exit.
func run(ctx context.Context, cfg *config.Config, lg *logger.Logger) int {
	defer lg.Close()

	a, err := app.New(ctx, cfg, lg.Logger, version)
	if err != nil {
		lg.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		lg.Error("bridge stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}
