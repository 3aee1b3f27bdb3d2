// Command providers runs lightweight HTTP mock servers for the bridge's
// upstreams, so the bridge can be exercised end to end without credentials.
// Point GEMINI_BASE_URL at http://localhost:19003/v1beta and OPENAI_BASE_URL
// at http://localhost:19001/v1.
//
//	OpenAI  :19001  (PORT_OPENAI)
//	Gemini  :19003  (PORT_GEMINI)
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS    artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE    fraction [0,1] of requests that fail with 503 (default 0)
//	MOCK_STREAM_WORDS  words in each generated reply (default 10)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds the behaviour flags shared by both mocks.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}
	if n, err := strconv.Atoi(os.Getenv("MOCK_LATENCY_MS")); err == nil && n >= 0 {
		c.LatencyMS = n
	}
	if f, err := strconv.ParseFloat(os.Getenv("MOCK_ERROR_RATE"), 64); err == nil && f >= 0 && f <= 1 {
		c.ErrorRate = f
	}
	if n, err := strconv.Atoi(os.Getenv("MOCK_STREAM_WORDS")); err == nil && n > 0 {
		c.StreamWords = n
	}
	return c
}

func addr(env string, port int) string {
	if v := os.Getenv(env); v != "" {
		return ":" + v
	}
	return ":" + strconv.Itoa(port)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := map[string]*http.Server{
		"openai": {Addr: addr("PORT_OPENAI", 19001), Handler: newOpenAIHandler(cfg), ReadHeaderTimeout: 10 * time.Second},
		"gemini": {Addr: addr("PORT_GEMINI", 19003), Handler: newGeminiHandler(cfg), ReadHeaderTimeout: 10 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range servers {
		g.Go(func() error {
			log.Info("mock upstream listening", slog.String("upstream", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("mock upstreams ready",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)
	if err := g.Wait(); err != nil {
		log.Error("mock upstreams stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
