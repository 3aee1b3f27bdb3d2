package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/gemini-bridge/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            0,
		Log:             config.LogConfig{Level: "info"},
		Gemini:          config.ProviderConfig{APIKey: "test-key", BaseURL: "http://127.0.0.1:1/v1beta"},
		DefaultUpstream: "gemini",
		DefaultModel:    "gemini-2.5-pro",
		Store:           config.StoreConfig{Mode: "memory"},
		CircuitBreaker: config.CircuitBreakerConfig{
			ErrorThreshold:  5,
			TimeWindow:      time.Minute,
			HalfOpenTimeout: 30 * time.Second,
		},
		Failover: config.FailoverConfig{MaxRetries: 2, ProviderTimeout: time.Minute},
		ToolCall: config.ToolCallConfig{TTL: time.Hour, RetryAttempts: 3, RetryDelay: time.Millisecond},
		TTS: config.TTSConfig{
			Model:          "gemini-2.5-flash-preview-tts",
			Voice:          "Kore",
			MaxChunkBytes:  4000,
			SyncThreshold:  3000,
			JobTTL:         time.Hour,
			TimeoutBase:    time.Second,
			TimeoutPerChar: time.Millisecond,
			TimeoutMax:     time.Minute,
			Workers:        2,
		},
		CORSOrigins: []string{"*"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, testConfig(), quietLogger(), "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestNew_MemoryStore(t *testing.T) {
	a, err := New(context.Background(), testConfig(), quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, ok := a.upstreams["gemini"]; !ok || len(a.upstreams) != 1 {
		t.Errorf("upstreams = %v", a.upstreams)
	}
	if a.rdb != nil || a.storePing != nil {
		t.Error("memory mode must not open redis")
	}
	if a.memCalls == nil || a.memAudio == nil || a.machine == nil || a.runner == nil || a.gw == nil {
		t.Error("services not wired")
	}

	a.Close()
	a.Close()
}

func TestNew_OpenAIOptional(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAI = config.ProviderConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/v1"}

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, ok := a.upstreams["openai"]; !ok {
		t.Errorf("upstreams = %v", a.upstreams)
	}
}

func TestNew_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Mode: "redis", RedisURL: "redis://" + mr.Addr()}
	cfg.RateLimit.RPMLimit = 10

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.rdb == nil || a.storePing == nil {
		t.Fatal("redis mode must share one client")
	}
	if err := a.storePing(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	if a.memCalls != nil || a.memAudio != nil {
		t.Error("redis mode must not create in-process stores")
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Mode: "redis", RedisURL: "redis://127.0.0.1:1"}

	if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
		t.Fatal("expected startup to fail without redis")
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"redis://:secret@localhost:6379": "redis://***@localhost:6379",
		"rediss://user:pw@host:6380/0":   "rediss://***@host:6380/0",
		"redis://localhost:6379":         "redis://localhost:6379",
		"":                               "",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
