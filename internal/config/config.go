// Package config loads and validates all runtime configuration for the bridge.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GOOGLE_API_KEY becomes
// google_api_key in YAML.
//
// A Gemini key is required: it serves both chat and speech. The OpenAI
// upstream is optional and only used when OPENAI_API_KEY is set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	Log LogConfig

	// AuthToken is the shared secret clients present as x-api-key or a
	// bearer token. Empty disables authentication.
	AuthToken string

	Gemini ProviderConfig
	OpenAI ProviderConfig

	// DefaultUpstream handles models that match no alias. Default: gemini.
	DefaultUpstream string

	// DefaultModel replaces an empty model name. Default: gemini-2.5-flash.
	DefaultModel string

	Store StoreConfig

	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimitConfig
	Failover       FailoverConfig
	ToolCall       ToolCallConfig
	TTS            TTSConfig

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// LogConfig controls the slog handler and optional rotating file output.
type LogConfig struct {
	// Level is one of: debug, info, warn, error. Default: info.
	Level string

	// File, when set, receives a copy of every log line through lumberjack.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ProviderConfig holds configuration for a single upstream.
type ProviderConfig struct {
	// APIKey is the upstream API key. Leave empty to disable the upstream.
	APIKey string

	// BaseURL overrides the upstream's default API endpoint.
	// Useful for local mocks and development.
	BaseURL string
}

// StoreConfig selects where tool-call mappings, job records and audio live.
type StoreConfig struct {
	// Mode is "redis" (shared across replicas) or "memory". Default: memory.
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Required when Mode is redis.
	RedisURL string
}

// CircuitBreakerConfig controls per-upstream circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Requires the redis store. Default: 0.
	RPMLimit int
}

// FailoverConfig controls multi-upstream failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Default: 2.
	MaxRetries int

	// ProviderTimeout bounds one non-streaming upstream call. Default: 120s.
	ProviderTimeout time.Duration
}

// ToolCallConfig tunes the tool-call correlation store.
type ToolCallConfig struct {
	// TTL of a stored id -> name mapping. Default: 24h.
	TTL time.Duration

	// RetryAttempts bounds store operations (first try included). Default: 3.
	RetryAttempts int

	// RetryDelay is the fixed wait between attempts. Default: 100ms.
	RetryDelay time.Duration
}

// TTSConfig tunes speech synthesis and long-running jobs.
type TTSConfig struct {
	Model string
	Voice string

	// MaxChunkBytes caps the UTF-8 size of one synthesized chunk. Default: 4000.
	MaxChunkBytes int

	// SyncThreshold is the text length in characters above which POST /v1/tts
	// answers 202 with a job id instead of audio. Default: 3000.
	SyncThreshold int

	// JobTTL is how long job records and chunk audio are kept. Default: 24h.
	JobTTL time.Duration

	TimeoutBase    time.Duration
	TimeoutPerChar time.Duration
	TimeoutMax     time.Duration

	// Workers bounds concurrent chunk syntheses across all jobs. Default: 4.
	Workers int

	SynthRetries    int
	SynthRetryDelay time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Port: v.GetInt("PORT"),

		Log: LogConfig{
			Level:      strings.ToLower(v.GetString("LOG_LEVEL")),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
			Compress:   v.GetBool("LOG_COMPRESS"),
		},

		AuthToken: v.GetString("AUTH_TOKEN"),

		Gemini: ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		OpenAI: ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},

		DefaultUpstream: strings.ToLower(v.GetString("DEFAULT_UPSTREAM")),
		DefaultModel:    v.GetString("DEFAULT_MODEL"),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		ToolCall: ToolCallConfig{
			TTL:           v.GetDuration("TOOLCALL_TTL"),
			RetryAttempts: v.GetInt("TOOLCALL_RETRY_ATTEMPTS"),
			RetryDelay:    v.GetDuration("TOOLCALL_RETRY_DELAY"),
		},

		TTS: TTSConfig{
			Model:           v.GetString("TTS_MODEL"),
			Voice:           v.GetString("TTS_VOICE"),
			MaxChunkBytes:   v.GetInt("TTS_MAX_CHUNK_BYTES"),
			SyncThreshold:   v.GetInt("TTS_SYNC_THRESHOLD"),
			JobTTL:          v.GetDuration("TTS_JOB_TTL"),
			TimeoutBase:     v.GetDuration("TTS_TIMEOUT_BASE"),
			TimeoutPerChar:  v.GetDuration("TTS_TIMEOUT_PER_CHAR"),
			TimeoutMax:      v.GetDuration("TTS_TIMEOUT_MAX"),
			Workers:         v.GetInt("TTS_WORKERS"),
			SynthRetries:    v.GetInt("TTS_SYNTH_RETRIES"),
			SynthRetryDelay: v.GetDuration("TTS_SYNTH_RETRY_DELAY"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 14)
	v.SetDefault("LOG_COMPRESS", true)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("DEFAULT_UPSTREAM", "gemini")
	v.SetDefault("DEFAULT_MODEL", "gemini-2.5-flash")
	v.SetDefault("STORE_MODE", "memory")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("PROVIDER_TIMEOUT", "120s")

	// 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("TOOLCALL_TTL", "24h")
	v.SetDefault("TOOLCALL_RETRY_ATTEMPTS", 3)
	v.SetDefault("TOOLCALL_RETRY_DELAY", "100ms")

	v.SetDefault("TTS_MODEL", "gemini-2.5-flash-preview-tts")
	v.SetDefault("TTS_VOICE", "Kore")
	v.SetDefault("TTS_MAX_CHUNK_BYTES", 4000)
	v.SetDefault("TTS_SYNC_THRESHOLD", 3000)
	v.SetDefault("TTS_JOB_TTL", "24h")
	v.SetDefault("TTS_TIMEOUT_BASE", "10s")
	v.SetDefault("TTS_TIMEOUT_PER_CHAR", "25ms")
	v.SetDefault("TTS_TIMEOUT_MAX", "120s")
	v.SetDefault("TTS_WORKERS", 4)
	v.SetDefault("TTS_SYNTH_RETRIES", 2)
	v.SetDefault("TTS_SYNTH_RETRY_DELAY", "1s")
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Gemini.APIKey == "" {
		return errors.New("config: GOOGLE_API_KEY is required")
	}

	switch c.DefaultUpstream {
	case "gemini":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return errors.New("config: DEFAULT_UPSTREAM=openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("config: invalid DEFAULT_UPSTREAM %q; must be one of: gemini, openai", c.DefaultUpstream)
	}

	switch c.Store.Mode {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when STORE_MODE=redis; " +
					"set STORE_MODE=memory to keep state in process",
			)
		}
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: redis, memory", c.Store.Mode)
	}

	if c.RateLimit.RPMLimit > 0 && c.Store.Mode != "redis" {
		return errors.New("config: RPM_LIMIT requires STORE_MODE=redis")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.Log.Level,
		)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}
	if c.Failover.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	if c.ToolCall.RetryAttempts < 1 {
		return fmt.Errorf("config: TOOLCALL_RETRY_ATTEMPTS must be ≥ 1, got %d", c.ToolCall.RetryAttempts)
	}

	if c.TTS.MaxChunkBytes < 1 {
		return fmt.Errorf("config: TTS_MAX_CHUNK_BYTES must be ≥ 1, got %d", c.TTS.MaxChunkBytes)
	}
	if c.TTS.SyncThreshold < 1 {
		return fmt.Errorf("config: TTS_SYNC_THRESHOLD must be ≥ 1, got %d", c.TTS.SyncThreshold)
	}
	if c.TTS.Workers < 1 {
		return fmt.Errorf("config: TTS_WORKERS must be ≥ 1, got %d", c.TTS.Workers)
	}
	if c.TTS.SynthRetries < 0 {
		return fmt.Errorf("config: TTS_SYNTH_RETRIES must be ≥ 0, got %d", c.TTS.SynthRetries)
	}
	if c.TTS.TimeoutMax > 0 && c.TTS.TimeoutBase > c.TTS.TimeoutMax {
		return fmt.Errorf("config: TTS_TIMEOUT_BASE (%s) exceeds TTS_TIMEOUT_MAX (%s)", c.TTS.TimeoutBase, c.TTS.TimeoutMax)
	}

	return nil
}

// OpenAIEnabled reports whether the optional OpenAI upstream is configured.
func (c *Config) OpenAIEnabled() bool {
	return c.OpenAI.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
