// Package config loads gateway configuration from the environment, with an
// optional YAML profile file layered underneath.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// DatabaseURL selects the credential store backend. A "postgres://" DSN
	// uses lib/pq; anything else is treated as a sqlite file path.
	DatabaseURL string `yaml:"database_url"`

	// TokenSecret signs bearer tokens. Startup fails when empty.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`

	CatalogPath string `yaml:"catalog_path"`

	UpstreamBaseURL string        `yaml:"upstream_base_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	UpstreamRetries int           `yaml:"upstream_retries"`

	CacheRoot        string `yaml:"cache_root"`
	CacheMaxBytes    int64  `yaml:"cache_max_bytes"`
	ServeStaleOnErr  bool   `yaml:"serve_stale_on_error"`
	FilesRoot        string `yaml:"files_root"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
	RateLimitPerSec  int    `yaml:"rate_limit_per_sec"`
	RateLimitBurst   int    `yaml:"rate_limit_burst"`

	// CORSOrigins lists the origins allowed to call the API from a
	// browser. Empty means allow all (development mode).
	CORSOrigins []string `yaml:"cors_origins"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`

	LLMBaseURL  string        `yaml:"llm_base_url"`
	LLMAPIKey   string        `yaml:"llm_api_key"`
	LLMModel    string        `yaml:"llm_model"`
	LLMMaxTurns int           `yaml:"llm_max_turns"`
	LLMDeadline time.Duration `yaml:"llm_deadline"`
}

// Load loads configuration from environment variables. When DATAGATE_PROFILE
// points to a YAML file, its values seed the defaults and the environment
// overrides them.
func Load() (*Config, error) {
	cfg := defaults()

	if profile := os.Getenv("DATAGATE_PROFILE"); profile != "" {
		data, err := os.ReadFile(profile)
		if err != nil {
			return nil, fmt.Errorf("load profile %q: %w", profile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse profile %q: %w", profile, err)
		}
	}

	cfg.Port = envStr("PORT", cfg.Port)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.TokenSecret = envStr("TOKEN_SECRET", cfg.TokenSecret)
	cfg.TokenTTL = envDur("TOKEN_TTL", cfg.TokenTTL)
	cfg.CatalogPath = envStr("CATALOG_PATH", cfg.CatalogPath)
	cfg.UpstreamBaseURL = envStr("UPSTREAM_BASE_URL", cfg.UpstreamBaseURL)
	cfg.UpstreamTimeout = envDur("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.UpstreamRetries = envInt("UPSTREAM_RETRIES", cfg.UpstreamRetries)
	cfg.CacheRoot = envStr("CACHE_ROOT", cfg.CacheRoot)
	cfg.CacheMaxBytes = envInt64("CACHE_MAX_BYTES", cfg.CacheMaxBytes)
	cfg.ServeStaleOnErr = envBool("SERVE_STALE_ON_ERROR", cfg.ServeStaleOnErr)
	cfg.FilesRoot = envStr("FILES_ROOT", cfg.FilesRoot)
	cfg.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.RateLimitPerSec = envInt("RATE_LIMIT_PER_SEC", cfg.RateLimitPerSec)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.CORSOrigins = envList("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.OTLPEndpoint = envStr("OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.TelemetryEnabled = envBool("TELEMETRY_ENABLED", cfg.TelemetryEnabled)
	cfg.LLMBaseURL = envStr("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMAPIKey = envStr("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMModel = envStr("LLM_MODEL", cfg.LLMModel)
	cfg.LLMMaxTurns = envInt("LLM_MAX_TURNS", cfg.LLMMaxTurns)
	cfg.LLMDeadline = envDur("LLM_DEADLINE", cfg.LLMDeadline)

	return cfg, nil
}

// Validate checks the invariants that make startup unrecoverable when broken.
func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return errors.New("config: TOKEN_SECRET is required")
	}
	if c.CatalogPath == "" {
		return errors.New("config: CATALOG_PATH is required")
	}
	if c.UpstreamRetries < 1 {
		return errors.New("config: UPSTREAM_RETRIES must be at least 1")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Port:             "8000",
		LogLevel:         "INFO",
		DatabaseURL:      "datagate.db",
		TokenTTL:         30 * time.Minute,
		CatalogPath:      "akshare_interfaces.json",
		UpstreamBaseURL:  "http://127.0.0.1:8080",
		UpstreamTimeout:  30 * time.Second,
		UpstreamRetries:  3,
		CacheRoot:        "data/cache",
		CacheMaxBytes:    1 << 30, // 1 GiB
		ServeStaleOnErr:  true,
		FilesRoot:        "data/files",
		MaxUploadBytes:   10 << 20, // 10 MiB
		RateLimitPerSec:  20,
		RateLimitBurst:   40,
		OTLPEndpoint:     "localhost:4317",
		TelemetryEnabled: false,
		LLMBaseURL:       "https://api.openai.com/v1",
		LLMModel:         "gpt-4o-mini",
		LLMMaxTurns:      6,
		LLMDeadline:      60 * time.Second,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
