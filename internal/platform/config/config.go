package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"3000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Comma-separated origins allowed to call /api from a browser, or "*".
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" default:"*"`

	MaxParticipants         int `env:"MAX_PARTICIPANTS" default:"500"`
	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"50"`

	RateLimitBackend       string        `env:"RATE_LIMIT_BACKEND" default:"memory"`
	RedisURL               string        `env:"REDIS_URL"`
	RateLimitInterval      time.Duration `env:"RATE_LIMIT_INTERVAL" default:"5s"`
	RateLimitRetention     time.Duration `env:"RATE_LIMIT_RETENTION" default:"60s"`
	RateLimitPurgeInterval time.Duration `env:"RATE_LIMIT_PURGE_INTERVAL" default:"5m"`

	RankingCoalesceWindow time.Duration `env:"RANKING_COALESCE_WINDOW" default:"1s"`
	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`

	MemoryCheckInterval time.Duration `env:"MEMORY_CHECK_INTERVAL" default:"1m"`
	MemoryWarnMB        int           `env:"MEMORY_WARN_MB" default:"500"`
	MemoryCriticalMB    int           `env:"MEMORY_CRITICAL_MB" default:"1024"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AllowedOrigins splits CORSAllowedOrigins. An empty setting allows any origin.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func validate(cfg *Config) error {
	for _, origin := range cfg.AllowedOrigins() {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS entry %q must be \"*\" or an http(s) origin", origin)
		}
	}

	switch cfg.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when RATE_LIMIT_BACKEND is redis")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, cfg.RateLimitBackend)
	}

	positive := map[string]int{
		"MAX_PARTICIPANTS":          cfg.MaxParticipants,
		"MAX_WEBSOCKET_CONNECTIONS": cfg.MaxWebSocketConnections,
		"MEMORY_WARN_MB":            cfg.MemoryWarnMB,
		"MEMORY_CRITICAL_MB":        cfg.MemoryCriticalMB,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	durations := map[string]time.Duration{
		"RATE_LIMIT_INTERVAL":       cfg.RateLimitInterval,
		"RATE_LIMIT_RETENTION":      cfg.RateLimitRetention,
		"RATE_LIMIT_PURGE_INTERVAL": cfg.RateLimitPurgeInterval,
		"RANKING_COALESCE_WINDOW":   cfg.RankingCoalesceWindow,
		"HEARTBEAT_INTERVAL":        cfg.HeartbeatInterval,
		"MEMORY_CHECK_INTERVAL":     cfg.MemoryCheckInterval,
	}
	for name, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.RateLimitRetention < cfg.RateLimitInterval {
		return errors.New("RATE_LIMIT_RETENTION must not be shorter than RATE_LIMIT_INTERVAL")
	}
	if cfg.MemoryCriticalMB < cfg.MemoryWarnMB {
		return errors.New("MEMORY_CRITICAL_MB must not be below MEMORY_WARN_MB")
	}

	return nil
}
