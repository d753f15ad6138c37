// Package config provides configuration loading for secondbraind.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the coordination daemon.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Bus        BusConfig        `koanf:"bus"`
	Review     ReviewConfig     `koanf:"review"`
	Store      StoreConfig      `koanf:"store"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Guard      GuardConfig      `koanf:"guard"`
}

// ServerConfig controls the HTTP health/metrics surface.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
	// OTEL mirrors log records to the OTEL log pipeline when telemetry is enabled.
	OTEL bool `koanf:"otel"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" or "http".
	Protocol string `koanf:"protocol"`
	Insecure bool   `koanf:"insecure"`
}

// BusConfig controls the message bus.
type BusConfig struct {
	// DefaultTimeout applies to sends whose message carries no timeout.
	// Zero means wait indefinitely.
	DefaultTimeout Duration `koanf:"default_timeout"`
	// HistoryLimit bounds the retained message history.
	HistoryLimit int `koanf:"history_limit"`
	// NATS mirrors delivered messages onto NATS subjects for external
	// observers. Disabled when URL is empty.
	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig controls the optional NATS message mirror.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ReviewConfig controls the review gate.
type ReviewConfig struct {
	// PersistOutcomes writes completed reviews into the context store.
	PersistOutcomes bool `koanf:"persist_outcomes"`
}

// StoreConfig configures the tiered context store.
type StoreConfig struct {
	Fast     FastTierConfig     `koanf:"fast"`
	Durable  DurableTierConfig  `koanf:"durable"`
	Semantic SemanticTierConfig `koanf:"semantic"`
	// CacheSize bounds the in-process read cache (objects).
	CacheSize int `koanf:"cache_size"`
}

// FastTierConfig selects the fast (volatile) tier backend.
type FastTierConfig struct {
	// Provider is "memory" or "redis".
	Provider string      `koanf:"provider"`
	Redis    RedisConfig `koanf:"redis"`
}

// RedisConfig configures the Redis fast-tier backend.
type RedisConfig struct {
	URL      string   `koanf:"url"`
	Password Secret   `koanf:"password"`
	DB       int      `koanf:"db"`
	TTL      Duration `koanf:"ttl"`
}

// DurableTierConfig configures the SQLite durable tier.
type DurableTierConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Path     string `koanf:"path"`
	PoolSize int    `koanf:"pool_size"`
}

// SemanticTierConfig selects the semantic tier backend.
type SemanticTierConfig struct {
	// Provider is "chromem", "qdrant", or "none".
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig configures the remote Qdrant backend.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	Collection string `koanf:"collection"`
	VectorSize uint64 `koanf:"vector_size"`
}

// EmbeddingsConfig configures the embedding provider for the semantic tier.
type EmbeddingsConfig struct {
	// Provider is "tei" or "static". Static is a deterministic local
	// embedder for deployments without an embedding service.
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
}

// GuardConfig configures the access guard in front of the bus.
type GuardConfig struct {
	Enabled bool `koanf:"enabled"`
	// FreshnessWindow bounds the age of a signed message timestamp.
	FreshnessWindow Duration        `koanf:"freshness_window"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig controls per-agent send rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or console)", c.Logging.Format)
	}
	switch c.Store.Fast.Provider {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("invalid fast tier provider: %q", c.Store.Fast.Provider)
	}
	if c.Store.Fast.Provider == "redis" && c.Store.Fast.Redis.URL == "" {
		return fmt.Errorf("fast tier provider is redis but no redis url is configured")
	}
	switch c.Store.Semantic.Provider {
	case "", "chromem", "qdrant", "none":
	default:
		return fmt.Errorf("invalid semantic tier provider: %q", c.Store.Semantic.Provider)
	}
	switch c.Embeddings.Provider {
	case "", "tei", "static":
	default:
		return fmt.Errorf("invalid embeddings provider: %q", c.Embeddings.Provider)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("invalid telemetry protocol: %q (must be grpc or http)", c.Telemetry.Protocol)
	}
	if c.Bus.HistoryLimit < 0 {
		return fmt.Errorf("bus history limit cannot be negative: %d", c.Bus.HistoryLimit)
	}
	if rl := c.Guard.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			return fmt.Errorf("guard rate limit enabled but requests_per_second is %v", rl.RequestsPerSecond)
		}
		if rl.Burst <= 0 {
			return fmt.Errorf("guard rate limit enabled but burst is %d", rl.Burst)
		}
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9290
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "secondbraind"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}

	// Bus.DefaultTimeout is left alone: zero means sends wait
	// indefinitely, bounded only by the caller's context.
	if cfg.Bus.HistoryLimit == 0 {
		cfg.Bus.HistoryLimit = 1000
	}
	if cfg.Bus.NATS.SubjectPrefix == "" {
		cfg.Bus.NATS.SubjectPrefix = "secondbrain.messages"
	}

	if cfg.Store.Fast.Provider == "" {
		cfg.Store.Fast.Provider = "memory"
	}
	if cfg.Store.Fast.Redis.TTL == 0 {
		cfg.Store.Fast.Redis.TTL = Duration(24 * time.Hour)
	}
	if cfg.Store.Durable.Path == "" {
		cfg.Store.Durable.Path = "~/.config/secondbrain/context.db"
	}
	if cfg.Store.Durable.PoolSize == 0 {
		cfg.Store.Durable.PoolSize = 4
	}
	if cfg.Store.Semantic.Provider == "" {
		cfg.Store.Semantic.Provider = "chromem"
	}
	if cfg.Store.Semantic.Chromem.Path == "" {
		cfg.Store.Semantic.Chromem.Path = "~/.config/secondbrain/vectorstore"
	}
	if cfg.Store.Semantic.Chromem.Collection == "" {
		cfg.Store.Semantic.Chromem.Collection = "secondbrain_contexts"
	}
	if cfg.Store.Semantic.Qdrant.Host == "" {
		cfg.Store.Semantic.Qdrant.Host = "localhost"
	}
	if cfg.Store.Semantic.Qdrant.Port == 0 {
		cfg.Store.Semantic.Qdrant.Port = 6334
	}
	if cfg.Store.Semantic.Qdrant.Collection == "" {
		cfg.Store.Semantic.Qdrant.Collection = "secondbrain_contexts"
	}
	if cfg.Store.Semantic.Qdrant.VectorSize == 0 {
		cfg.Store.Semantic.Qdrant.VectorSize = 384
	}
	if cfg.Store.CacheSize == 0 {
		cfg.Store.CacheSize = 256
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Guard.FreshnessWindow == 0 {
		cfg.Guard.FreshnessWindow = Duration(5 * time.Minute)
	}
	if cfg.Guard.RateLimit.Enabled {
		if cfg.Guard.RateLimit.RequestsPerSecond == 0 {
			cfg.Guard.RateLimit.RequestsPerSecond = 50
		}
		if cfg.Guard.RateLimit.Burst == 0 {
			cfg.Guard.RateLimit.Burst = 100
		}
	}
}
