// Package config loads and validates the conclave.yaml runtime
// configuration.
package config

import (
	"time"

	"github.com/conclave-ai/conclave/pkg/ratelimit"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Auth      AuthConfig                `yaml:"auth"`
	Audit     AuditConfig               `yaml:"audit"`
	RateLimit ratelimit.Policy          `yaml:"rate_limit"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig             `yaml:"routing"`
	Stream    StreamConfig              `yaml:"stream"`
	Sessions  SessionConfig             `yaml:"sessions"`
	Consensus ConsensusConfig           `yaml:"consensus"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// AuthConfig holds token signing and admin bootstrap settings.
type AuthConfig struct {
	// TokenSecret signs JWTs. At least 32 bytes.
	TokenSecret string `yaml:"token_secret" validate:"required,min=32"`
	// Algorithm is one of HS256, HS384, HS512.
	Algorithm  string        `yaml:"algorithm" validate:"omitempty,oneof=HS256 HS384 HS512"`
	Issuer     string        `yaml:"issuer"`
	AccessTTL  time.Duration `yaml:"access_ttl" validate:"min=0"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" validate:"min=0"`
	// AdminUser / AdminPasswordHash bootstrap the first admin account.
	// The hash is a bcrypt hash; plain passwords never appear in config.
	AdminUser         string `yaml:"admin_user" validate:"required"`
	AdminPasswordHash string `yaml:"admin_password_hash" validate:"required"`
	// APIKeyHashes are SHA-256 hex digests of accepted API keys.
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

// AuditConfig holds tamper-evident log settings.
type AuditConfig struct {
	// Secret keys the HMAC event chain. At least 16 bytes.
	Secret      string `yaml:"secret" validate:"required,min=16"`
	MaxEvents   int    `yaml:"max_events" validate:"min=0"`
	RotateAfter int    `yaml:"rotate_after" validate:"min=0"`
	MinSeverity string `yaml:"min_severity" validate:"omitempty,oneof=debug info warning error critical"`
}

// ProviderConfig declares one LLM provider instance.
type ProviderConfig struct {
	// Type selects the driver. Only "mock" ships in-tree; real drivers
	// register under their own type names.
	Type            string                  `yaml:"type" validate:"required,oneof=mock"`
	Models          []string                `yaml:"models" validate:"min=1"`
	Pricing         map[string]ModelPricing `yaml:"pricing"`
	Priority        int                     `yaml:"priority"`
	ConcurrentLimit int                     `yaml:"concurrent_limit" validate:"min=0"`
	Latency         time.Duration           `yaml:"latency" validate:"min=0"`
	Reply           string                  `yaml:"reply"`
}

// ModelPricing is per-1K-token pricing for a model.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" validate:"min=0"`
	CompletionPer1K float64 `yaml:"completion_per_1k" validate:"min=0"`
}

// RoutingConfig controls how requests are routed among providers.
type RoutingConfig struct {
	Strategy         string        `yaml:"strategy" validate:"omitempty,oneof=round-robin least-loaded latency-based cost-based"`
	FailoverEnabled  bool          `yaml:"failover_enabled"`
	MaxAttempts      int           `yaml:"max_attempts" validate:"min=0"`
	CacheEnabled     bool          `yaml:"cache_enabled"`
	CacheSize        int           `yaml:"cache_size" validate:"min=0"`
	CacheTTL         time.Duration `yaml:"cache_ttl" validate:"min=0"`
	HealthInterval   time.Duration `yaml:"health_interval" validate:"min=0"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"min=0,max=1"`
}

// StreamConfig holds SSE hub settings.
type StreamConfig struct {
	MaxClients        int           `yaml:"max_clients" validate:"min=0"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" validate:"min=0"`
	RetentionSize     int           `yaml:"retention_size" validate:"min=0"`
	RetryMs           int           `yaml:"retry_ms" validate:"min=0"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" validate:"min=0"`
}

// ConsensusConfig holds consensus round settings.
type ConsensusConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

// Default returns the built-in configuration. Loaded YAML is merged on
// top; anything the file leaves unset keeps these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // SSE connections must outlive any write deadline
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Algorithm:  "HS256",
			Issuer:     "conclave",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		Audit: AuditConfig{
			MaxEvents:   10000,
			RotateAfter: 5000,
			MinSeverity: "info",
		},
		RateLimit: ratelimit.Policy{
			TasksPerMinute:     30,
			MemoryOpsPerMinute: 100,
			MessagesPerMinute:  60,
			CPUQuotaMs:         60000,
			MaxConcurrentTasks: 5,
			MemoryQuotaBytes:   100 << 20,
		},
		Routing: RoutingConfig{
			Strategy:         "round-robin",
			FailoverEnabled:  true,
			MaxAttempts:      2,
			CacheEnabled:     true,
			CacheSize:        1000,
			CacheTTL:         5 * time.Minute,
			HealthInterval:   time.Minute,
			FailureThreshold: 0.5,
		},
		Stream: StreamConfig{
			MaxClients:        1000,
			KeepAliveInterval: 15 * time.Second,
			RetentionSize:     256,
			RetryMs:           3000,
		},
		Sessions: SessionConfig{
			HeartbeatTimeout: 30 * time.Second,
		},
		Consensus: ConsensusConfig{
			Timeout: 30 * time.Second,
		},
	}
}
