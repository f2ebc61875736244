// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the completion
// backend's binaries.
//
// Configuration is loaded from a single file specified by:
//   - COMPLETION_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides —
// the same discipline the rest of this codebase's ambient stack
// applies everywhere else.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for the completion backend.
type Config struct {
	Environment Environment `yaml:"environment"`

	Redis      RedisConfig     `yaml:"redis"`
	Store      StoreConfig     `yaml:"store"`
	Tokens     TokenConfig     `yaml:"tokens"`
	Request    RequestConfig   `yaml:"request"`
	Queues     QueueConfig     `yaml:"queues"`
	Models     ModelConfig     `yaml:"models"`
	Transport  TransportConfig `yaml:"transport"`
	RateLimits map[string]int  `yaml:"rate_limits"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Redis   *RedisConfig   `yaml:"redis,omitempty"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
	Tokens  *TokenConfig   `yaml:"tokens,omitempty"`
	Request *RequestConfig `yaml:"request,omitempty"`
	Queues  *QueueConfig   `yaml:"queues,omitempty"`
}

// RedisConfig configures the session cache and task broker's
// connection to Redis.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// StoreConfig configures the persistence gateway's durable store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections.
	PoolSize int `yaml:"pool_size"`

	// StoreMultiFileContextDurably gates the context-flush step of
	// project cleanup (spec §6's store-multi-file-context-durably).
	StoreMultiFileContextDurably bool `yaml:"store_multi_file_context_durably"`

	// ContextEncryptionRecipient is the age public key flushed
	// context snapshots are encrypted to. Empty disables encryption
	// (development only).
	ContextEncryptionRecipient string `yaml:"context_encryption_recipient,omitempty"`
}

// TokenConfig configures the session cache's token hierarchy TTLs.
type TokenConfig struct {
	AuthTokenTTL         time.Duration `yaml:"auth_token_ttl"`
	SessionTokenTTL      time.Duration `yaml:"session_token_ttl"`
	VerificationTokenTTL time.Duration `yaml:"verification_token_ttl"`
	ResetTokenTTL        time.Duration `yaml:"reset_token_ttl"`

	// HookMargin (ε) is how far before the real TTL the expiration
	// hook key fires, giving the reaper a window to act while the
	// main record is still readable.
	HookMargin time.Duration `yaml:"hook_margin"`

	// ChangeLogBound is N, the maximum number of uncompacted
	// multi-file-context change-log entries retained per project.
	ChangeLogBound int `yaml:"change_log_bound"`
}

// RequestConfig configures per-request timing.
type RequestConfig struct {
	Deadline        time.Duration `yaml:"deadline"`
	PerModelTimeout time.Duration `yaml:"per_model_timeout"`
}

// QueueConfig configures the task broker's backpressure watermarks
// and the persistence worker pool's retry policy.
type QueueConfig struct {
	InferenceHighWater         int `yaml:"inference_queue_high_water"`
	InferenceLowWater          int `yaml:"inference_queue_low_water"`
	PersistenceBatchSize       int `yaml:"persistence_batch_size"`
	PersistenceMaxRetries      int `yaml:"persistence_max_retries"`
	AnalyticsSampleDenominator int `yaml:"analytics_sample_denominator"`
}

// ModelConfig configures which models are used by default and
// whether they are warmed at worker boot.
type ModelConfig struct {
	DefaultModelIDs []string `yaml:"default_model_ids"`
	PreloadModels   bool     `yaml:"preload_models"`
}

// TransportConfig configures the orchestrator's client-facing
// listeners: a WebSocket endpoint for the web dashboard and a framed
// length-prefixed TCP endpoint for IDE plugins (spec.md §6).
type TransportConfig struct {
	// WebSocketAddress is the bind address for the HTTP server that
	// upgrades connections at WebSocketPath.
	WebSocketAddress string `yaml:"websocket_address"`

	// WebSocketPath is the HTTP path the upgrade handler is mounted
	// at.
	WebSocketPath string `yaml:"websocket_path"`

	// FramedTCPAddress is the bind address for the framed-TCP
	// listener. Empty disables it.
	FramedTCPAddress string `yaml:"framed_tcp_address,omitempty"`

	// HandshakeTimeout bounds how long a newly accepted connection has
	// to present its session and project cookies/frame before it is
	// dropped.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds a single frame write to a registered
	// connection sink.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AdminSocketPath is the Unix socket path the orchestrator serves
	// operational stats on (connection count, queue depth) for
	// cmd/bureau-completion-admin. Empty disables the admin socket.
	AdminSocketPath string `yaml:"admin_socket_path,omitempty"`
}

// Default returns the base configuration, applied before the config
// file is loaded. These exist to give every field a sensible
// zero-value, not as a fallback for a missing config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Redis: RedisConfig{
			Address: "127.0.0.1:6379",
			DB:      0,
		},
		Store: StoreConfig{
			Path:                         "completion-backend.sqlite",
			PoolSize:                     8,
			StoreMultiFileContextDurably: true,
		},
		Tokens: TokenConfig{
			AuthTokenTTL:         24 * time.Hour,
			SessionTokenTTL:      time.Hour,
			VerificationTokenTTL: 24 * time.Hour,
			ResetTokenTTL:        15 * time.Minute,
			HookMargin:           2 * time.Second,
			ChangeLogBound:       500,
		},
		Request: RequestConfig{
			Deadline:        10 * time.Second,
			PerModelTimeout: 8 * time.Second,
		},
		Queues: QueueConfig{
			InferenceHighWater:         5000,
			InferenceLowWater:          1000,
			PersistenceBatchSize:       50,
			PersistenceMaxRetries:      5,
			AnalyticsSampleDenominator: 1,
		},
		Models: ModelConfig{
			PreloadModels: false,
		},
		Transport: TransportConfig{
			WebSocketAddress: "127.0.0.1:8085",
			WebSocketPath:    "/v1/connect",
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     10 * time.Second,
			AdminSocketPath:  "/run/bureau-completion/admin.sock",
		},
	}
}

// Load loads configuration from the COMPLETION_CONFIG environment
// variable.
func Load() (*Config, error) {
	configPath := os.Getenv("COMPLETION_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("COMPLETION_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Redis != nil {
		if overrides.Redis.Address != "" {
			c.Redis.Address = overrides.Redis.Address
		}
		if overrides.Redis.Password != "" {
			c.Redis.Password = overrides.Redis.Password
		}
		c.Redis.DB = overrides.Redis.DB
	}
	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
		c.Store.StoreMultiFileContextDurably = overrides.Store.StoreMultiFileContextDurably
		if overrides.Store.ContextEncryptionRecipient != "" {
			c.Store.ContextEncryptionRecipient = overrides.Store.ContextEncryptionRecipient
		}
	}
	if overrides.Tokens != nil {
		if overrides.Tokens.AuthTokenTTL != 0 {
			c.Tokens.AuthTokenTTL = overrides.Tokens.AuthTokenTTL
		}
		if overrides.Tokens.SessionTokenTTL != 0 {
			c.Tokens.SessionTokenTTL = overrides.Tokens.SessionTokenTTL
		}
		if overrides.Tokens.VerificationTokenTTL != 0 {
			c.Tokens.VerificationTokenTTL = overrides.Tokens.VerificationTokenTTL
		}
		if overrides.Tokens.ResetTokenTTL != 0 {
			c.Tokens.ResetTokenTTL = overrides.Tokens.ResetTokenTTL
		}
		if overrides.Tokens.HookMargin != 0 {
			c.Tokens.HookMargin = overrides.Tokens.HookMargin
		}
		if overrides.Tokens.ChangeLogBound != 0 {
			c.Tokens.ChangeLogBound = overrides.Tokens.ChangeLogBound
		}
	}
	if overrides.Request != nil {
		if overrides.Request.Deadline != 0 {
			c.Request.Deadline = overrides.Request.Deadline
		}
		if overrides.Request.PerModelTimeout != 0 {
			c.Request.PerModelTimeout = overrides.Request.PerModelTimeout
		}
	}
	if overrides.Queues != nil {
		if overrides.Queues.InferenceHighWater != 0 {
			c.Queues.InferenceHighWater = overrides.Queues.InferenceHighWater
		}
		if overrides.Queues.InferenceLowWater != 0 {
			c.Queues.InferenceLowWater = overrides.Queues.InferenceLowWater
		}
		if overrides.Queues.PersistenceBatchSize != 0 {
			c.Queues.PersistenceBatchSize = overrides.Queues.PersistenceBatchSize
		}
		if overrides.Queues.PersistenceMaxRetries != 0 {
			c.Queues.PersistenceMaxRetries = overrides.Queues.PersistenceMaxRetries
		}
		if overrides.Queues.AnalyticsSampleDenominator != 0 {
			c.Queues.AnalyticsSampleDenominator = overrides.Queues.AnalyticsSampleDenominator
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var problems []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		problems = append(problems, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Redis.Address == "" {
		problems = append(problems, fmt.Errorf("redis.address is required"))
	}
	if c.Store.Path == "" {
		problems = append(problems, fmt.Errorf("store.path is required"))
	}
	if c.Request.PerModelTimeout >= c.Request.Deadline {
		problems = append(problems, fmt.Errorf(
			"request.per_model_timeout (%s) must be strictly less than request.deadline (%s)",
			c.Request.PerModelTimeout, c.Request.Deadline))
	}
	if c.Tokens.HookMargin <= 0 {
		problems = append(problems, fmt.Errorf("tokens.hook_margin must be positive"))
	}
	if c.Queues.InferenceLowWater > c.Queues.InferenceHighWater {
		problems = append(problems, fmt.Errorf(
			"queues.inference_queue_low_water (%d) must not exceed inference_queue_high_water (%d)",
			c.Queues.InferenceLowWater, c.Queues.InferenceHighWater))
	}
	if c.Transport.WebSocketAddress == "" {
		problems = append(problems, fmt.Errorf("transport.websocket_address is required"))
	}
	if c.Transport.WebSocketPath == "" {
		problems = append(problems, fmt.Errorf("transport.websocket_path is required"))
	}
	if c.Transport.HandshakeTimeout <= 0 {
		problems = append(problems, fmt.Errorf("transport.handshake_timeout must be positive"))
	}

	if len(problems) > 0 {
		return errors.Join(problems...)
	}
	return nil
}
