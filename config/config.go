// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/absmach/fluxqueue/queue/types"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the queue broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Queues    QueuesConfig    `yaml:"queues"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	WSOrigins       []string      `yaml:"ws_allowed_origins"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	TCPMaxConn      int           `yaml:"tcp_max_connections"`
	TCPReadTimeout  time.Duration `yaml:"tcp_read_timeout"`
	TCPWriteTimeout time.Duration `yaml:"tcp_write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"` // Enables OTel

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds broker-specific settings.
type BrokerConfig struct {
	NodeID string `yaml:"node_id"`

	// Maximum encoded frame size in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`

	// Outbound frames buffered per connection before sends block.
	SendBuffer int `yaml:"send_buffer"`
}

// QueuesConfig holds the queue engine settings.
type QueuesConfig struct {
	// AutoCreate creates unknown queues on push and subscribe.
	AutoCreate          bool          `yaml:"auto_create"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	AutoDestroyInterval time.Duration `yaml:"auto_destroy_interval"`

	// Defaults apply to every queue that does not override them.
	Defaults QueueOptions `yaml:"defaults"`

	// Declared queues are created on startup unless a stored record exists.
	Declared []QueueDeclaration `yaml:"declared"`
}

// QueueOptions mirrors types.QueueConfig. Empty fields keep the base value.
type QueueOptions struct {
	Status               string        `yaml:"status"`
	Topic                string        `yaml:"topic"`
	Acknowledge          string        `yaml:"acknowledge"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	MessageTimeout       time.Duration `yaml:"message_timeout"`
	MessageLimit         int           `yaml:"message_limit"`
	MessageSizeLimit     int64         `yaml:"message_size_limit"`
	ClientLimit          int           `yaml:"client_limit"`
	DelayBetweenMessages time.Duration `yaml:"delay_between_messages"`
	PutBackDelay         time.Duration `yaml:"put_back_delay"`
	AutoDestroy          string        `yaml:"auto_destroy"`
	DeliveryHandler      string        `yaml:"delivery_handler"`
	UniqueIDCheck        bool          `yaml:"unique_id_check"`
	ConsumerWaitTimeout  time.Duration `yaml:"consumer_wait_timeout"`
}

// QueueDeclaration is a queue created from configuration.
type QueueDeclaration struct {
	Name         string `yaml:"name"`
	QueueOptions `yaml:",inline"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir         string        `yaml:"badger_dir"`
	Compression       string        `yaml:"compression"` // none, s2, zstd
	CompressThreshold int           `yaml:"compress_threshold"`
	GCInterval        time.Duration `yaml:"gc_interval"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool              `yaml:"include_payload"`  // Include message payload in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	QueueFilters []string          `yaml:"queue_filters"` // Queue name patterns (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled    bool                      `yaml:"enabled"`
	Connection ConnectionRateLimitConfig `yaml:"connection"`
	Push       ClientRateLimitConfig     `yaml:"push"`
	Subscribe  ClientRateLimitConfig     `yaml:"subscribe"`
}

// ConnectionRateLimitConfig limits connection attempts per IP.
type ConnectionRateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // connections per second per IP
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ClientRateLimitConfig limits an operation per connected client.
type ClientRateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // operations per second per client
	Burst   int     `yaml:"burst"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":7700",
			TCPMaxConn:      10000,
			TCPReadTimeout:  60 * time.Second,
			TCPWriteTimeout: 60 * time.Second,
			WSAddr:          ":7701",
			WSPath:          "/queue",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "fluxqueue",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			NodeID:       "fluxqueue-1",
			MaxFrameSize: 4 * 1024 * 1024,
			SendBuffer:   256,
		},
		Queues: QueuesConfig{
			AutoCreate:          true,
			TickInterval:        time.Second,
			AutoDestroyInterval: 30 * time.Second,
			Defaults: QueueOptions{
				Status:              string(types.StatusRoundRobin),
				Acknowledge:         string(types.AckNone),
				AckTimeout:          15 * time.Second,
				AutoDestroy:         string(types.AutoDestroyDisabled),
				DeliveryHandler:     types.DefaultDeliveryHandler,
				ConsumerWaitTimeout: 30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:              "memory",
			BadgerDir:         "/tmp/fluxqueue/data",
			Compression:       "zstd",
			CompressThreshold: 1024,
			GCInterval:        5 * time.Minute,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludePayload:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Connection: ConnectionRateLimitConfig{
				Enabled:         true,
				Rate:            100.0 / 60.0, // 100 connections per minute per IP
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			Push: ClientRateLimitConfig{
				Enabled: true,
				Rate:    1000,
				Burst:   100,
			},
			Subscribe: ClientRateLimitConfig{
				Enabled: true,
				Rate:    100,
				Burst:   10,
			},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
	}
	if c.Server.WSEnabled && !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/'")
	}

	if c.Broker.NodeID == "" {
		return fmt.Errorf("broker.node_id cannot be empty")
	}
	if c.Broker.MaxFrameSize < 1024 {
		return fmt.Errorf("broker.max_frame_size must be at least 1KB")
	}
	if c.Broker.SendBuffer < 1 {
		return fmt.Errorf("broker.send_buffer must be at least 1")
	}

	if c.Queues.TickInterval < time.Millisecond {
		return fmt.Errorf("queues.tick_interval must be at least 1ms")
	}
	if _, err := c.Queues.Defaults.Apply(types.DefaultQueueConfig("defaults")); err != nil {
		return fmt.Errorf("queues.defaults: %w", err)
	}
	seen := make(map[string]bool, len(c.Queues.Declared))
	for i, d := range c.Queues.Declared {
		if d.Name == "" {
			return fmt.Errorf("queues.declared[%d].name cannot be empty", i)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return fmt.Errorf("queues.declared[%d]: duplicate queue %q", i, d.Name)
		}
		seen[key] = true
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Webhook.Enabled {
		if err := c.Webhook.validate(); err != nil {
			return err
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && c.RateLimit.Connection.Rate <= 0 {
			return fmt.Errorf("ratelimit.connection.rate must be positive")
		}
		if c.RateLimit.Push.Enabled && c.RateLimit.Push.Rate <= 0 {
			return fmt.Errorf("ratelimit.push.rate must be positive")
		}
		if c.RateLimit.Subscribe.Enabled && c.RateLimit.Subscribe.Rate <= 0 {
			return fmt.Errorf("ratelimit.subscribe.rate must be positive")
		}
	}

	return nil
}

func (w *WebhookConfig) validate() error {
	if w.QueueSize < 100 {
		return fmt.Errorf("webhook.queue_size must be at least 100")
	}
	if w.DropPolicy != "oldest" && w.DropPolicy != "newest" {
		return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
	}
	if w.Workers < 1 {
		return fmt.Errorf("webhook.workers must be at least 1")
	}
	if w.ShutdownTimeout < time.Second {
		return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
	}
	if w.Defaults.Timeout < time.Second {
		return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
	}
	if w.Defaults.Retry.MaxAttempts < 1 {
		return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
	}
	if w.Defaults.Retry.Multiplier < 1.0 {
		return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
	}
	if w.Defaults.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
	}

	for i, endpoint := range w.Endpoints {
		if endpoint.Name == "" {
			return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
		}
		if endpoint.Type != "http" {
			return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
		}
		if endpoint.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
		}
	}
	return nil
}

// Apply overlays the set options on base and validates the result.
func (o QueueOptions) Apply(base types.QueueConfig) (types.QueueConfig, error) {
	cfg := base
	if o.Status != "" {
		s, err := types.ParseStatus(o.Status)
		if err != nil {
			return cfg, err
		}
		cfg.Status = s
	}
	if o.Topic != "" {
		cfg.Topic = o.Topic
	}
	if o.Acknowledge != "" {
		a, err := types.ParseAckMode(o.Acknowledge)
		if err != nil {
			return cfg, err
		}
		cfg.Acknowledge = a
	}
	if o.AckTimeout > 0 {
		cfg.AckTimeout = o.AckTimeout
	}
	if o.MessageTimeout > 0 {
		cfg.MessageTimeout = o.MessageTimeout
	}
	if o.MessageLimit > 0 {
		cfg.MessageLimit = o.MessageLimit
	}
	if o.MessageSizeLimit > 0 {
		cfg.MessageSizeLimit = o.MessageSizeLimit
	}
	if o.ClientLimit > 0 {
		cfg.ClientLimit = o.ClientLimit
	}
	if o.DelayBetweenMessages > 0 {
		cfg.DelayBetweenMessages = o.DelayBetweenMessages
	}
	if o.PutBackDelay > 0 {
		cfg.PutBackDelay = o.PutBackDelay
	}
	if o.AutoDestroy != "" {
		a, err := types.ParseAutoDestroy(o.AutoDestroy)
		if err != nil {
			return cfg, err
		}
		cfg.AutoDestroy = a
	}
	if o.DeliveryHandler != "" {
		cfg.DeliveryHandler = o.DeliveryHandler
	}
	if o.UniqueIDCheck {
		cfg.UniqueIDCheck = true
	}
	if o.ConsumerWaitTimeout > 0 {
		cfg.ConsumerWaitTimeout = o.ConsumerWaitTimeout
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
