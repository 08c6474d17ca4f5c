// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application persistence service.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
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
	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`

	// Log records at least this large (bytes) are s2-compressed; 0 disables.
	CompressionThreshold int `yaml:"compression_threshold"`
}

// DeliveryConfig holds the redelivery loop settings.
type DeliveryConfig struct {
	// Poll blocking bound, also the pause after a failed iteration when no
	// backoff is configured.
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxPollRecords int           `yaml:"max_poll_records"`

	// Maximum time a round waits for acknowledgments.
	PackProcessingTimeout time.Duration `yaml:"pack_processing_timeout"`

	SubmitStrategy           string        `yaml:"submit_strategy"` // burst, sequential
	SequentialMessageTimeout time.Duration `yaml:"sequential_message_timeout"`

	AckStrategy         string        `yaml:"ack_strategy"` // retry-all, skip-all
	MaxRetries          int           `yaml:"max_retries"`  // 0 = until acknowledged
	PauseBetweenRetries time.Duration `yaml:"pause_between_retries"`

	Backoff        BackoffConfig        `yaml:"backoff"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Bound on persisting a client's context when its loop exits.
	SaveTimeout     time.Duration `yaml:"save_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackoffConfig holds the capped exponential backoff applied after
// recoverable loop failures.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds the per-client delivery circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig holds per-client delivery throttling.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // deliveries per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
	ExportTimeout   time.Duration `yaml:"export_timeout"`
	Insecure        bool          `yaml:"insecure"` // plaintext gRPC to the collector
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:                 "badger",
			BadgerDir:            "/tmp/mqtt/app-persistence",
			CompressionThreshold: 4096,
		},
		Delivery: DeliveryConfig{
			PollInterval:             100 * time.Millisecond,
			MaxPollRecords:           100,
			PackProcessingTimeout:    20 * time.Second,
			SubmitStrategy:           "burst",
			SequentialMessageTimeout: time.Second,
			AckStrategy:              "retry-all",
			MaxRetries:               3,
			PauseBetweenRetries:      time.Second,
			Backoff: BackoffConfig{
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			SaveTimeout:     5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Rate:    1000,
			Burst:   100,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "mqtt-app-persistence",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
			ExportTimeout:   30 * time.Second,
			Insecure:        true,
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
	if c.Storage.CompressionThreshold < 0 {
		return fmt.Errorf("storage.compression_threshold cannot be negative")
	}

	d := c.Delivery
	if d.PollInterval < time.Millisecond {
		return fmt.Errorf("delivery.poll_interval must be at least 1ms")
	}
	if d.MaxPollRecords < 1 {
		return fmt.Errorf("delivery.max_poll_records must be at least 1")
	}
	if d.PackProcessingTimeout < time.Millisecond {
		return fmt.Errorf("delivery.pack_processing_timeout must be at least 1ms")
	}

	validSubmit := map[string]bool{"burst": true, "sequential": true}
	if !validSubmit[d.SubmitStrategy] {
		return fmt.Errorf("delivery.submit_strategy must be one of: burst, sequential")
	}
	if d.SubmitStrategy == "sequential" && d.SequentialMessageTimeout <= 0 {
		return fmt.Errorf("delivery.sequential_message_timeout required for sequential submit strategy")
	}

	validAck := map[string]bool{"retry-all": true, "skip-all": true}
	if !validAck[d.AckStrategy] {
		return fmt.Errorf("delivery.ack_strategy must be one of: retry-all, skip-all")
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries cannot be negative")
	}
	if d.PauseBetweenRetries < 0 {
		return fmt.Errorf("delivery.pause_between_retries cannot be negative")
	}

	if d.Backoff.InitialInterval <= 0 || d.Backoff.MaxInterval < d.Backoff.InitialInterval {
		return fmt.Errorf("delivery.backoff intervals must be positive and max_interval >= initial_interval")
	}
	if d.Backoff.Multiplier < 1.0 {
		return fmt.Errorf("delivery.backoff.multiplier must be at least 1.0")
	}
	if d.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("delivery.circuit_breaker.failure_threshold must be at least 1")
	}
	if d.SaveTimeout <= 0 {
		return fmt.Errorf("delivery.save_timeout must be positive")
	}
	if d.ShutdownTimeout < time.Second {
		return fmt.Errorf("delivery.shutdown_timeout must be at least 1 second")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("ratelimit.rate must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Metrics.ExportTimeout < 0 {
			return fmt.Errorf("metrics.export_timeout cannot be negative")
		}
	}

	return nil
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
