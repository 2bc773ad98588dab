// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/querydispatch/broker/dsf"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the query dispatcher.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Translation TranslationConfig `yaml:"translation"`
	Brokers     []BrokerConfig    `yaml:"brokers"`
	Health      HealthConfig      `yaml:"health"`
	Otel        OtelConfig        `yaml:"otel"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, postgres

	// BadgerDB settings
	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`

	// PostgreSQL settings
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DispatchConfig holds the dispatcher worker pool settings.
type DispatchConfig struct {
	Workers         int                  `yaml:"workers"`
	QueueSize       int                  `yaml:"queue_size"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig defines per-broker circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures before opening
	ResetTimeout     time.Duration `yaml:"reset_timeout"`     // Time before attempting half-open
}

// TranslationConfig lists the formats every query is translated into.
type TranslationConfig struct {
	Formats []FormatConfig `yaml:"formats"`
}

// FormatConfig configures one target format.
type FormatConfig struct {
	MediaType string        `yaml:"media_type"`
	Type      string        `yaml:"type"` // structured, http
	URL       string        `yaml:"url,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// BrokerConfig configures one partner broker.
type BrokerConfig struct {
	Name string     `yaml:"name"`
	Type string     `yaml:"type"` // dsf, mock
	DSF  dsf.Config `yaml:"dsf,omitempty"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector
	Insecure        bool          `yaml:"insecure"` // plaintext gRPC to the collector
	ExportTimeout   time.Duration `yaml:"export_timeout"`
	MetricInterval  time.Duration `yaml:"metric_interval"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/querydispatch/data",
		},
		Dispatch: DispatchConfig{
			Workers:         8,
			QueueSize:       1000,
			ShutdownTimeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Translation: TranslationConfig{
			Formats: []FormatConfig{
				{MediaType: "application/sq+json", Type: "structured"},
			},
		},
		Brokers: []BrokerConfig{},
		Health: HealthConfig{
			Enabled:         true,
			Addr:            ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ExportTimeout:   30 * time.Second,
			MetricInterval:  10 * time.Second,
			ServiceName:     "querydispatch",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// DefaultDSF returns DSF connection defaults. Unset broker fields are
// filled from it on Load.
func DefaultDSF() dsf.Config {
	return dsf.Config{
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    20 * time.Second,
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
	cfg.applyBrokerDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyBrokerDefaults() {
	def := DefaultDSF()
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.DSF.ConnectTimeout == 0 {
			b.DSF.ConnectTimeout = def.ConnectTimeout
		}
		if b.DSF.ReadTimeout == 0 {
			b.DSF.ReadTimeout = def.ReadTimeout
		}
	}
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

	validStorage := map[string]bool{"memory": true, "badger": true, "postgres": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger, postgres")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.Type == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn required when type is postgres")
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be at least 1")
	}
	if c.Dispatch.ShutdownTimeout < time.Second {
		return fmt.Errorf("dispatch.shutdown_timeout must be at least 1 second")
	}
	if c.Dispatch.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("dispatch.circuit_breaker.failure_threshold must be at least 1")
	}

	if len(c.Translation.Formats) == 0 {
		return fmt.Errorf("translation.formats cannot be empty")
	}
	seenFormats := make(map[string]bool)
	for i, f := range c.Translation.Formats {
		if f.MediaType == "" {
			return fmt.Errorf("translation.formats[%d].media_type cannot be empty", i)
		}
		if seenFormats[f.MediaType] {
			return fmt.Errorf("translation.formats[%d].media_type '%s' is duplicated", i, f.MediaType)
		}
		seenFormats[f.MediaType] = true

		switch f.Type {
		case "structured":
		case "http":
			if f.URL == "" {
				return fmt.Errorf("translation.formats[%d].url required when type is http", i)
			}
		default:
			return fmt.Errorf("translation.formats[%d].type must be one of: structured, http", i)
		}
	}

	seenBrokers := make(map[string]bool)
	for i, b := range c.Brokers {
		if b.Name == "" {
			return fmt.Errorf("brokers[%d].name cannot be empty", i)
		}
		if seenBrokers[b.Name] {
			return fmt.Errorf("brokers[%d].name '%s' is duplicated", i, b.Name)
		}
		seenBrokers[b.Name] = true

		switch b.Type {
		case "mock":
		case "dsf":
			if err := validateDSF(i, b.DSF); err != nil {
				return err
			}
		default:
			return fmt.Errorf("brokers[%d].type must be one of: dsf, mock", i)
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	// OpenTelemetry validation (only if enabled)
	if c.Otel.Enabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when otel enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Otel.ExportTimeout < 0 || c.Otel.MetricInterval < 0 {
			return fmt.Errorf("otel.export_timeout and otel.metric_interval cannot be negative")
		}
	}

	return nil
}

func validateDSF(i int, d dsf.Config) error {
	if d.BaseURL == "" {
		return fmt.Errorf("brokers[%d].dsf.base_url cannot be empty", i)
	}
	if d.WebsocketURL == "" {
		return fmt.Errorf("brokers[%d].dsf.websocket_url cannot be empty", i)
	}
	if d.OrganizationID == "" {
		return fmt.Errorf("brokers[%d].dsf.organization_id cannot be empty", i)
	}
	if d.TLS.CertFile == "" || d.TLS.KeyFile == "" {
		return fmt.Errorf("brokers[%d].dsf.client_certificate_file and client_key_file are required", i)
	}
	if d.TLS.CAFile == "" {
		return fmt.Errorf("brokers[%d].dsf.ca_certificate_file cannot be empty", i)
	}
	if d.ConnectTimeout < 0 || d.ReadTimeout < 0 {
		return fmt.Errorf("brokers[%d].dsf timeouts cannot be negative", i)
	}
	if d.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("brokers[%d].dsf.reconnect.max_attempts cannot be negative", i)
	}
	if d.Reconnect.Interval < 0 {
		return fmt.Errorf("brokers[%d].dsf.reconnect.interval cannot be negative", i)
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
