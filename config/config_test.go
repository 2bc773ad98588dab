// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/absmach/querydispatch/broker/dsf"
	pkgtls "github.com/absmach/querydispatch/pkg/tls"
)

func validDSFBroker() BrokerConfig {
	return BrokerConfig{
		Name: "dsf-zars",
		Type: "dsf",
		DSF: dsf.Config{
			BaseURL:        "https://dsf.example.org/fhir",
			WebsocketURL:   "wss://dsf.example.org/fhir/ws",
			OrganizationID: "Test_ZARS",
			ConnectTimeout: 2 * time.Second,
			ReadTimeout:    20 * time.Second,
			TLS: pkgtls.Config{
				CertFile: "/certs/client.pem",
				KeyFile:  "/certs/client.key",
				CAFile:   "/certs/ca.pem",
			},
		},
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Type != "memory" {
		t.Errorf("expected default storage memory, got %s", cfg.Storage.Type)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Dispatch.Workers)
	}
	if len(cfg.Translation.Formats) != 1 || cfg.Translation.Formats[0].MediaType != "application/sq+json" {
		t.Errorf("expected structured query format by default, got %+v", cfg.Translation.Formats)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "default config is valid",
			modify: func(c *Config) {},
		},
		{
			name: "valid dsf and mock brokers",
			modify: func(c *Config) {
				c.Brokers = []BrokerConfig{validDSFBroker(), {Name: "local", Type: "mock"}}
			},
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: "log.level",
		},
		{
			name:    "unknown storage",
			modify:  func(c *Config) { c.Storage.Type = "redis" },
			wantErr: "storage.type",
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: "storage.postgres_dsn",
		},
		{
			name:    "no workers",
			modify:  func(c *Config) { c.Dispatch.Workers = 0 },
			wantErr: "dispatch.workers",
		},
		{
			name:    "no formats",
			modify:  func(c *Config) { c.Translation.Formats = nil },
			wantErr: "translation.formats",
		},
		{
			name: "duplicate format",
			modify: func(c *Config) {
				c.Translation.Formats = append(c.Translation.Formats, FormatConfig{MediaType: "application/sq+json", Type: "structured"})
			},
			wantErr: "duplicated",
		},
		{
			name: "http format without url",
			modify: func(c *Config) {
				c.Translation.Formats = append(c.Translation.Formats, FormatConfig{MediaType: "text/cql", Type: "http"})
			},
			wantErr: "translation.formats[1].url",
		},
		{
			name: "unknown broker type",
			modify: func(c *Config) {
				c.Brokers = []BrokerConfig{{Name: "x", Type: "aktin"}}
			},
			wantErr: "brokers[0].type",
		},
		{
			name: "duplicate broker name",
			modify: func(c *Config) {
				c.Brokers = []BrokerConfig{{Name: "x", Type: "mock"}, {Name: "x", Type: "mock"}}
			},
			wantErr: "brokers[1].name",
		},
		{
			name: "dsf without ca",
			modify: func(c *Config) {
				b := validDSFBroker()
				b.DSF.TLS.CAFile = ""
				c.Brokers = []BrokerConfig{b}
			},
			wantErr: "ca_certificate_file",
		},
		{
			name: "negative reconnect attempts",
			modify: func(c *Config) {
				b := validDSFBroker()
				b.DSF.Reconnect.MaxAttempts = -1
				c.Brokers = []BrokerConfig{b}
			},
			wantErr: "reconnect.max_attempts",
		},
		{
			name: "otel sample rate out of range",
			modify: func(c *Config) {
				c.Otel.Enabled = true
				c.Otel.TraceSampleRate = 2
			},
			wantErr: "otel.trace_sample_rate",
		},
		{
			name: "otel negative metric interval",
			modify: func(c *Config) {
				c.Otel.Enabled = true
				c.Otel.MetricInterval = -time.Second
			},
			wantErr: "otel.metric_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected default config, got storage %s", cfg.Storage.Type)
	}
}

func TestLoadYAML(t *testing.T) {
	file := t.TempDir() + "/config.yaml"
	data := `
log:
  level: debug
brokers:
  - name: dsf-zars
    type: dsf
    dsf:
      base_url: https://dsf.example.org/fhir
      websocket_url: wss://dsf.example.org/fhir/ws
      organization_id: Test_ZARS
      client_certificate_file: /certs/client.pem
      client_key_file: /certs/client.key
      client_key_password: secret
      ca_certificate_file: /certs/ca.pem
      log_requests: true
      reconnect:
        max_attempts: 10
        interval: 5s
`
	if err := os.WriteFile(file, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Brokers) != 1 {
		t.Fatalf("expected 1 broker, got %d", len(cfg.Brokers))
	}

	d := cfg.Brokers[0].DSF
	if d.TLS.KeyPassword != "secret" || d.TLS.CAFile != "/certs/ca.pem" {
		t.Errorf("unexpected tls config %+v", d.TLS)
	}
	if !d.LogRequests {
		t.Error("expected log_requests to be set")
	}
	if d.Reconnect.MaxAttempts != 10 || d.Reconnect.Interval != 5*time.Second {
		t.Errorf("unexpected reconnect policy %+v", d.Reconnect)
	}
	if d.ConnectTimeout != 2*time.Second || d.ReadTimeout != 20*time.Second {
		t.Errorf("expected default timeouts, got %v/%v", d.ConnectTimeout, d.ReadTimeout)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Errorf("expected defaults to survive partial file, got %d workers", cfg.Dispatch.Workers)
	}
}

func TestLoadInvalid(t *testing.T) {
	file := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(file, []byte("storage:\n  type: redis\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(file); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected invalid configuration error, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Storage.Type = "badger"
	cfg.Dispatch.Workers = 3
	cfg.Log.Level = "debug"
	cfg.Brokers = []BrokerConfig{validDSFBroker()}

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Storage.Type != "badger" {
		t.Errorf("expected storage badger, got %s", loaded.Storage.Type)
	}
	if loaded.Dispatch.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", loaded.Dispatch.Workers)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
	if len(loaded.Brokers) != 1 || loaded.Brokers[0].DSF.TLS.CertFile != "/certs/client.pem" {
		t.Errorf("broker config did not round trip: %+v", loaded.Brokers)
	}
}
