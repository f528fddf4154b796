package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// Values from file
	if cfg.Server.ListenAddress != "127.0.0.1:5353" {
		t.Errorf("Expected listen address 127.0.0.1:5353, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Upstream.Endpoint != "https://doh.test/d" {
		t.Errorf("Expected endpoint https://doh.test/d, got %s", cfg.Upstream.Endpoint)
	}
	if cfg.Upstream.BodyFormat != "json" {
		t.Errorf("Expected body format json, got %s", cfg.Upstream.BodyFormat)
	}
	if cfg.Upstream.HTTPVersion != "1.1" {
		t.Errorf("Expected http version 1.1, got %s", cfg.Upstream.HTTPVersion)
	}
	if len(cfg.Bootstrap.Servers) != 2 {
		t.Errorf("Expected 2 bootstrap servers, got %d", len(cfg.Bootstrap.Servers))
	}
	if cfg.Bootstrap.RefreshInterval != 2*time.Minute {
		t.Errorf("Expected refresh interval 2m, got %s", cfg.Bootstrap.RefreshInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}

	// Defaults applied to unset fields
	if cfg.Upstream.NameParam != "dn" {
		t.Errorf("Expected default name param dn, got %s", cfg.Upstream.NameParam)
	}
	if cfg.Upstream.Timeout != 10*time.Second {
		t.Errorf("Expected default upstream timeout 10s, got %s", cfg.Upstream.Timeout)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	if cfg == nil {
		t.Fatal("LoadWithDefaults() returned nil")
	}

	if cfg.Server.ListenAddress != "0.0.0.0:5353" {
		t.Errorf("Expected default listen address 0.0.0.0:5353, got %s", cfg.Server.ListenAddress)
	}
	if len(cfg.Bootstrap.Servers) != 4 {
		t.Errorf("Expected 4 default bootstrap servers, got %d", len(cfg.Bootstrap.Servers))
	}
	if cfg.Upstream.BodyFormat != "text" {
		t.Errorf("Expected default body format text, got %s", cfg.Upstream.BodyFormat)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.RateLimit.Enabled {
		t.Error("Rate limiting should be disabled by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "listen address without port",
			mutate:  func(c *Config) { c.Server.ListenAddress = "0.0.0.0" },
			wantErr: true,
		},
		{
			name:    "non-http endpoint",
			mutate:  func(c *Config) { c.Upstream.Endpoint = "ftp://doh.test/d" },
			wantErr: true,
		},
		{
			name:    "bad body format",
			mutate:  func(c *Config) { c.Upstream.BodyFormat = "xml" },
			wantErr: true,
		},
		{
			name:    "bad http version",
			mutate:  func(c *Config) { c.Upstream.HTTPVersion = "4" },
			wantErr: true,
		},
		{
			name: "proxy with http3",
			mutate: func(c *Config) {
				c.Upstream.HTTPProxy = "socks5://127.0.0.1:1080"
				c.Upstream.HTTPVersion = "3"
			},
			wantErr: true,
		},
		{
			name:    "sub-second answer ttl",
			mutate:  func(c *Config) { c.Upstream.AnswerTTL = 500 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "one second answer ttl",
			mutate:  func(c *Config) { c.Upstream.AnswerTTL = time.Second },
			wantErr: false,
		},
		{
			name:    "hostname as bootstrap server",
			mutate:  func(c *Config) { c.Bootstrap.Servers = []string{"dns.test"} },
			wantErr: true,
		},
		{
			name:    "bootstrap server with port",
			mutate:  func(c *Config) { c.Bootstrap.Servers = []string{"9.9.9.9:5353"} },
			wantErr: false,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestUpstreamHost(t *testing.T) {
	cfg := LoadWithDefaults()
	cfg.Upstream.Endpoint = "https://doh.test:8443/resolve"
	if got := cfg.UpstreamHost(); got != "doh.test" {
		t.Errorf("UpstreamHost() = %s, want doh.test", got)
	}
}
