package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream DoH endpoint
	Upstream UpstreamConfig `yaml:"upstream"`

	// Bootstrap DNS used to resolve the upstream hostname
	Bootstrap BootstrapConfig `yaml:"bootstrap"`

	// Rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Query log storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the UDP listener settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// UpstreamConfig describes the DoH endpoint queries are relayed to.
// Endpoint is the full URL up to (but excluding) the query string, e.g.
// "https://dns.example.net/d". The exact request framing differs between
// providers, so the query parameter names and the answer body format are
// configurable rather than hard-coded.
type UpstreamConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	NameParam        string        `yaml:"name_param"`         // query parameter carrying the domain name
	SubnetParam      string        `yaml:"subnet_param"`       // query parameter carrying the EDNS client subnet
	BodyFormat       string        `yaml:"body_format"`        // "text" or "json"
	EDNSClientSubnet string        `yaml:"edns_client_subnet"` // e.g. "203.31.0.0/16", empty disables
	HTTPProxy        string        `yaml:"http_proxy"`         // optional proxy URL for the HTTPS client
	HTTPVersion      string        `yaml:"http_version"`       // "1.1", "2" or "3"
	Timeout          time.Duration `yaml:"timeout"`
	AnswerTTL        time.Duration `yaml:"answer_ttl"`
}

// BootstrapConfig holds the independent resolvers used for the upstream
// hostname, keeping the gateway's own resolution off the service it provides.
type BootstrapConfig struct {
	Servers         []string      `yaml:"servers"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// RateLimitConfig holds per-client rate limiting settings
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxTrackedClients int           `yaml:"max_tracked_clients"`
}

// StorageConfig holds query log storage settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	RetentionDays int           `yaml:"retention_days"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level    string `yaml:"level"`     // debug, info, warn, error
	Format   string `yaml:"format"`    // json, text
	Output   string `yaml:"output"`    // stdout, stderr, file
	FilePath string `yaml:"file_path"` // if output=file
	// Include source file/line (adds ~1-2us overhead per log)
	AddSource bool `yaml:"add_source"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	SystemMetrics     bool   `yaml:"system_metrics"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0:5353"
	}

	// Upstream defaults
	if c.Upstream.Endpoint == "" {
		c.Upstream.Endpoint = "https://dns.example.net/d"
	}
	if c.Upstream.NameParam == "" {
		c.Upstream.NameParam = "dn"
	}
	if c.Upstream.SubnetParam == "" {
		c.Upstream.SubnetParam = "ip"
	}
	if c.Upstream.BodyFormat == "" {
		c.Upstream.BodyFormat = "text"
	}
	if c.Upstream.HTTPVersion == "" {
		c.Upstream.HTTPVersion = "2"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 10 * time.Second
	}
	if c.Upstream.AnswerTTL == 0 {
		c.Upstream.AnswerTTL = 5 * time.Minute
	}

	// Bootstrap defaults: a fixed public resolver set
	if len(c.Bootstrap.Servers) == 0 {
		c.Bootstrap.Servers = []string{
			"8.8.8.8",
			"8.8.4.4",
			"1.1.1.1",
			"9.9.9.9",
		}
	}
	if c.Bootstrap.RefreshInterval == 0 {
		c.Bootstrap.RefreshInterval = 5 * time.Minute
	}
	if c.Bootstrap.Timeout == 0 {
		c.Bootstrap.Timeout = 3 * time.Second
	}

	// Rate limit defaults (disabled unless enabled explicitly)
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = time.Minute
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 10000
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./doh-relay.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "doh-relay"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("invalid server.listen_address %q: %w", c.Server.ListenAddress, err)
	}

	// Validate upstream endpoint
	u, err := url.Parse(c.Upstream.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid upstream.endpoint: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("upstream.endpoint must be an http(s) URL, got %q", c.Upstream.Endpoint)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("upstream.endpoint has no host: %q", c.Upstream.Endpoint)
	}

	if c.Upstream.BodyFormat != "text" && c.Upstream.BodyFormat != "json" {
		return fmt.Errorf("invalid upstream.body_format: %s (must be text or json)", c.Upstream.BodyFormat)
	}

	switch c.Upstream.HTTPVersion {
	case "1.1", "2", "3":
	default:
		return fmt.Errorf("invalid upstream.http_version: %s (must be 1.1, 2 or 3)", c.Upstream.HTTPVersion)
	}

	// Answer TTLs are whole seconds on the wire; anything shorter would
	// truncate to zero.
	if c.Upstream.AnswerTTL < time.Second {
		return fmt.Errorf("upstream.answer_ttl must be at least 1s, got %s", c.Upstream.AnswerTTL)
	}

	if c.Upstream.HTTPProxy != "" {
		if _, err := url.Parse(c.Upstream.HTTPProxy); err != nil {
			return fmt.Errorf("invalid upstream.http_proxy: %w", err)
		}
		if c.Upstream.HTTPVersion == "3" {
			return fmt.Errorf("upstream.http_proxy is not supported with http_version 3")
		}
	}

	// Bootstrap servers must be IP literals (bare or ip:port); hostnames here
	// would recreate the circular resolution the list exists to avoid.
	if len(c.Bootstrap.Servers) == 0 {
		return fmt.Errorf("at least one bootstrap DNS server must be configured")
	}
	for _, s := range c.Bootstrap.Servers {
		host := s
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("bootstrap server %q is not an IP literal", s)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// UpstreamHost returns the hostname portion of the upstream endpoint.
// Validate guarantees it parses.
func (c *Config) UpstreamHost() string {
	u, _ := url.Parse(c.Upstream.Endpoint)
	return u.Hostname()
}
