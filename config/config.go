// Package config defines the TOML configuration for the Oriole server.
// One Config value is loaded at startup and injected into the
// components that need it; there are no process-wide mutable settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Cluster  ClusterConfig  `toml:"cluster"`
	Logging  LoggingConfig  `toml:"logging"`
	SASL     SASLConfig     `toml:"sasl"`
	Presence PresenceConfig `toml:"presence"`
	Gateway  GatewayConfig  `toml:"gateway"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
}

// GatewayConfig configures external gateway integration.
type GatewayConfig struct {
	// RegistrationSecret encrypts stored remote gateway credentials at
	// rest. Registrations cannot be created while it is empty.
	RegistrationSecret string `toml:"registration_secret"`
}

// ServerConfig holds the identity of this server.
type ServerConfig struct {
	// Domain is the primary XMPP domain served by this deployment,
	// e.g. "example.org". A JID is local when its domain matches Domain
	// or one of ComponentDomains.
	Domain           string   `toml:"domain"`
	ComponentDomains []string `toml:"component_domains"`
	Hostname         string   `toml:"hostname"` // defaults to os.Hostname()
}

// DatabaseEndpointConfig holds configuration for a database endpoint.
type DatabaseEndpointConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	TLSMode  bool   `toml:"tls"`
	MaxConns int    `toml:"max_conns"`
	MinConns int    `toml:"min_conns"`
}

// DatabaseConfig holds database configuration with separate read/write
// endpoints. Read may be nil, in which case the write endpoint serves
// reads too.
type DatabaseConfig struct {
	Debug        bool                    `toml:"debug"`
	QueryTimeout string                  `toml:"query_timeout"` // e.g. "30s"
	WriteTimeout string                  `toml:"write_timeout"`
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"`
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration.
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(d.WriteTimeout)
}

// ClusterConfig holds cluster coordination settings.
type ClusterConfig struct {
	Enabled   bool     `toml:"enabled"`
	NodeID    string   `toml:"node_id"` // defaults to hostname
	BindAddr  string   `toml:"bind_addr"`
	BindPort  int      `toml:"bind_port"`
	Peers     []string `toml:"peers"`
	SecretKey string   `toml:"secret_key"` // base64, 32 bytes once decoded
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// SASLConfig holds authentication mechanism policy.
type SASLConfig struct {
	// Mechanisms enabled on this server, in advertisement order.
	Mechanisms []string `toml:"mechanisms"`

	// AnonymousEnabled allows the ANONYMOUS mechanism at all; per
	// connection it is additionally gated by AnonymousAllowedIPs.
	AnonymousEnabled bool `toml:"anonymous_enabled"`

	// AnonymousAllowedIPs restricts anonymous logins to the listed
	// client IPs. An empty list allows any IP (when AnonymousEnabled).
	AnonymousAllowedIPs []string `toml:"anonymous_allowed_ips"`

	// SharedSecret is the MD5-hex digest accepted by the
	// JIVE-SHAREDSECRET mechanism. Provisioned randomly when empty and
	// the mechanism is enabled.
	SharedSecret string `toml:"shared_secret"`

	// ScramIterations is the PBKDF2 iteration count used when
	// provisioning new SCRAM credentials.
	ScramIterations int `toml:"scram_iterations"`
}

// GetScramIterations returns the SCRAM iteration count, defaulted.
func (s *SASLConfig) GetScramIterations() int {
	if s.ScramIterations <= 0 {
		return 4096
	}
	return s.ScramIterations
}

// AnonymousIPAllowed reports whether the given client IP may log in
// anonymously. An empty allow list admits any address.
func (s *SASLConfig) AnonymousIPAllowed(ip string) bool {
	if len(s.AnonymousAllowedIPs) == 0 {
		return true
	}
	for _, allowed := range s.AnonymousAllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// GetMechanisms returns the enabled mechanism names, defaulted.
func (s *SASLConfig) GetMechanisms() []string {
	if len(s.Mechanisms) == 0 {
		return []string{"SCRAM-SHA-1", "PLAIN", "EXTERNAL", "ANONYMOUS", "JIVE-SHAREDSECRET"}
	}
	return s.Mechanisms
}

// PresenceConfig tunes the offline-presence cache.
type PresenceConfig struct {
	// CacheSize bounds the number of cached offline-presence records.
	CacheSize int `toml:"cache_size"`
}

// GetCacheSize returns the offline-presence cache bound, defaulted.
func (p *PresenceConfig) GetCacheSize() int {
	if p.CacheSize <= 0 {
		return 10000
	}
	return p.CacheSize
}

// HTTPAPIConfig configures the admin/metrics HTTP endpoint.
type HTTPAPIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // e.g. "127.0.0.1:9090"
	APIKey  string `toml:"api_key"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	cfg := NewDefault()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewDefault returns a configuration populated with application
// defaults. Flags and the config file override it.
func NewDefault() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Domain:   "localhost",
			Hostname: hostname,
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: "127.0.0.1:9090",
		},
	}
}

// Validate checks cross-field constraints that TOML decoding cannot.
func (c *Config) Validate() error {
	if c.Server.Domain == "" {
		return fmt.Errorf("server.domain must not be empty")
	}
	if c.Cluster.Enabled {
		if c.Cluster.BindPort <= 0 || c.Cluster.BindPort > 65535 {
			return fmt.Errorf("cluster.bind_port %d out of range", c.Cluster.BindPort)
		}
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database.query_timeout: %w", err)
	}
	if _, err := c.Database.GetWriteTimeout(); err != nil {
		return fmt.Errorf("database.write_timeout: %w", err)
	}
	return nil
}

// IsLocalDomain reports whether the given domain is served locally,
// either as the primary domain or as a component subdomain.
func (c *Config) IsLocalDomain(domain string) bool {
	if domain == c.Server.Domain {
		return true
	}
	for _, d := range c.Server.ComponentDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// IsUserDomain reports whether the given domain is the primary domain user
// accounts live under.
func (c *Config) IsUserDomain(domain string) bool {
	return domain == c.Server.Domain
}

// IsComponentDomain reports whether the given domain belongs to a
// configured component, connected or not.
func (c *Config) IsComponentDomain(domain string) bool {
	for _, d := range c.Server.ComponentDomains {
		if d == domain {
			return true
		}
	}
	return false
}
