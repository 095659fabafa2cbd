// Package config defines the broker configuration and its loader.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/agent-gate/agentgate-go/internal/logs"
)

const (
	defaultListen = "127.0.0.1:8442"

	// DefaultSessionTTL is how long a minted session token stays valid.
	DefaultSessionTTL = 12 * time.Hour
)

// NetworkMode controls how the web-fetch pre-hook treats hosts that are not
// on the operator allow-list. The private/metadata block-list applies in
// every mode.
type NetworkMode string

const (
	NetworkModeStrict     NetworkMode = "strict"
	NetworkModePermissive NetworkMode = "permissive"
	NetworkModeOpen       NetworkMode = "open"
)

// Config is the root broker configuration.
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	Vault    VaultConfig    `json:"vault" mapstructure:"vault"`
	Proxy    ProxyConfig    `json:"proxy" mapstructure:"proxy"`
	LLMProxy LLMProxyConfig `json:"llm_proxy" mapstructure:"llm-proxy"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Network  NetworkConfig  `json:"network" mapstructure:"network"`
	Outbox   OutboxConfig   `json:"outbox" mapstructure:"outbox"`
	Audit    AuditConfig    `json:"audit" mapstructure:"audit"`

	Logging *logs.Config `json:"logging,omitempty" mapstructure:"logging"`
}

// VaultConfig locates the credential vault and its RPC socket.
type VaultConfig struct {
	Path       string `json:"path" mapstructure:"path"`
	SocketPath string `json:"socket_path" mapstructure:"socket-path"`
	// Passphrase is never written to the config file; it arrives via
	// VAULT_PASSPHRASE or the OS keyring. Present here so the loader has a
	// single merge point.
	Passphrase string `json:"-" mapstructure:"-"`
}

// ProxyConfig tunes the HTTP credential proxy.
type ProxyConfig struct {
	SessionRateLimit int           `json:"session_rate_limit" mapstructure:"session-rate-limit"` // requests per minute per session
	MaxBodyBytes     int64         `json:"max_body_bytes" mapstructure:"max-body-bytes"`
	UpstreamTimeout  time.Duration `json:"upstream_timeout" mapstructure:"upstream-timeout"`
	ExposeHosts      bool          `json:"expose_hosts" mapstructure:"expose-hosts"` // operator-only /hosts and /metrics
}

// LLMProxyConfig tunes the LLM provider proxy.
type LLMProxyConfig struct {
	Token              string        `json:"-" mapstructure:"-"` // proxy auth token, env-only
	UpstreamHost       string        `json:"upstream_host" mapstructure:"upstream-host"`
	RefreshMargin      time.Duration `json:"refresh_margin" mapstructure:"refresh-margin"`
	RefreshTimeout     time.Duration `json:"refresh_timeout" mapstructure:"refresh-timeout"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" mapstructure:"rate-limit-per-minute"` // per caller address
	CredentialsFile    string        `json:"credentials_file,omitempty" mapstructure:"credentials-file"`
	EnvToken           string        `json:"-" mapstructure:"-"` // LLM_API_TOKEN fallback
}

// SessionConfig holds the session token parameters.
type SessionConfig struct {
	SigningKey string        `json:"-" mapstructure:"-"` // env-only
	TTL        time.Duration `json:"ttl" mapstructure:"ttl"`
}

// NetworkConfig controls the web-fetch pre-hook.
type NetworkConfig struct {
	Mode              NetworkMode `json:"mode" mapstructure:"mode"`
	BlockedDomains    []string    `json:"blocked_domains,omitempty" mapstructure:"blocked-domains"`
	AdditionalDomains []string    `json:"additional_domains,omitempty" mapstructure:"additional-domains"`
}

// OutboxConfig controls where stripped attachments land.
type OutboxConfig struct {
	Dir                string        `json:"dir" mapstructure:"dir"`
	MaxAttachmentBytes int64         `json:"max_attachment_bytes" mapstructure:"max-attachment-bytes"`
	TTL                time.Duration `json:"ttl" mapstructure:"ttl"`
}

// AuditConfig controls the audit log.
type AuditConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// DefaultConfig returns a default configuration. DataDir-relative paths are
// resolved by Validate once DataDir is known.
func DefaultConfig() *Config {
	return &Config{
		Listen: defaultListen,
		Proxy: ProxyConfig{
			SessionRateLimit: 120,
			MaxBodyBytes:     10 << 20, // 10 MiB
			UpstreamTimeout:  60 * time.Second,
			ExposeHosts:      false,
		},
		LLMProxy: LLMProxyConfig{
			RefreshMargin:      5 * time.Minute,
			RefreshTimeout:     30 * time.Second,
			RateLimitPerMinute: 120,
		},
		Session: SessionConfig{
			TTL: DefaultSessionTTL,
		},
		Network: NetworkConfig{
			Mode: NetworkModeStrict,
		},
		Outbox: OutboxConfig{
			MaxAttachmentBytes: 20 << 20, // 20 MiB
			TTL:                24 * time.Hour,
		},
		Logging: logs.DefaultConfig(),
	}
}

// Validate normalizes zero values and resolves DataDir-relative defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Vault.Path == "" {
		c.Vault.Path = filepath.Join(c.DataDir, "vault.json")
	}
	if c.Vault.SocketPath == "" {
		c.Vault.SocketPath = filepath.Join(c.DataDir, "vault.sock")
	}
	if c.Proxy.SessionRateLimit <= 0 {
		c.Proxy.SessionRateLimit = 120
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		c.Proxy.MaxBodyBytes = 10 << 20
	}
	if c.Proxy.UpstreamTimeout <= 0 {
		c.Proxy.UpstreamTimeout = 60 * time.Second
	}
	if c.LLMProxy.RefreshMargin <= 0 {
		c.LLMProxy.RefreshMargin = 5 * time.Minute
	}
	if c.LLMProxy.RefreshTimeout <= 0 {
		c.LLMProxy.RefreshTimeout = 30 * time.Second
	}
	if c.LLMProxy.RateLimitPerMinute <= 0 {
		c.LLMProxy.RateLimitPerMinute = 120
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	switch c.Network.Mode {
	case NetworkModeStrict, NetworkModePermissive, NetworkModeOpen:
	case "":
		c.Network.Mode = NetworkModeStrict
	default:
		return fmt.Errorf("invalid network mode %q", c.Network.Mode)
	}
	if c.Outbox.Dir == "" {
		c.Outbox.Dir = filepath.Join(c.DataDir, "outbox")
	}
	if c.Outbox.MaxAttachmentBytes <= 0 {
		c.Outbox.MaxAttachmentBytes = 20 << 20
	}
	if c.Outbox.TTL <= 0 {
		c.Outbox.TTL = 24 * time.Hour
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.DataDir, "audit")
	}
	if c.Logging == nil {
		c.Logging = logs.DefaultConfig()
	}
	return nil
}
