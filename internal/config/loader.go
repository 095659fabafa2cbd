package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultDataDirName is the broker's directory under the user home.
	DefaultDataDirName = ".agentgate"

	// ConfigFileName is the config file looked up inside the data dir.
	ConfigFileName = "agentgate.json"
)

// Load reads configuration from an optional file, applies environment
// overrides, and validates the result. An empty configPath falls back to
// {dataDir}/agentgate.json when that file exists.
func Load(configPath, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if dataDir == "" {
		dataDir = os.Getenv("DATA_DIR")
	}
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(home, DefaultDataDirName)
	}
	cfg.DataDir = dataDir

	if configPath == "" {
		candidate := filepath.Join(dataDir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
		}
	}

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(cfg)
}

// applyEnvOverrides applies the documented operator environment variables.
// These win over the config file so deployments can keep secrets out of it.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VAULT_PATH"); v != "" {
		cfg.Vault.Path = v
	}
	if v := os.Getenv("VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("VAULT_SOCKET"); v != "" {
		cfg.Vault.SocketPath = v
	}
	if v := os.Getenv("PROXY_BIND"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PROXY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Proxy.SessionRateLimit = n
		}
	}
	if v := os.Getenv("LLM_PROXY_TOKEN"); v != "" {
		cfg.LLMProxy.Token = v
	}
	if v := os.Getenv("LLM_API_TOKEN"); v != "" {
		cfg.LLMProxy.EnvToken = v
	}
	if v := os.Getenv("SESSION_SIGNING_KEY"); v != "" {
		cfg.Session.SigningKey = v
	}
	if v := os.Getenv("NETWORK_MODE"); v != "" {
		cfg.Network.Mode = NetworkMode(strings.ToLower(v))
	}
	if v := os.Getenv("BLOCKED_DOMAINS"); v != "" {
		cfg.Network.BlockedDomains = splitList(v)
	}
	if v := os.Getenv("ADDITIONAL_DOMAINS"); v != "" {
		cfg.Network.AdditionalDomains = splitList(v)
	}
	if v := os.Getenv("OUTBOX_DIR"); v != "" {
		cfg.Outbox.Dir = v
	}
	if v := os.Getenv("AUDIT_DIR"); v != "" {
		cfg.Audit.Dir = v
	}
	if v := os.Getenv("ATTACHMENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Outbox.TTL = d
		}
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
