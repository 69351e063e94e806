package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "lmbridge.toml"

// BridgeConfig configures the gateway server speaking the native JSON/SSE
// protocol.
type BridgeConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	AuthToken      string `toml:"auth_token,omitempty"`
	MaxConcurrent  int    `toml:"max_concurrent,omitempty"`
	MaxRequestBody int64  `toml:"max_request_body,omitempty"`
}

// UpstreamConfig points the bridge at an OpenAI-compatible model endpoint.
type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

// ProxyConfig configures the Ollama/OpenAI compatibility server that
// consumes the bridge.
type ProxyConfig struct {
	ListenAddr           string `toml:"listen_addr"`
	BridgeURL            string `toml:"bridge_url"`
	BridgeToken          string `toml:"bridge_token,omitempty"`
	ModelCacheTTLSeconds int    `toml:"model_cache_ttl_seconds,omitempty"`
}

type Config struct {
	LogLevel string         `toml:"log_level,omitempty"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "lmbridge", defaultConfigFileName)
}

func NewDefault() *Config {
	return &Config{
		LogLevel: "info",
		Bridge: BridgeConfig{
			ListenAddr:     "127.0.0.1:39217",
			MaxConcurrent:  4,
			MaxRequestBody: 32 * 1024,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "http://127.0.0.1:8080/v1",
			TimeoutSeconds: 120,
		},
		Proxy: ProxyConfig{
			ListenAddr:           "127.0.0.1:11434",
			BridgeURL:            "http://127.0.0.1:39217",
			ModelCacheTTLSeconds: 30,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault returns defaults when no config file exists at path.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = NewDefault()
			cfg.Normalize()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	c.LogLevel = strings.TrimSpace(c.LogLevel)
	c.Bridge.ListenAddr = strings.TrimSpace(c.Bridge.ListenAddr)
	c.Bridge.AuthToken = strings.TrimSpace(c.Bridge.AuthToken)
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	c.Proxy.ListenAddr = strings.TrimSpace(c.Proxy.ListenAddr)
	c.Proxy.BridgeURL = strings.TrimRight(strings.TrimSpace(c.Proxy.BridgeURL), "/")
	c.Proxy.BridgeToken = strings.TrimSpace(c.Proxy.BridgeToken)

	if c.Bridge.MaxConcurrent <= 0 {
		c.Bridge.MaxConcurrent = 4
	}
	if c.Bridge.MaxRequestBody <= 0 {
		c.Bridge.MaxRequestBody = 32 * 1024
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Proxy.ModelCacheTTLSeconds <= 0 {
		c.Proxy.ModelCacheTTLSeconds = 30
	}
}

func (c *Config) Validate() error {
	if c.Bridge.ListenAddr == "" {
		return fmt.Errorf("bridge.listen_addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if _, err := url.Parse(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("invalid upstream.base_url: %w", err)
	}
	if c.Proxy.BridgeURL != "" {
		if _, err := url.Parse(c.Proxy.BridgeURL); err != nil {
			return fmt.Errorf("invalid proxy.bridge_url: %w", err)
		}
	}
	return nil
}
