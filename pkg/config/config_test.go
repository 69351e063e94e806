package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()
	if cfg.Bridge.ListenAddr != "127.0.0.1:39217" {
		t.Fatalf("unexpected bridge addr: %q", cfg.Bridge.ListenAddr)
	}
	if cfg.Bridge.MaxConcurrent != 4 || cfg.Bridge.MaxRequestBody != 32*1024 {
		t.Fatalf("unexpected bridge limits: %+v", cfg.Bridge)
	}
	if cfg.Proxy.ListenAddr != "127.0.0.1:11434" || cfg.Proxy.ModelCacheTTLSeconds != 30 {
		t.Fatalf("unexpected proxy defaults: %+v", cfg.Proxy)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestNormalizeClampsAndTrims(t *testing.T) {
	cfg := &Config{
		LogLevel: " debug ",
		Bridge: BridgeConfig{
			ListenAddr:     " 127.0.0.1:39217 ",
			MaxConcurrent:  -1,
			MaxRequestBody: 0,
		},
		Upstream: UpstreamConfig{BaseURL: "http://localhost:8080/v1/"},
		Proxy:    ProxyConfig{BridgeURL: "http://localhost:39217/", ModelCacheTTLSeconds: 0},
	}
	cfg.Normalize()
	if cfg.LogLevel != "debug" || cfg.Bridge.ListenAddr != "127.0.0.1:39217" {
		t.Fatalf("whitespace not trimmed: %+v", cfg)
	}
	if cfg.Bridge.MaxConcurrent != 4 || cfg.Bridge.MaxRequestBody != 32*1024 {
		t.Fatalf("limits not clamped: %+v", cfg.Bridge)
	}
	if cfg.Upstream.BaseURL != "http://localhost:8080/v1" {
		t.Fatalf("trailing slash kept: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Proxy.BridgeURL != "http://localhost:39217" || cfg.Proxy.ModelCacheTTLSeconds != 30 {
		t.Fatalf("proxy not normalized: %+v", cfg.Proxy)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := NewDefault()
	cfg.Bridge.ListenAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing listen addr")
	}

	cfg = NewDefault()
	cfg.Upstream.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing upstream base url")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "lmbridge.toml")
	cfg := NewDefault()
	cfg.Bridge.AuthToken = "secret"
	cfg.Bridge.MaxConcurrent = 8
	cfg.Upstream.BaseURL = "http://10.0.0.5:8080/v1"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Bridge.AuthToken != "secret" || got.Bridge.MaxConcurrent != 8 {
		t.Fatalf("unexpected bridge config: %+v", got.Bridge)
	}
	if got.Upstream.BaseURL != "http://10.0.0.5:8080/v1" {
		t.Fatalf("unexpected upstream: %+v", got.Upstream)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lmbridge.toml")
	if err := os.WriteFile(path, []byte("bridge = nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Bridge.ListenAddr != "127.0.0.1:39217" {
		t.Fatalf("expected defaults, got %+v", cfg.Bridge)
	}
}
