package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 18090 {
		t.Errorf("expected default port 18090, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Credits.SignupGrant != 20 {
		t.Errorf("expected default signup grant 20, got %d", cfg.Credits.SignupGrant)
	}
	if cfg.Credits.ReservationTTLMin != 15 {
		t.Errorf("expected default reservation ttl 15, got %d", cfg.Credits.ReservationTTLMin)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Errorf("expected default backend memory, got %s", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.SubmitPerIP != 5 || cfg.RateLimit.SubmitPerUser != 10 || cfg.RateLimit.QueryPerIP != 60 {
		t.Errorf("unexpected default rate limits: %+v", cfg.RateLimit)
	}
	if cfg.Upstream.CooldownBaseSec != 5 || cfg.Upstream.CooldownMaxSec != 600 {
		t.Errorf("unexpected default cooldowns: %+v", cfg.Upstream)
	}
}

func TestLoad_Values(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
  admin_api_key: secret
credits:
  signup_grant: 50
  operation_costs:
    retouch: 2
upstream:
  base_url: https://ai.example.com
  keys:
    - key: sk-1
      rpm: 30
    - key: sk-2
rate_limit:
  backend: redis
  redis_addr: localhost:6379
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Credits.SignupGrant != 50 {
		t.Errorf("expected grant 50, got %d", cfg.Credits.SignupGrant)
	}
	if cfg.Credits.OperationCosts["retouch"] != 2 {
		t.Errorf("expected retouch cost override 2, got %d", cfg.Credits.OperationCosts["retouch"])
	}
	if len(cfg.Upstream.Keys) != 2 || cfg.Upstream.Keys[0].RPM != 30 {
		t.Errorf("unexpected upstream keys: %+v", cfg.Upstream.Keys)
	}
	if cfg.RateLimit.Backend != "redis" || cfg.RateLimit.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected rate limit config: %+v", cfg.RateLimit)
	}
}

func TestLoad_AutoAdminKey(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_api_key: auto\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !strings.HasPrefix(cfg.Server.AdminAPIKey, "gemstudio-admin-") {
		t.Errorf("expected generated admin key, got %q", cfg.Server.AdminAPIKey)
	}

	// Generated key is persisted, reload returns the same key
	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if cfg2.Server.AdminAPIKey != cfg.Server.AdminAPIKey {
		t.Error("expected generated admin key to be persisted")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestGet_ReturnsLoaded(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7777\n")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Get().Server.Port != 7777 {
		t.Errorf("expected global config port 7777, got %d", Get().Server.Port)
	}
}
