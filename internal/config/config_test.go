package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected default listen addr: %s", cfg.ListenAddr)
	}
	if cfg.RateLimitPerSecond != 50 || cfg.RateLimitBurst != 100 {
		t.Fatalf("unexpected rate limit defaults: %d/%d", cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EB_LISTEN_ADDR", ":9999")
	t.Setenv("EB_DSN", "postgres://localhost/eb")
	t.Setenv("EB_RATE_LIMIT_BURST", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9999" || cfg.DSN != "postgres://localhost/eb" || cfg.RateLimitBurst != 7 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "listen_addr: \":7070\"\ndsn: \"ledger.db\"\nrate_limit_burst: 12\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EB_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" || cfg.DSN != "ledger.db" || cfg.RateLimitBurst != 12 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
}

func TestLoadBadInt(t *testing.T) {
	t.Setenv("EB_RATE_LIMIT_BURST", "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric rate limit")
	}
}
