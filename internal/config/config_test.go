package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-foreman/internal/config"
)

func TestLoadSetsNeedsGenesisWhenConfigMissing(t *testing.T) {
	t.Setenv("GOFOREMAN_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis true for missing config.yaml")
	}
	if cfg.MaxConcurrent != 3 {
		t.Fatalf("expected default max_concurrent 3, got %d", cfg.MaxConcurrent)
	}
}

func TestLoadParsesExistingConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOFOREMAN_HOME", home)

	yaml := `
max_concurrent: 7
bind_addr: "0.0.0.0:9999"
agent_defaults:
  claude:
    model: claude-opus
    auto_approve: true
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis false when config.yaml exists")
	}
	if cfg.MaxConcurrent != 7 {
		t.Fatalf("expected max_concurrent 7, got %d", cfg.MaxConcurrent)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("expected overridden bind_addr, got %q", cfg.BindAddr)
	}
	claude, ok := cfg.AgentDefaults["claude"]
	if !ok || claude.Model != "claude-opus" || !claude.AutoApprove {
		t.Fatalf("expected claude agent defaults, got %+v", cfg.AgentDefaults)
	}
}

func TestEnvOverrideWinsOverConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOFOREMAN_HOME", home)
	t.Setenv("GOFOREMAN_MAX_CONCURRENT", "11")

	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("max_concurrent: 4\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 11 {
		t.Fatalf("expected env override 11, got %d", cfg.MaxConcurrent)
	}
}

func TestFingerprintIsStableAcrossEqualConfigs(t *testing.T) {
	a := config.Config{MaxConcurrent: 3, BindAddr: "x", LogLevel: "info", DrainTimeoutSeconds: 5}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected equal configs to fingerprint identically")
	}
	b.MaxConcurrent = 4
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected different configs to fingerprint differently")
	}
}
