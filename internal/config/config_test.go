package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.BasePort != 8123 {
		t.Errorf("expected default base port 8123, got %d", cfg.Server.BasePort)
	}
	if cfg.Server.PortWindow != 1000 {
		t.Errorf("expected default port window 1000, got %d", cfg.Server.PortWindow)
	}
	if cfg.ConnectTimeout() != 10*time.Second {
		t.Errorf("expected 10s connect timeout, got %v", cfg.ConnectTimeout())
	}
}

func TestLoadMergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"server": {"base_port": 9000}, "worker": {"command": "./worker", "domains": ["fsys"]}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.BasePort != 9000 {
		t.Errorf("expected base port 9000, got %d", cfg.Server.BasePort)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host, got %q", cfg.Server.Host)
	}
	if cfg.Worker.Command != "./worker" {
		t.Errorf("expected worker command ./worker, got %q", cfg.Worker.Command)
	}
	if len(cfg.Worker.Domains) != 1 || cfg.Worker.Domains[0] != "fsys" {
		t.Errorf("unexpected domains: %v", cfg.Worker.Domains)
	}
	if cfg.DomainLoadTimeout() != 10*time.Second {
		t.Errorf("expected default domain load timeout, got %v", cfg.DomainLoadTimeout())
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{nope"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
