package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.ListenAddr() != "127.0.0.1:8090" {
		t.Errorf("unexpected listen addr %q", cfg.ListenAddr())
	}
	if cfg.DataDir != filepath.Join(home, ".quill") {
		t.Errorf("unexpected data dir %q", cfg.DataDir)
	}
	if cfg.MaxTerminals != 10 {
		t.Errorf("expected 10 terminals, got %d", cfg.MaxTerminals)
	}
	if cfg.SpawnTimeout != 5*time.Second || cfg.KillGrace != 3*time.Second {
		t.Errorf("unexpected timeouts: %v, %v", cfg.SpawnTimeout, cfg.KillGrace)
	}
	if cfg.GPUContexts != 4 || cfg.WebGLInitTimeout != time.Second {
		t.Errorf("unexpected renderer config: %d, %v", cfg.GPUContexts, cfg.WebGLInitTimeout)
	}
	if cfg.SnapshotInterval != 0 {
		t.Errorf("periodic snapshots should default off, got %v", cfg.SnapshotInterval)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("QUILL_PORT", "9999")
	t.Setenv("QUILL_DATA_DIR", "/var/lib/quill")
	t.Setenv("QUILL_MAX_TERMINALS", "3")
	t.Setenv("QUILL_SNAPSHOT_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Port != "9999" || cfg.DataDir != "/var/lib/quill" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.MaxTerminals != 3 || cfg.SnapshotInterval != 30*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}
