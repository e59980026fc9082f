package vat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.EnableDisavow || cfg.EnableVatstore {
		t.Errorf("defaults enable optional powers: %+v", cfg)
	}
	if cfg.VatstorePath != "vat.db" {
		t.Errorf("default vatstore path = %q", cfg.VatstorePath)
	}
	if cfg.GCDrainLimit != 0 {
		t.Errorf("default gc drain limit = %d, want unbounded", cfg.GCDrainLimit)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vat.toml")
	content := `
enable-disavow = true
enable-vatstore = true
vatstore-path = "state/vat.db"
gc-drain-limit = 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.EnableDisavow || !cfg.EnableVatstore {
		t.Errorf("flags not loaded: %+v", cfg)
	}
	if cfg.VatstorePath != "state/vat.db" {
		t.Errorf("vatstore path = %q", cfg.VatstorePath)
	}
	if cfg.GCDrainLimit != 8 {
		t.Errorf("gc drain limit = %d, want 8", cfg.GCDrainLimit)
	}
}

func TestLoadConfigBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vat.toml")
	if err := os.WriteFile(path, []byte("enable-disavow = {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("bad toml parsed without error")
	}
}
