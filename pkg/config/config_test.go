package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("api_base_url: https://api.example.org\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.APIBaseURL != "https://api.example.org" {
		t.Errorf("unexpected api base url: %q", cfg.APIBaseURL)
	}
	if cfg.IdentityURL != cfg.APIBaseURL {
		t.Errorf("identity url should default to api base url, got %q", cfg.IdentityURL)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("expected file backend default, got %q", cfg.Storage.Backend)
	}
	if cfg.MetricsPort != 9091 {
		t.Errorf("expected default metrics port 9091, got %d", cfg.MetricsPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CHAVRUSA_API_URL", "https://env.example.org")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.APIBaseURL != "https://env.example.org" {
		t.Errorf("expected env fallback, got %q", cfg.APIBaseURL)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := &Config{APIBaseURL: "https://api.example.org"}
	cfg.Storage.Backend = "s3"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}

	cfg.Storage.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for redis backend without addr")
	}
}

func TestValidateRequiresAPIURL(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Backend = "file"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing api_base_url")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &Config{APIBaseURL: "https://api.example.org", DefaultRabbi: "rashi"}
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.DefaultRabbi != "rashi" {
		t.Errorf("expected default_rabbi rashi, got %q", loaded.DefaultRabbi)
	}
}
