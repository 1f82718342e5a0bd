package main

import (
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("PEEP_CONFIG", path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:4000" || cfg.AccessToken != "" {
		t.Fatalf("unexpected default config %+v", cfg)
	}

	cfg.AccessToken = "tok"
	cfg.APIBaseURL = "http://api:8080"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got != cfg {
		t.Fatalf("expected %+v, got %+v", cfg, got)
	}
}

func TestAuthedClientRequiresLogin(t *testing.T) {
	t.Setenv("PEEP_CONFIG", filepath.Join(t.TempDir(), "config.json"))
	if _, _, err := authedClient(); err == nil {
		t.Fatal("expected login error")
	}
}
