package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Offline() {
		t.Error("default config should be offline")
	}
	if cfg.Intervals.Collection.Duration != 60*time.Second {
		t.Errorf("collection interval = %v, want 60s", cfg.Intervals.Collection.Duration)
	}
	if cfg.Retention.Raw.Duration != 30*24*time.Hour {
		t.Errorf("raw retention = %v, want 720h", cfg.Retention.Raw.Duration)
	}
	if cfg.Retention.Aggregate.Duration != 365*24*time.Hour {
		t.Errorf("aggregate retention = %v, want 8760h", cfg.Retention.Aggregate.Duration)
	}
	if cfg.Delivery.MaxAttempts != 10 {
		t.Errorf("max attempts = %d, want 10", cfg.Delivery.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromBytes(t *testing.T) {
	data := []byte(`
server:
  url: "https://collector.example.com/api/metrics"
  contract_number: "C-42"
  offline: false
intervals:
  collection: 30s
  delivery_retry: 2m
delivery:
  max_attempts: 5
`)
	cfg, err := LoadFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Offline() {
		t.Error("config with URL and offline:false reported offline")
	}
	if cfg.Intervals.Collection.Duration != 30*time.Second {
		t.Errorf("collection = %v, want 30s", cfg.Intervals.Collection.Duration)
	}
	if cfg.Intervals.DeliveryRetry.Duration != 2*time.Minute {
		t.Errorf("delivery_retry = %v, want 2m", cfg.Intervals.DeliveryRetry.Duration)
	}
	// Unset sections keep their defaults.
	if cfg.Intervals.RetentionSweep.Duration != 24*time.Hour {
		t.Errorf("retention_sweep = %v, want 24h default", cfg.Intervals.RetentionSweep.Duration)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Delivery.MaxAttempts)
	}
}

func TestLoadFromBytes_RejectsUnknownKeys(t *testing.T) {
	data := []byte(`
server:
  url: "https://collector.example.com"
  contract_numbre: "typo"
`)
	if _, err := LoadFromBytes(data); err == nil {
		t.Fatal("misspelled key was silently accepted")
	}
}

func TestLoadFromBytes_InvalidDuration(t *testing.T) {
	data := []byte("intervals:\n  collection: sixty\n")
	if _, err := LoadFromBytes(data); err == nil {
		t.Fatal("invalid duration was accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GPUMON_SERVER_URL", "https://env.example.com")
	t.Setenv("GPUMON_DB_PATH", "/tmp/env.db")

	cfg, err := LoadFromBytes([]byte("server:\n  url: \"https://file.example.com\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "https://env.example.com" {
		t.Errorf("URL = %q, want env override", cfg.Server.URL)
	}
	if cfg.Paths.Database != "/tmp/env.db" {
		t.Errorf("database = %q, want env override", cfg.Paths.Database)
	}
}

func TestOffline_EmptyURLImpliesOffline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Offline = false
	cfg.Server.URL = ""
	if !cfg.Offline() {
		t.Error("empty URL with offline:false should still be offline")
	}
}

func TestApplyCLIOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.URL = "https://collector.example.com"
	cfg.Server.Offline = false

	cfg.Apply(CLIOverrides{Offline: true, Database: "/tmp/cli.db"})
	if !cfg.Offline() {
		t.Error("-offline flag did not force offline mode")
	}
	if cfg.Paths.Database != "/tmp/cli.db" {
		t.Errorf("database = %q, want CLI override", cfg.Paths.Database)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.URL = "https://collector.example.com"
	cfg.Server.Offline = false
	if err := cfg.Validate(); err == nil {
		t.Error("online mode without contract number passed validation")
	}

	cfg.Server.ContractNumber = "C-42"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid online config rejected: %v", err)
	}

	cfg.Delivery.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero max attempts passed validation")
	}
}
