package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreSpecValues(t *testing.T) {
	cfg := Defaults()
	if cfg.CacheModerateThreshold != 0.7 || cfg.CacheCriticalThreshold != 0.9 {
		t.Fatalf("unexpected default thresholds: %+v", cfg)
	}
	if cfg.TransactionTimeout != 30*time.Second {
		t.Fatalf("expected 30s default transaction timeout, got %v", cfg.TransactionTimeout)
	}
	if cfg.EvictionBatchSize != 100 {
		t.Fatalf("expected default eviction batch size 100, got %d", cfg.EvictionBatchSize)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Defaults() {
		t.Fatalf("expected defaults when file is absent, got %+v", cfg)
	}
}

func TestLoadTomlOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.toml")
	content := `
read_policy = "networkFirst"
transaction_timeout = "5s"

[cache]
moderate_threshold = 0.5
critical_threshold = 0.8
eviction_batch_size = 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultReadPolicy != ReadNetworkFirst {
		t.Fatalf("expected overridden read policy, got %v", cfg.DefaultReadPolicy)
	}
	if cfg.TransactionTimeout != 5*time.Second {
		t.Fatalf("expected overridden timeout, got %v", cfg.TransactionTimeout)
	}
	if cfg.CacheModerateThreshold != 0.5 || cfg.CacheCriticalThreshold != 0.8 {
		t.Fatalf("expected overridden thresholds, got %+v", cfg)
	}
	if cfg.EvictionBatchSize != 50 {
		t.Fatalf("expected overridden batch size, got %d", cfg.EvictionBatchSize)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("FLUXSTORE_READ_POLICY", "cacheOnly")
	defer os.Unsetenv("FLUXSTORE_READ_POLICY")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultReadPolicy != ReadCacheOnly {
		t.Fatalf("expected env override to apply, got %v", cfg.DefaultReadPolicy)
	}
}
