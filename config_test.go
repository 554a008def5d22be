package homesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()

	if cfg.Scheduler.Debounce != time.Second {
		t.Errorf("Expected 1s debounce, got %v", cfg.Scheduler.Debounce)
	}
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("Expected 3 max retries, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.SweepInterval != 5*time.Minute {
		t.Errorf("Expected 5m sweep interval, got %v", cfg.Scheduler.SweepInterval)
	}
	if cfg.Scheduler.DisableTimeout != 5*time.Second {
		t.Errorf("Expected 5s disable timeout, got %v", cfg.Scheduler.DisableTimeout)
	}
	if cfg.Cleanup.RetentionWindow != 7*24*time.Hour {
		t.Errorf("Expected 7d retention, got %v", cfg.Cleanup.RetentionWindow)
	}
	if cfg.Cleanup.MinInterval != 24*time.Hour {
		t.Errorf("Expected 24h cleanup interval, got %v", cfg.Cleanup.MinInterval)
	}
	if cfg.Backup.Enabled {
		t.Error("Backups should be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homesync.yaml")
	content := `
device_name: kitchen-tablet
data_dir: /var/lib/homesync
transport:
  base_url: https://api.example.com/sync
  compression: gzip
scheduler:
  debounce: 2s
  max_retries: 5
cleanup:
  retention_window: 336h
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DeviceName != "kitchen-tablet" {
		t.Errorf("Expected device name, got %q", cfg.DeviceName)
	}
	if cfg.Transport.Compression != CompressionGzip {
		t.Errorf("Expected gzip, got %s", cfg.Transport.Compression)
	}
	if cfg.Scheduler.Debounce != 2*time.Second || cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("Scheduler overrides not applied: %+v", cfg.Scheduler)
	}
	if cfg.Cleanup.RetentionWindow != 14*24*time.Hour {
		t.Errorf("Expected 14d retention, got %v", cfg.Cleanup.RetentionWindow)
	}
	// Unset values keep their defaults.
	if cfg.Scheduler.SweepInterval != 5*time.Minute {
		t.Errorf("Unset sweep interval should default, got %v", cfg.Scheduler.SweepInterval)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Missing config file should error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Empty data dir should be rejected")
	}

	cfg = DefaultEngineConfig()
	cfg.Cleanup.RetentionWindow = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("Sub-hour retention should be rejected")
	}

	cfg = DefaultEngineConfig()
	cfg.Backup.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("Enabled backup without a bucket should be rejected")
	}
}
