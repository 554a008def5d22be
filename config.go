package homesync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig aggregates the configuration of every engine subsystem.
type EngineConfig struct {
	// DeviceName is a human-readable label stored in the sync metadata.
	DeviceName string `yaml:"device_name"`

	// DataDir is the root directory for file-backed collection storage.
	DataDir string `yaml:"data_dir"`

	Transport TransportConfig `yaml:"transport"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Backup    BackupConfig    `yaml:"backup"`

	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultEngineConfig returns a config with every subsystem at its defaults.
// The transport base URL and the secure store still need to be provided.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DataDir:     "homesync-data",
		Transport:   DefaultTransportConfig(),
		Scheduler:   DefaultSchedulerConfig(),
		Cleanup:     DefaultCleanupConfig(),
		Realtime:    DefaultRealtimeConfig(),
		Backup:      DefaultBackupConfig(),
		EventBuffer: 64,
	}
}

// LoadConfig reads a YAML config file, applying defaults for anything the
// file leaves unset.
func LoadConfig(path string) (EngineConfig, error) {
	config := DefaultEngineConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate rejects configs the engine cannot run with.
func (c *EngineConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	if c.Scheduler.Debounce < 0 {
		return fmt.Errorf("scheduler.debounce must not be negative")
	}
	if c.Cleanup.RetentionWindow < time.Hour {
		return fmt.Errorf("cleanup.retention_window must be at least an hour")
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup.bucket is required when backup is enabled")
	}
	return nil
}
