package fleetsync

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config aggregates the configuration of every subsystem. Zero values fall
// back to the subsystem defaults, so a minimal file only needs the API base
// URL and a store path.
type Config struct {
	// DeviceID identifies this device in API calls and archive snapshots.
	DeviceID string `yaml:"device_id"`

	Store        SQLiteStoreConfig  `yaml:"store"`
	Encryption   EncryptionConfig   `yaml:"encryption"`
	API          ClientConfig       `yaml:"api"`
	Connectivity MonitorConfig      `yaml:"connectivity"`
	Sync         OrchestratorConfig `yaml:"sync"`
	GPS          BatcherConfig      `yaml:"gps"`
	Stream       StreamConfig       `yaml:"stream"`
	Trigger      TriggerConfig      `yaml:"trigger"`
	Archive      ArchiveConfig      `yaml:"archive"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	return Config{
		Store:        DefaultSQLiteStoreConfig(),
		API:          ClientConfig{},
		Connectivity: DefaultMonitorConfig(),
		Sync:         DefaultOrchestratorConfig(),
		GPS:          DefaultBatcherConfig(),
		Stream:       DefaultStreamConfig(),
		Trigger:      DefaultTriggerConfig(),
	}
}

// LoadConfig reads a YAML configuration file over the defaults. Duration
// settings accept Go duration strings ("30s", "5m", "48h").
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks settings that cannot be fixed up with a default.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Encryption.Enabled && len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return fmt.Errorf("encryption enabled but no key or key_password set")
	}
	if c.Stream.Enabled && c.Stream.URL == "" {
		return fmt.Errorf("stream enabled but no url set")
	}
	if c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("s3 archive enabled but no bucket set")
	}
	return nil
}
