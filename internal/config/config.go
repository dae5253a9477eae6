// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > defaults.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "60s", "5m", "24h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all agent configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Intervals IntervalConfig  `yaml:"intervals"`
	Retention RetentionConfig `yaml:"retention"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Paths     PathConfig      `yaml:"paths"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds collector server connection settings.
// An empty URL implies offline mode regardless of the Offline flag.
type ServerConfig struct {
	URL            string `yaml:"url"`
	ContractNumber string `yaml:"contract_number"`
	Offline        bool   `yaml:"offline"`
}

// IntervalConfig holds the periodic task intervals.
type IntervalConfig struct {
	Collection       Duration `yaml:"collection"`
	DeliveryRetry    Duration `yaml:"delivery_retry"`
	RetentionSweep   Duration `yaml:"retention_sweep"`
	AggregationGrace Duration `yaml:"aggregation_grace"`
}

// RetentionConfig holds the data retention horizons.
type RetentionConfig struct {
	Raw       Duration `yaml:"raw"`
	Aggregate Duration `yaml:"aggregate"`
}

// DeliveryConfig holds delivery retry settings.
type DeliveryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Timeout     Duration `yaml:"timeout"`
}

// PathConfig holds filesystem locations.
type PathConfig struct {
	Database string `yaml:"database"`
	Log      string `yaml:"log"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration: offline mode, 60s
// collection, 30-day raw retention, 1-year aggregate retention.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "",
			ContractNumber: "",
			Offline:        true,
		},
		Intervals: IntervalConfig{
			Collection:       Duration{60 * time.Second},
			DeliveryRetry:    Duration{5 * time.Minute},
			RetentionSweep:   Duration{24 * time.Hour},
			AggregationGrace: Duration{2 * time.Minute},
		},
		Retention: RetentionConfig{
			Raw:       Duration{30 * 24 * time.Hour},
			Aggregate: Duration{365 * 24 * time.Hour},
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 10,
			Timeout:     Duration{30 * time.Second},
		},
		Paths: PathConfig{
			Database: "run/gpu_metrics.db",
			Log:      "run/gpu_monitor.log",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// decodeStrict parses YAML into cfg, rejecting unknown keys so that a
// misspelled option fails loudly instead of being silently ignored.
func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with
// defaults. Environment variables override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := decodeStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}

	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	Offline  bool
	Database string
}

// Apply merges CLI flag values into the configuration. Flags have the
// highest precedence.
func (c *Config) Apply(cli CLIOverrides) {
	if cli.Offline {
		c.Server.Offline = true
	}
	if cli.Database != "" {
		c.Paths.Database = cli.Database
	}
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("GPUMON_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if contract := os.Getenv("GPUMON_CONTRACT_NUMBER"); contract != "" {
		cfg.Server.ContractNumber = contract
	}
	if path := os.Getenv("GPUMON_DB_PATH"); path != "" {
		cfg.Paths.Database = path
	}
	if level := os.Getenv("GPUMON_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Offline reports whether the agent should skip all delivery attempts.
// An unset server URL means offline regardless of the explicit flag.
func (c *Config) Offline() bool {
	return c.Server.Offline || c.Server.URL == ""
}

// Validate checks that the configuration is usable. Online mode requires a
// server URL and a contract number; intervals and horizons must be positive.
func (c *Config) Validate() error {
	if !c.Offline() && c.Server.ContractNumber == "" {
		return fmt.Errorf("contract number is required in online mode")
	}
	if c.Intervals.Collection.Duration <= 0 {
		return fmt.Errorf("collection interval must be positive")
	}
	if c.Intervals.DeliveryRetry.Duration <= 0 {
		return fmt.Errorf("delivery retry interval must be positive")
	}
	if c.Intervals.RetentionSweep.Duration <= 0 {
		return fmt.Errorf("retention sweep interval must be positive")
	}
	if c.Retention.Raw.Duration <= 0 || c.Retention.Aggregate.Duration <= 0 {
		return fmt.Errorf("retention horizons must be positive")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery max attempts must be positive")
	}
	if c.Paths.Database == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}
