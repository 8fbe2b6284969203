package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultBaseBackoff    = 2 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultScanTimeout    = 6 * time.Second
)

// LoggingConfig defines runtime diagnostic logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// MetricsConfig points at the append-only metrics trail.
type MetricsConfig struct {
	Path string `json:"path"`
}

// DeviceConfig identifies the peripheral to supervise.
type DeviceConfig struct {
	Address string `json:"address"`
	Adapter string `json:"adapter"`
	MTU     int    `json:"mtu"`
}

// PolicyConfig holds reconnection tuning parameters, all in seconds.
type PolicyConfig struct {
	ConnectTimeoutSec float64 `json:"connect_timeout_sec"`
	PollIntervalSec   float64 `json:"poll_interval_sec"`
	BaseBackoffSec    float64 `json:"base_backoff_sec"`
	MaxBackoffSec     float64 `json:"max_backoff_sec"`
}

// ScanConfig holds default discovery settings.
type ScanConfig struct {
	TimeoutSec       float64  `json:"timeout_sec"`
	ServiceUUIDs     []string `json:"service_uuids"`
	AddressAllowlist []string `json:"address_allowlist"`
	NameAllowlist    []string `json:"name_allowlist"`
	MaxDevices       int      `json:"max_devices"`
	ReturnDuplicates bool     `json:"return_duplicates"`
}

// AppConfig is the root persisted supervisor configuration.
type AppConfig struct {
	Device  DeviceConfig  `json:"device"`
	Policy  PolicyConfig  `json:"policy"`
	Scan    ScanConfig    `json:"scan"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Device: DeviceConfig{},
		Policy: PolicyConfig{
			ConnectTimeoutSec: DefaultConnectTimeout.Seconds(),
			PollIntervalSec:   DefaultPollInterval.Seconds(),
			BaseBackoffSec:    DefaultBaseBackoff.Seconds(),
			MaxBackoffSec:     DefaultMaxBackoff.Seconds(),
		},
		Scan: ScanConfig{
			TimeoutSec: DefaultScanTimeout.Seconds(),
		},
		Metrics: MetricsConfig{
			Path: "blewatch_metrics.csv",
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by the caller and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Policy.ConnectTimeoutSec <= 0 {
		c.Policy.ConnectTimeoutSec = DefaultConnectTimeout.Seconds()
	}
	if c.Policy.PollIntervalSec <= 0 {
		c.Policy.PollIntervalSec = DefaultPollInterval.Seconds()
	}
	if c.Policy.BaseBackoffSec <= 0 {
		c.Policy.BaseBackoffSec = DefaultBaseBackoff.Seconds()
	}
	if c.Policy.MaxBackoffSec < c.Policy.BaseBackoffSec {
		c.Policy.MaxBackoffSec = DefaultMaxBackoff.Seconds()
		if c.Policy.MaxBackoffSec < c.Policy.BaseBackoffSec {
			c.Policy.MaxBackoffSec = c.Policy.BaseBackoffSec
		}
	}
	if c.Scan.TimeoutSec <= 0 {
		c.Scan.TimeoutSec = DefaultScanTimeout.Seconds()
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "blewatch_metrics.csv"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Device.Address) == "" {
		return errors.New("device address is required")
	}
	if c.Device.MTU < 0 {
		return errors.New("device mtu must not be negative")
	}
	if c.Scan.MaxDevices < 0 {
		return errors.New("scan max_devices must not be negative")
	}
	if c.Policy.MaxBackoffSec < c.Policy.BaseBackoffSec {
		return errors.New("policy max_backoff_sec must be >= base_backoff_sec")
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

// ConnectTimeout returns the connect timeout as a duration with the 1s floor applied.
func (p PolicyConfig) ConnectTimeout() time.Duration {
	return secondsWithFloor(p.ConnectTimeoutSec, time.Second)
}

func (p PolicyConfig) PollInterval() time.Duration {
	return secondsWithFloor(p.PollIntervalSec, 100*time.Millisecond)
}

func (p PolicyConfig) BaseBackoff() time.Duration {
	return secondsWithFloor(p.BaseBackoffSec, 500*time.Millisecond)
}

func (p PolicyConfig) MaxBackoff() time.Duration {
	max := secondsWithFloor(p.MaxBackoffSec, 500*time.Millisecond)
	if base := p.BaseBackoff(); max < base {
		return base
	}
	return max
}

func secondsWithFloor(sec float64, floor time.Duration) time.Duration {
	d := time.Duration(sec * float64(time.Second))
	if d < floor {
		return floor
	}
	return d
}
