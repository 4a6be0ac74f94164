package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFile   string          `yaml:"log_file"`
	Device    DeviceConfig    `yaml:"device"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Feed      FeedConfig      `yaml:"feed"`
}

// DeviceConfig identifies the peripheral and the local radio.
type DeviceConfig struct {
	NameToken string `yaml:"name_token"` // substring matched in the advertised name
	Adapter   string `yaml:"adapter"`    // BlueZ adapter id, e.g. "hci0"
}

// DiscoveryConfig holds the two-phase scan timings.
type DiscoveryConfig struct {
	ServiceTimeout time.Duration `yaml:"service_timeout"`
	NameTimeout    time.Duration `yaml:"name_timeout"`
	OverallTimeout time.Duration `yaml:"overall_timeout"`
}

// SessionConfig holds link session settings.
type SessionConfig struct {
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

// ReconnectConfig holds supervisor retry settings.
type ReconnectConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// FeedConfig holds the websocket status feed settings.
type FeedConfig struct {
	Listen string `yaml:"listen"` // empty disables the feed
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "shotsync")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	logFile := filepath.Join(home, ".local", "state", "shotsync", "shotsync.log")

	return &Config{
		LogLevel: "info",
		LogFile:  logFile,
		Device: DeviceConfig{
			NameToken: "ShotCounter",
			Adapter:   "hci0",
		},
		Discovery: DiscoveryConfig{
			ServiceTimeout: 6 * time.Second,
			NameTimeout:    8 * time.Second,
			OverallTimeout: 15 * time.Second,
		},
		Session: SessionConfig{
			ResyncInterval: 5 * time.Minute,
		},
		Reconnect: ReconnectConfig{
			Delay: 800 * time.Millisecond,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if strings.TrimSpace(c.Device.NameToken) == "" {
		return fmt.Errorf("device.name_token must not be empty")
	}

	if c.Discovery.ServiceTimeout <= 0 {
		return fmt.Errorf("discovery.service_timeout must be > 0")
	}
	if c.Discovery.NameTimeout <= 0 {
		return fmt.Errorf("discovery.name_timeout must be > 0")
	}
	if c.Discovery.OverallTimeout <= 0 {
		return fmt.Errorf("discovery.overall_timeout must be > 0")
	}

	if c.Session.ResyncInterval <= 0 {
		return fmt.Errorf("session.resync_interval must be > 0")
	}

	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("reconnect.delay must be > 0")
	}

	return nil
}

const defaultConfigYAML = `# shotsync configuration
# Durations use Go syntax: 800ms, 6s, 5m.

log_level: info
# log_file: ~/.local/state/shotsync/shotsync.log

device:
  name_token: ShotCounter
  adapter: hci0

discovery:
  service_timeout: 6s
  name_timeout: 8s
  overall_timeout: 15s

session:
  resync_interval: 5m

reconnect:
  delay: 800ms

feed:
  # listen: 127.0.0.1:8765
`

// WriteDefault writes a commented default config to DefaultConfigPath.
// It returns the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
