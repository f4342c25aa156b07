package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Provider    ProviderConfig    `yaml:"provider"`
	Feed        FeedConfig        `yaml:"feed"`
	Sync        SyncConfig        `yaml:"sync"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type FeedConfig struct {
	ZoneID        string   `yaml:"zone_id"`
	TTL           Duration `yaml:"ttl"`
	HistoryCap    int      `yaml:"history_cap"`
	ByteBudget    int      `yaml:"byte_budget"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

type SyncConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type MaintenanceConfig struct {
	Interval  Duration `yaml:"interval"`
	Retention Duration `yaml:"retention"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			BaseURL: "https://api.dayfeed.dev",
		},
		Feed: FeedConfig{
			ZoneID:        "Local",
			TTL:           Duration(24 * time.Hour),
			HistoryCap:    7,
			ByteBudget:    512 << 10,
			ProbeInterval: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(5 * time.Minute),
		},
		Maintenance: MaintenanceConfig{
			Interval:  Duration(6 * time.Hour),
			Retention: Duration(7 * 24 * time.Hour),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "dayfeed-data"
		}
	}
	return filepath.Join(dir, "dayfeed")
}

// DefaultPath returns the XDG-compatible config file location.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "dayfeed", "config.yaml")
}

// Load reads configuration from the YAML file at path (missing file means
// defaults) and applies DAYFEED_* environment overrides on top.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envSpec struct {
	env   string
	apply func(cfg *Config, v string) error
}

func applyEnvOverrides(cfg *Config) error {
	specs := []envSpec{
		{"DAYFEED_SERVER_PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
		{"DAYFEED_SERVER_TOKEN", func(c *Config, v string) error { c.Server.Token = v; return nil }},
		{"DAYFEED_STORAGE_DATA_DIR", func(c *Config, v string) error { c.Storage.DataDir = v; return nil }},
		{"DAYFEED_PROVIDER_BASE_URL", func(c *Config, v string) error { c.Provider.BaseURL = v; return nil }},
		{"DAYFEED_PROVIDER_TOKEN", func(c *Config, v string) error { c.Provider.Token = v; return nil }},
		{"DAYFEED_FEED_ZONE_ID", func(c *Config, v string) error { c.Feed.ZoneID = v; return nil }},
		{"DAYFEED_FEED_TTL", func(c *Config, v string) error { return setDuration(&c.Feed.TTL, v) }},
		{"DAYFEED_FEED_HISTORY_CAP", func(c *Config, v string) error { return setInt(&c.Feed.HistoryCap, v) }},
		{"DAYFEED_FEED_BYTE_BUDGET", func(c *Config, v string) error { return setInt(&c.Feed.ByteBudget, v) }},
		{"DAYFEED_FEED_PROBE_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Feed.ProbeInterval, v) }},
		{"DAYFEED_SYNC_MAX_ATTEMPTS", func(c *Config, v string) error { return setInt(&c.Sync.MaxAttempts, v) }},
		{"DAYFEED_SYNC_BASE_DELAY", func(c *Config, v string) error { return setDuration(&c.Sync.BaseDelay, v) }},
		{"DAYFEED_SYNC_MAX_DELAY", func(c *Config, v string) error { return setDuration(&c.Sync.MaxDelay, v) }},
		{"DAYFEED_MAINTENANCE_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Maintenance.Interval, v) }},
		{"DAYFEED_MAINTENANCE_RETENTION", func(c *Config, v string) error { return setDuration(&c.Maintenance.Retention, v) }},
		{"DAYFEED_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	}

	for _, s := range specs {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		if err := s.apply(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", s.env, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", v, err)
	}
	*dst = i
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", v, err)
	}
	*dst = Duration(d)
	return nil
}
