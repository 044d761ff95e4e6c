// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level daemon configuration.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `mapstructure:"database_path"`
	// CloudRoot is the root of cloud-resident asset content.
	CloudRoot string `mapstructure:"cloud_root"`
	// InboxDir is watched for incoming JSONL cloud-record batches.
	InboxDir string `mapstructure:"inbox_dir"`

	Log       LogConfig       `mapstructure:"log"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DaemonConfig configures the maintenance daemon intervals.
type DaemonConfig struct {
	// StatsRefreshInterval is how often denormalized album stats are
	// recomputed.
	StatsRefreshInterval time.Duration `mapstructure:"stats_refresh_interval"`
	// ReconcileInterval is how often a full reconciliation pass runs.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// DebounceInterval batches rapid inbox file events together.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	// TombstoneRetention is how long deleted rows are kept before the
	// aging pass purges them.
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
}

// DashboardConfig configures the websocket status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads the configuration file (optional) and applies defaults and
// MEDIALIB_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("database_path", "medialib.db")
	v.SetDefault("cloud_root", "/storage/cloud/files")
	v.SetDefault("inbox_dir", "inbox")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("daemon.stats_refresh_interval", 30*time.Second)
	v.SetDefault("daemon.reconcile_interval", time.Hour)
	v.SetDefault("daemon.debounce_interval", 100*time.Millisecond)
	v.SetDefault("daemon.tombstone_retention", 30*24*time.Hour)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	v.SetEnvPrefix("MEDIALIB")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}
