package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// NATSConfig holds the ingest bus settings.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RealtimeConfig holds the in-memory delta store settings.
type RealtimeConfig struct {
	RetentionMinutes   int    `yaml:"retention_minutes"`
	ToleranceMS        int    `yaml:"tolerance_ms"`
	MaxEntries         int    `yaml:"max_entries"`
	DeviceMaxEntries   int    `yaml:"device_max_entries"`
	EvictCheckEvery    int    `yaml:"evict_check_every"`
	MetricsLogInterval string `yaml:"metrics_log_interval"`
}

// RollupConfig holds the local fact-store settings.
type RollupConfig struct {
	Path             string `yaml:"path"`
	FlushInterval    string `yaml:"flush_interval"`
	HourCompactAfter string `yaml:"hour_compact_after"`
}

// ClickHouseConfig holds the optional columnar accelerator settings.
type ClickHouseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Strict          bool   `yaml:"strict"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	PendingBatchCap int    `yaml:"pending_batch_cap"`
	QueryTimeout    string `yaml:"query_timeout"`
	FreshnessWindow string `yaml:"freshness_window"`
}

// ProbeConfig holds the backend-polling agent settings.
type ProbeConfig struct {
	BackendID    string `yaml:"backend_id"`
	APIURL       string `yaml:"api_url"`
	APISecret    string `yaml:"api_secret"`
	PollInterval string `yaml:"poll_interval"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	NATS       NATSConfig       `yaml:"nats"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Rollup     RollupConfig     `yaml:"rollup"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Probe      ProbeConfig      `yaml:"probe"`
}

// LoadConfig reads the configuration from a YAML file, fills defaults, and
// applies FS_* environment overrides on top.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "flowscope.events"
	}
	if c.Realtime.RetentionMinutes <= 0 {
		c.Realtime.RetentionMinutes = 180
	}
	if c.Realtime.ToleranceMS <= 0 {
		c.Realtime.ToleranceMS = 120000
	}
	if c.Realtime.MaxEntries <= 0 {
		c.Realtime.MaxEntries = 50000
	}
	if c.Realtime.DeviceMaxEntries <= 0 {
		c.Realtime.DeviceMaxEntries = 10000
	}
	if c.Realtime.EvictCheckEvery <= 0 {
		c.Realtime.EvictCheckEvery = 64
	}
	if c.Realtime.MetricsLogInterval == "" {
		c.Realtime.MetricsLogInterval = "60s"
	}
	if c.Rollup.Path == "" {
		c.Rollup.Path = "data/flowscope.db"
	}
	if c.Rollup.FlushInterval == "" {
		c.Rollup.FlushInterval = "60s"
	}
	if c.Rollup.HourCompactAfter == "" {
		c.Rollup.HourCompactAfter = "48h"
	}
	if c.ClickHouse.Port == 0 {
		c.ClickHouse.Port = 9000
	}
	if c.ClickHouse.PendingBatchCap <= 0 {
		c.ClickHouse.PendingBatchCap = 200
	}
	if c.ClickHouse.QueryTimeout == "" {
		c.ClickHouse.QueryTimeout = "5s"
	}
	if c.ClickHouse.FreshnessWindow == "" {
		c.ClickHouse.FreshnessWindow = "5m"
	}
	if c.Probe.PollInterval == "" {
		c.Probe.PollInterval = "1s"
	}
}

// applyEnv overrides the deployment-tunable knobs from the environment.
func (c *Config) applyEnv() {
	envInt("FS_REALTIME_RETENTION_MINUTES", &c.Realtime.RetentionMinutes)
	envInt("FS_REALTIME_TOLERANCE_MS", &c.Realtime.ToleranceMS)
	envInt("FS_PENDING_BATCH_CAP", &c.ClickHouse.PendingBatchCap)
	envBool("FS_CLICKHOUSE_ENABLED", &c.ClickHouse.Enabled)
	envBool("FS_CLICKHOUSE_STRICT", &c.ClickHouse.Strict)
	envString("FS_METRICS_LOG_INTERVAL", &c.Realtime.MetricsLogInterval)
	envString("FS_NATS_URL", &c.NATS.URL)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
