package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_addr: \":9999\"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, explicit value lost", cfg.Server.ListenAddr)
	}
	if cfg.Realtime.RetentionMinutes != 180 {
		t.Errorf("RetentionMinutes = %d, want default 180", cfg.Realtime.RetentionMinutes)
	}
	if cfg.Realtime.ToleranceMS != 120000 {
		t.Errorf("ToleranceMS = %d, want default 120000", cfg.Realtime.ToleranceMS)
	}
	if cfg.Realtime.MaxEntries != 50000 || cfg.Realtime.DeviceMaxEntries != 10000 {
		t.Errorf("entry caps = %d/%d, want 50000/10000", cfg.Realtime.MaxEntries, cfg.Realtime.DeviceMaxEntries)
	}
	if cfg.Rollup.HourCompactAfter != "48h" {
		t.Errorf("HourCompactAfter = %q, want default 48h", cfg.Rollup.HourCompactAfter)
	}
	if cfg.NATS.SubjectPrefix != "flowscope.events" {
		t.Errorf("SubjectPrefix = %q", cfg.NATS.SubjectPrefix)
	}
	if cfg.ClickHouse.PendingBatchCap != 200 {
		t.Errorf("PendingBatchCap = %d, want default 200", cfg.ClickHouse.PendingBatchCap)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FS_REALTIME_RETENTION_MINUTES", "60")
	t.Setenv("FS_CLICKHOUSE_ENABLED", "true")
	t.Setenv("FS_NATS_URL", "nats://10.0.0.5:4222")

	path := writeConfig(t, "realtime:\n  retention_minutes: 240\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Realtime.RetentionMinutes != 60 {
		t.Errorf("RetentionMinutes = %d, env override must beat file value", cfg.Realtime.RetentionMinutes)
	}
	if !cfg.ClickHouse.Enabled {
		t.Error("FS_CLICKHOUSE_ENABLED=true not applied")
	}
	if cfg.NATS.URL != "nats://10.0.0.5:4222" {
		t.Errorf("NATS URL = %q", cfg.NATS.URL)
	}
}

func TestLoadConfigIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("FS_REALTIME_RETENTION_MINUTES", "not-a-number")

	path := writeConfig(t, "")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Realtime.RetentionMinutes != 180 {
		t.Errorf("RetentionMinutes = %d, malformed env must fall back to default", cfg.Realtime.RetentionMinutes)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
