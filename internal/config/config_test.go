package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/correlation"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Report.MaxResults != 1000 {
		t.Errorf("expected MaxResults 1000, got %d", cfg.Report.MaxResults)
	}
	if cfg.Cache.RiskTTL != 30*time.Second || cfg.Cache.StatsTTL != 10*time.Second {
		t.Errorf("unexpected cache TTLs %s/%s", cfg.Cache.RiskTTL, cfg.Cache.StatsTTL)
	}
	if cfg.Feed.Enabled || cfg.Archive.Enabled || cfg.Auth.Enabled {
		t.Error("feed, archive and auth should be disabled by default")
	}

	engine, err := cfg.Engine.Correlation()
	if err != nil {
		t.Fatalf("Correlation() error: %v", err)
	}
	if !engine.Window.Threshold.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected threshold 50000, got %s", engine.Window.Threshold)
	}
	if engine.Window.Horizon != 30*24*time.Hour {
		t.Errorf("expected 30 day horizon, got %s", engine.Window.Horizon)
	}
	if engine.PassThroughWindow != 2*time.Minute || engine.PostLoginWindow != 5*time.Minute {
		t.Errorf("unexpected pairing windows %s/%s", engine.PassThroughWindow, engine.PostLoginWindow)
	}
	if engine.Mode != correlation.ModeOnDemand {
		t.Errorf("expected on_demand mode, got %s", engine.Mode)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "port zero", mutate: func(c *Config) { c.Server.HTTPPort = 0 }, wantErr: "http_port"},
		{name: "port too large", mutate: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "http_port"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging"},
		{name: "bad threshold", mutate: func(c *Config) { c.Engine.Threshold = "lots" }, wantErr: "engine.threshold"},
		{name: "negative threshold", mutate: func(c *Config) { c.Engine.Threshold = "-1" }, wantErr: "engine"},
		{name: "unknown mode", mutate: func(c *Config) { c.Engine.Mode = "eager" }, wantErr: "mode"},
		{
			name:    "post-login window beyond slack",
			mutate:  func(c *Config) { c.Engine.PostLoginWindow = 10 * time.Minute },
			wantErr: "slack",
		},
		{name: "max results", mutate: func(c *Config) { c.Report.MaxResults = 0 }, wantErr: "max_results"},
		{name: "query timeout", mutate: func(c *Config) { c.Report.QueryTimeout = 0 }, wantErr: "query_timeout"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, wantErr: "storage.driver"},
		{
			name: "clickhouse without hosts",
			mutate: func(c *Config) {
				c.Storage.Driver = DriverClickHouse
				c.Storage.ClickHouse.Hosts = nil
			},
			wantErr: "hosts",
		},
		{
			name: "postgres without database",
			mutate: func(c *Config) {
				c.Storage.Driver = DriverPostgres
				c.Storage.Postgres.Database = ""
			},
			wantErr: "database",
		},
		{
			name: "feed without brokers",
			mutate: func(c *Config) {
				c.Feed.Enabled = true
				c.Feed.Kafka.Brokers = nil
			},
			wantErr: "broker",
		},
		{
			name: "archive without bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.S3.Bucket = ""
			},
			wantErr: "bucket",
		},
		{
			name: "archive compression",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Compression = "brotli"
			},
			wantErr: "compression",
		},
		{
			name:    "auth without keys",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "api_keys",
		},
		{
			name: "maintained mode is valid",
			mutate: func(c *Config) {
				c.Engine.Mode = string(correlation.ModeMaintained)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
server:
  http_port: 9090
engine:
  mode: maintained
  threshold: "75000.50"
  sync_interval: 15s
storage:
  driver: clickhouse
  clickhouse:
    hosts: ["ch-1:9000", "ch-2:9000"]
    database: ledger
cache:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Chdir(dir)
	t.Setenv("RISK_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Engine.Mode != "maintained" || cfg.Engine.SyncInterval != 15*time.Second {
		t.Errorf("unexpected engine section %+v", cfg.Engine)
	}
	engine, err := cfg.Engine.Correlation()
	if err != nil {
		t.Fatalf("Correlation() error: %v", err)
	}
	if engine.Window.Threshold.String() != "75000.5" {
		t.Errorf("unexpected threshold %s", engine.Window.Threshold)
	}
	// Unset keys keep their defaults.
	if engine.PassThroughWindow != 2*time.Minute {
		t.Errorf("expected default pass-through window, got %s", engine.PassThroughWindow)
	}
	if len(cfg.Storage.ClickHouse.Hosts) != 2 {
		t.Errorf("expected 2 clickhouse hosts, got %v", cfg.Storage.ClickHouse.Hosts)
	}
	if cfg.Storage.ClickHouse.MaxOpenConns != 10 {
		t.Errorf("expected default max_open_conns, got %d", cfg.Storage.ClickHouse.MaxOpenConns)
	}
	if cfg.Cache.Enabled {
		t.Error("expected cache disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RISK_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.HTTPPort)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("RISK_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	env := "DB_HOST=pg.internal\nDB_PORT=6543\nDB_NAME=risk\nREDIS_HOST=cache.internal\n"
	if err := os.WriteFile(filepath.Join(dir, "config.env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("RISK_CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	// Registered so t.Setenv restores them after godotenv sets them.
	for _, name := range []string{"DB_HOST", "DB_PORT", "DB_NAME", "REDIS_HOST"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	pg := cfg.Storage.Postgres
	if pg.Host != "pg.internal" || pg.Port != 6543 || pg.Database != "risk" {
		t.Errorf("dotenv not applied to postgres: %+v", pg)
	}
	if cfg.Cache.Addr != "cache.internal:6379" {
		t.Errorf("unexpected redis addr %q", cfg.Cache.Addr)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("API_PORT", "7100")
	t.Setenv("RISK_LOG_LEVEL", "debug")
	t.Setenv("RISK_API_KEY", "k-123")
	t.Setenv("RISK_ENGINE_MODE", "maintained")
	t.Setenv("CLICKHOUSE_HOSTS", "a:9000, b:9000 ,")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RISK_ARCHIVE_BUCKET", "risk-archive")

	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		t.Fatalf("applyEnvOverrides() error: %v", err)
	}

	if cfg.Server.HTTPPort != 7100 {
		t.Errorf("API_PORT should win over PORT, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0] != "k-123" {
		t.Errorf("unexpected auth %+v", cfg.Auth)
	}
	if cfg.Engine.Mode != "maintained" {
		t.Errorf("unexpected mode %s", cfg.Engine.Mode)
	}
	if got := cfg.Storage.ClickHouse.Hosts; len(got) != 2 || got[1] != "b:9000" {
		t.Errorf("unexpected clickhouse hosts %v", got)
	}
	if cfg.Cache.Addr != "localhost:6380" || cfg.Cache.DB != 2 {
		t.Errorf("unexpected redis settings %s db=%d", cfg.Cache.Addr, cfg.Cache.DB)
	}
	if !cfg.Feed.Enabled || len(cfg.Feed.Kafka.Brokers) != 2 {
		t.Errorf("unexpected feed %+v", cfg.Feed)
	}
	if !cfg.Archive.Enabled || cfg.Archive.S3.Bucket != "risk-archive" {
		t.Errorf("unexpected archive %+v", cfg.Archive)
	}
}

func TestApplyEnvOverrides_BadInteger(t *testing.T) {
	t.Setenv("DB_PORT", "fivefour")

	err := DefaultConfig().applyEnvOverrides()
	if err == nil || !strings.Contains(err.Error(), "DB_PORT") {
		t.Fatalf("expected DB_PORT error, got %v", err)
	}
}
