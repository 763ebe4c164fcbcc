// Package config handles configuration loading for the risk service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ledger-risk/internal/cache"
	"ledger-risk/internal/correlation"
	"ledger-risk/internal/kafka"
	"ledger-risk/internal/logging"
	"ledger-risk/internal/middleware"
	"ledger-risk/internal/report"
	"ledger-risk/internal/storage"
	"ledger-risk/internal/storage/postgres"
	"ledger-risk/internal/storage/s3"
	"ledger-risk/internal/window"
)

// Storage drivers.
const (
	DriverMemory     = "memory"
	DriverClickHouse = "clickhouse"
	DriverPostgres   = "postgres"
)

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig                     `yaml:"server"`
	Logging         logging.Config                   `yaml:"logging"`
	Engine          EngineConfig                     `yaml:"engine"`
	Report          report.Config                    `yaml:"report"`
	Storage         StorageConfig                    `yaml:"storage"`
	Cache           cache.Config                     `yaml:"cache"`
	Feed            FeedConfig                       `yaml:"feed"`
	Archive         ArchiveConfig                    `yaml:"archive"`
	Auth            middleware.AuthConfig            `yaml:"auth"`
	RateLimit       middleware.RateLimitConfig       `yaml:"rate_limit"`
	CORS            middleware.CORSConfig            `yaml:"cors"`
	SecurityHeaders middleware.SecurityHeadersConfig `yaml:"security_headers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// Production scrubs internal detail from error responses.
	Production bool `yaml:"production"`
}

// EngineConfig is the yaml form of correlation.EngineConfig.
type EngineConfig struct {
	Mode              string        `yaml:"mode"`      // on_demand or maintained
	Threshold         string        `yaml:"threshold"` // decimal amount
	Horizon           time.Duration `yaml:"horizon"`
	Slack             time.Duration `yaml:"slack"`
	Shards            int           `yaml:"shards"`
	PassThroughWindow time.Duration `yaml:"pass_through_window"`
	PostLoginWindow   time.Duration `yaml:"post_login_window"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	SyncOverlap       time.Duration `yaml:"sync_overlap"`
}

// Correlation converts the section into an engine configuration.
func (e EngineConfig) Correlation() (correlation.EngineConfig, error) {
	threshold, err := decimal.NewFromString(e.Threshold)
	if err != nil {
		return correlation.EngineConfig{}, fmt.Errorf("engine.threshold: %w", err)
	}
	return correlation.EngineConfig{
		Window: window.Config{
			Threshold: threshold,
			Horizon:   e.Horizon,
			Slack:     e.Slack,
			Shards:    e.Shards,
		},
		PassThroughWindow: e.PassThroughWindow,
		PostLoginWindow:   e.PostLoginWindow,
		Mode:              correlation.Mode(e.Mode),
		SyncInterval:      e.SyncInterval,
		SyncOverlap:       e.SyncOverlap,
	}, nil
}

func engineSection(c correlation.EngineConfig) EngineConfig {
	return EngineConfig{
		Mode:              string(c.Mode),
		Threshold:         c.Window.Threshold.String(),
		Horizon:           c.Window.Horizon,
		Slack:             c.Window.Slack,
		Shards:            c.Window.Shards,
		PassThroughWindow: c.PassThroughWindow,
		PostLoginWindow:   c.PostLoginWindow,
		SyncInterval:      c.SyncInterval,
		SyncOverlap:       c.SyncOverlap,
	}
}

// StorageConfig selects and configures the ledger backend.
type StorageConfig struct {
	Driver      string                   `yaml:"driver"`
	ClickHouse  storage.ClickHouseConfig `yaml:"clickhouse"`
	Postgres    postgres.Config          `yaml:"postgres"`
	Writer      storage.WriterConfig     `yaml:"writer"`
	Retention   storage.RetentionConfig  `yaml:"retention"`
	AutoMigrate bool                     `yaml:"auto_migrate"`
}

// FeedConfig configures the Kafka ledger feed.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
	// Persist writes feed events to the ledger as well as the index.
	Persist bool `yaml:"persist"`
	// Quarantine stores undecodable messages instead of only logging them.
	Quarantine bool          `yaml:"quarantine"`
	MaxFuture  time.Duration `yaml:"max_future"`
	Kafka      *kafka.Config `yaml:"kafka"`
}

// ArchiveConfig configures S3 report archival.
type ArchiveConfig struct {
	Enabled     bool       `yaml:"enabled"`
	Compression string     `yaml:"compression"`
	S3          *s3.Config `yaml:"s3"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Logging: logging.DefaultConfig(),
		Engine:  engineSection(correlation.DefaultEngineConfig()),
		Report:  report.DefaultConfig(),
		Storage: StorageConfig{
			Driver:      DriverMemory,
			ClickHouse:  storage.DefaultClickHouseConfig(),
			Postgres:    postgres.DefaultConfig(),
			Writer:      storage.DefaultWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
			AutoMigrate: true,
		},
		Cache: cache.DefaultConfig(),
		Feed: FeedConfig{
			Persist:    true,
			Quarantine: true,
			MaxFuture:  5 * time.Minute,
			Kafka:      kafka.DefaultConfig(),
		},
		Archive: ArchiveConfig{
			Compression: string(s3.CompressionGzip),
			S3:          s3.DefaultConfig(),
		},
		Auth:            middleware.DefaultAuthConfig(),
		RateLimit:       middleware.DefaultRateLimitConfig(),
		CORS:            middleware.DefaultCORSConfig(),
		SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
	}
}

// Load reads config.env, then the yaml file, then environment overrides.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	configPath := os.Getenv("RISK_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads config.env from the working directory or its parent.
// Variables already set in the environment win.
func loadDotEnv() error {
	for _, path := range []string{"config.env", "../config.env"} {
		err := godotenv.Load(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. The DB_* and
// REDIS_* names match the deployment's config.env.
func (c *Config) applyEnvOverrides() error {
	var errs []error
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setInt("PORT", &c.Server.HTTPPort)
	setInt("API_PORT", &c.Server.HTTPPort)
	setString("RISK_LOG_LEVEL", &c.Logging.Level)
	setString("RISK_ENGINE_MODE", &c.Engine.Mode)
	setString("RISK_STORAGE_DRIVER", &c.Storage.Driver)

	if apiKey := os.Getenv("RISK_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	// PostgreSQL
	setString("DB_HOST", &c.Storage.Postgres.Host)
	setInt("DB_PORT", &c.Storage.Postgres.Port)
	setString("DB_USER", &c.Storage.Postgres.Username)
	setString("DB_PASSWORD", &c.Storage.Postgres.Password)
	setString("DB_NAME", &c.Storage.Postgres.Database)

	// ClickHouse
	if hosts := os.Getenv("CLICKHOUSE_HOSTS"); hosts != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(hosts, ",")
	}
	setString("CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	setString("CLICKHOUSE_USER", &c.Storage.ClickHouse.Username)
	setString("CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	// Redis
	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host != "" || port != "" {
		h, p := splitHostPort(c.Cache.Addr)
		if host != "" {
			h = host
		}
		if port != "" {
			p = port
		}
		c.Cache.Addr = h + ":" + p
	}
	setInt("REDIS_DB", &c.Cache.DB)
	setString("REDIS_PASSWORD", &c.Cache.Password)
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Cache.Enabled = v == "true" || v == "1"
	}

	// Kafka
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Feed.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Feed.Enabled = true
	}
	setString("KAFKA_TOPIC", &c.Feed.Kafka.Topic)

	// S3
	if bucket := os.Getenv("RISK_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
		c.Archive.Enabled = true
	}
	setString("AWS_REGION", &c.Archive.S3.Region)
	setString("RISK_ARCHIVE_ENDPOINT", &c.Archive.S3.Endpoint)

	// CORS
	if origins := os.Getenv("RISK_CORS_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = splitAndTrim(origins, ",")
	}

	return errors.Join(errs...)
}

func splitHostPort(addr string) (string, string) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, "6379"
	}
	return addr[:i], addr[i+1:]
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	engine, err := c.Engine.Correlation()
	if err != nil {
		return err
	}
	if err := engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if c.Report.MaxResults <= 0 {
		return fmt.Errorf("report.max_results must be positive")
	}
	if c.Report.QueryTimeout <= 0 {
		return fmt.Errorf("report.query_timeout must be positive")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverClickHouse:
		if len(c.Storage.ClickHouse.Hosts) == 0 {
			return fmt.Errorf("storage.clickhouse.hosts must not be empty")
		}
	case DriverPostgres:
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Feed.Enabled {
		if c.Feed.Kafka == nil {
			return fmt.Errorf("feed.kafka is required when the feed is enabled")
		}
		if err := c.Feed.Kafka.Validate(); err != nil {
			return err
		}
	}

	if c.Archive.Enabled {
		if c.Archive.S3 == nil {
			return fmt.Errorf("archive.s3 is required when archival is enabled")
		}
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
		switch s3.CompressionType(c.Archive.Compression) {
		case s3.CompressionNone, s3.CompressionGzip:
		default:
			return fmt.Errorf("unknown archive.compression %q", c.Archive.Compression)
		}
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled without api_keys")
	}
	return nil
}
