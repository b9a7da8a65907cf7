// Package config loads pipeline configuration from the environment with an
// optional YAML file overlay. Environment variables win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the ETL pipeline.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	ETL      ETLConfig      `yaml:"etl"`
	Alert    AlertConfig    `yaml:"alert"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig holds OData API connection settings.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
}

// DatabaseConfig holds the durable-store connection settings.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxConns     int    `yaml:"max_conns"`
	TrackUpserts bool   `yaml:"track_upserts"`
}

// ETLConfig holds sync behavior settings.
type ETLConfig struct {
	DataTypes        []string      `yaml:"data_types"`
	PageSize         int           `yaml:"page_size"`
	MaxPages         int           `yaml:"max_pages"`
	IncrementalField string        `yaml:"incremental_field"`
	MaxWatermarkAge  time.Duration `yaml:"max_watermark_age"`
	QuotaThreshold   float64       `yaml:"quota_threshold"`
	RunRetries       int           `yaml:"run_retries"`
	RunRetryBase     time.Duration `yaml:"run_retry_base"`
	LockFile         string        `yaml:"lock_file"`
	Schedule         string        `yaml:"schedule"`
}

// AlertConfig holds alert sink settings.
type AlertConfig struct {
	Enabled     bool          `yaml:"enabled"`
	WebhookURL  string        `yaml:"webhook_url"`
	BackupDir   string        `yaml:"backup_dir"`
	Suppression time.Duration `yaml:"suppression"`
}

// ArchiveConfig holds raw-page archival settings.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Backend   string `yaml:"backend"` // "local" | "s3"
	LocalDir  string `yaml:"local_dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Snapshots bool   `yaml:"snapshots"` // parquet snapshots of normalized records
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// Load reads configuration from an optional YAML file and the environment.
// Missing credentials are a hard error; everything else has a default.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		API: APIConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryBase:  time.Second,
			RateLimit:  2.0,
			RateBurst:  2,
		},
		Database: DatabaseConfig{
			MaxConns:     5,
			TrackUpserts: true,
		},
		ETL: ETLConfig{
			DataTypes:        []string{"Property"},
			PageSize:         1000,
			IncrementalField: "ModificationTimestamp",
			MaxWatermarkAge:  24 * time.Hour,
			QuotaThreshold:   0.1,
			RunRetries:       3,
			RunRetryBase:     time.Minute,
			LockFile:         "/tmp/reso-etl.lock",
		},
		Alert: AlertConfig{
			Suppression: 5 * time.Minute,
		},
		Archive: ArchiveConfig{
			Backend:  "local",
			LocalDir: "./archive",
			Prefix:   "raw/",
		},
		Metrics: MetricsConfig{
			Addr: ":9108",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.API.BaseURL, "RESO_API_BASE_URL")
	setString(&cfg.API.TokenURL, "RESO_API_TOKEN_URL")
	setString(&cfg.API.ClientID, "RESO_API_CLIENT_ID")
	setString(&cfg.API.ClientSecret, "RESO_API_CLIENT_SECRET")
	setDuration(&cfg.API.Timeout, "RESO_API_TIMEOUT")
	setInt(&cfg.API.MaxRetries, "RESO_API_MAX_RETRIES")
	setDuration(&cfg.API.RetryBase, "RESO_API_RETRY_BASE")

	setString(&cfg.Database.DSN, "RESO_DB_DSN")
	setInt(&cfg.Database.MaxConns, "RESO_DB_MAX_CONNS")
	setBool(&cfg.Database.TrackUpserts, "RESO_DB_TRACK_UPSERTS")

	setInt(&cfg.ETL.PageSize, "RESO_ETL_PAGE_SIZE")
	setInt(&cfg.ETL.MaxPages, "RESO_ETL_MAX_PAGES")
	setString(&cfg.ETL.IncrementalField, "RESO_ETL_INCREMENTAL_FIELD")
	setString(&cfg.ETL.LockFile, "RESO_ETL_LOCK_FILE")
	setString(&cfg.ETL.Schedule, "RESO_ETL_SCHEDULE")

	setBool(&cfg.Alert.Enabled, "RESO_ALERT_ENABLED")
	setString(&cfg.Alert.WebhookURL, "RESO_ALERT_WEBHOOK_URL")
	setString(&cfg.Alert.BackupDir, "RESO_ALERT_BACKUP_DIR")

	setBool(&cfg.Archive.Enabled, "RESO_ARCHIVE_ENABLED")
	setString(&cfg.Archive.Backend, "RESO_ARCHIVE_BACKEND")
	setString(&cfg.Archive.LocalDir, "RESO_ARCHIVE_LOCAL_DIR")
	setString(&cfg.Archive.Bucket, "RESO_ARCHIVE_BUCKET")
	setString(&cfg.Archive.Endpoint, "RESO_ARCHIVE_ENDPOINT")
	setString(&cfg.Archive.Region, "RESO_ARCHIVE_REGION")
	setBool(&cfg.Archive.Snapshots, "RESO_ARCHIVE_SNAPSHOTS")

	setBool(&cfg.Metrics.Enabled, "RESO_METRICS_ENABLED")
	setString(&cfg.Metrics.Addr, "RESO_METRICS_ADDR")

	setString(&cfg.Logging.Format, "RESO_LOG_FORMAT")
	setString(&cfg.Logging.Level, "RESO_LOG_LEVEL")
}

// Validate checks that required settings are present and sane.
func (c Config) Validate() error {
	var missing []string
	if c.API.BaseURL == "" {
		missing = append(missing, "api.base_url")
	}
	if c.API.TokenURL == "" {
		missing = append(missing, "api.token_url")
	}
	if c.API.ClientID == "" {
		missing = append(missing, "api.client_id")
	}
	if c.API.ClientSecret == "" {
		missing = append(missing, "api.client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	if c.ETL.PageSize <= 0 {
		return errors.New("etl.page_size must be positive")
	}
	if c.ETL.QuotaThreshold < 0 || c.ETL.QuotaThreshold > 1 {
		return errors.New("etl.quota_threshold must be in [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
