package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath   string `mapstructure:"sqlite-path"`
	EngineDBPath string `mapstructure:"engine-db-path"`

	// Metadata sink
	SinkDriver  string `mapstructure:"sink-driver"`
	PostgresDSN string `mapstructure:"postgres-dsn"`

	// Blob storage
	S3Bucket        string `mapstructure:"s3-bucket"`
	S3Region        string `mapstructure:"s3-region"`
	S3Endpoint      string `mapstructure:"s3-endpoint"`
	S3Anonymous     bool   `mapstructure:"s3-anonymous"`
	Container       string `mapstructure:"container"`
	DownloadRetries uint64 `mapstructure:"download-retries"`

	// Security limits
	MaxFileSize int64 `mapstructure:"max-file-size"`
	MaxPixels   int64 `mapstructure:"max-pixels"`

	// Engine
	Workers     int           `mapstructure:"workers"`
	WaitTimeout time.Duration `mapstructure:"wait-timeout"`

	// Watch mode
	WatchSchedule string `mapstructure:"watch-schedule"`
	MetricsAddr   string `mapstructure:"metrics-addr"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/images.db")
	viper.SetDefault("engine-db-path", ".artifacts/instances.db")
	viper.SetDefault("sink-driver", SinkSQLite)
	viper.SetDefault("postgres-dsn", "")
	viper.SetDefault("s3-bucket", "images")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("container", "images-input")
	viper.SetDefault("download-retries", 3)
	viper.SetDefault("max-file-size", 50*1024*1024)
	viper.SetDefault("max-pixels", 100_000_000)
	viper.SetDefault("workers", 4)
	viper.SetDefault("wait-timeout", 2*time.Minute)
	viper.SetDefault("watch-schedule", "@every 30s")
	viper.SetDefault("metrics-addr", ":9090")

	// Environment variables (will be IMAGEMETA_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("IMAGEMETA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.imagemeta")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.EngineDBPath == "" {
		return fmt.Errorf("engine-db-path cannot be empty")
	}
	switch c.SinkDriver {
	case SinkSQLite:
	case SinkPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required when sink-driver is postgres")
		}
	default:
		return fmt.Errorf("sink-driver must be %q or %q, got %q", SinkSQLite, SinkPostgres, c.SinkDriver)
	}
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty")
	}
	if c.Container == "" {
		return fmt.Errorf("container cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxPixels <= 0 {
		return fmt.Errorf("max-pixels must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait-timeout must be positive")
	}
	return nil
}
