// Package config provides configuration management for the mail blob store.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Filesystem  FilesystemConfig  `mapstructure:"filesystem"`
	S3          S3Config          `mapstructure:"s3"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	GC          GCConfig          `mapstructure:"gc"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds mail item database connection settings.
// Supports both PostgreSQL and SQLite backends.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF

	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded database (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig holds external store settings.
type StoreConfig struct {
	// Backend selects the remote store: "filesystem" or "s3".
	Backend string `mapstructure:"backend"`

	// StagingDir receives incoming content before it is staged.
	StagingDir string `mapstructure:"staging_dir"`

	// SweepInterval is how often abandoned staging files are reclaimed.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SweepMaxAge is how long a staging file may go untouched.
	SweepMaxAge time.Duration `mapstructure:"sweep_max_age"`
}

// CacheConfig holds local cache settings.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`

	// MaxFiles bounds the number of cached files.
	MaxFiles int `mapstructure:"max_files"`

	// MaxSize bounds the cached bytes, as a human readable size ("1GB").
	MaxSize string `mapstructure:"max_size"`

	// MinLifetime is how long an entry stays before it may be evicted.
	MinLifetime time.Duration `mapstructure:"min_lifetime"`

	// PinTTL bounds how long a message-cache pin survives without renewal.
	PinTTL time.Duration `mapstructure:"pin_ttl"`
}

// MaxBytes parses MaxSize.
func (c CacheConfig) MaxBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("cache.max_size: %w", err)
	}
	return int64(n), nil
}

// FilesystemConfig holds settings for the content-addressed filesystem backend.
type FilesystemConfig struct {
	Root        string `mapstructure:"root"`
	ShardLevels int    `mapstructure:"shard_levels"`
	ShardWidth  int    `mapstructure:"shard_width"`

	// SingleInstance lets staging reuse stored content found by digest.
	// References are counted either way, since identical content always
	// shares one file.
	SingleInstance bool `mapstructure:"single_instance"`

	// RefsDriver selects where reference counts live: "database" or "bolt".
	RefsDriver string `mapstructure:"refs_driver"`

	// BoltPath is the bolt file used when RefsDriver is "bolt".
	BoltPath string `mapstructure:"bolt_path"`
}

// S3Config holds S3 backend settings.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`

	// PartSize is the multipart part size for resumable uploads ("5MiB").
	PartSize string `mapstructure:"part_size"`
}

// PartSizeBytes parses PartSize.
func (c S3Config) PartSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.PartSize)
	if err != nil {
		return 0, fmt.Errorf("s3.part_size: %w", err)
	}
	return int64(n), nil
}

// ConsistencyConfig holds consistency checker settings.
type ConsistencyConfig struct {
	// ChunkSize is the item-id window scanned per query.
	ChunkSize int `mapstructure:"chunk_size"`

	// CheckSize compares backend sizes against recorded sizes by default.
	CheckSize bool `mapstructure:"check_size"`

	// LockTTL bounds how long a check holds the mailbox lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint on the admin server.
	Path string `mapstructure:"path"`
}

// GCConfig holds single-instance garbage collection settings.
type GCConfig struct {
	// Enabled determines if automatic garbage collection runs.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run garbage collection.
	Interval time.Duration `mapstructure:"interval"`

	// GracePeriod is how long to wait before purging unreferenced content.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// BatchSize is the maximum number of entries to process per run.
	BatchSize int `mapstructure:"batch_size"`

	// DryRun logs what would be deleted without actually deleting.
	DryRun bool `mapstructure:"dry_run"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with MAILBLOB_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MAILBLOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/mailblob")
	}

	// Config file is optional - environment variables can be used instead
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7090)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mailblob")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "mailblob")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.path", "./data/mailblob.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)

	// Store defaults
	v.SetDefault("store.backend", "filesystem")
	v.SetDefault("store.staging_dir", "./data/incoming")
	v.SetDefault("store.sweep_interval", 10*time.Minute)
	v.SetDefault("store.sweep_max_age", 6*time.Hour)

	// Local cache defaults
	v.SetDefault("cache.dir", "./data/cache")
	v.SetDefault("cache.max_files", 10000)
	v.SetDefault("cache.max_size", "1GB")
	v.SetDefault("cache.min_lifetime", time.Minute)
	v.SetDefault("cache.pin_ttl", 10*time.Minute)

	// Filesystem backend defaults
	v.SetDefault("filesystem.root", "./data/blobs")
	v.SetDefault("filesystem.shard_levels", 2)
	v.SetDefault("filesystem.shard_width", 2)
	v.SetDefault("filesystem.single_instance", true)
	v.SetDefault("filesystem.refs_driver", "database")
	v.SetDefault("filesystem.bolt_path", "./data/refs.bolt")

	// S3 backend defaults
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.session_token", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.use_path_style", true)
	v.SetDefault("s3.part_size", "5MiB")

	// Consistency checker defaults
	v.SetDefault("consistency.chunk_size", 500)
	v.SetDefault("consistency.check_size", true)
	v.SetDefault("consistency.lock_ttl", 30*time.Minute)

	// Garbage collection defaults
	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", 1*time.Hour)
	v.SetDefault("gc.grace_period", 24*time.Hour)
	v.SetDefault("gc.batch_size", 1000)
	v.SetDefault("gc.dry_run", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	validDrivers := map[string]bool{"postgres": true, "sqlite": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite'")
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	} else if c.Database.Path == "" {
		return fmt.Errorf("database.path is required for sqlite driver")
	}

	if c.Store.StagingDir == "" {
		return fmt.Errorf("store.staging_dir is required")
	}
	if c.Store.SweepInterval <= 0 || c.Store.SweepMaxAge <= 0 {
		return fmt.Errorf("store.sweep_interval and store.sweep_max_age must be positive")
	}

	switch c.Store.Backend {
	case "filesystem":
		if c.Filesystem.Root == "" {
			return fmt.Errorf("filesystem.root is required for filesystem backend")
		}
		if c.Filesystem.ShardLevels < 0 || c.Filesystem.ShardWidth < 1 {
			return fmt.Errorf("filesystem.shard_levels must be >= 0 and filesystem.shard_width >= 1")
		}
		switch c.Filesystem.RefsDriver {
		case "database":
		case "bolt":
			if c.Filesystem.BoltPath == "" {
				return fmt.Errorf("filesystem.bolt_path is required for bolt refs driver")
			}
		default:
			return fmt.Errorf("filesystem.refs_driver must be 'database' or 'bolt'")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for s3 backend")
		}
		partSize, err := c.S3.PartSizeBytes()
		if err != nil {
			return err
		}
		if partSize < 5*1024*1024 {
			return fmt.Errorf("s3.part_size must be at least 5MiB")
		}
	default:
		return fmt.Errorf("store.backend must be 'filesystem' or 's3'")
	}

	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.MaxFiles < 1 {
		return fmt.Errorf("cache.max_files must be positive")
	}
	if _, err := c.Cache.MaxBytes(); err != nil {
		return err
	}

	if c.Consistency.ChunkSize < 1 {
		return fmt.Errorf("consistency.chunk_size must be positive")
	}

	if c.GC.Enabled && (c.GC.Interval <= 0 || c.GC.BatchSize < 1) {
		return fmt.Errorf("gc.interval and gc.batch_size must be positive when gc is enabled")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
