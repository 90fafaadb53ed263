package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Queue    QueueConfig    `yaml:"queue"`
	Sync     SyncConfig     `yaml:"sync"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// QueueConfig contains server operation queue and worker settings.
type QueueConfig struct {
	MaxQueueSize          int      `yaml:"max_queue_size"`
	MaxRetries            int      `yaml:"max_retries"`
	RetentionDays         int      `yaml:"retention_days"`
	BatchSize             int      `yaml:"batch_size"`
	ProcessingTimeout     Duration `yaml:"processing_timeout"`
	PendingAlertThreshold int      `yaml:"pending_alert_threshold"`
	CleanupInterval       Duration `yaml:"cleanup_interval"`
	AlertCheckInterval    Duration `yaml:"alert_check_interval"`
	RecoveryInterval      Duration `yaml:"recovery_interval"`
	Workers               int      `yaml:"workers"`
	PollInterval          Duration `yaml:"poll_interval"`
}

// SyncConfig contains sync endpoint settings.
type SyncConfig struct {
	ProtocolVersions   []int   `yaml:"protocol_versions"`
	DefaultStrategy    string  `yaml:"default_strategy"`
	MaxOperations      int     `yaml:"max_operations"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// SnapshotConfig contains canonical database snapshot settings.
type SnapshotConfig struct {
	Interval Duration         `yaml:"interval"`
	Path     string           `yaml:"path"`
	S3       SnapshotS3Config `yaml:"s3"`
}

// SnapshotS3Config contains S3-compatible object storage settings for
// snapshot uploads. An empty Bucket disables uploads.
type SnapshotS3Config struct {
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// Enabled reports whether uploads are configured.
func (c SnapshotS3Config) Enabled() bool {
	return c.Bucket != ""
}

// LogConfig contains logging settings. When File is set, logs are written
// to a rotating file instead of stdout.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("QUIRE_CONFIG_PATH", "config/quire.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/quire.db",
		},
		Queue: QueueConfig{
			MaxQueueSize:          1000,
			MaxRetries:            3,
			RetentionDays:         7,
			BatchSize:             50,
			ProcessingTimeout:     Duration(30 * time.Second),
			PendingAlertThreshold: 100,
			CleanupInterval:       Duration(1 * time.Hour),
			AlertCheckInterval:    Duration(1 * time.Minute),
			RecoveryInterval:      Duration(30 * time.Second),
			Workers:               4,
			PollInterval:          Duration(1 * time.Second),
		},
		Sync: SyncConfig{
			ProtocolVersions:   []int{1},
			DefaultStrategy:    "server_wins",
			MaxOperations:      1000,
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(1 * time.Hour),
			Path:     "data/snapshots/current.db",
			S3: SnapshotS3Config{
				Region:    "us-east-1",
				UseSSL:    &useSSL,
				URLExpiry: Duration(15 * time.Minute),
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values; unparsable values are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("QUIRE_PORT", &cfg.Server.Port)
	envDuration("QUIRE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("QUIRE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("QUIRE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("QUIRE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("QUIRE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Queue
	envInt("QUIRE_MAX_QUEUE_SIZE", &cfg.Queue.MaxQueueSize)
	envInt("QUIRE_MAX_RETRIES", &cfg.Queue.MaxRetries)
	envInt("QUIRE_RETENTION_DAYS", &cfg.Queue.RetentionDays)
	envInt("QUIRE_BATCH_SIZE", &cfg.Queue.BatchSize)
	envDuration("QUIRE_PROCESSING_TIMEOUT", &cfg.Queue.ProcessingTimeout)
	envInt("QUIRE_PENDING_ALERT_THRESHOLD", &cfg.Queue.PendingAlertThreshold)
	envDuration("QUIRE_CLEANUP_INTERVAL", &cfg.Queue.CleanupInterval)
	envDuration("QUIRE_ALERT_CHECK_INTERVAL", &cfg.Queue.AlertCheckInterval)
	envDuration("QUIRE_RECOVERY_INTERVAL", &cfg.Queue.RecoveryInterval)
	envInt("QUIRE_WORKERS", &cfg.Queue.Workers)
	envDuration("QUIRE_POLL_INTERVAL", &cfg.Queue.PollInterval)

	// Sync
	if v := os.Getenv("QUIRE_PROTOCOL_VERSIONS"); v != "" {
		if versions, err := parseIntList(v); err == nil {
			cfg.Sync.ProtocolVersions = versions
		}
	}
	if v := os.Getenv("QUIRE_DEFAULT_STRATEGY"); v != "" {
		cfg.Sync.DefaultStrategy = v
	}
	envInt("QUIRE_MAX_OPERATIONS", &cfg.Sync.MaxOperations)
	if v := os.Getenv("QUIRE_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.RateLimitPerSecond = f
		}
	}
	envInt("QUIRE_RATE_LIMIT_BURST", &cfg.Sync.RateLimitBurst)

	// Snapshot
	envDuration("QUIRE_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	if v := os.Getenv("QUIRE_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("QUIRE_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.S3.Bucket = v
	}
	if v := os.Getenv("QUIRE_SNAPSHOT_PREFIX"); v != "" {
		cfg.Snapshot.S3.Prefix = v
	}
	if v := os.Getenv("QUIRE_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.S3.Endpoint = v
	}
	if v := os.Getenv("QUIRE_S3_REGION"); v != "" {
		cfg.Snapshot.S3.Region = v
	}
	if v := os.Getenv("QUIRE_S3_ACCESS_KEY"); v != "" {
		cfg.Snapshot.S3.AccessKey = v
	}
	if v := os.Getenv("QUIRE_S3_SECRET_KEY"); v != "" {
		cfg.Snapshot.S3.SecretKey = v
	}
	if v := os.Getenv("QUIRE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Snapshot.S3.UseSSL = &useSSL
	}
	envDuration("QUIRE_S3_URL_EXPIRY", &cfg.Snapshot.S3.URLExpiry)

	// Log
	if v := os.Getenv("QUIRE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("QUIRE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("QUIRE_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	envInt("QUIRE_LOG_MAX_SIZE_MB", &cfg.Log.MaxSizeMB)
	envInt("QUIRE_LOG_MAX_BACKUPS", &cfg.Log.MaxBackups)
	envInt("QUIRE_LOG_MAX_AGE_DAYS", &cfg.Log.MaxAgeDays)
}

// validate checks that required configuration values are set.
// In dev mode (QUIRE_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if len(c.Sync.ProtocolVersions) == 0 {
		return errors.New("sync.protocol_versions must not be empty")
	}
	switch c.Sync.DefaultStrategy {
	case "server_wins", "client_wins", "latest_wins", "merge", "manual":
	default:
		return fmt.Errorf("sync.default_strategy %q is not a known strategy", c.Sync.DefaultStrategy)
	}
	if c.Queue.MaxRetries < 1 {
		return errors.New("queue.max_retries must be at least 1")
	}
	if c.Queue.MaxQueueSize < 1 {
		return errors.New("queue.max_queue_size must be at least 1")
	}

	if os.Getenv("QUIRE_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("QUIRE_API_KEY is required")
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
