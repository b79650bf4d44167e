package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig selects the SQL dialect and connection string.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// VaultConfig names the single source of the credential master key.
type VaultConfig struct {
	// KeySource is "env", "keyring" or "file".
	KeySource   string `mapstructure:"key_source" yaml:"key_source"`
	KeyEnv      string `mapstructure:"key_env" yaml:"key_env"`
	KeyFile     string `mapstructure:"key_file" yaml:"key_file"`
	KeyringItem string `mapstructure:"keyring_item" yaml:"keyring_item"`
	KeyringDir  string `mapstructure:"keyring_dir" yaml:"keyring_dir"`
}

// RetryConfig is the shared exponential backoff policy.
type RetryConfig struct {
	Attempts    int `mapstructure:"attempts" yaml:"attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
}

// FetchConfig controls the mailbox polling run.
type FetchConfig struct {
	IntervalSec       int    `mapstructure:"interval_sec" yaml:"interval_sec"`
	Workers           int    `mapstructure:"workers" yaml:"workers"`
	Mailbox           string `mapstructure:"mailbox" yaml:"mailbox"`
	ConnectTimeoutSec int    `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	// OverlapSec re-reads this far behind the checkpoint to tolerate
	// clock skew between the server and its internal dates.
	OverlapSec      int  `mapstructure:"overlap_sec" yaml:"overlap_sec"`
	InitialLookback int  `mapstructure:"initial_lookback_days" yaml:"initial_lookback_days"`
	MaxMessages     int  `mapstructure:"max_messages" yaml:"max_messages"`
	ScoreInline     bool `mapstructure:"score_inline" yaml:"score_inline"`
}

// ModelConfig holds settings for the generative-model backend.
type ModelConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `mapstructure:"provider" yaml:"provider"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Model    string `mapstructure:"model" yaml:"model"`

	// APIKeySecret names the secrets-table entry holding the API key.
	// APIKeyEnv, when set and present, takes precedence.
	APIKeySecret string `mapstructure:"api_key_secret" yaml:"api_key_secret"`
	APIKeyEnv    string `mapstructure:"api_key_env" yaml:"api_key_env"`

	TimeoutSec        int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
	Temperature       float64 `mapstructure:"temperature" yaml:"temperature"`
}

// ScoringConfig controls the relevance scorer.
type ScoringConfig struct {
	IntervalSec    int     `mapstructure:"interval_sec" yaml:"interval_sec"`
	Workers        int     `mapstructure:"workers" yaml:"workers"`
	BatchLimit     int     `mapstructure:"batch_limit" yaml:"batch_limit"`
	ModelWeight    float64 `mapstructure:"model_weight" yaml:"model_weight"`
	PriorityWeight float64 `mapstructure:"priority_weight" yaml:"priority_weight"`
	MaxTokens      int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	BodyExcerpt    int     `mapstructure:"body_excerpt" yaml:"body_excerpt"`
}

// SummaryConfig controls digest generation.
type SummaryConfig struct {
	IntervalSec     int    `mapstructure:"interval_sec" yaml:"interval_sec"`
	Threshold       int    `mapstructure:"threshold" yaml:"threshold"`
	WindowHours     int    `mapstructure:"window_hours" yaml:"window_hours"`
	Timezone        string `mapstructure:"timezone" yaml:"timezone"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	BodyExcerpt     int    `mapstructure:"body_excerpt" yaml:"body_excerpt"`
}

// LockConfig selects the single-flight lock backend.
type LockConfig struct {
	// Backend is "local" or "redis".
	Backend       string `mapstructure:"backend" yaml:"backend"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	TTLSec        int    `mapstructure:"ttl_sec" yaml:"ttl_sec"`
}

// MetricsConfig controls the Prometheus endpoint in serve mode.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Vault    VaultConfig    `mapstructure:"vault" yaml:"vault"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Fetch    FetchConfig    `mapstructure:"fetch" yaml:"fetch"`
	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
	Scoring  ScoringConfig  `mapstructure:"scoring" yaml:"scoring"`
	Summary  SummaryConfig  `mapstructure:"summary" yaml:"summary"`
	Lock     LockConfig     `mapstructure:"lock" yaml:"lock"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/maildigest/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "maildigest", "config.yaml")
}

// defaultDatabasePath places the sqlite file next to the config file.
func defaultDatabasePath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "maildigest.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", defaultDatabasePath())

	v.SetDefault("vault.key_source", "keyring")
	v.SetDefault("vault.key_env", "MAILDIGEST_VAULT_KEY")
	v.SetDefault("vault.key_file", "")
	v.SetDefault("vault.keyring_item", "vault-master-key")
	v.SetDefault("vault.keyring_dir", "~/.config/maildigest/keyring")

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 10000)

	v.SetDefault("fetch.interval_sec", 300)
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.mailbox", "INBOX")
	v.SetDefault("fetch.connect_timeout_sec", 30)
	v.SetDefault("fetch.overlap_sec", 300)
	v.SetDefault("fetch.initial_lookback_days", 7)
	v.SetDefault("fetch.max_messages", 200)
	v.SetDefault("fetch.score_inline", true)

	v.SetDefault("model.provider", "anthropic")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("model.api_key_secret", "model-api-key")
	v.SetDefault("model.api_key_env", "MAILDIGEST_MODEL_API_KEY")
	v.SetDefault("model.timeout_sec", 60)
	v.SetDefault("model.requests_per_minute", 50)
	v.SetDefault("model.burst", 5)
	v.SetDefault("model.temperature", 0.2)

	v.SetDefault("scoring.interval_sec", 600)
	v.SetDefault("scoring.workers", 4)
	v.SetDefault("scoring.batch_limit", 200)
	v.SetDefault("scoring.model_weight", 0.7)
	v.SetDefault("scoring.priority_weight", 0.3)
	v.SetDefault("scoring.max_tokens", 128)
	v.SetDefault("scoring.body_excerpt", 2000)

	v.SetDefault("summary.interval_sec", 3600)
	v.SetDefault("summary.threshold", 6)
	v.SetDefault("summary.window_hours", 24)
	v.SetDefault("summary.timezone", "UTC")
	v.SetDefault("summary.max_output_tokens", 1024)
	v.SetDefault("summary.body_excerpt", 500)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.ttl_sec", 900)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Missing files resolve to defaults. Any key can be overridden by an
// environment variable such as MAILDIGEST_SUMMARY_THRESHOLD.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILDIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, pathErr := err.(*os.PathError)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !pathErr && !notFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Summary.Threshold < 0 || c.Summary.Threshold > 10 {
		return fmt.Errorf("summary.threshold must be between 0 and 10, got %d", c.Summary.Threshold)
	}
	if c.Scoring.ModelWeight < 0 || c.Scoring.PriorityWeight < 0 {
		return fmt.Errorf("scoring weights must not be negative")
	}
	if c.Fetch.Workers < 1 {
		return fmt.Errorf("fetch.workers must be at least 1")
	}
	if _, err := time.LoadLocation(c.Summary.Timezone); err != nil {
		return fmt.Errorf("summary.timezone: %w", err)
	}
	return nil
}

// RetryBaseDelay returns the backoff base as a duration.
func (c RetryConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap as a duration.
func (c RetryConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("vault", cfg.Vault)
	v.Set("retry", cfg.Retry)
	v.Set("fetch", cfg.Fetch)
	v.Set("model", cfg.Model)
	v.Set("scoring", cfg.Scoring)
	v.Set("summary", cfg.Summary)
	v.Set("lock", cfg.Lock)
	v.Set("metrics", cfg.Metrics)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
