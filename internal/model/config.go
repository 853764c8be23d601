package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// URL is either a postgres:// URL or a SQLite path / file: DSN.
	URL string `mapstructure:"url" yaml:"url"`
}

// VaultConfig holds the credential vault secret.
type VaultConfig struct {
	// Key is the vault secret. When empty the key is read from the OS keyring.
	Key string `mapstructure:"key" yaml:"key"`
}

// LogConfig controls the zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// ServerConfig holds the scheduler trigger settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`

	// CronSecret is the shared bearer token every job route requires.
	CronSecret string `mapstructure:"cron_secret" yaml:"cron_secret"`
}

// JobsConfig bounds every triggered job.
type JobsConfig struct {
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// ProtocolConfig holds IMAP/SMTP session settings.
type ProtocolConfig struct {
	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	CommandTimeoutSec int `mapstructure:"command_timeout_sec" yaml:"command_timeout_sec"`
}

// RedisConfig enables the cross-process account lock when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// SyncConfig tunes the incremental sync engine.
type SyncConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`

	// InitialRecent limits a first sync (watermark 0) to the newest N
	// messages. Zero fetches the whole mailbox.
	InitialRecent int `mapstructure:"initial_recent" yaml:"initial_recent"`

	// BatchSize is how many UIDs are fetched and persisted per watermark step.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	CategorizeAfterSync bool `mapstructure:"categorize_after_sync" yaml:"categorize_after_sync"`
	LockTTLSec          int  `mapstructure:"lock_ttl_sec" yaml:"lock_ttl_sec"`

	// PollIntervalSec makes `serve` run SyncAll on a ticker. Zero leaves
	// syncing to the external scheduler.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// CategorizationConfig holds quota settings.
type CategorizationConfig struct {
	MonthlyQuota int            `mapstructure:"monthly_quota" yaml:"monthly_quota"`
	PlanQuotas   map[string]int `mapstructure:"plan_quotas" yaml:"plan_quotas"`
	PendingLimit int            `mapstructure:"pending_limit" yaml:"pending_limit"`
}

// ClassifierConfig selects and tunes the external classifier.
type ClassifierConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "anthropic".
	Provider      string `mapstructure:"provider" yaml:"provider"`
	APIKey        string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	Model         string `mapstructure:"model" yaml:"model"`
	MaxTokens     int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	RatePerMinute int    `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	TimeoutSec    int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// RetentionConfig holds purge settings.
type RetentionConfig struct {
	HorizonDays int `mapstructure:"horizon_days" yaml:"horizon_days"`
	BatchSize   int `mapstructure:"batch_size" yaml:"batch_size"`
}

// DigestConfig holds weekly digest settings.
type DigestConfig struct {
	Workers    int `mapstructure:"workers" yaml:"workers"`
	WindowDays int `mapstructure:"window_days" yaml:"window_days"`
}

// OAuthProviderConfig is the client registration used to refresh tokens.
type OAuthProviderConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`

	// TokenURL overrides the provider's well-known token endpoint.
	TokenURL string `mapstructure:"token_url" yaml:"token_url"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database       DatabaseConfig                 `mapstructure:"database" yaml:"database"`
	Vault          VaultConfig                    `mapstructure:"vault" yaml:"vault"`
	Log            LogConfig                      `mapstructure:"log" yaml:"log"`
	Server         ServerConfig                   `mapstructure:"server" yaml:"server"`
	Jobs           JobsConfig                     `mapstructure:"jobs" yaml:"jobs"`
	Protocol       ProtocolConfig                 `mapstructure:"protocol" yaml:"protocol"`
	Redis          RedisConfig                    `mapstructure:"redis" yaml:"redis"`
	Sync           SyncConfig                     `mapstructure:"sync" yaml:"sync"`
	Categorization CategorizationConfig           `mapstructure:"categorization" yaml:"categorization"`
	Classifier     ClassifierConfig               `mapstructure:"classifier" yaml:"classifier"`
	Retention      RetentionConfig                `mapstructure:"retention" yaml:"retention"`
	Digest         DigestConfig                   `mapstructure:"digest" yaml:"digest"`
	OAuth          map[string]OAuthProviderConfig `mapstructure:"oauth" yaml:"oauth"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailflow/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailflow", "config.yaml")
}

func defaultDatabaseURL() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mailflow.db"
	}
	return filepath.Join(home, ".config", "mailflow", "mailflow.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", defaultDatabaseURL())
	v.SetDefault("vault.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cron_secret", "")
	v.SetDefault("jobs.timeout_sec", 300)
	v.SetDefault("protocol.connect_timeout_sec", 20)
	v.SetDefault("protocol.command_timeout_sec", 60)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.initial_recent", 50)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.categorize_after_sync", true)
	v.SetDefault("sync.lock_ttl_sec", 300)
	v.SetDefault("sync.poll_interval_sec", 0)
	v.SetDefault("categorization.monthly_quota", 100)
	v.SetDefault("categorization.pending_limit", 200)
	v.SetDefault("classifier.provider", "openai")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.base_url", "")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.max_tokens", 16)
	v.SetDefault("classifier.rate_per_minute", 60)
	v.SetDefault("classifier.timeout_sec", 30)
	v.SetDefault("retention.horizon_days", 14)
	v.SetDefault("retention.batch_size", 1000)
	v.SetDefault("digest.workers", 4)
	v.SetDefault("digest.window_days", 7)
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg := &AppConfig{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A .env file in the working directory is loaded first, and MAILFLOW_*
// environment variables override file values. A missing file yields the
// defaults plus environment overrides.
func LoadConfig(path string) (*AppConfig, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
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
	v.Set("log", cfg.Log)
	v.Set("server", cfg.Server)
	v.Set("jobs", cfg.Jobs)
	v.Set("protocol", cfg.Protocol)
	v.Set("redis", cfg.Redis)
	v.Set("sync", cfg.Sync)
	v.Set("categorization", cfg.Categorization)
	v.Set("classifier", cfg.Classifier)
	v.Set("retention", cfg.Retention)
	v.Set("digest", cfg.Digest)
	v.Set("oauth", cfg.OAuth)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// QuotaFor returns the monthly categorization quota for a billing plan.
func (c *AppConfig) QuotaFor(plan string) int {
	if q, ok := c.Categorization.PlanQuotas[strings.ToLower(plan)]; ok {
		return q
	}
	return c.Categorization.MonthlyQuota
}

// JobTimeout returns the wall-clock budget for one triggered job.
func (c *AppConfig) JobTimeout() time.Duration {
	return seconds(c.Jobs.TimeoutSec, 300)
}

// ConnectTimeout returns the IMAP/SMTP dial budget.
func (c *AppConfig) ConnectTimeout() time.Duration {
	return seconds(c.Protocol.ConnectTimeoutSec, 20)
}

// CommandTimeout returns the per-command IMAP/SMTP budget.
func (c *AppConfig) CommandTimeout() time.Duration {
	return seconds(c.Protocol.CommandTimeoutSec, 60)
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// SetupLogger builds the process logger from the log section.
func (c *AppConfig) SetupLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || c.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if c.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "mailflow").Logger()
}
