// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MinSyncInterval is the shortest allowed period between scheduled sweeps.
const MinSyncInterval = time.Minute

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and tunes the store. Type is "sqlite" or "postgres".
type DatabaseConfig struct {
	Type            string
	Path            string // sqlite file
	DSN             string // postgres connection string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MediaConfig locates attachment files.
type MediaConfig struct {
	Path      string
	URLPrefix string
}

// SourceConfig selects the upstream adapter ("telegram" or "feed") and the
// shared connection's budget.
type SourceConfig struct {
	Kind              string
	MaxInFlight       int
	RequestsPerSecond float64
	Burst             int
}

// TelegramConfig holds MTProto credentials. The session file is created by
// a separate interactive login.
type TelegramConfig struct {
	AppID          int
	AppHash        string
	SessionFile    string
	ConnectTimeout time.Duration
}

// FeedConfig configures the RSS bridge adapter.
type FeedConfig struct {
	URLTemplate       string
	DefaultRetryAfter time.Duration
	UserAgent         string
}

// SyncConfig tunes sweeps.
type SyncConfig struct {
	Interval        time.Duration
	PageSize        int
	MaxAttempts     int
	FetchTimeout    time.Duration
	DownloadTimeout time.Duration
	Parallelism     int
	SweepTimeout    time.Duration
	CascadeDelete   bool
}

// RetentionConfig bounds stored items. Zero values disable a rule.
type RetentionConfig struct {
	KeepPerChannel int
	MaxAge         time.Duration
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string
	Development bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Media     MediaConfig
	Source    SourceConfig
	Telegram  TelegramConfig
	Feed      FeedConfig
	Sync      SyncConfig
	Retention RetentionConfig
	Log       LogConfig
}

// Load reads configuration from TELEREADER_* environment variables, with an
// optional .env file underneath. TELEGRAM_API_ID and TELEGRAM_API_HASH are
// accepted as well.
func Load() (*Config, error) {
	loadEnvFile()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("telereader")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.app_id", "TELEREADER_TELEGRAM_APP_ID", "TELEGRAM_API_ID")
	_ = v.BindEnv("telegram.app_hash", "TELEREADER_TELEGRAM_APP_HASH", "TELEGRAM_API_HASH")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/telereader.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("media.path", "data/media")
	v.SetDefault("media.url_prefix", "/media/")
	v.SetDefault("source.kind", "telegram")
	v.SetDefault("source.max_in_flight", 1)
	v.SetDefault("source.requests_per_second", 1.0)
	v.SetDefault("source.burst", 3)
	v.SetDefault("telegram.session_file", "data/telegram.session.json")
	v.SetDefault("telegram.connect_timeout", "30s")
	v.SetDefault("feed.url_template", "https://rsshub.app/telegram/channel/%s")
	v.SetDefault("feed.default_retry_after", "30s")
	v.SetDefault("feed.user_agent", "telereader/1.0")
	v.SetDefault("sync.interval", "1h")
	v.SetDefault("sync.page_size", 40)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.fetch_timeout", "30s")
	v.SetDefault("sync.download_timeout", "60s")
	v.SetDefault("sync.parallelism", 4)
	v.SetDefault("sync.sweep_timeout", "10m")
	v.SetDefault("sync.cascade_delete", true)
	v.SetDefault("retention.keep_per_channel", 0)
	v.SetDefault("retention.max_age", "0s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			Path:            v.GetString("database.path"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Media: MediaConfig{
			Path:      v.GetString("media.path"),
			URLPrefix: v.GetString("media.url_prefix"),
		},
		Source: SourceConfig{
			Kind:              strings.ToLower(v.GetString("source.kind")),
			MaxInFlight:       v.GetInt("source.max_in_flight"),
			RequestsPerSecond: v.GetFloat64("source.requests_per_second"),
			Burst:             v.GetInt("source.burst"),
		},
		Telegram: TelegramConfig{
			AppID:          v.GetInt("telegram.app_id"),
			AppHash:        v.GetString("telegram.app_hash"),
			SessionFile:    v.GetString("telegram.session_file"),
			ConnectTimeout: v.GetDuration("telegram.connect_timeout"),
		},
		Feed: FeedConfig{
			URLTemplate:       v.GetString("feed.url_template"),
			DefaultRetryAfter: v.GetDuration("feed.default_retry_after"),
			UserAgent:         v.GetString("feed.user_agent"),
		},
		Sync: SyncConfig{
			Interval:        v.GetDuration("sync.interval"),
			PageSize:        v.GetInt("sync.page_size"),
			MaxAttempts:     v.GetInt("sync.max_attempts"),
			FetchTimeout:    v.GetDuration("sync.fetch_timeout"),
			DownloadTimeout: v.GetDuration("sync.download_timeout"),
			Parallelism:     v.GetInt("sync.parallelism"),
			SweepTimeout:    v.GetDuration("sync.sweep_timeout"),
			CascadeDelete:   v.GetBool("sync.cascade_delete"),
		},
		Retention: RetentionConfig{
			KeepPerChannel: v.GetInt("retention.keep_per_channel"),
			MaxAge:         v.GetDuration("retention.max_age"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSizeMB:   v.GetInt("log.max_size_mb"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAgeDays:  v.GetInt("log.max_age_days"),
			Compress:    v.GetBool("log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres", "postgresql":
		c.Database.Type = "postgres"
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres (set TELEREADER_DATABASE_DSN)")
		}
	default:
		return fmt.Errorf("unsupported database.type %q (want sqlite or postgres)", c.Database.Type)
	}

	switch c.Source.Kind {
	case "telegram":
		if c.Telegram.AppID <= 0 || c.Telegram.AppHash == "" {
			return fmt.Errorf("telegram source needs TELEGRAM_API_ID and TELEGRAM_API_HASH")
		}
		if c.Telegram.SessionFile == "" {
			return fmt.Errorf("telegram.session_file is required")
		}
	case "feed":
		if strings.Count(c.Feed.URLTemplate, "%s") != 1 {
			return fmt.Errorf("feed.url_template must contain exactly one %%s")
		}
	default:
		return fmt.Errorf("unsupported source.kind %q (want telegram or feed)", c.Source.Kind)
	}

	if c.Sync.Interval < 0 || (c.Sync.Interval > 0 && c.Sync.Interval < MinSyncInterval) {
		return fmt.Errorf("sync.interval must be 0 (disabled) or at least %s", MinSyncInterval)
	}
	// Telegram returns at most 100 messages per history call.
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 100 {
		return fmt.Errorf("sync.page_size must be between 1 and 100")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Retention.KeepPerChannel < 0 || c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention limits must not be negative")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source.requests_per_second must not be negative")
	}
	return nil
}

// loadEnvFile loads .env from the working directory, or from its parent.
// Variables already set in the environment win.
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
