// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrMissingJWTSecret はAPIサーバー起動時にJWT_SECRETが未設定の場合のエラー。
var ErrMissingJWTSecret = errors.New("JWT_SECRET is required for serve")

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL          string        `envconfig:"DATABASE_URL" validate:"required"`
	SchedulerDatabaseURL string        `envconfig:"SCHEDULER_DATABASE_URL"`
	DBMaxOpenConns       int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25" validate:"gte=1"`
	DBMaxIdleConns       int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5" validate:"gte=0"`
	DBConnMaxLifetime    time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`

	// Auth
	JWTSecret string `envconfig:"JWT_SECRET" validate:"omitempty,min=32"`

	// Settings encryption
	SettingsEncryptionKey string `envconfig:"SETTINGS_ENCRYPTION_KEY"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Server
	ServerPort  string `envconfig:"SERVER_PORT" default:"8080" validate:"numeric"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090" validate:"numeric"`

	// Scheduler
	SyncWindowStartHour   int           `envconfig:"SYNC_WINDOW_START_HOUR" default:"0" validate:"gte=0,lte=23"`
	SyncTotalSlots        int           `envconfig:"SYNC_TOTAL_SLOTS" default:"360" validate:"gte=1,lte=1440"`
	SyncTimezone          string        `envconfig:"SYNC_TIMEZONE" default:"UTC" validate:"timezone"`
	SyncHeartbeatInterval time.Duration `envconfig:"SYNC_HEARTBEAT_INTERVAL" default:"2m"`
	SyncStaleThreshold    time.Duration `envconfig:"SYNC_STALE_THRESHOLD" default:"10m"`
	SyncReaperInterval    time.Duration `envconfig:"SYNC_REAPER_INTERVAL" default:"10m"`
	SyncReaperDailySpec   string        `envconfig:"SYNC_REAPER_DAILY_SPEC" default:"45 23 * * *"`
	SyncRebuildInterval   time.Duration `envconfig:"SYNC_REBUILD_INTERVAL" default:"1h"`
	SyncMonthsBack        int           `envconfig:"SYNC_MONTHS_BACK" default:"12" validate:"gte=1,lte=120"`
	SyncMaxConcurrent     int           `envconfig:"SYNC_MAX_CONCURRENT" default:"4" validate:"gte=1"`
	SyncMaxTeamsPerSlot   int           `envconfig:"SYNC_MAX_TEAMS_PER_SLOT" default:"1" validate:"gte=1"`

	// GitHub
	GitHubAPIURL            string        `envconfig:"GITHUB_API_URL" default:"https://api.github.com" validate:"url"`
	GitHubTimeout           time.Duration `envconfig:"GITHUB_TIMEOUT" default:"15s"`
	GitHubRequestsPerSecond float64       `envconfig:"GITHUB_REQUESTS_PER_SECOND" default:"0.5" validate:"gte=0"`
	GitHubBurst             int           `envconfig:"GITHUB_BURST" default:"5" validate:"gte=1"`

	// Feed
	FeedTimeout time.Duration `envconfig:"FEED_TIMEOUT" default:"10s"`
	FeedMaxSize int64         `envconfig:"FEED_MAX_SIZE" default:"5242880" validate:"gte=1"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int `envconfig:"RATE_LIMIT_GENERAL" default:"120" validate:"gte=1"`
	RateLimitSync    int `envconfig:"RATE_LIMIT_SYNC" default:"6" validate:"gte=1"`

	// Cleanup
	SyncRunRetentionDays int `envconfig:"SYNC_RUN_RETENTION_DAYS" default:"90" validate:"gte=1"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば読み込むが、既に設定済みの環境変数は上書きしない。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗しました: %w", err)
	}
	if cfg.SchedulerDatabaseURL == "" {
		cfg.SchedulerDatabaseURL = cfg.DatabaseURL
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("設定値が不正です: %w", err)
	}
	return &cfg, nil
}

// ValidateServe はAPIサーバー起動に必要な設定が揃っているかを検証する。
func (c *Config) ValidateServe() error {
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

// Location はスケジュール計算に使うタイムゾーンを返す。
// Loadで検証済みのため、ここでの失敗はUTCにフォールバックする。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SyncTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
