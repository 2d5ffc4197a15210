package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CronDisabled turns a cron job off when used as its spec.
const CronDisabled = "off"

// AppConfig holds all configuration for the application
type AppConfig struct {
	TelegramToken   string
	DatabaseURL     string
	AdminTelegramID int64
	LogLevel        string
	Environment     string

	SendBatchSize      int           // items per progress flush
	SendBatchDelay     time.Duration // pause between flushes
	FloodWaitMargin    time.Duration // added to Telegram's retry_after
	AuditCheckDelay    time.Duration // minimum gap between membership checks
	AuditProgressEvery int
	InviteLinkTTL      time.Duration

	CronSpecChannelAudit string
	ShutdownTimeout      time.Duration
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is not set")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID")
	if adminIDStr == "" {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.SendBatchSize, err = intEnv("SEND_BATCH_SIZE", 25); err != nil {
		return nil, err
	}
	if cfg.SendBatchSize <= 0 {
		return nil, fmt.Errorf("SEND_BATCH_SIZE must be positive, got %d", cfg.SendBatchSize)
	}
	if cfg.SendBatchDelay, err = durationEnv("SEND_BATCH_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.FloodWaitMargin, err = durationEnv("FLOOD_WAIT_MARGIN", time.Second); err != nil {
		return nil, err
	}
	if cfg.AuditCheckDelay, err = durationEnv("AUDIT_CHECK_DELAY", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.AuditProgressEvery, err = intEnv("AUDIT_PROGRESS_EVERY", 100); err != nil {
		return nil, err
	}
	if cfg.InviteLinkTTL, err = durationEnv("INVITE_LINK_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	cfg.CronSpecChannelAudit = strings.TrimSpace(os.Getenv("CRON_SPEC_CHANNEL_AUDIT"))
	if cfg.CronSpecChannelAudit == "" {
		cfg.CronSpecChannelAudit = "0 4 * * 1" // Mondays at 04:00
	}

	return cfg, nil
}

// ChannelAuditEnabled reports whether the periodic audit should be scheduled.
func (c *AppConfig) ChannelAuditEnabled() bool {
	return !strings.EqualFold(c.CronSpecChannelAudit, CronDisabled)
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, v)
	}
	return v, nil
}
