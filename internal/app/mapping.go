package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"termsched/internal/config"
	"termsched/internal/executor"
	"termsched/internal/notify"
	"termsched/internal/storage"
	logx "termsched/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	e := cfg.Executor
	base, err := config.ParseDurationOrDefault("executor.retry_base", e.RetryBase, 500*time.Millisecond)
	if err != nil {
		return executor.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("executor.retry_max_delay", e.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Workers:       e.Workers,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   e.RetryJitter,
		HistorySize:   e.HistorySize,
	}, nil
}

func mapPollInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("dispatcher.poll_interval", cfg.Dispatcher.PollInterval, 100*time.Millisecond)
}

func mapShutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("executor.shutdown_timeout", cfg.Executor.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return defaultShutdownTimeout
	}
	return d
}

// mapTelegramConfig returns ok=false when telegram forwarding is off.
func mapTelegramConfig(cfg *config.Config) (notify.TelegramConfig, bool) {
	if cfg.Notify == nil || cfg.Notify.Telegram == nil || !cfg.Notify.Telegram.Enabled {
		return notify.TelegramConfig{}, false
	}
	t := cfg.Notify.Telegram
	token := strings.TrimSpace(t.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN"))
	}
	return notify.TelegramConfig{
		Token:        token,
		ChatID:       t.ChatID,
		ThreadID:     t.ThreadID,
		RatePerSec:   t.RatePerSec,
		FailuresOnly: t.FailuresOnly,
	}, true
}
