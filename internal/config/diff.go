package config

import (
	"reflect"
	"strings"

	logx "termsched/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.poll_interval", strings.TrimSpace(newCfg.Dispatcher.PollInterval)),
			logx.Int("dispatcher.handoff_buffer", newCfg.Dispatcher.HandoffBuffer),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.String("executor.retry_base", strings.TrimSpace(newCfg.Executor.RetryBase)),
			logx.String("executor.retry_max_delay", strings.TrimSpace(newCfg.Executor.RetryMaxDelay)),
			logx.Any("executor.retry_jitter", newCfg.Executor.RetryJitter),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		s := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", s.Driver),
			logx.String("storage.path", s.Path),
		)
	}

	oT, nT := derefTelegram(oldCfg.Notify), derefTelegram(newCfg.Notify)
	if oT.Enabled != nT.Enabled || oT.ChatID != nT.ChatID || oT.ThreadID != nT.ThreadID ||
		oT.RatePerSec != nT.RatePerSec || oT.FailuresOnly != nT.FailuresOnly ||
		(strings.TrimSpace(oT.Token) != "") != (strings.TrimSpace(nT.Token) != "") {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.telegram_enabled", nT.Enabled),
			logx.Bool("notify.telegram_token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("notify.telegram_failures_only", nT.FailuresOnly),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{Driver: "none"}
	}
	return *s
}

func derefTelegram(n *NotifyConfig) TelegramNotifyConfig {
	if n == nil || n.Telegram == nil {
		return TelegramNotifyConfig{}
	}
	return *n.Telegram
}
