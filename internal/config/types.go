package config

// Config is the on-disk configuration. Files may be JSON or YAML; unknown
// keys are rejected in both.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Executor   ExecutorConfig   `json:"executor"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`

	// Timezone applies to cron expressions in jobs[].every (IANA name).
	Timezone string `json:"timezone,omitempty"`

	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls the polling loop.
//
// Defaults:
//   - poll_interval: "100ms"
//   - handoff_buffer: 0 (unbuffered; the dispatcher waits for a free worker)
type DispatcherConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`
	HandoffBuffer int    `json:"handoff_buffer,omitempty"`
}

// ExecutorConfig controls handler execution and in-place retries.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - retry_jitter: 0
//   - history_size: 200
//   - outbox_size: 256
//   - shutdown_timeout: "10s"
type ExecutorConfig struct {
	Workers         int     `json:"workers,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
	RetryJitter     float64 `json:"retry_jitter,omitempty"`
	HistorySize     int     `json:"history_size,omitempty"`
	OutboxSize      int     `json:"outbox_size,omitempty"`
	ShutdownTimeout string  `json:"shutdown_timeout,omitempty"`
}

// StorageConfig controls persistence of the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobs.db" }
//
// Snapshots are written by a background writer unless sync is true.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Sync        bool   `json:"sync,omitempty"`
}

// NotifyConfig controls where handler and outcome messages go. Messages are
// always logged; telegram is optional.
type NotifyConfig struct {
	Telegram *TelegramNotifyConfig `json:"telegram,omitempty"`
}

// TelegramNotifyConfig forwards messages to a chat. An empty token falls back
// to the TELEGRAM_TOKEN environment variable.
type TelegramNotifyConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token,omitempty"`
	ChatID       int64  `json:"chat_id"`
	ThreadID     int    `json:"thread_id,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	FailuresOnly bool   `json:"failures_only,omitempty"`
}

// JobConfig seeds a job at startup. Exactly one of delay, at and every is set:
//   - delay: Go duration relative to startup ("30s")
//   - at: RFC3339 timestamp
//   - every: recurring schedule (cron, "@every 10m", "1h", "02:30")
type JobConfig struct {
	Description string `json:"description,omitempty"`
	Function    string `json:"function"`
	Priority    uint8  `json:"priority,omitempty"`
	MaxRetries  uint8  `json:"max_retries,omitempty"`

	Delay string `json:"delay,omitempty"`
	At    string `json:"at,omitempty"`
	Every string `json:"every,omitempty"`
}
