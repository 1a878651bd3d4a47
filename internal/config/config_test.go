package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
dispatcher:
  poll_interval: 50ms
executor:
  workers: 2
  retry_base: 200ms
storage:
  driver: sqlite
  path: ./data/jobs.db
timezone: UTC
jobs:
  - description: Backup Database
    function: backup_db
    priority: 5
    max_retries: 3
    delay: 1s
  - function: send_email
    at: "2026-05-01T09:00:00Z"
  - function: hotfix
    every: "*/5 * * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "50ms", cfg.Dispatcher.PollInterval)
	assert.Equal(t, 2, cfg.Executor.Workers)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Jobs, 3)
	assert.Equal(t, uint8(5), cfg.Jobs[0].Priority)
	assert.True(t, cfg.Jobs[2].Recurring())
	assert.Equal(t, "send_email", cfg.Jobs[1].Label())
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"logging":{"level":"info"},"telegram":{}}`))
	_, err := m.Load()
	assert.ErrorContains(t, err, "unknown field")

	m = NewConfigManager(writeFile(t, "config.json", `{"logging":{}} {"logging":{}}`))
	_, err = m.Load()
	assert.ErrorContains(t, err, "trailing data")
}

func TestLoadYAMLEdgeCases(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeFile(t, "empty.yml", "")).Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Jobs)

	_, err = NewConfigManager(writeFile(t, "two.yaml", "timezone: UTC\n---\ntimezone: UTC\n")).Load()
	assert.ErrorContains(t, err, "multiple documents")

	_, err = NewConfigManager(writeFile(t, "keys.yaml", "jobs:\n  - 1: x\n")).Load()
	assert.ErrorContains(t, err, "non-string key")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := map[string]Config{
		"level":      {Logging: LoggingConfig{Level: "loud"}},
		"file path":  {Logging: LoggingConfig{File: LoggingFile{Enabled: true}}},
		"poll":       {Dispatcher: DispatcherConfig{PollInterval: "soon"}},
		"jitter":     {Executor: ExecutorConfig{RetryJitter: 2}},
		"driver":     {Storage: &StorageConfig{Driver: "mongo", Path: "x"}},
		"path":       {Storage: &StorageConfig{Driver: "file"}},
		"telegram":   {Notify: &NotifyConfig{Telegram: &TelegramNotifyConfig{Enabled: true}}},
		"timezone":   {Timezone: "Mars/Olympus"},
		"no trigger": {Jobs: []JobConfig{{Function: "x"}}},
		"two":        {Jobs: []JobConfig{{Function: "x", Delay: "1s", At: "2026-01-01T00:00:00Z"}}},
		"function":   {Jobs: []JobConfig{{Delay: "1s"}}},
		"retries":    {Jobs: []JobConfig{{Function: "x", Delay: "1s", MaxRetries: 11}}},
		"at":         {Jobs: []JobConfig{{Function: "x", At: "tomorrow"}}},
		"every":      {Jobs: []JobConfig{{Function: "x", Every: "sometimes"}}},
	}
	for name, cfg := range cases {
		assert.Error(t, cfg.Validate(), name)
	}
	assert.NoError(t, (&Config{}).Validate())
	assert.NoError(t, (&Config{Storage: &StorageConfig{Driver: "none"}}).Validate())
}

func TestJobExecutionTime(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	at, err := JobConfig{Delay: "90s"}.ExecutionTime(now)
	require.NoError(t, err)
	assert.Equal(t, now.Unix()+90, at)

	at, err = JobConfig{At: "2026-05-01T09:00:00Z"}.ExecutionTime(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC).Unix(), at)
}

func TestJobFingerprint(t *testing.T) {
	t.Parallel()
	a := JobConfig{Function: "hotfix", Delay: "0s", Priority: 1}
	assert.Equal(t, a.Fingerprint(), JobConfig{Function: " hotfix ", Delay: "0s", Priority: 1}.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), JobConfig{Function: "hotfix", Delay: "0s", Priority: 2}.Fingerprint())
	assert.Len(t, a.Fingerprint(), 16)
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	d, err = ParseDurationOrDefault("x", "2m", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)
	_, err = ParseDurationOrDefault("x", "-1s", time.Second)
	assert.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Logging: LoggingConfig{Level: "info"}}
	next := &Config{
		Logging:    LoggingConfig{Level: "debug"},
		Dispatcher: DispatcherConfig{PollInterval: "1s"},
		Notify:     &NotifyConfig{Telegram: &TelegramNotifyConfig{Enabled: true, Token: "secret", ChatID: 1}},
	}
	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"logging", "dispatcher", "notify"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(next, next)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"dispatcher":{"poll_interval":"100ms"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// The watcher starts asynchronously; keep rewriting until a publish lands.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"dispatcher":{"poll_interval":"2s"}}`), 0o600)
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	}, 5*time.Second, 300*time.Millisecond)
	assert.Equal(t, "2s", got.Dispatcher.PollInterval)
	assert.Equal(t, "2s", m.Get().Dispatcher.PollInterval)

	// Invalid content is not committed.
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatcher":{"poll_interval":"nope"}}`), 0o600))
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "2s", m.Get().Dispatcher.PollInterval)
}
