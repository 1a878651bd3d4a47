package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"termsched/internal/job"
	"termsched/internal/recur"
)

var knownDrivers = map[string]bool{
	"": true, "none": true, "file": true, "json": true, "yaml": true, "yml": true, "sqlite": true, "sqlite3": true,
}

var knownLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !knownLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	_, err := ParseDurationField("dispatcher.poll_interval", c.Dispatcher.PollInterval)
	add(err)
	if c.Dispatcher.HandoffBuffer < 0 {
		add(errors.New("dispatcher.handoff_buffer: must be >= 0"))
	}

	e := c.Executor
	if e.Workers < 0 {
		add(errors.New("executor.workers: must be >= 0"))
	}
	_, err = ParseDurationField("executor.retry_base", e.RetryBase)
	add(err)
	_, err = ParseDurationField("executor.retry_max_delay", e.RetryMaxDelay)
	add(err)
	_, err = ParseDurationField("executor.shutdown_timeout", e.ShutdownTimeout)
	add(err)
	if e.RetryJitter < 0 || e.RetryJitter > 1 {
		add(errors.New("executor.retry_jitter: must be within [0, 1]"))
	}

	if s := c.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		if !knownDrivers[driver] {
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		} else if driver != "" && driver != "none" && strings.TrimSpace(s.Path) == "" {
			add(errors.New("storage.path: required"))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if n := c.Notify; n != nil && n.Telegram != nil && n.Telegram.Enabled {
		if n.Telegram.ChatID == 0 {
			add(errors.New("notify.telegram.chat_id: required when enabled"))
		}
		if n.Telegram.RatePerSec < 0 {
			add(errors.New("notify.telegram.rate_per_sec: must be >= 0"))
		}
	}

	loc, err := c.Location()
	add(err)

	for i, j := range c.Jobs {
		add(j.validate(fmt.Sprintf("jobs[%d]", i), loc))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone; empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

func (j JobConfig) validate(path string, loc *time.Location) error {
	if strings.TrimSpace(j.Function) == "" {
		return fmt.Errorf("%s.function: required", path)
	}
	if j.MaxRetries > job.MaxRetriesLimit {
		return fmt.Errorf("%s.max_retries: must be <= %d", path, job.MaxRetriesLimit)
	}
	set := 0
	for _, v := range []string{j.Delay, j.At, j.Every} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%s: exactly one of delay, at, every is required", path)
	}
	if j.Recurring() {
		if loc == nil {
			loc = time.Local
		}
		if _, err := recur.Parse(j.Every, loc); err != nil {
			return fmt.Errorf("%s.every: %w", path, err)
		}
		return nil
	}
	_, err := j.ExecutionTime(time.Unix(1, 0))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Recurring reports whether the entry is a template rather than a one-off job.
func (j JobConfig) Recurring() bool { return strings.TrimSpace(j.Every) != "" }

// Label is the job description, defaulting to the function name.
func (j JobConfig) Label() string {
	if d := strings.TrimSpace(j.Description); d != "" {
		return d
	}
	return strings.TrimSpace(j.Function)
}

// ExecutionTime resolves delay or at against now, in unix seconds.
func (j JobConfig) ExecutionTime(now time.Time) (int64, error) {
	if at := strings.TrimSpace(j.At); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return 0, fmt.Errorf("at: %w", err)
		}
		return t.Unix(), nil
	}
	d, err := ParseDurationField("delay", j.Delay)
	if err != nil {
		return 0, err
	}
	return now.Add(d).Unix(), nil
}

// Fingerprint identifies the entry by its content. Editing any field yields a
// new fingerprint, so the edited entry counts as a new job.
func (j JobConfig) Fingerprint() string {
	b, _ := json.Marshal(JobConfig{
		Description: strings.TrimSpace(j.Description),
		Function:    strings.TrimSpace(j.Function),
		Priority:    j.Priority,
		MaxRetries:  j.MaxRetries,
		Delay:       strings.TrimSpace(j.Delay),
		At:          strings.TrimSpace(j.At),
		Every:       strings.TrimSpace(j.Every),
	})
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}
