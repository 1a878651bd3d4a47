package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"termsched/internal/executor"
	logx "termsched/pkg/logx"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func run(t *testing.T, h executor.Handler) ([]string, error) {
	t.Helper()
	out := make(chan string, 16)
	err := h(context.Background(), out)
	close(out)
	var msgs []string
	for m := range out {
		msgs = append(msgs, m)
	}
	return msgs, err
}

func TestRegisterBindsBuiltins(t *testing.T) {
	t.Parallel()
	ex := executor.New(executor.Config{}, nil, logx.Nop(), nil)
	Register(ex, Deps{})
	assert.Equal(t, []string{BackupDB, Hotfix, NotifyTelegram, RestartService, SendEmail}, ex.Names())
}

func TestHotfix(t *testing.T) {
	t.Parallel()
	msgs, err := run(t, hotfix(Deps{}.withDefaults()))
	require.NoError(t, err)
	assert.Equal(t, []string{"applying urgent hotfix"}, msgs)
}

func TestBackupCopiesDataFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(src, []byte(`[]`), 0o600))
	backups := filepath.Join(dir, "backups")

	d := Deps{DataPath: src, Now: fixedNow, Getenv: envMap(map[string]string{"BACKUP_DIR": backups})}.withDefaults()
	msgs, err := run(t, backupDB(d))
	require.NoError(t, err)

	want := filepath.Join(backups, "jobs-20260102T030405Z.json")
	b, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))
	assert.Equal(t, "backup written to "+want, msgs[len(msgs)-1])
}

func TestBackupMissingSource(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d := Deps{
		DataPath: filepath.Join(dir, "absent.db"),
		Getenv:   envMap(map[string]string{"BACKUP_DIR": filepath.Join(dir, "b")}),
	}.withDefaults()
	_, err := run(t, backupDB(d))
	assert.NoError(t, err, "nothing persisted yet is not a failure")

	_, err = run(t, backupDB(Deps{Getenv: envMap(nil)}.withDefaults()))
	assert.True(t, executor.IsNoRetry(err))
}

func TestSendEmailMissingCredentials(t *testing.T) {
	t.Parallel()
	d := Deps{Getenv: envMap(map[string]string{"SMTP_RECIPIENT": "ops@example.com"})}.withDefaults()
	msgs, err := run(t, sendEmail(d))
	assert.True(t, executor.IsNoRetry(err))
	assert.Contains(t, msgs, "error: RESEND_API_KEY missing")

	d = Deps{Getenv: envMap(map[string]string{"RESEND_API_KEY": "k"})}.withDefaults()
	msgs, err = run(t, sendEmail(d))
	assert.True(t, executor.IsNoRetry(err))
	assert.Contains(t, msgs, "error: SMTP_RECIPIENT missing")
}

func TestSendEmailPostsToResend(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		got  resendRequest
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	d := Deps{
		ResendURL: srv.URL,
		HTTP:      srv.Client(),
		Now:       fixedNow,
		Getenv: envMap(map[string]string{
			"RESEND_API_KEY": "re_123",
			"SMTP_RECIPIENT": "ops@example.com",
			"EMAIL_SUBJECT":  "nightly",
		}),
	}.withDefaults()
	msgs, err := run(t, sendEmail(d))
	require.NoError(t, err)
	assert.Equal(t, "email sent", msgs[len(msgs)-1])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer re_123", auth)
	assert.Equal(t, []string{"ops@example.com"}, got.To)
	assert.Equal(t, defaultFrom, got.From)
	assert.Equal(t, "nightly", got.Subject)
	assert.Contains(t, got.Text, "2026-01-02T03:04:05Z")
}

func TestSendEmailStatusHandling(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		d := Deps{
			ResendURL: srv.URL,
			HTTP:      srv.Client(),
			Getenv:    envMap(map[string]string{"RESEND_API_KEY": "k", "SMTP_RECIPIENT": "a@b.c"}),
		}.withDefaults()
		_, err := run(t, sendEmail(d))
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, !tc.retryable, executor.IsNoRetry(err), "status %d", tc.status)
	}
}

type fakeBot struct {
	to   tele.Recipient
	text string
	err  error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.to = to
	f.text, _ = what.(string)
	return &tele.Message{}, f.err
}

func TestNotifyTelegram(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	var gotToken string
	d := Deps{
		Getenv: envMap(map[string]string{
			"TELEGRAM_TOKEN":   "123:abc",
			"TELEGRAM_CHAT_ID": "-1001",
			"NOTIFY_TEXT":      "deploy done",
		}),
		NewTelegram: func(token string) (TelegramSender, error) { gotToken = token; return bot, nil },
	}.withDefaults()

	_, err := run(t, notifyTelegram(d))
	require.NoError(t, err)
	assert.Equal(t, "123:abc", gotToken)
	assert.Equal(t, "-1001", bot.to.Recipient())
	assert.Equal(t, "deploy done", bot.text)

	bot.err = errors.New("flood wait")
	_, err = run(t, notifyTelegram(d))
	require.Error(t, err)
	assert.False(t, executor.IsNoRetry(err))
}

func TestNotifyTelegramBadConfig(t *testing.T) {
	t.Parallel()
	_, err := run(t, notifyTelegram(Deps{Getenv: envMap(nil)}.withDefaults()))
	assert.True(t, executor.IsNoRetry(err))

	d := Deps{Getenv: envMap(map[string]string{"TELEGRAM_TOKEN": "t", "TELEGRAM_CHAT_ID": "ops"})}.withDefaults()
	_, err = run(t, notifyTelegram(d))
	assert.True(t, executor.IsNoRetry(err))
}

type fakeRestarter struct {
	unit   string
	result string
	closed bool
}

func (f *fakeRestarter) RestartUnit(ctx context.Context, unit string) (string, error) {
	f.unit = unit
	return f.result, nil
}

func (f *fakeRestarter) Close() { f.closed = true }

func TestRestartService(t *testing.T) {
	t.Parallel()
	r := &fakeRestarter{result: "done"}
	d := Deps{
		Getenv:       envMap(map[string]string{"SYSTEMD_UNIT": "nginx"}),
		NewRestarter: func(context.Context) (UnitRestarter, error) { return r, nil },
	}.withDefaults()

	msgs, err := run(t, restartService(d))
	require.NoError(t, err)
	assert.Equal(t, "nginx.service", r.unit)
	assert.True(t, r.closed)
	assert.Equal(t, "nginx.service restarted", msgs[len(msgs)-1])

	r.result = "failed"
	_, err = run(t, restartService(d))
	require.Error(t, err)
	assert.False(t, executor.IsNoRetry(err))
}

func TestRestartServiceBadSetup(t *testing.T) {
	t.Parallel()
	_, err := run(t, restartService(Deps{Getenv: envMap(nil)}.withDefaults()))
	assert.True(t, executor.IsNoRetry(err))

	d := Deps{
		Getenv:       envMap(map[string]string{"SYSTEMD_UNIT": "backup.timer"}),
		NewRestarter: func(context.Context) (UnitRestarter, error) { return nil, ErrSystemdUnavailable },
	}.withDefaults()
	_, err = run(t, restartService(d))
	assert.True(t, executor.IsNoRetry(err))
}
