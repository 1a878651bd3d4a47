// Package tasks holds the built-in job handlers. Each handler reads its
// settings from the environment at call time, so credentials can change
// without a restart.
package tasks

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"termsched/internal/executor"
	logx "termsched/pkg/logx"
)

// Function names of the built-in handlers.
const (
	BackupDB       = "backup_db"
	SendEmail      = "send_email"
	Hotfix         = "hotfix"
	NotifyTelegram = "notify_telegram"
	RestartService = "restart_service"
)

// Deps are the collaborators handlers need. Zero fields get defaults.
type Deps struct {
	Log logx.Logger

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	Now    func() time.Time

	// DataPath is the storage file copied by backup_db.
	DataPath string

	HTTP      *http.Client
	ResendURL string

	// NewTelegram builds the bot used by notify_telegram.
	NewTelegram func(token string) (TelegramSender, error)

	// NewRestarter opens the systemd connection used by restart_service.
	NewRestarter func(ctx context.Context) (UnitRestarter, error)
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if d.ResendURL == "" {
		d.ResendURL = DefaultResendURL
	}
	if d.NewTelegram == nil {
		d.NewTelegram = newTelegramSender
	}
	if d.NewRestarter == nil {
		d.NewRestarter = newDBusRestarter
	}
	return d
}

func (d Deps) env(key, def string) string {
	if v := strings.TrimSpace(d.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Register binds every built-in handler on ex.
func Register(ex *executor.Executor, deps Deps) {
	deps = deps.withDefaults()
	ex.Register(BackupDB, backupDB(deps))
	ex.Register(SendEmail, sendEmail(deps))
	ex.Register(Hotfix, hotfix(deps))
	ex.Register(NotifyTelegram, notifyTelegram(deps))
	ex.Register(RestartService, restartService(deps))
}

// say is a non-blocking send on the progress channel.
func say(out chan<- string, msg string) {
	select {
	case out <- msg:
	default:
	}
}
