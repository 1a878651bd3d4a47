package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"termsched/internal/executor"
	logx "termsched/pkg/logx"
)

// ErrSystemdUnavailable is returned by the unit restarter on platforms
// without systemd.
var ErrSystemdUnavailable = errors.New("systemd is not available on this platform")

// UnitRestarter restarts a systemd unit and reports the job result
// ("done", "failed", "timeout", ...).
type UnitRestarter interface {
	RestartUnit(ctx context.Context, unit string) (string, error)
	Close()
}

func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

// restartService restarts SYSTEMD_UNIT over D-Bus.
func restartService(d Deps) executor.Handler {
	return func(ctx context.Context, out chan<- string) error {
		unit := unitName(d.env("SYSTEMD_UNIT", ""))
		if unit == "" {
			say(out, "error: SYSTEMD_UNIT missing")
			return executor.NoRetry(fmt.Errorf("SYSTEMD_UNIT missing"))
		}
		r, err := d.NewRestarter(ctx)
		if err != nil {
			if errors.Is(err, ErrSystemdUnavailable) {
				return executor.NoRetry(err)
			}
			return fmt.Errorf("systemd connect: %w", err)
		}
		defer r.Close()

		say(out, "restarting "+unit)
		result, err := r.RestartUnit(ctx, unit)
		if err != nil {
			return fmt.Errorf("restart %s: %w", unit, err)
		}
		if result != "done" {
			say(out, "error: restart "+unit+" "+result)
			return fmt.Errorf("restart %s: job %s", unit, result)
		}
		d.Log.Info("unit restarted", logx.String("unit", unit))
		say(out, unit+" restarted")
		return nil
	}
}
