//go:build linux

package tasks

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusRestarter struct {
	conn *dbus.Conn
}

func newDBusRestarter(ctx context.Context) (UnitRestarter, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return &dbusRestarter{conn: conn}, nil
}

func (r *dbusRestarter) RestartUnit(ctx context.Context, unit string) (string, error) {
	ch := make(chan string, 1)
	if _, err := r.conn.RestartUnitContext(ctx, unit, "replace", ch); err != nil {
		return "", err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *dbusRestarter) Close() { r.conn.Close() }
