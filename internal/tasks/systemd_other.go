//go:build !linux

package tasks

import "context"

func newDBusRestarter(context.Context) (UnitRestarter, error) {
	return nil, ErrSystemdUnavailable
}
