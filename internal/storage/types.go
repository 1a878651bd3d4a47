package storage

import (
	"context"
	"errors"
	"time"

	"termsched/internal/job"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend stores the complete set of queued jobs. Save replaces whatever was
// stored before; Load returns records in the order they were saved.
type Backend interface {
	Save(ctx context.Context, records []job.Record) error
	Load(ctx context.Context) ([]job.Record, error)
	Close() error
}

// MarkerStore remembers that a one-off action already happened, so it is not
// repeated after a restart. The file, yaml and sqlite backends implement it.
type MarkerStore interface {
	Marked(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}
