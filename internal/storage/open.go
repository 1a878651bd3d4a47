package storage

import (
	"errors"
	"strings"

	logx "termsched/pkg/logx"
)

// Open initializes the configured backend.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file", "json":
		return openFile(cfg, jsonCodec{}, log)
	case "yaml", "yml":
		return openFile(cfg, yamlCodec{}, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
