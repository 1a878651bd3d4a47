package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"termsched/internal/job"
	logx "termsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the table contents in one transaction.
func (s *sqliteStore) Save(ctx context.Context, records []job.Record) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO jobs(seq, id, execution_time, priority, description, function, status, retry_count, max_retries)
		 VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err = stmt.ExecContext(ctx, i, r.ID, r.ExecutionTime, r.Priority, r.Description, r.Function,
			r.Status.String(), r.RetryCount, r.MaxRetries); err != nil {
			return fmt.Errorf("insert job %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) ([]job.Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_time, priority, description, function, status, retry_count, max_retries
		 FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		var (
			r      job.Record
			status string
		)
		if err := rows.Scan(&r.ID, &r.ExecutionTime, &r.Priority, &r.Description, &r.Function,
			&status, &r.RetryCount, &r.MaxRetries); err != nil {
			return nil, err
		}
		if r.Status, err = job.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("job %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ MarkerStore = (*sqliteStore)(nil)

func (s *sqliteStore) Marked(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM markers WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Mark(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO markers(key, created_at) VALUES(?, ?)`, key, time.Now().Unix())
	return err
}
