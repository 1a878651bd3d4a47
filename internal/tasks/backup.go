package tasks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"termsched/internal/executor"
	logx "termsched/pkg/logx"
)

const DefaultBackupDir = "./backups"

// backupDB copies the storage file into BACKUP_DIR with a timestamp suffix.
func backupDB(d Deps) executor.Handler {
	return func(ctx context.Context, out chan<- string) error {
		say(out, "backing up database")
		src := strings.TrimSpace(d.DataPath)
		if src == "" {
			src = d.env("BACKUP_SOURCE", "")
		}
		if src == "" {
			say(out, "backup skipped: no data file configured")
			return executor.NoRetry(fmt.Errorf("backup: no data file configured"))
		}
		dir := d.env("BACKUP_DIR", DefaultBackupDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("backup: %w", err)
		}

		ext := filepath.Ext(src)
		name := strings.TrimSuffix(filepath.Base(src), ext)
		dst := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, d.Now().UTC().Format("20060102T150405Z"), ext))

		n, err := copyFile(ctx, src, dst)
		if os.IsNotExist(err) {
			say(out, "backup skipped: "+src+" does not exist yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		d.Log.Info("backup written", logx.String("src", src), logx.String("dst", dst), logx.Int64("bytes", n))
		say(out, "backup written to "+dst)
		return nil
	}
}

func copyFile(ctx context.Context, src, dst string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, in)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, os.Rename(tmp, dst)
}
