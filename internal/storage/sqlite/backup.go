package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupPrefix = "sketchmatch_"

// Backup writes a consistent copy of the database into dir and verifies it.
// VACUUM INTO handles WAL mode, so the store stays usable meanwhile. Only
// the keep newest backups in dir are retained; keep <= 0 retains all.
func (s *Store) Backup(ctx context.Context, dir string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sqlite: failed to create backup directory: %w", err)
	}

	dest := filepath.Join(dir, backupPrefix+time.Now().UTC().Format("20060102_150405.000000000")+".db")
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("sqlite: backup failed: %w", err)
	}
	if err := verifyBackup(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	if keep > 0 {
		if err := pruneBackups(dir, keep); err != nil {
			return dest, err
		}
	}
	return dest, nil
}

// verifyBackup runs SQLite's integrity check on the backup at path.
func verifyBackup(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("sqlite: failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: failed to check backup: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: backup integrity check failed: %s", result)
	}
	return nil
}

// pruneBackups deletes all but the keep newest backups in dir.
func pruneBackups(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sqlite: failed to list backups: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var lastErr error
	for _, name := range names[keep:] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("sqlite: failed to delete some backups: %w", lastErr)
	}
	return nil
}
