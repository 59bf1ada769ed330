package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"costguardian/internal/logging"
)

// migration is one idempotent schema step. Applied versions are recorded in
// schema_migrations so re-running Migrate after a restart is a no-op.
type migration struct {
	version  int
	sqlite   []string
	postgres []string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS usage_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				identity TEXT NOT NULL,
				model TEXT NOT NULL,
				prompt_tokens INTEGER NOT NULL,
				completion_tokens INTEGER NOT NULL,
				total_tokens INTEGER NOT NULL,
				cost_nanos INTEGER NOT NULL,
				ts TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_log_ts ON usage_log (ts)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_log_identity ON usage_log (identity)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_log_dedupe
				ON usage_log (identity, ts, prompt_tokens, completion_tokens)`,
			`CREATE TABLE IF NOT EXISTS credentials (
				id TEXT PRIMARY KEY,
				label TEXT NOT NULL,
				secret_enc TEXT NOT NULL,
				secret_hash TEXT NOT NULL UNIQUE,
				secret_mask TEXT NOT NULL,
				active INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				last_ok_at TEXT
			)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS usage_log (
				id BIGSERIAL PRIMARY KEY,
				identity TEXT NOT NULL,
				model TEXT NOT NULL,
				prompt_tokens BIGINT NOT NULL,
				completion_tokens BIGINT NOT NULL,
				total_tokens BIGINT NOT NULL,
				cost_nanos BIGINT NOT NULL,
				ts TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_log_ts ON usage_log (ts)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_log_identity ON usage_log (identity)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_log_dedupe
				ON usage_log (identity, ts, prompt_tokens, completion_tokens)`,
			`CREATE TABLE IF NOT EXISTS credentials (
				id TEXT PRIMARY KEY,
				label TEXT NOT NULL,
				secret_enc TEXT NOT NULL,
				secret_hash TEXT NOT NULL UNIQUE,
				secret_mask TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TEXT NOT NULL,
				last_ok_at TEXT
			)`,
		},
	},
}

// Migrate applies any schema steps not yet recorded in the checkpoint table.
// It runs at process start before any other operation and is idempotent:
// calling it twice in a row leaves identical state.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := db.conn.GetContext(ctx, &applied,
			db.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), m.version)
		if err != nil {
			return fmt.Errorf("failed to read schema_migrations: %w", err)
		}
		if applied > 0 {
			continue
		}

		stmts := m.sqlite
		if db.driver == DriverPostgres {
			stmts = m.postgres
		}

		tx, err := db.conn.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			db.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
			m.version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		logging.Infof("applied schema migration version=%d", m.version)
	}

	return nil
}

// RelocateLegacy moves a database file from a historical location to the
// canonical one, exactly once. Precedence: an existing canonical file always
// wins and every fallback is left untouched, so newer data is never
// overwritten by older data. Returns true when a file was moved.
func RelocateLegacy(canonical string, legacy []string) (bool, error) {
	if _, err := os.Stat(canonical); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat %s: %w", canonical, err)
	}

	if dir := filepath.Dir(canonical); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	for _, old := range legacy {
		if old == canonical {
			continue
		}
		if _, err := os.Stat(old); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, fmt.Errorf("failed to stat %s: %w", old, err)
		}

		if err := moveFile(old, canonical); err != nil {
			return false, fmt.Errorf("failed to relocate %s to %s: %w", old, canonical, err)
		}
		logging.Infof("relocated legacy database %s -> %s", old, canonical)
		return true, nil
	}

	return false, nil
}

// moveFile renames old to new, falling back to copy+remove when the two
// paths are on different filesystems.
func moveFile(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err == nil {
		return nil
	}

	src, err := os.Open(oldPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(newPath)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(newPath)
		return err
	}

	return os.Remove(oldPath)
}
