package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// migrationLockKey is the pg advisory lock held while migrating, so replicas
// starting together apply each file once.
const migrationLockKey int64 = 0x626f617264 // "board"

// MigrationState reports one *.up.sql file against schema_migrations.
type MigrationState struct {
	Version   string
	Applied   bool
	AppliedAt time.Time
}

// migrationConn is satisfied by *sql.DB and *sql.Conn.
type migrationConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ApplyMigrations runs every pending *.up.sql file in lexical order under a
// session advisory lock. Each file commits with its schema_migrations row.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	files, err := migrationFiles(migrationsDir)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			slog.Warn("release migration lock failed", "error", err)
		}
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}
	// Read after locking so versions applied by another replica are seen.
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	count := 0
	for _, file := range files {
		version := filepath.Base(file)
		if _, ok := applied[version]; ok {
			continue
		}
		if err := applyMigration(ctx, conn, file, version); err != nil {
			return err
		}
		count++
		slog.Info("migration applied", "version", version)
	}

	slog.Info("migrations complete", "dir", migrationsDir, "applied", count, "total", len(files))
	return nil
}

// MigrationStatus lists every migration file and whether it has been applied.
func MigrationStatus(ctx context.Context, db *sql.DB, migrationsDir string) ([]MigrationState, error) {
	files, err := migrationFiles(migrationsDir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	states := make([]MigrationState, 0, len(files))
	for _, file := range files {
		state := MigrationState{Version: filepath.Base(file)}
		state.AppliedAt, state.Applied = applied[state.Version]
		states = append(states, state)
	}
	return states, nil
}

func migrationFiles(migrationsDir string) ([]string, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		files = append(files, filepath.Join(migrationsDir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func applyMigration(ctx context.Context, conn migrationConn, file, version string) error {
	contents, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn migrationConn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn migrationConn) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]time.Time{}
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return applied, nil
}
