// Package migrations embeds the SQL schema and applies it to PostgreSQL.
//
// Files follow the NNNNNN_name.up.sql / NNNNNN_name.down.sql convention.
// Apply runs pending up migrations in order and records them in
// schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

const createVersionTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// Versions returns the names of all up migrations in apply order.
func Versions() ([]string, error) {
	entries, err := fs.Glob(files, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	versions := make([]string, 0, len(entries))
	for _, name := range entries {
		versions = append(versions, strings.TrimSuffix(name, ".up.sql"))
	}
	return versions, nil
}

// Apply runs every pending up migration, each in its own transaction.
func Apply(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	versions, err := Versions()
	if err != nil {
		return err
	}
	for _, version := range versions {
		if err := applyOne(ctx, db, version); err != nil {
			return err
		}
		logger.Debug("migration checked", slog.String("version", version))
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, version string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration %s: %w", version, err)
	}
	if exists {
		return nil
	}

	body, err := files.ReadFile(version + ".up.sql")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("migration %s failed: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", version, err)
	}
	return tx.Commit()
}
