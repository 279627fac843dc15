// Package migrations embeds the SQL schema of the tasksync snapshot store.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed *.sql
var migrationFS embed.FS

const versionTable = `
	CREATE TABLE IF NOT EXISTS tasksync_schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// List returns the migration file names in the order they apply (001_, 002_, ...).
func List() ([]string, error) {
	entries, err := migrationFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// SQL returns the content of one migration file.
func SQL(name string) (string, error) {
	data, err := migrationFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("failed to read migration file %s: %w", name, err)
	}
	return string(data), nil
}

// Apply runs every migration not yet recorded in tasksync_schema_migrations,
// each in its own transaction. It returns the names it applied.
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	if _, err := db.ExecContext(ctx, versionTable); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := List()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range files {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasksync_schema_migrations WHERE name = $1)`, name,
		).Scan(&exists)
		if err != nil {
			return applied, fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		body, err := SQL(name)
		if err != nil {
			return applied, err
		}
		if err := applyOne(ctx, db, name, body); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}

	return applied, nil
}

func applyOne(ctx context.Context, db *sql.DB, name, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasksync_schema_migrations (name) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}

	return tx.Commit()
}
