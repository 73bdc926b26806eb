package store

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	"github.com/carepath/carepath/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// schemaMigrations are applied in order on Migrate; each entry runs once
// and is recorded in schema_version.
var schemaMigrations = []struct {
	version int
	name    string
	script  string
}{
	{1, "initial_schema", initialSchema},
}

// runMigrations brings the database schema up to date. Failures surface as
// STORE_ERROR so callers can treat them like any other store fault.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"create schema_version: %s", err.Error()).WithCause(err)
	}

	var current int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"read schema_version: %s", err.Error()).WithCause(err)
	}

	for _, m := range schemaMigrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m.version, m.name, m.script); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one migration script and records it, all in a single
// transaction.
func applyMigration(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"begin migration %d: %s", version, err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"migration %d (%s): %s", version, name, err.Error()).WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, version, name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"record migration %d: %s", version, err.Error()).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"commit migration %d: %s", version, err.Error()).WithCause(err)
	}
	return nil
}

// sqlStatements splits an embedded script into executable statements,
// dropping comment-only fragments.
func sqlStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		var code []string
		for _, line := range strings.Split(chunk, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			code = append(code, line)
		}
		if len(code) > 0 {
			out = append(out, strings.TrimSpace(strings.Join(code, "\n")))
		}
	}
	return out
}
