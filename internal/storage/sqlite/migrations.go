package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one recorded schema change. Functions must be idempotent:
// interrupted runs are re-applied on the next open.
type migration struct {
	name string
	fn   func(ctx context.Context, db *sql.DB) error
}

// migrationRegistry lists migrations in application order. The base
// schema is itself the first entry so a fresh database and an upgraded
// one record the same history.
var migrationRegistry = []migration{
	{name: "001_base_schema", fn: applyBaseSchema},
}

func applyBaseSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// RunMigrations applies every unapplied migration and records it.
// Already-applied migrations are skipped, so re-running is a no-op.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	// The ledger must exist before we can consult it.
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
		    name TEXT PRIMARY KEY,
		    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan migration name: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate schema_migrations: %w", err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close schema_migrations rows: %w", err)
	}

	for _, m := range migrationRegistry {
		if applied[m.name] {
			continue
		}
		if err := m.fn(ctx, db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

// AppliedMigrations returns the recorded migration names in apply order.
func AppliedMigrations(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
