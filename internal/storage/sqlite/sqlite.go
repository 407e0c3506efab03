// Package sqlite implements the storage interface using SQLite.
//
// The package is split into focused files:
//
// Core components:
//   - store.go: SQLiteStore struct, New() constructor, WASM cache setup,
//     transactions, and lifecycle methods (Close, Path, UnderlyingDB)
//   - schema.go: database schema definition
//   - migrations.go: recorded, idempotent schema migrations
//   - errors.go: error wrapping and busy-retry helpers
//
// Domain components:
//   - jobs.go: durable job queue (enqueue, claim, lease, retry, cancel)
//   - sources.go: source registry and per-run health journal
//   - articles.go: normalized articles and article-CVE links
//   - cves.go: CVE records, change journal, vendor/product catalog
//   - events.go: correlation events and their link tables
//   - llm.go: LLM provider/model/prompt/profile admin and run journal
//   - config.go: runtime configuration and content maintenance
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// dbtx is the query surface shared by *sql.DB, *sql.Conn, and *sql.Tx.
// Domain query helpers take a dbtx so the store and transaction wrappers
// run identical SQL.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// nullStr converts an empty string to NULL so partial unique indexes
// only key real values.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts a nil or zero time to NULL. Times are normalized to
// UTC so stored text sorts correctly across rows.
func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

// timePtr converts a scanned NullTime back to the domain's *time.Time.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// jsonText marshals v for a TEXT column, with fallback for empty values.
func jsonText(v interface{}, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %T: %w", v, err)
	}
	s := string(b)
	if s == "null" {
		return empty, nil
	}
	return s, nil
}

// fromJSONText unmarshals a TEXT column into out, tolerating blanks.
func fromJSONText(s string, out interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
