package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetRuntimeConfig returns every runtime-config key with its raw JSON value.
func (s *SQLiteStore) GetRuntimeConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM runtime_config ORDER BY key`)
	if err != nil {
		return nil, wrapDBError("get runtime config", err)
	}
	defer func() { _ = rows.Close() }()

	cfg := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan runtime config: %w", err)
		}
		cfg[k] = v
	}
	return cfg, rows.Err()
}

func setRuntimeConfigKey(ctx context.Context, q dbtx, key, jsonValue string) error {
	if key == "" {
		return fmt.Errorf("runtime config key is required")
	}
	if !json.Valid([]byte(jsonValue)) {
		return fmt.Errorf("runtime config %s: value is not valid JSON", key)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO runtime_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, jsonValue, time.Now().UTC())
	if err != nil {
		return wrapDBError(fmt.Sprintf("set runtime config %s", key), err)
	}
	return nil
}

// SetRuntimeConfigKey writes one runtime-config key. The value must be
// valid JSON; scalars arrive as JSON scalars ("true", "14").
func (s *SQLiteStore) SetRuntimeConfigKey(ctx context.Context, key, jsonValue string) error {
	return setRuntimeConfigKey(ctx, s.db, key, jsonValue)
}

func (t *sqliteTx) SetRuntimeConfigKey(ctx context.Context, key, jsonValue string) error {
	return setRuntimeConfigKey(ctx, t.conn, key, jsonValue)
}

// ClearContentByType deletes every row of one content type. Link tables
// cascade via foreign keys; article_cves has no FK on the cves side, so
// clearing cves sweeps it explicitly.
func (s *SQLiteStore) ClearContentByType(ctx context.Context, contentType string) (int64, error) {
	var deleted int64
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		var stmts []string
		switch contentType {
		case "articles":
			stmts = []string{
				"DELETE FROM event_articles",
				"DELETE FROM article_cves",
				"DELETE FROM articles",
			}
		case "cves":
			stmts = []string{
				"DELETE FROM event_cves",
				"DELETE FROM article_cves",
				"DELETE FROM cve_changes",
				"DELETE FROM cve_products",
				"DELETE FROM cves",
			}
		case "events":
			stmts = []string{"DELETE FROM events"}
		case "jobs":
			stmts = []string{"DELETE FROM jobs"}
		default:
			return fmt.Errorf("unknown content type %q", contentType)
		}
		for i, stmt := range stmts {
			res, err := q.ExecContext(ctx, stmt)
			if err != nil {
				return wrapDBError(fmt.Sprintf("clear %s", contentType), err)
			}
			// Count only the primary table, not the link sweeps.
			if i == len(stmts)-1 {
				deleted, _ = res.RowsAffected()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ContentCounts reports row counts for the three content tables.
func (s *SQLiteStore) ContentCounts(ctx context.Context) (articles, cves, events int64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM articles),
			(SELECT COUNT(*) FROM cves),
			(SELECT COUNT(*) FROM events)`)
	if err := row.Scan(&articles, &cves, &events); err != nil {
		return 0, 0, 0, wrapDBError("content counts", err)
	}
	return articles, cves, events, nil
}
