package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

const sourceColumns = `id, name, kind, url, enabled, interval_minutes, tags, pause_until,
	paused_reason, user_agent, headers, timeout_seconds, max_retries, backoff_seconds,
	min_request_interval_seconds, allow_keywords, deny_keywords, html_selectors,
	etag, last_modified, last_run_at, created_at, updated_at`

func scanSource(sc rowScanner) (*types.Source, error) {
	var (
		src        types.Source
		enabled    int
		tags       string
		pauseUntil sql.NullTime
		headers    string
		allow      string
		deny       string
		selectors  sql.NullString
		lastRunAt  sql.NullTime
	)
	err := sc.Scan(&src.ID, &src.Name, &src.Kind, &src.URL, &enabled, &src.IntervalMinutes,
		&tags, &pauseUntil, &src.PausedReason, &src.UserAgent, &headers, &src.TimeoutSeconds,
		&src.MaxRetries, &src.BackoffSeconds, &src.MinRequestIntervalSeconds, &allow, &deny,
		&selectors, &src.ETag, &src.LastModified, &lastRunAt, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.Enabled = enabled != 0
	src.PauseUntil = timePtr(pauseUntil)
	src.LastRunAt = timePtr(lastRunAt)
	src.CreatedAt = src.CreatedAt.UTC()
	src.UpdatedAt = src.UpdatedAt.UTC()
	if err := fromJSONText(tags, &src.Tags); err != nil {
		return nil, fmt.Errorf("source %s: parse tags: %w", src.ID, err)
	}
	if err := fromJSONText(headers, &src.Headers); err != nil {
		return nil, fmt.Errorf("source %s: parse headers: %w", src.ID, err)
	}
	if err := fromJSONText(allow, &src.AllowKeywords); err != nil {
		return nil, fmt.Errorf("source %s: parse allow_keywords: %w", src.ID, err)
	}
	if err := fromJSONText(deny, &src.DenyKeywords); err != nil {
		return nil, fmt.Errorf("source %s: parse deny_keywords: %w", src.ID, err)
	}
	if selectors.Valid && selectors.String != "" {
		var h types.HTMLSelectors
		if err := fromJSONText(selectors.String, &h); err != nil {
			return nil, fmt.Errorf("source %s: parse html_selectors: %w", src.ID, err)
		}
		src.HTML = &h
	}
	return &src, nil
}

// UpsertSource inserts or updates a source's configuration. Runtime
// state the ingester owns (cache hints, pause, last run) is preserved on
// update so config reloads never clear an auto-pause.
func (s *SQLiteStore) UpsertSource(ctx context.Context, src *types.Source) error {
	src.SetDefaults()
	if err := src.Validate(); err != nil {
		return err
	}

	tags, err := jsonText(src.Tags, "[]")
	if err != nil {
		return err
	}
	headers, err := jsonText(src.Headers, "{}")
	if err != nil {
		return err
	}
	allow, err := jsonText(src.AllowKeywords, "[]")
	if err != nil {
		return err
	}
	deny, err := jsonText(src.DenyKeywords, "[]")
	if err != nil {
		return err
	}
	var selectors interface{}
	if src.HTML != nil {
		sel, err := jsonText(src.HTML, "")
		if err != nil {
			return err
		}
		selectors = sel
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, kind, url, enabled, interval_minutes, tags,
			paused_reason, user_agent, headers, timeout_seconds, max_retries,
			backoff_seconds, min_request_interval_seconds, allow_keywords, deny_keywords,
			html_selectors, etag, last_modified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			url = excluded.url,
			enabled = excluded.enabled,
			interval_minutes = excluded.interval_minutes,
			tags = excluded.tags,
			user_agent = excluded.user_agent,
			headers = excluded.headers,
			timeout_seconds = excluded.timeout_seconds,
			max_retries = excluded.max_retries,
			backoff_seconds = excluded.backoff_seconds,
			min_request_interval_seconds = excluded.min_request_interval_seconds,
			allow_keywords = excluded.allow_keywords,
			deny_keywords = excluded.deny_keywords,
			html_selectors = excluded.html_selectors,
			updated_at = excluded.updated_at`,
		src.ID, src.Name, string(src.Kind), src.URL, boolInt(src.Enabled),
		src.IntervalMinutes, tags, src.UserAgent, headers, src.TimeoutSeconds,
		src.MaxRetries, src.BackoffSeconds, src.MinRequestIntervalSeconds, allow, deny,
		selectors, src.CreatedAt.UTC(), src.UpdatedAt.UTC())
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert source %s", src.ID), err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetSource fetches one source by id.
func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*types.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get source %s", id), err)
	}
	return src, nil
}

// ListSources returns sources ordered by id. Disabled sources are
// included only when includeDisabled is set.
func (s *SQLiteStore) ListSources(ctx context.Context, includeDisabled bool) ([]*types.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	if !includeDisabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapDBError("list sources", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []*types.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ListDueSources returns enabled sources whose poll interval has elapsed
// and whose pause (if any) is over. Interval arithmetic happens in Go:
// the source count is small and date math on text columns is fragile.
func (s *SQLiteStore) ListDueSources(ctx context.Context, now time.Time) ([]*types.Source, error) {
	all, err := s.ListSources(ctx, false)
	if err != nil {
		return nil, err
	}
	due := make([]*types.Source, 0, len(all))
	for _, src := range all {
		if src.Due(now) {
			due = append(due, src)
		}
	}
	return due, nil
}

// DeleteSource removes a source. Its articles and health history go
// with it via FK cascade.
func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	r, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete source %s", id), err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete source rows affected: %w", err)
	}
	if rows == 0 {
		return wrapDBError(fmt.Sprintf("delete source %s", id), sql.ErrNoRows)
	}
	return nil
}

func setSourcePause(ctx context.Context, q dbtx, id string, until time.Time, reason string) error {
	r, err := q.ExecContext(ctx, `
		UPDATE sources SET pause_until = ?, paused_reason = ?, updated_at = ?
		WHERE id = ?`, until.UTC(), reason, time.Now().UTC(), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("pause source %s", id), err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("pause source rows affected: %w", err)
	}
	if rows == 0 {
		return wrapDBError(fmt.Sprintf("pause source %s", id), sql.ErrNoRows)
	}
	return nil
}

// SetSourcePause pauses a source until the given time.
func (s *SQLiteStore) SetSourcePause(ctx context.Context, id string, until time.Time, reason string) error {
	return setSourcePause(ctx, s.db, id, until, reason)
}

func (t *sqliteTx) SetSourcePause(ctx context.Context, id string, until time.Time, reason string) error {
	return setSourcePause(ctx, t.conn, id, until, reason)
}

// ClearSourcePause lifts a pause before it expires.
func (s *SQLiteStore) ClearSourcePause(ctx context.Context, id string) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE sources SET pause_until = NULL, paused_reason = '', updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("resume source %s", id), err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("resume source rows affected: %w", err)
	}
	if rows == 0 {
		return wrapDBError(fmt.Sprintf("resume source %s", id), sql.ErrNoRows)
	}
	return nil
}

func updateSourceFetchState(ctx context.Context, q dbtx, id, etag, lastModified string, lastRunAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sources SET etag = ?, last_modified = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`, etag, lastModified, lastRunAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update source %s fetch state", id), err)
	}
	return nil
}

// UpdateSourceFetchState persists HTTP cache hints and the last run time
// after a fetch round.
func (s *SQLiteStore) UpdateSourceFetchState(ctx context.Context, id, etag, lastModified string, lastRunAt time.Time) error {
	return updateSourceFetchState(ctx, s.db, id, etag, lastModified, lastRunAt)
}

func (t *sqliteTx) UpdateSourceFetchState(ctx context.Context, id, etag, lastModified string, lastRunAt time.Time) error {
	return updateSourceFetchState(ctx, t.conn, id, etag, lastModified, lastRunAt)
}

func appendSourceHealth(ctx context.Context, q dbtx, h *types.SourceHealth) error {
	if err := h.Validate(); err != nil {
		return err
	}
	ts := h.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var httpStatus interface{}
	if h.HTTPStatus != nil {
		httpStatus = *h.HTTPStatus
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO source_health (source_id, ts, ok, http_status, found_count,
			accepted_count, seen_count, filtered_count, duration_ms, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.SourceID, ts.UTC(), boolInt(h.OK), httpStatus, h.FoundCount,
		h.AcceptedCount, h.SeenCount, h.FilteredCount, h.DurationMS, h.LastError)
	if err != nil {
		return wrapDBError(fmt.Sprintf("append health for %s", h.SourceID), err)
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	h.TS = ts
	return nil
}

// AppendSourceHealth records one ingest attempt in the health journal.
func (s *SQLiteStore) AppendSourceHealth(ctx context.Context, h *types.SourceHealth) error {
	return appendSourceHealth(ctx, s.db, h)
}

func (t *sqliteTx) AppendSourceHealth(ctx context.Context, h *types.SourceHealth) error {
	return appendSourceHealth(ctx, t.conn, h)
}

// RecentSourceHealth returns up to limit health records, newest first.
func (s *SQLiteStore) RecentSourceHealth(ctx context.Context, sourceID string, limit int) ([]*types.SourceHealth, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, ts, ok, http_status, found_count, accepted_count,
			seen_count, filtered_count, duration_ms, last_error
		FROM source_health WHERE source_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("health for %s", sourceID), err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.SourceHealth
	for rows.Next() {
		var (
			h          types.SourceHealth
			ok         int
			httpStatus sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &h.SourceID, &h.TS, &ok, &httpStatus, &h.FoundCount,
			&h.AcceptedCount, &h.SeenCount, &h.FilteredCount, &h.DurationMS, &h.LastError); err != nil {
			return nil, fmt.Errorf("scan health row: %w", err)
		}
		h.OK = ok != 0
		h.TS = h.TS.UTC()
		if httpStatus.Valid {
			v := int(httpStatus.Int64)
			h.HTTPStatus = &v
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
