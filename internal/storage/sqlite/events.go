package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sempervigil/sempervigil/internal/types"
)

const eventColumns = `id, event_key, kind, title, summary, severity, status,
	first_seen_at, last_seen_at, updated_at`

// linkTable maps an event item type to its link table and key column.
func linkTable(itemType types.EventItemType) (table, keyCol string, err error) {
	switch itemType {
	case types.EventItemCVE:
		return "event_cves", "cve_id", nil
	case types.EventItemProduct:
		return "event_products", "product_key", nil
	case types.EventItemArticle:
		return "event_articles", "article_id", nil
	default:
		return "", "", fmt.Errorf("unknown event item type %q", itemType)
	}
}

func scanEvent(sc rowScanner) (*types.Event, error) {
	var (
		e        types.Event
		kind     string
		severity string
		status   string
	)
	err := sc.Scan(&e.ID, &e.EventKey, &kind, &e.Title, &e.Summary, &severity,
		&status, &e.FirstSeenAt, &e.LastSeenAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = types.EventKind(kind)
	e.Severity = types.Severity(severity)
	e.Status = types.EventStatus(status)
	e.FirstSeenAt = e.FirstSeenAt.UTC()
	e.LastSeenAt = e.LastSeenAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// upsertEvent writes an event keyed by event_key. New keys get a fresh id
// unless the caller provided one; existing keys keep their id and
// first_seen_at so rebuilds stay stable.
func upsertEvent(ctx context.Context, q dbtx, e *types.Event) error {
	e.SetDefaults()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO events (id, event_key, kind, title, summary, severity, status,
			first_seen_at, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_key) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			summary = excluded.summary,
			severity = excluded.severity,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		e.ID, e.EventKey, string(e.Kind), e.Title, e.Summary, string(e.Severity),
		string(e.Status), e.FirstSeenAt.UTC(), e.LastSeenAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert event %s", e.EventKey), err)
	}
	// Reflect the row the conflict clause kept.
	row := q.QueryRowContext(ctx, `
		SELECT id, first_seen_at FROM events WHERE event_key = ?`, e.EventKey)
	if err := row.Scan(&e.ID, &e.FirstSeenAt); err != nil {
		return wrapDBError(fmt.Sprintf("upsert event %s", e.EventKey), err)
	}
	e.FirstSeenAt = e.FirstSeenAt.UTC()
	return nil
}

func (s *SQLiteStore) UpsertEvent(ctx context.Context, e *types.Event) error {
	return upsertEvent(ctx, s.db, e)
}

func (t *sqliteTx) UpsertEvent(ctx context.Context, e *types.Event) error {
	return upsertEvent(ctx, t.conn, e)
}

// GetEvent fetches one event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get event %s", id), err)
	}
	return e, nil
}

func getEventByKey(ctx context.Context, q dbtx, key string) (*types.Event, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_key = ?`, key)
	e, err := scanEvent(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get event by key %s", key), err)
	}
	return e, nil
}

// GetEventByKey fetches one event by its stable event_key.
func (s *SQLiteStore) GetEventByKey(ctx context.Context, key string) (*types.Event, error) {
	return getEventByKey(ctx, s.db, key)
}

func (t *sqliteTx) GetEventByKey(ctx context.Context, key string) (*types.Event, error) {
	return getEventByKey(ctx, t.conn, key)
}

// ListEvents returns events matching f, most recently updated first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f types.EventFilter) ([]*types.Event, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UpdatedSince != nil {
		conds = append(conds, "updated_at >= ?")
		args = append(args, f.UpdatedSince.UTC())
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// replaceEventLinks rewrites one link table for an event. Rebuilds call
// this with the full recomputed membership, so delete-then-insert keeps
// the operation idempotent.
func replaceEventLinks(ctx context.Context, q dbtx, eventID string, itemType types.EventItemType, links []*types.EventLink) error {
	table, keyCol, err := linkTable(itemType)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE event_id = ?", eventID); err != nil {
		return wrapDBError(fmt.Sprintf("clear %s for event %s", table, eventID), err)
	}
	for _, l := range links {
		reasons, err := jsonText(l.Reasons, "[]")
		if err != nil {
			return err
		}
		var evidence interface{}
		if len(l.Evidence) > 0 {
			evidence = string(l.Evidence)
		}
		_, err = q.ExecContext(ctx,
			"INSERT INTO "+table+" (event_id, "+keyCol+", confidence, confidence_band, reasons, evidence_json) "+
				"VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
			eventID, l.ItemKey, l.Confidence, l.ConfidenceBand, reasons, evidence)
		if err != nil {
			return wrapDBError(fmt.Sprintf("link %s to event %s", l.ItemKey, eventID), err)
		}
	}
	return nil
}

func (s *SQLiteStore) ReplaceEventLinks(ctx context.Context, eventID string, itemType types.EventItemType, links []*types.EventLink) error {
	return replaceEventLinks(ctx, s.db, eventID, itemType, links)
}

func (t *sqliteTx) ReplaceEventLinks(ctx context.Context, eventID string, itemType types.EventItemType, links []*types.EventLink) error {
	return replaceEventLinks(ctx, t.conn, eventID, itemType, links)
}

// ListEventLinks returns one link table's rows for an event, ordered by key.
func (s *SQLiteStore) ListEventLinks(ctx context.Context, eventID string, itemType types.EventItemType) ([]*types.EventLink, error) {
	table, keyCol, err := linkTable(itemType)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id, "+keyCol+", confidence, confidence_band, reasons, evidence_json "+
			"FROM "+table+" WHERE event_id = ? ORDER BY "+keyCol, eventID)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("links for event %s", eventID), err)
	}
	defer func() { _ = rows.Close() }()

	var links []*types.EventLink
	for rows.Next() {
		var (
			l        types.EventLink
			reasons  string
			evidence sql.NullString
		)
		if err := rows.Scan(&l.EventID, &l.ItemKey, &l.Confidence,
			&l.ConfidenceBand, &reasons, &evidence); err != nil {
			return nil, fmt.Errorf("scan event link: %w", err)
		}
		l.ItemType = itemType
		if err := fromJSONText(reasons, &l.Reasons); err != nil {
			return nil, fmt.Errorf("event %s link %s: parse reasons: %w", eventID, l.ItemKey, err)
		}
		if evidence.Valid && evidence.String != "" {
			l.Evidence = []byte(evidence.String)
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

// PurgeWeakEvents deletes non-manual events with fewer than minArticles
// linked articles whose severity ranks below minSeverity. Link rows go
// with them via cascade. Returns the ids of the deleted events.
func (s *SQLiteStore) PurgeWeakEvents(ctx context.Context, minArticles int, minSeverity types.Severity) ([]string, error) {
	var ids []string
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		rows, err := q.QueryContext(ctx, `
			SELECT e.id FROM events e
			WHERE e.kind != 'manual'
			  AND (SELECT COUNT(*) FROM event_articles ea WHERE ea.event_id = e.id) < ?
			  AND `+fmt.Sprintf(severityRankSQL, "e.severity")+` < ?
			ORDER BY e.id`, minArticles, minSeverity.Rank())
		if err != nil {
			return wrapDBError("select weak events", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan weak event id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return deleteEvents(ctx, q, ids)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteEvents removes events by id. Manual events are skipped; callers
// that need to remove one do so through the admin surface explicitly.
func (s *SQLiteStore) DeleteEvents(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	deleted := 0
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		for _, id := range ids {
			res, err := q.ExecContext(ctx,
				`DELETE FROM events WHERE id = ? AND kind != 'manual'`, id)
			if err != nil {
				return wrapDBError(fmt.Sprintf("delete event %s", id), err)
			}
			if n, err := res.RowsAffected(); err == nil {
				deleted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func deleteEvents(ctx context.Context, q dbtx, ids []string) error {
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return wrapDBError(fmt.Sprintf("delete event %s", id), err)
		}
	}
	return nil
}

// TransitionStaleEvents applies the time-based lifecycle edges: active or
// updating events untouched since dormantBefore become dormant, dormant
// events untouched since closeBefore become closed. Manual events never
// transition. Returns (newly dormant, newly closed).
func (s *SQLiteStore) TransitionStaleEvents(ctx context.Context, dormantBefore, closeBefore time.Time) (int, int, error) {
	var dormant, closed int64
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		now := time.Now().UTC()
		res, err := q.ExecContext(ctx, `
			UPDATE events SET status = 'dormant', updated_at = ?
			WHERE kind != 'manual' AND status IN ('active', 'updating')
			  AND last_seen_at < ?`, now, dormantBefore.UTC())
		if err != nil {
			return wrapDBError("mark events dormant", err)
		}
		dormant, _ = res.RowsAffected()

		res, err = q.ExecContext(ctx, `
			UPDATE events SET status = 'closed', updated_at = ?
			WHERE kind != 'manual' AND status = 'dormant'
			  AND last_seen_at < ?`, now, closeBefore.UTC())
		if err != nil {
			return wrapDBError("close dormant events", err)
		}
		closed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return int(dormant), int(closed), nil
}

// MarkEventsPublished returns non-manual updating events to active. The
// build path calls this after a successful render so the updating status
// means exactly "summary changed, page not yet rebuilt".
func (s *SQLiteStore) MarkEventsPublished(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'active', updated_at = ?
		WHERE kind != 'manual' AND status = 'updating'`, time.Now().UTC())
	if err != nil {
		return 0, wrapDBError("mark events published", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
