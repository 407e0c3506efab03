package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

const cveColumns = `cve_id, published_at, last_modified_at, last_seen_at, description_text,
	preferred_cvss_version, preferred_base_score, preferred_base_severity, preferred_vector,
	cvss_v31_json, cvss_v40_json, affected_products, affected_cpes, reference_domains,
	snapshot_hash, updated_at`

// severityRankSQL maps severity labels to their ordinals inside SQL.
// Must agree with types.Severity.Rank.
const severityRankSQL = `CASE %s
	WHEN 'CRITICAL' THEN 4
	WHEN 'HIGH' THEN 3
	WHEN 'MEDIUM' THEN 2
	WHEN 'LOW' THEN 1
	WHEN 'NONE' THEN 0
	ELSE -1 END`

func scanCVE(sc rowScanner) (*types.CVE, error) {
	var (
		c            types.CVE
		publishedAt  sql.NullTime
		lastModified sql.NullTime
		score        sql.NullFloat64
		severity     string
		v31          sql.NullString
		v40          sql.NullString
		products     string
		cpes         string
		domains      string
	)
	err := sc.Scan(&c.CVEID, &publishedAt, &lastModified, &c.LastSeenAt, &c.DescriptionText,
		&c.PreferredCvssVersion, &score, &severity, &c.PreferredVector, &v31, &v40,
		&products, &cpes, &domains, &c.SnapshotHash, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PublishedAt = timePtr(publishedAt)
	c.LastModifiedAt = timePtr(lastModified)
	c.LastSeenAt = c.LastSeenAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if score.Valid {
		v := score.Float64
		c.PreferredBaseScore = &v
	}
	c.PreferredBaseSeverity = types.Severity(severity)
	if v31.Valid && v31.String != "" {
		c.CvssV31JSON = []byte(v31.String)
	}
	if v40.Valid && v40.String != "" {
		c.CvssV40JSON = []byte(v40.String)
	}
	if err := fromJSONText(products, &c.AffectedProducts); err != nil {
		return nil, fmt.Errorf("cve %s: parse affected_products: %w", c.CVEID, err)
	}
	if err := fromJSONText(cpes, &c.AffectedCPEs); err != nil {
		return nil, fmt.Errorf("cve %s: parse affected_cpes: %w", c.CVEID, err)
	}
	if err := fromJSONText(domains, &c.ReferenceDomains); err != nil {
		return nil, fmt.Errorf("cve %s: parse reference_domains: %w", c.CVEID, err)
	}
	return &c, nil
}

// upsertCVE writes the full canonical row for a CVE, replacing any
// previous version.
func upsertCVE(ctx context.Context, q dbtx, c *types.CVE) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.LastSeenAt.IsZero() {
		c.LastSeenAt = now
	}
	c.UpdatedAt = now

	products, err := jsonText(c.AffectedProducts, "[]")
	if err != nil {
		return err
	}
	cpes, err := jsonText(c.AffectedCPEs, "[]")
	if err != nil {
		return err
	}
	domains, err := jsonText(c.ReferenceDomains, "[]")
	if err != nil {
		return err
	}
	var score interface{}
	if c.PreferredBaseScore != nil {
		score = *c.PreferredBaseScore
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO cves (cve_id, published_at, last_modified_at, last_seen_at,
			description_text, preferred_cvss_version, preferred_base_score,
			preferred_base_severity, preferred_vector, cvss_v31_json, cvss_v40_json,
			affected_products, affected_cpes, reference_domains, snapshot_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cve_id) DO UPDATE SET
			published_at = excluded.published_at,
			last_modified_at = excluded.last_modified_at,
			last_seen_at = excluded.last_seen_at,
			description_text = excluded.description_text,
			preferred_cvss_version = excluded.preferred_cvss_version,
			preferred_base_score = excluded.preferred_base_score,
			preferred_base_severity = excluded.preferred_base_severity,
			preferred_vector = excluded.preferred_vector,
			cvss_v31_json = excluded.cvss_v31_json,
			cvss_v40_json = excluded.cvss_v40_json,
			affected_products = excluded.affected_products,
			affected_cpes = excluded.affected_cpes,
			reference_domains = excluded.reference_domains,
			snapshot_hash = excluded.snapshot_hash,
			updated_at = excluded.updated_at`,
		c.CVEID, nullTime(c.PublishedAt), nullTime(c.LastModifiedAt), c.LastSeenAt.UTC(),
		c.DescriptionText, c.PreferredCvssVersion, score, string(c.PreferredBaseSeverity),
		c.PreferredVector, nullStr(string(c.CvssV31JSON)), nullStr(string(c.CvssV40JSON)),
		products, cpes, domains, c.SnapshotHash, c.UpdatedAt)
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert cve %s", c.CVEID), err)
	}
	return nil
}

func (s *SQLiteStore) UpsertCVE(ctx context.Context, c *types.CVE) error {
	return upsertCVE(ctx, s.db, c)
}

func (t *sqliteTx) UpsertCVE(ctx context.Context, c *types.CVE) error {
	return upsertCVE(ctx, t.conn, c)
}

// ensureCVEStub inserts a placeholder row for a CVE id seen in article
// text before the NVD sync has fetched it. An existing row only has its
// last_seen_at advanced; everything the sync wrote stays intact.
func ensureCVEStub(ctx context.Context, q dbtx, cveID string, seenAt time.Time) error {
	if cveID == "" {
		return fmt.Errorf("ensure cve stub: empty cve id")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO cves (cve_id, last_seen_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(cve_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
		WHERE excluded.last_seen_at > cves.last_seen_at`,
		cveID, seenAt.UTC(), seenAt.UTC())
	if err != nil {
		return wrapDBError(fmt.Sprintf("ensure cve stub %s", cveID), err)
	}
	return nil
}

func (s *SQLiteStore) EnsureCVEStub(ctx context.Context, cveID string, seenAt time.Time) error {
	return ensureCVEStub(ctx, s.db, cveID, seenAt)
}

func (t *sqliteTx) EnsureCVEStub(ctx context.Context, cveID string, seenAt time.Time) error {
	return ensureCVEStub(ctx, t.conn, cveID, seenAt)
}

// GetCVE fetches one CVE by id.
func (s *SQLiteStore) GetCVE(ctx context.Context, id string) (*types.CVE, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cveColumns+` FROM cves WHERE cve_id = ?`, id)
	c, err := scanCVE(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get cve %s", id), err)
	}
	return c, nil
}

// ListCVEs returns CVEs matching f, most recently modified first.
func (s *SQLiteStore) ListCVEs(ctx context.Context, f types.CVEFilter) ([]*types.CVE, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.MinSeverity != nil {
		conds = append(conds,
			fmt.Sprintf(severityRankSQL, "preferred_base_severity")+" >= ?")
		args = append(args, f.MinSeverity.Rank())
	}
	if f.ModifiedSince != nil {
		conds = append(conds, "last_modified_at IS NOT NULL AND last_modified_at >= ?")
		args = append(args, f.ModifiedSince.UTC())
	}

	query := `SELECT ` + cveColumns + ` FROM cves`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_modified_at DESC, cve_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list cves", err)
	}
	defer func() { _ = rows.Close() }()

	var cves []*types.CVE
	for rows.Next() {
		c, err := scanCVE(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cve: %w", err)
		}
		cves = append(cves, c)
	}
	return cves, rows.Err()
}

func appendCveChange(ctx context.Context, q dbtx, ch *types.CveChange) error {
	if ch.CVEID == "" {
		return fmt.Errorf("cve change: cve_id is required")
	}
	at := ch.ChangeAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var diff interface{}
	if len(ch.DiffJSON) > 0 {
		diff = string(ch.DiffJSON)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO cve_changes (cve_id, change_at, change_type, from_value, to_value, diff_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ch.CVEID, at.UTC(), string(ch.ChangeType), ch.FromValue, ch.ToValue, diff)
	if err != nil {
		return wrapDBError(fmt.Sprintf("append change for %s", ch.CVEID), err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ch.ID = id
	}
	ch.ChangeAt = at
	return nil
}

// AppendCveChange journals one detected delta for a CVE.
func (s *SQLiteStore) AppendCveChange(ctx context.Context, ch *types.CveChange) error {
	return appendCveChange(ctx, s.db, ch)
}

func (t *sqliteTx) AppendCveChange(ctx context.Context, ch *types.CveChange) error {
	return appendCveChange(ctx, t.conn, ch)
}

func collectCveChanges(rows *sql.Rows) ([]*types.CveChange, error) {
	var changes []*types.CveChange
	for rows.Next() {
		var (
			ch   types.CveChange
			diff sql.NullString
		)
		if err := rows.Scan(&ch.ID, &ch.CVEID, &ch.ChangeAt, &ch.ChangeType,
			&ch.FromValue, &ch.ToValue, &diff); err != nil {
			return nil, fmt.Errorf("scan cve change: %w", err)
		}
		ch.ChangeAt = ch.ChangeAt.UTC()
		if diff.Valid && diff.String != "" {
			ch.DiffJSON = []byte(diff.String)
		}
		changes = append(changes, &ch)
	}
	return changes, rows.Err()
}

// ListCveChanges returns the journal for one CVE, newest first.
func (s *SQLiteStore) ListCveChanges(ctx context.Context, cveID string, limit int) ([]*types.CveChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cve_id, change_at, change_type, from_value, to_value, diff_json
		FROM cve_changes WHERE cve_id = ?
		ORDER BY change_at DESC, id DESC LIMIT ?`, cveID, limit)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("changes for %s", cveID), err)
	}
	defer func() { _ = rows.Close() }()
	return collectCveChanges(rows)
}

// ListRecentCveChanges returns journal rows at or after since across all
// CVEs, newest first.
func (s *SQLiteStore) ListRecentCveChanges(ctx context.Context, since time.Time, limit int) ([]*types.CveChange, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cve_id, change_at, change_type, from_value, to_value, diff_json
		FROM cve_changes WHERE change_at >= ?
		ORDER BY change_at DESC, id DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, wrapDBError("recent cve changes", err)
	}
	defer func() { _ = rows.Close() }()
	return collectCveChanges(rows)
}

func upsertVendor(ctx context.Context, q dbtx, v *types.Vendor) error {
	if v.NameNorm == "" {
		return fmt.Errorf("vendor name_norm is required")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO vendors (name_norm, display_name) VALUES (?, ?)
		ON CONFLICT(name_norm) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != ''
				THEN excluded.display_name ELSE vendors.display_name END`,
		v.NameNorm, v.DisplayName)
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert vendor %s", v.NameNorm), err)
	}
	return q.QueryRowContext(ctx,
		`SELECT id FROM vendors WHERE name_norm = ?`, v.NameNorm).Scan(&v.ID)
}

// UpsertVendor inserts or refreshes a vendor and fills in its id.
func (s *SQLiteStore) UpsertVendor(ctx context.Context, v *types.Vendor) error {
	return upsertVendor(ctx, s.db, v)
}

func (t *sqliteTx) UpsertVendor(ctx context.Context, v *types.Vendor) error {
	return upsertVendor(ctx, t.conn, v)
}

func upsertProduct(ctx context.Context, q dbtx, p *types.Product) error {
	if p.ProductKey == "" {
		return fmt.Errorf("product_key is required")
	}
	if p.VendorID == 0 {
		return fmt.Errorf("product %s: vendor_id is required", p.ProductKey)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO products (vendor_id, name_norm, display_name, product_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_key) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != ''
				THEN excluded.display_name ELSE products.display_name END`,
		p.VendorID, p.NameNorm, p.DisplayName, p.ProductKey)
	if err != nil {
		return wrapDBError(fmt.Sprintf("upsert product %s", p.ProductKey), err)
	}
	return q.QueryRowContext(ctx,
		`SELECT id FROM products WHERE product_key = ?`, p.ProductKey).Scan(&p.ID)
}

// UpsertProduct inserts or refreshes a product and fills in its id.
func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *types.Product) error {
	return upsertProduct(ctx, s.db, p)
}

func (t *sqliteTx) UpsertProduct(ctx context.Context, p *types.Product) error {
	return upsertProduct(ctx, t.conn, p)
}

func replaceCVEProducts(ctx context.Context, q dbtx, cveID string, productKeys []string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM cve_products WHERE cve_id = ?`, cveID); err != nil {
		return wrapDBError(fmt.Sprintf("clear products for %s", cveID), err)
	}
	for _, key := range productKeys {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO cve_products (cve_id, product_key) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, cveID, key); err != nil {
			return wrapDBError(fmt.Sprintf("link %s to %s", cveID, key), err)
		}
	}
	return nil
}

// ReplaceCVEProducts rewrites the product set extracted from a CVE.
func (s *SQLiteStore) ReplaceCVEProducts(ctx context.Context, cveID string, productKeys []string) error {
	return replaceCVEProducts(ctx, s.db, cveID, productKeys)
}

func (t *sqliteTx) ReplaceCVEProducts(ctx context.Context, cveID string, productKeys []string) error {
	return replaceCVEProducts(ctx, t.conn, cveID, productKeys)
}

// ListCVEProducts returns the product keys linked to one CVE.
func (s *SQLiteStore) ListCVEProducts(ctx context.Context, cveID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_key FROM cve_products WHERE cve_id = ? ORDER BY product_key`, cveID)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("products for %s", cveID), err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan product key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListCveProductPairs returns (cve, product) associations for CVEs last
// modified at or after since, ordered by product then recency. This is
// the clustering input for event correlation.
func (s *SQLiteStore) ListCveProductPairs(ctx context.Context, since time.Time) ([]types.CveProductPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cp.cve_id, cp.product_key, c.preferred_base_severity, c.last_modified_at
		FROM cve_products cp
		JOIN cves c ON c.cve_id = cp.cve_id
		WHERE c.last_modified_at IS NOT NULL AND c.last_modified_at >= ?
		ORDER BY cp.product_key, c.last_modified_at, cp.cve_id`, since.UTC())
	if err != nil {
		return nil, wrapDBError("list cve product pairs", err)
	}
	defer func() { _ = rows.Close() }()

	var pairs []types.CveProductPair
	for rows.Next() {
		var (
			p        types.CveProductPair
			severity string
		)
		if err := rows.Scan(&p.CVEID, &p.ProductKey, &severity, &p.LastModified); err != nil {
			return nil, fmt.Errorf("scan cve product pair: %w", err)
		}
		p.Severity = types.Severity(severity)
		p.LastModified = p.LastModified.UTC()
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
