package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

const articleColumns = `id, source_id, title, original_url, canonical_url, published_at,
	ingested_at, author, content_text, content_html_excerpt, content_fetched_at,
	content_error, summary_llm, summary_error, tags, published_md_path, content_fingerprint`

func scanArticle(sc rowScanner) (*types.Article, error) {
	var (
		a           types.Article
		publishedAt sql.NullTime
		fetchedAt   sql.NullTime
		tags        string
	)
	err := sc.Scan(&a.ID, &a.SourceID, &a.Title, &a.OriginalURL, &a.CanonicalURL,
		&publishedAt, &a.IngestedAt, &a.Author, &a.ContentText, &a.ContentHTMLExcerpt,
		&fetchedAt, &a.ContentError, &a.SummaryLLM, &a.SummaryError, &tags,
		&a.PublishedMDPath, &a.ContentFingerprint)
	if err != nil {
		return nil, err
	}
	a.PublishedAt = timePtr(publishedAt)
	a.IngestedAt = a.IngestedAt.UTC()
	a.ContentFetchedAt = timePtr(fetchedAt)
	if err := fromJSONText(tags, &a.Tags); err != nil {
		return nil, fmt.Errorf("article %s: parse tags: %w", a.ID, err)
	}
	return &a, nil
}

// upsertArticle inserts an article unless its (source, canonical URL)
// pair already exists. The first writer wins; duplicates report
// inserted=false and change nothing.
func upsertArticle(ctx context.Context, q dbtx, a *types.Article) (bool, error) {
	a.SetDefaults()
	if err := a.Validate(); err != nil {
		return false, err
	}
	tags, err := jsonText(a.Tags, "[]")
	if err != nil {
		return false, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO articles (id, source_id, title, original_url, canonical_url,
			published_at, ingested_at, author, content_text, content_html_excerpt,
			content_error, summary_llm, summary_error, tags, published_md_path,
			content_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, '', ?)
		ON CONFLICT DO NOTHING`,
		a.ID, a.SourceID, a.Title, a.OriginalURL, a.CanonicalURL,
		nullTime(a.PublishedAt), a.IngestedAt.UTC(), a.Author, a.ContentText,
		a.ContentHTMLExcerpt, tags, a.ContentFingerprint)
	if err != nil {
		return false, wrapDBError(fmt.Sprintf("upsert article %s", a.ID), err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert article rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) UpsertArticle(ctx context.Context, a *types.Article) (bool, error) {
	return upsertArticle(ctx, s.db, a)
}

func (t *sqliteTx) UpsertArticle(ctx context.Context, a *types.Article) (bool, error) {
	return upsertArticle(ctx, t.conn, a)
}

// GetArticle fetches one article by id.
func (s *SQLiteStore) GetArticle(ctx context.Context, id string) (*types.Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	a, err := scanArticle(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get article %s", id), err)
	}
	return a, nil
}

// ListArticles returns articles matching f, newest ingested first.
func (s *SQLiteStore) ListArticles(ctx context.Context, f types.ArticleFilter) ([]*types.Article, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.SourceID != "" {
		conds = append(conds, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.HasContent != nil {
		if *f.HasContent {
			conds = append(conds, "content_fetched_at IS NOT NULL")
		} else {
			conds = append(conds, "content_fetched_at IS NULL")
		}
	}
	if f.HasSummary != nil {
		if *f.HasSummary {
			conds = append(conds, "summary_llm != ''")
		} else {
			conds = append(conds, "summary_llm = ''")
		}
	}
	if f.Published != nil {
		if *f.Published {
			conds = append(conds, "published_md_path != ''")
		} else {
			conds = append(conds, "published_md_path = ''")
		}
	}
	if f.Since != nil {
		conds = append(conds, "ingested_at >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT ` + articleColumns + ` FROM articles`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ingested_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list articles", err)
	}
	defer func() { _ = rows.Close() }()

	var articles []*types.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

func updateArticleContent(ctx context.Context, q dbtx, id, content, htmlExcerpt, fingerprint string, fetchedAt time.Time) error {
	r, err := q.ExecContext(ctx, `
		UPDATE articles SET content_text = ?, content_html_excerpt = ?,
			content_fingerprint = ?, content_fetched_at = ?, content_error = ''
		WHERE id = ?`, content, htmlExcerpt, fingerprint, fetchedAt.UTC(), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update article %s content", id), err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("update content rows affected: %w", err)
	}
	if rows == 0 {
		return wrapDBError(fmt.Sprintf("update article %s content", id), sql.ErrNoRows)
	}
	return nil
}

func (s *SQLiteStore) UpdateArticleContent(ctx context.Context, id, content, htmlExcerpt, fingerprint string, fetchedAt time.Time) error {
	return updateArticleContent(ctx, s.db, id, content, htmlExcerpt, fingerprint, fetchedAt)
}

func (t *sqliteTx) UpdateArticleContent(ctx context.Context, id, content, htmlExcerpt, fingerprint string, fetchedAt time.Time) error {
	return updateArticleContent(ctx, t.conn, id, content, htmlExcerpt, fingerprint, fetchedAt)
}

// SetArticleContentError records a fetch failure without touching any
// previously stored content.
func (s *SQLiteStore) SetArticleContentError(ctx context.Context, id, contentErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET content_error = ? WHERE id = ?`, contentErr, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("set article %s content error", id), err)
	}
	return nil
}

func updateArticleSummary(ctx context.Context, q dbtx, id, summary string) error {
	r, err := q.ExecContext(ctx, `
		UPDATE articles SET summary_llm = ?, summary_error = ''
		WHERE id = ?`, summary, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update article %s summary", id), err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary rows affected: %w", err)
	}
	if rows == 0 {
		return wrapDBError(fmt.Sprintf("update article %s summary", id), sql.ErrNoRows)
	}
	return nil
}

func (s *SQLiteStore) UpdateArticleSummary(ctx context.Context, id, summary string) error {
	return updateArticleSummary(ctx, s.db, id, summary)
}

func (t *sqliteTx) UpdateArticleSummary(ctx context.Context, id, summary string) error {
	return updateArticleSummary(ctx, t.conn, id, summary)
}

// SetArticleSummaryError records a summarization failure.
func (s *SQLiteStore) SetArticleSummaryError(ctx context.Context, id, summaryErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET summary_error = ? WHERE id = ?`, summaryErr, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("set article %s summary error", id), err)
	}
	return nil
}

func markArticlePublished(ctx context.Context, q dbtx, id, path string) error {
	r, err := q.ExecContext(ctx,
		`UPDATE articles SET published_md_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("mark article %s published", id), err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark published rows affected: %w", err)
	}
	if rows == 0 {
		return wrapDBError(fmt.Sprintf("mark article %s published", id), sql.ErrNoRows)
	}
	return nil
}

func (s *SQLiteStore) MarkArticlePublished(ctx context.Context, id, path string) error {
	return markArticlePublished(ctx, s.db, id, path)
}

func (t *sqliteTx) MarkArticlePublished(ctx context.Context, id, path string) error {
	return markArticlePublished(ctx, t.conn, id, path)
}

func replaceArticleCVELinks(ctx context.Context, q dbtx, articleID string, links []*types.ArticleCVELink) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM article_cves WHERE article_id = ?`, articleID); err != nil {
		return wrapDBError(fmt.Sprintf("clear links for article %s", articleID), err)
	}
	for _, l := range links {
		reasons, err := jsonText(l.Reasons, "[]")
		if err != nil {
			return err
		}
		created := l.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO article_cves (article_id, cve_id, confidence, confidence_band,
				reasons, evidence_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(article_id, cve_id) DO UPDATE SET
				confidence = excluded.confidence,
				confidence_band = excluded.confidence_band,
				reasons = excluded.reasons,
				evidence_json = excluded.evidence_json`,
			articleID, l.CVEID, l.Confidence, l.ConfidenceBand, reasons,
			l.EvidenceJSON, created.UTC()); err != nil {
			return wrapDBError(fmt.Sprintf("link article %s to %s", articleID, l.CVEID), err)
		}
	}
	return nil
}

func (s *SQLiteStore) ReplaceArticleCVELinks(ctx context.Context, articleID string, links []*types.ArticleCVELink) error {
	return replaceArticleCVELinks(ctx, s.db, articleID, links)
}

func (t *sqliteTx) ReplaceArticleCVELinks(ctx context.Context, articleID string, links []*types.ArticleCVELink) error {
	return replaceArticleCVELinks(ctx, t.conn, articleID, links)
}

// ListArticleCVELinks returns the CVE links for one article.
func (s *SQLiteStore) ListArticleCVELinks(ctx context.Context, articleID string) ([]*types.ArticleCVELink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT article_id, cve_id, confidence, confidence_band, reasons, evidence_json, created_at
		FROM article_cves WHERE article_id = ? ORDER BY cve_id`, articleID)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("links for article %s", articleID), err)
	}
	defer func() { _ = rows.Close() }()
	return collectArticleCVELinks(rows)
}

// ListAllArticleCVELinks returns every article-to-CVE link in one pass,
// ordered by CVE then article. Event correlation consumes the whole
// relation, so a single scan beats per-article lookups.
func (s *SQLiteStore) ListAllArticleCVELinks(ctx context.Context) ([]*types.ArticleCVELink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT article_id, cve_id, confidence, confidence_band, reasons, evidence_json, created_at
		FROM article_cves ORDER BY cve_id, article_id`)
	if err != nil {
		return nil, wrapDBError("list article cve links", err)
	}
	defer func() { _ = rows.Close() }()
	return collectArticleCVELinks(rows)
}

func collectArticleCVELinks(rows *sql.Rows) ([]*types.ArticleCVELink, error) {
	var links []*types.ArticleCVELink
	for rows.Next() {
		var (
			l       types.ArticleCVELink
			reasons string
		)
		if err := rows.Scan(&l.ArticleID, &l.CVEID, &l.Confidence, &l.ConfidenceBand,
			&reasons, &l.EvidenceJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan article cve link: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		if err := fromJSONText(reasons, &l.Reasons); err != nil {
			return nil, fmt.Errorf("parse link reasons: %w", err)
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

// ListArticlesForCVE returns every article linked to the given CVE,
// newest first.
func (s *SQLiteStore) ListArticlesForCVE(ctx context.Context, cveID string) ([]*types.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("a", articleColumns)+`
		FROM articles a
		JOIN article_cves ac ON ac.article_id = a.id
		WHERE ac.cve_id = ?
		ORDER BY a.ingested_at DESC`, cveID)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("articles for %s", cveID), err)
	}
	defer func() { _ = rows.Close() }()

	var articles []*types.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table
// alias for use in joins.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
