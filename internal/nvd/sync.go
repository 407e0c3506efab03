// Package nvd syncs the CVE knowledge base from the National
// Vulnerability Database's CVE API 2.0.
//
// A sync is one pass over a lastModified window: page through the API,
// canonicalize each record, and persist it. Snapshot hashes make the
// pass idempotent: a record whose canonical form matches the stored
// row only advances last_seen_at, so re-running a sync against
// identical upstream data journals nothing. Each changed record
// commits its row, its change journal entries, and its product links
// in one transaction.
package nvd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Syncer executes CVE synchronization end to end.
type Syncer struct {
	store  storage.Storage
	client *Client
	apiKey string
	log    *slog.Logger
}

// NewSyncer wires a Syncer. A nil client gets the default API client.
func NewSyncer(store storage.Storage, client *Client, apiKey string, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = NewClient(log)
	}
	return &Syncer{store: store, client: client, apiKey: apiKey, log: log}
}

// SyncResult is the JSON result of one sync run.
type SyncResult struct {
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
	Full        bool       `json:"full,omitempty"`
	Pages       int        `json:"pages"`
	Total       int        `json:"total_results"`
	Processed   int        `json:"processed"`
	Inserted    int        `json:"inserted"`
	Updated     int        `json:"updated"`
	Unchanged   int        `json:"unchanged"`
	Changes     int        `json:"changes"`
	Skipped     int        `json:"skipped,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// Sync pages through the window resolved from the payload and applies
// every record. Fetch and storage failures abort the run and fail the
// job, so the queue's retry policy owns transient upstream trouble.
func (s *Syncer) Sync(ctx context.Context, p queue.CveSyncPayload, rt *config.Runtime) (*SyncResult, error) {
	start := time.Now()
	now := start.UTC()

	w, full := resolveWindow(p, rt.CVE, now)
	res := &SyncResult{Full: full}
	if !full {
		res.WindowStart, res.WindowEnd = &w.Start, &w.End
	}

	startIndex := 0
	for {
		page, err := s.client.FetchPage(ctx, NewPageRequest(rt.CVE, s.apiKey, w, startIndex))
		if err != nil {
			return nil, err
		}
		res.Pages++
		res.Total = page.TotalResults
		if len(page.Vulnerabilities) == 0 {
			break
		}

		for i := range page.Vulnerabilities {
			outcome, changes, err := s.applyItem(ctx, &page.Vulnerabilities[i].CVE, now, rt.CVE.PreferV4)
			if err != nil {
				return nil, err
			}
			res.Processed++
			res.Changes += changes
			switch outcome {
			case outcomeInserted:
				res.Inserted++
			case outcomeUpdated:
				res.Updated++
			case outcomeUnchanged:
				res.Unchanged++
			case outcomeSkipped:
				res.Skipped++
			}
		}

		step := page.ResultsPerPage
		if step <= 0 {
			step = len(page.Vulnerabilities)
		}
		startIndex += step
		if startIndex >= page.TotalResults {
			break
		}
		if err := pause(ctx, rt.CVE.RateLimit()); err != nil {
			return nil, err
		}
	}

	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}

// resolveWindow picks the lastModified interval: an explicit payload
// window wins, Full drops the bounds entirely, and the default is the
// configured lookback ending now.
func resolveWindow(p queue.CveSyncPayload, cfg config.CVESettings, now time.Time) (Window, bool) {
	if p.Full {
		return Window{}, true
	}
	w := Window{Start: now.Add(-cfg.Lookback()), End: now}
	if p.WindowStart != nil {
		w.Start = p.WindowStart.UTC()
	}
	if p.WindowEnd != nil {
		w.End = p.WindowEnd.UTC()
	}
	return w, false
}

type itemOutcome int

const (
	outcomeSkipped itemOutcome = iota
	outcomeInserted
	outcomeUpdated
	outcomeUnchanged
)

// applyItem persists one record. A row whose snapshot hash already
// matches only has its sighting time advanced; a row previously known
// only as a stub (mentioned in an article before any sync) is treated
// as a first observation, so no changes are journaled for it.
func (s *Syncer) applyItem(ctx context.Context, item *Item, now time.Time, preferV4 bool) (itemOutcome, int, error) {
	c := Canonicalize(item, now, preferV4)
	if c == nil {
		return outcomeSkipped, 0, nil
	}
	c.SnapshotHash = c.ComputeSnapshotHash()

	prev, err := s.store.GetCVE(ctx, c.CVEID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return outcomeSkipped, 0, err
	}

	if prev != nil && prev.SnapshotHash == c.SnapshotHash {
		if err := s.store.EnsureCVEStub(ctx, c.CVEID, now); err != nil {
			return outcomeSkipped, 0, err
		}
		return outcomeUnchanged, 0, nil
	}

	var changes []*types.CveChange
	if prev != nil && prev.SnapshotHash != "" {
		changes = diffCVE(prev, c, now)
	}

	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertCVE(ctx, c); err != nil {
			return err
		}
		for _, ch := range changes {
			if err := tx.AppendCveChange(ctx, ch); err != nil {
				return err
			}
		}
		return replaceProducts(ctx, tx, c)
	})
	if err != nil {
		return outcomeSkipped, 0, err
	}

	if len(changes) > 0 {
		s.log.Info("cve changed", "cve", c.CVEID, "changes", len(changes),
			"severity", c.PreferredBaseSeverity, "score", scoreLabel(c))
		return outcomeUpdated, len(changes), nil
	}
	if prev != nil && prev.SnapshotHash != "" {
		return outcomeUpdated, 0, nil
	}
	return outcomeInserted, 0, nil
}

// changeDiff is the evidence payload journaled on each change row.
type changeDiff struct {
	Reasons    []string `json:"reasons"`
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	V31Changed bool     `json:"v31_changed,omitempty"`
	V40Changed bool     `json:"v40_changed,omitempty"`
}

// diffCVE compares two canonical rows and builds the journal entries.
// Only called when the snapshot hashes differ; purely textual deltas
// (description, references) change the hash without producing a metric
// change, so the result may be empty.
func diffCVE(prev, next *types.CVE, at time.Time) []*types.CveChange {
	var out []*types.CveChange
	add := func(ct types.CveChangeType, from, to string, diff changeDiff) {
		raw, err := json.Marshal(diff)
		if err != nil {
			raw = nil
		}
		out = append(out, &types.CveChange{
			CVEID:      next.CVEID,
			ChangeAt:   at,
			ChangeType: ct,
			FromValue:  from,
			ToValue:    to,
			DiffJSON:   raw,
		})
	}

	if next.PreferredBaseSeverity.Rank() > prev.PreferredBaseSeverity.Rank() {
		from, to := string(prev.PreferredBaseSeverity), string(next.PreferredBaseSeverity)
		add(types.ChangeSeverityUpgrade, from, to,
			changeDiff{Reasons: []string{types.RuleCVEBandChange}, From: from, To: to})
	}
	if from, to := scoreLabel(prev), scoreLabel(next); from != to {
		add(types.ChangeScore, from, to,
			changeDiff{Reasons: []string{types.RuleCVEScoreChange}, From: from, To: to})
	}
	if prev.PreferredCvssVersion != next.PreferredCvssVersion {
		add(types.ChangePreferredVersion, prev.PreferredCvssVersion, next.PreferredCvssVersion,
			changeDiff{
				Reasons: []string{types.RuleCVEVersionChange},
				From:    prev.PreferredCvssVersion,
				To:      next.PreferredCvssVersion,
			})
	}
	v31Changed := !bytes.Equal(prev.CvssV31JSON, next.CvssV31JSON)
	v40Changed := !bytes.Equal(prev.CvssV40JSON, next.CvssV40JSON)
	if prev.PreferredVector != next.PreferredVector || v31Changed || v40Changed {
		add(types.ChangeMetrics, prev.PreferredVector, next.PreferredVector,
			changeDiff{
				Reasons:    []string{types.RuleCVEVectorChange},
				From:       prev.PreferredVector,
				To:         next.PreferredVector,
				V31Changed: v31Changed,
				V40Changed: v40Changed,
			})
	}
	return out
}

// scoreLabel formats the preferred base score the way from/to values
// store it; no score is the empty string.
func scoreLabel(c *types.CVE) string {
	if c.PreferredBaseScore == nil {
		return ""
	}
	return fmt.Sprintf("%.1f", *c.PreferredBaseScore)
}

// replaceProducts upserts the vendor and product catalog entries named
// by the CVE's configurations and rewrites its product links.
func replaceProducts(ctx context.Context, tx storage.Transaction, c *types.CVE) error {
	keys := make([]string, 0, len(c.AffectedProducts))
	for _, ap := range c.AffectedProducts {
		v := &types.Vendor{NameNorm: types.NormalizeName(ap.Vendor), DisplayName: displayName(ap.Vendor)}
		if v.NameNorm == "" {
			v.NameNorm = "unknown"
		}
		if err := tx.UpsertVendor(ctx, v); err != nil {
			return err
		}
		p := &types.Product{
			VendorID:    v.ID,
			NameNorm:    types.NormalizeName(ap.Product),
			DisplayName: displayName(ap.Product),
			ProductKey:  ap.Key(),
		}
		if p.NameNorm == "" {
			p.NameNorm = "unknown"
		}
		if err := tx.UpsertProduct(ctx, p); err != nil {
			return err
		}
		keys = append(keys, p.ProductKey)
	}
	return tx.ReplaceCVEProducts(ctx, c.CVEID, keys)
}

// displayName renders a raw CPE component ("palo_alto_networks") as a
// human label ("Palo Alto Networks").
func displayName(raw string) string {
	words := strings.FieldsFunc(strings.TrimSpace(raw), func(r rune) bool {
		return r == '_' || r == ' '
	})
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// pause sleeps for d or until the context is canceled.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
