package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

func floatPtr(f float64) *float64 { return &f }

func upsertTestCVE(t *testing.T, store *SQLiteStore, id string, sev types.Severity, score float64, modified time.Time) *types.CVE {
	t.Helper()
	c := &types.CVE{
		CVEID:                 id,
		LastModifiedAt:        &modified,
		PreferredCvssVersion:  types.CvssV31,
		PreferredBaseScore:    floatPtr(score),
		PreferredBaseSeverity: sev,
		PreferredVector:       "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
	}
	if err := store.UpsertCVE(context.Background(), c); err != nil {
		t.Fatalf("UpsertCVE %s failed: %v", id, err)
	}
	return c
}

// TestUpsertCVERoundTrip verifies every field survives a write/read cycle,
// including the JSON-encoded metric and product columns.
func TestUpsertCVERoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	published := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	modified := time.Date(2026, 8, 15, 4, 0, 0, 0, time.UTC)
	c := &types.CVE{
		CVEID:                 "CVE-2026-0042",
		PublishedAt:           &published,
		LastModifiedAt:        &modified,
		DescriptionText:       "Heap overflow in the widget parser.",
		PreferredCvssVersion:  types.CvssV40,
		PreferredBaseScore:    floatPtr(9.3),
		PreferredBaseSeverity: types.SeverityCritical,
		PreferredVector:       "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:H/VA:H/SC:N/SI:N/SA:N",
		CvssV31JSON:           []byte(`{"baseScore":9.8}`),
		CvssV40JSON:           []byte(`{"baseScore":9.3}`),
		AffectedProducts: []types.AffectedProduct{
			{Vendor: "Acme Corp", Product: "Widget Server", Versions: []string{"1.0", "1.1"}},
		},
		AffectedCPEs:     []string{"cpe:2.3:a:acme:widget_server:1.0:*:*:*:*:*:*:*"},
		ReferenceDomains: []string{"acme.example.com"},
	}
	c.SnapshotHash = c.ComputeSnapshotHash()
	if err := store.UpsertCVE(ctx, c); err != nil {
		t.Fatalf("UpsertCVE failed: %v", err)
	}

	got, err := store.GetCVE(ctx, "CVE-2026-0042")
	if err != nil {
		t.Fatalf("GetCVE failed: %v", err)
	}
	if got.PreferredCvssVersion != types.CvssV40 || got.PreferredBaseSeverity != types.SeverityCritical {
		t.Errorf("preferred metrics did not round-trip: %+v", got)
	}
	if got.PreferredBaseScore == nil || *got.PreferredBaseScore != 9.3 {
		t.Errorf("expected base score 9.3, got %v", got.PreferredBaseScore)
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(published) {
		t.Errorf("published_at did not round-trip: %v", got.PublishedAt)
	}
	if string(got.CvssV31JSON) != `{"baseScore":9.8}` {
		t.Errorf("v3.1 metrics did not round-trip: %s", got.CvssV31JSON)
	}
	if len(got.AffectedProducts) != 1 || got.AffectedProducts[0].Key() != "acme_corp/widget_server" {
		t.Errorf("products did not round-trip: %+v", got.AffectedProducts)
	}
	if len(got.AffectedProducts[0].Versions) != 2 {
		t.Errorf("versions did not round-trip: %+v", got.AffectedProducts[0])
	}
	if got.SnapshotHash != c.SnapshotHash {
		t.Errorf("snapshot hash mismatch: %q vs %q", got.SnapshotHash, c.SnapshotHash)
	}
	if got.LastSeenAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected bookkeeping timestamps defaulted")
	}

	if _, err := store.GetCVE(ctx, "CVE-1999-0000"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestUpsertCVEFullReplace verifies a re-sync replaces every mutable field,
// including clearing metrics when NVD withdraws them.
func TestUpsertCVEFullReplace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	modified := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	upsertTestCVE(t, store, "CVE-2026-0100", types.SeverityHigh, 8.1, modified)
	if err := store.ReplaceCVEProducts(ctx, "CVE-2026-0100", []string{"acme/widget"}); err != nil {
		t.Fatalf("ReplaceCVEProducts failed: %v", err)
	}

	rejected := &types.CVE{
		CVEID:                "CVE-2026-0100",
		LastModifiedAt:       &modified,
		DescriptionText:      "Rejected: duplicate of CVE-2026-0099.",
		PreferredCvssVersion: types.CvssNone,
	}
	if err := store.UpsertCVE(ctx, rejected); err != nil {
		t.Fatalf("replacing UpsertCVE failed: %v", err)
	}

	got, err := store.GetCVE(ctx, "CVE-2026-0100")
	if err != nil {
		t.Fatalf("GetCVE failed: %v", err)
	}
	if got.PreferredCvssVersion != types.CvssNone || got.PreferredBaseScore != nil {
		t.Errorf("expected metrics cleared, got %+v", got)
	}
	if got.DescriptionText != "Rejected: duplicate of CVE-2026-0099." {
		t.Errorf("expected description replaced, got %q", got.DescriptionText)
	}
}

// TestUpsertCVEValidates verifies the preferred-metric invariants.
func TestUpsertCVEValidates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	bad := []*types.CVE{
		{CVEID: "", PreferredCvssVersion: types.CvssNone},
		{CVEID: "CVE-2026-1", PreferredCvssVersion: "2.0"},
		{CVEID: "CVE-2026-2", PreferredCvssVersion: types.CvssV31}, // version without score
		{CVEID: "CVE-2026-3", PreferredCvssVersion: types.CvssNone, PreferredBaseScore: floatPtr(5)},
	}
	for _, c := range bad {
		if err := store.UpsertCVE(ctx, c); err == nil {
			t.Errorf("expected CVE %q to be rejected", c.CVEID)
		}
	}
}

// TestEnsureCVEStub verifies stub inserts for article-mentioned ids:
// a fresh id gets a placeholder row, an existing synced row keeps its
// metrics and only advances last_seen_at.
func TestEnsureCVEStub(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seen := time.Date(2026, 8, 22, 7, 0, 0, 0, time.UTC)
	if err := store.EnsureCVEStub(ctx, "CVE-2026-7777", seen); err != nil {
		t.Fatalf("EnsureCVEStub failed: %v", err)
	}
	stub, err := store.GetCVE(ctx, "CVE-2026-7777")
	if err != nil {
		t.Fatalf("GetCVE stub failed: %v", err)
	}
	if stub.PreferredCvssVersion != types.CvssNone || stub.DescriptionText != "" {
		t.Errorf("expected bare placeholder, got %+v", stub)
	}
	if !stub.LastSeenAt.Equal(seen) {
		t.Errorf("expected last_seen_at %v, got %v", seen, stub.LastSeenAt)
	}

	modified := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	synced := &types.CVE{
		CVEID:                 "CVE-2026-8888",
		LastModifiedAt:        &modified,
		LastSeenAt:            seen,
		PreferredCvssVersion:  types.CvssV31,
		PreferredBaseScore:    floatPtr(8.8),
		PreferredBaseSeverity: types.SeverityHigh,
	}
	if err := store.UpsertCVE(ctx, synced); err != nil {
		t.Fatalf("UpsertCVE failed: %v", err)
	}
	if err := store.EnsureCVEStub(ctx, "CVE-2026-8888", seen.Add(time.Hour)); err != nil {
		t.Fatalf("EnsureCVEStub on synced row failed: %v", err)
	}
	got, err := store.GetCVE(ctx, "CVE-2026-8888")
	if err != nil {
		t.Fatalf("GetCVE failed: %v", err)
	}
	if got.PreferredCvssVersion != types.CvssV31 || got.PreferredBaseScore == nil {
		t.Errorf("stub insert clobbered synced metrics: %+v", got)
	}
	if !got.LastSeenAt.Equal(seen.Add(time.Hour)) {
		t.Errorf("expected last_seen_at advanced, got %v", got.LastSeenAt)
	}

	// An older sighting never rewinds the marker.
	if err := store.EnsureCVEStub(ctx, "CVE-2026-8888", seen.Add(-time.Hour)); err != nil {
		t.Fatalf("EnsureCVEStub backdated failed: %v", err)
	}
	got, err = store.GetCVE(ctx, "CVE-2026-8888")
	if err != nil {
		t.Fatalf("GetCVE failed: %v", err)
	}
	if !got.LastSeenAt.Equal(seen.Add(time.Hour)) {
		t.Errorf("expected last_seen_at unchanged, got %v", got.LastSeenAt)
	}
}

// TestListCVEsFilters exercises severity and modification-window filters.
func TestListCVEsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	upsertTestCVE(t, store, "CVE-2026-0001", types.SeverityMedium, 5.4, base)
	upsertTestCVE(t, store, "CVE-2026-0002", types.SeverityHigh, 8.2, base.Add(time.Hour))
	upsertTestCVE(t, store, "CVE-2026-0003", types.SeverityCritical, 9.9, base.Add(2*time.Hour))

	// No last_modified_at at all: excluded from ModifiedSince queries.
	noMod := &types.CVE{CVEID: "CVE-2026-0004", PreferredCvssVersion: types.CvssNone}
	if err := store.UpsertCVE(ctx, noMod); err != nil {
		t.Fatalf("UpsertCVE failed: %v", err)
	}

	all, err := store.ListCVEs(ctx, types.CVEFilter{})
	if err != nil {
		t.Fatalf("ListCVEs failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 CVEs, got %d", len(all))
	}
	if all[0].CVEID != "CVE-2026-0003" {
		t.Errorf("expected most recently modified first, got %s", all[0].CVEID)
	}

	high := types.SeverityHigh
	severe, err := store.ListCVEs(ctx, types.CVEFilter{MinSeverity: &high})
	if err != nil {
		t.Fatalf("ListCVEs min severity failed: %v", err)
	}
	if len(severe) != 2 {
		t.Fatalf("expected 2 CVEs at HIGH or above, got %d", len(severe))
	}
	for _, c := range severe {
		if c.PreferredBaseSeverity.Rank() < high.Rank() {
			t.Errorf("severity filter leaked %s (%s)", c.CVEID, c.PreferredBaseSeverity)
		}
	}

	since := base.Add(30 * time.Minute)
	recent, err := store.ListCVEs(ctx, types.CVEFilter{ModifiedSince: &since})
	if err != nil {
		t.Fatalf("ListCVEs modified-since failed: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 recently modified CVEs, got %d", len(recent))
	}
	for _, c := range recent {
		if c.CVEID == "CVE-2026-0004" {
			t.Error("CVE without last_modified_at leaked into modified-since results")
		}
	}

	limited, err := store.ListCVEs(ctx, types.CVEFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListCVEs limited failed: %v", err)
	}
	if len(limited) != 1 || limited[0].CVEID != "CVE-2026-0003" {
		t.Errorf("expected single newest CVE, got %+v", limited)
	}
}

// TestCveChangeJournal verifies the append-only journal, per-CVE and
// recent-window reads.
func TestCveChangeJournal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)
	upsertTestCVE(t, store, "CVE-2026-0500", types.SeverityHigh, 8.0, base)

	changes := []*types.CveChange{
		{CVEID: "CVE-2026-0500", ChangeAt: base, ChangeType: types.ChangeScore, FromValue: "7.5", ToValue: "8.0"},
		{CVEID: "CVE-2026-0500", ChangeAt: base.Add(time.Hour), ChangeType: types.ChangeSeverityUpgrade, FromValue: "HIGH", ToValue: "CRITICAL"},
		{CVEID: "CVE-2026-0500", ChangeAt: base.Add(2 * time.Hour), ChangeType: types.ChangePreferredVersion, FromValue: "3.1", ToValue: "4.0", DiffJSON: []byte(`{"vector":"changed"}`)},
	}
	for _, ch := range changes {
		if err := store.AppendCveChange(ctx, ch); err != nil {
			t.Fatalf("AppendCveChange failed: %v", err)
		}
		if ch.ID == 0 {
			t.Error("expected journal row id backfilled")
		}
	}

	got, err := store.ListCveChanges(ctx, "CVE-2026-0500", 0)
	if err != nil {
		t.Fatalf("ListCveChanges failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(got))
	}
	if got[0].ChangeType != types.ChangePreferredVersion || got[2].ChangeType != types.ChangeScore {
		t.Errorf("expected newest change first, got %v then %v", got[0].ChangeType, got[2].ChangeType)
	}
	if string(got[0].DiffJSON) != `{"vector":"changed"}` {
		t.Errorf("diff did not round-trip: %s", got[0].DiffJSON)
	}

	limited, err := store.ListCveChanges(ctx, "CVE-2026-0500", 1)
	if err != nil {
		t.Fatalf("ListCveChanges limited failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 change, got %d", len(limited))
	}

	recent, err := store.ListRecentCveChanges(ctx, base.Add(30*time.Minute), 0)
	if err != nil {
		t.Fatalf("ListRecentCveChanges failed: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 changes in window, got %d", len(recent))
	}

	// Zero change time is defaulted, never stored as the zero value.
	def := &types.CveChange{CVEID: "CVE-2026-0500", ChangeType: types.ChangeMetrics}
	if err := store.AppendCveChange(ctx, def); err != nil {
		t.Fatalf("AppendCveChange failed: %v", err)
	}
	got, err = store.ListCveChanges(ctx, "CVE-2026-0500", 1)
	if err != nil {
		t.Fatalf("ListCveChanges failed: %v", err)
	}
	if got[0].ChangeAt.IsZero() {
		t.Error("expected defaulted change time")
	}
}

// TestVendorProductUpsert verifies id backfill and display-name handling
// on the normalized entity tables.
func TestVendorProductUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	v := &types.Vendor{NameNorm: "acme", DisplayName: "Acme"}
	if err := store.UpsertVendor(ctx, v); err != nil {
		t.Fatalf("UpsertVendor failed: %v", err)
	}
	if v.ID == 0 {
		t.Fatal("expected vendor id backfilled")
	}

	// Same normalized name: keeps the row, refreshes a non-empty display name.
	again := &types.Vendor{NameNorm: "acme", DisplayName: "Acme Corporation"}
	if err := store.UpsertVendor(ctx, again); err != nil {
		t.Fatalf("second UpsertVendor failed: %v", err)
	}
	if again.ID != v.ID {
		t.Errorf("expected stable vendor id, got %d vs %d", again.ID, v.ID)
	}

	// Empty display name never clobbers an existing one.
	blank := &types.Vendor{NameNorm: "acme"}
	if err := store.UpsertVendor(ctx, blank); err != nil {
		t.Fatalf("third UpsertVendor failed: %v", err)
	}
	if blank.ID != v.ID {
		t.Errorf("expected blank upsert to land on same row, got %d vs %d", blank.ID, v.ID)
	}

	p := &types.Product{
		VendorID:    v.ID,
		NameNorm:    "widget",
		DisplayName: "Widget",
		ProductKey:  "acme/widget",
	}
	if err := store.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct failed: %v", err)
	}
	if p.ID == 0 {
		t.Fatal("expected product id backfilled")
	}

	dup := &types.Product{VendorID: v.ID, NameNorm: "widget", ProductKey: "acme/widget"}
	if err := store.UpsertProduct(ctx, dup); err != nil {
		t.Fatalf("duplicate UpsertProduct failed: %v", err)
	}
	if dup.ID != p.ID {
		t.Errorf("expected stable product id, got %d vs %d", dup.ID, p.ID)
	}

	if err := store.UpsertProduct(ctx, &types.Product{NameNorm: "orphan", ProductKey: "x/orphan"}); err == nil {
		t.Error("expected product without vendor to be rejected")
	}
}

// TestReplaceCVEProducts verifies link replacement and the clustering
// pair query.
func TestReplaceCVEProducts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)
	upsertTestCVE(t, store, "CVE-2026-0700", types.SeverityHigh, 8.0, base)
	upsertTestCVE(t, store, "CVE-2026-0701", types.SeverityCritical, 9.1, base.Add(time.Hour))

	if err := store.ReplaceCVEProducts(ctx, "CVE-2026-0700", []string{"acme/widget", "acme/gadget"}); err != nil {
		t.Fatalf("ReplaceCVEProducts failed: %v", err)
	}
	if err := store.ReplaceCVEProducts(ctx, "CVE-2026-0701", []string{"acme/widget"}); err != nil {
		t.Fatalf("ReplaceCVEProducts failed: %v", err)
	}

	keys, err := store.ListCVEProducts(ctx, "CVE-2026-0700")
	if err != nil {
		t.Fatalf("ListCVEProducts failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "acme/gadget" || keys[1] != "acme/widget" {
		t.Errorf("expected sorted product keys, got %v", keys)
	}

	// Re-extraction narrows the set; stale keys must go.
	if err := store.ReplaceCVEProducts(ctx, "CVE-2026-0700", []string{"acme/widget"}); err != nil {
		t.Fatalf("second ReplaceCVEProducts failed: %v", err)
	}
	keys, err = store.ListCVEProducts(ctx, "CVE-2026-0700")
	if err != nil {
		t.Fatalf("ListCVEProducts failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "acme/widget" {
		t.Errorf("expected only acme/widget, got %v", keys)
	}

	pairs, err := store.ListCveProductPairs(ctx, base)
	if err != nil {
		t.Fatalf("ListCveProductPairs failed: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %+v", pairs)
	}
	for _, pair := range pairs {
		if pair.ProductKey != "acme/widget" {
			t.Errorf("unexpected product key %q", pair.ProductKey)
		}
	}
	if pairs[0].CVEID != "CVE-2026-0700" || pairs[1].CVEID != "CVE-2026-0701" {
		t.Errorf("expected pairs ordered by modification time, got %+v", pairs)
	}
	if pairs[1].Severity != types.SeverityCritical {
		t.Errorf("expected severity carried on pair, got %s", pairs[1].Severity)
	}
	if pairs[0].LastModified.IsZero() {
		t.Error("expected last modified carried on pair")
	}

	// Window start excludes older modifications.
	pairs, err = store.ListCveProductPairs(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ListCveProductPairs failed: %v", err)
	}
	if len(pairs) != 1 || pairs[0].CVEID != "CVE-2026-0701" {
		t.Errorf("expected only the newer CVE, got %+v", pairs)
	}
}
