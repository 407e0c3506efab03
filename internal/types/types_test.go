package types

import (
	"strings"
	"testing"
	"time"
)

func TestSeverityRankOrdering(t *testing.T) {
	ordered := []Severity{SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Errorf("expected %s to outrank %s", ordered[i], ordered[i-1])
		}
	}
	if Severity("BOGUS").Rank() != -1 {
		t.Errorf("unknown severity should rank -1, got %d", Severity("BOGUS").Rank())
	}
}

func TestParseSeverity(t *testing.T) {
	cases := []struct {
		in   string
		want Severity
	}{
		{"critical", SeverityCritical},
		{" HIGH ", SeverityHigh},
		{"Medium", SeverityMedium},
		{"low", SeverityLow},
		{"", SeverityNone},
		{"garbage", SeverityNone},
	}
	for _, tc := range cases {
		if got := ParseSeverity(tc.in); got != tc.want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestMaxSeverity(t *testing.T) {
	if got := MaxSeverity(SeverityHigh, SeverityCritical); got != SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", got)
	}
	if got := MaxSeverity(SeverityMedium, SeverityLow); got != SeverityMedium {
		t.Errorf("expected MEDIUM, got %s", got)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Apache Software Foundation", "apache_software_foundation"},
		{"  F5, Inc. ", "f5_inc"},
		{"node.js", "node_js"},
		{"UPPER", "upper"},
		{"already_norm", "already_norm"},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMakeProductKey(t *testing.T) {
	if got := MakeProductKey("Apache", "HTTP Server"); got != "apache/http_server" {
		t.Errorf("unexpected product key %q", got)
	}
	if got := MakeProductKey("", "thing"); got != "unknown/thing" {
		t.Errorf("empty vendor should normalize to unknown, got %q", got)
	}
}

func TestComputeContentHashSeparators(t *testing.T) {
	// The NUL separator must keep part boundaries significant.
	if ComputeContentHash("a", "bc") == ComputeContentHash("ab", "c") {
		t.Fatal("hash collided across different part boundaries")
	}
	if ComputeContentHash("x", "y") != ComputeContentHash("x", "y") {
		t.Fatal("hash is not deterministic")
	}
}

func TestStableArticleID(t *testing.T) {
	a := StableArticleID("https://example.com/story", "src-1")
	b := StableArticleID("https://example.com/story", "src-1")
	c := StableArticleID("https://example.com/story", "src-2")
	if a != b {
		t.Error("same inputs must produce the same id")
	}
	if a == c {
		t.Error("different sources must produce different ids")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestCVESnapshotHashChangesWithSeverity(t *testing.T) {
	score := 7.5
	cve := &CVE{
		CVEID:                 "CVE-2024-1234",
		PreferredCvssVersion:  CvssV31,
		PreferredBaseScore:    &score,
		PreferredBaseSeverity: SeverityHigh,
		PreferredVector:       "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:N/A:N",
		DescriptionText:       "A vulnerability.",
	}
	h1 := cve.ComputeSnapshotHash()
	if h1 != cve.ComputeSnapshotHash() {
		t.Fatal("snapshot hash is not deterministic")
	}

	cve.PreferredBaseSeverity = SeverityCritical
	if h1 == cve.ComputeSnapshotHash() {
		t.Fatal("severity change must change the snapshot hash")
	}
}

func TestCVESnapshotHashIgnoresProductOrder(t *testing.T) {
	base := CVE{CVEID: "CVE-2024-1", PreferredCvssVersion: CvssNone}
	a := base
	a.AffectedProducts = []AffectedProduct{
		{Vendor: "acme", Product: "rocket"},
		{Vendor: "zeta", Product: "widget"},
	}
	b := base
	b.AffectedProducts = []AffectedProduct{
		{Vendor: "zeta", Product: "widget"},
		{Vendor: "acme", Product: "rocket"},
	}
	if a.ComputeSnapshotHash() != b.ComputeSnapshotHash() {
		t.Fatal("product order must not affect the snapshot hash")
	}
}

func TestCVEValidatePreferredAgreement(t *testing.T) {
	score := 9.8
	ok := &CVE{CVEID: "CVE-2024-2", PreferredCvssVersion: CvssV40, PreferredBaseScore: &score}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid CVE rejected: %v", err)
	}

	missingScore := &CVE{CVEID: "CVE-2024-3", PreferredCvssVersion: CvssV31}
	if err := missingScore.Validate(); err == nil {
		t.Error("preferred version without score should fail validation")
	}

	noneWithScore := &CVE{CVEID: "CVE-2024-4", PreferredCvssVersion: CvssNone, PreferredBaseScore: &score}
	if err := noneWithScore.Validate(); err == nil {
		t.Error("version none with score should fail validation")
	}
}

func TestJobValidate(t *testing.T) {
	j := &Job{JobType: JobTypeIngestSource}
	j.SetDefaults()
	if err := j.Validate(); err != nil {
		t.Errorf("valid job rejected: %v", err)
	}
	if j.Status != JobQueued {
		t.Errorf("expected default status queued, got %s", j.Status)
	}
	if j.MaxAttempts != 5 {
		t.Errorf("expected default max_attempts 5, got %d", j.MaxAttempts)
	}

	bad := &Job{JobType: "mystery_job", MaxAttempts: 1}
	if err := bad.Validate(); err == nil {
		t.Error("unknown job type should fail validation")
	}

	badPayload := &Job{JobType: JobTypeBuildSite, MaxAttempts: 1, Payload: []byte("{not json")}
	if err := badPayload.Validate(); err == nil {
		t.Error("invalid payload JSON should fail validation")
	}
}

func TestJobTypesForClassDisjoint(t *testing.T) {
	fetch := JobTypesForClass(WorkerClassFetch)
	llm := JobTypesForClass(WorkerClassLLM)
	seen := make(map[string]bool)
	for _, jt := range fetch {
		seen[jt] = true
	}
	for _, jt := range llm {
		if seen[jt] {
			t.Errorf("job type %s served by both classes", jt)
		}
	}
	if len(fetch)+len(llm) != len(KnownJobTypes) {
		t.Errorf("classes cover %d types, want %d", len(fetch)+len(llm), len(KnownJobTypes))
	}
}

func TestSourceDueAndPaused(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	s := &Source{ID: "s1", URL: "https://example.com/feed", Kind: SourceRSS, Enabled: true, IntervalMinutes: 30}
	if !s.Due(now) {
		t.Error("never-run source should be due")
	}

	s.LastRunAt = &past
	if !s.Due(now) {
		t.Error("source past its interval should be due")
	}

	recent := now.Add(-time.Minute)
	s.LastRunAt = &recent
	if s.Due(now) {
		t.Error("recently-run source should not be due")
	}

	s.LastRunAt = &past
	s.PauseUntil = &future
	if !s.IsPaused(now) || s.Due(now) {
		t.Error("paused source should not be due")
	}

	s.PauseUntil = &past
	if s.IsPaused(now) {
		t.Error("expired pause should not count as paused")
	}
	if !s.Due(now) {
		t.Error("source should be due again after pause expires")
	}
}

func TestSourceValidate(t *testing.T) {
	ok := &Source{ID: "s1", URL: "https://example.com/feed", Kind: SourceRSS}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid source rejected: %v", err)
	}

	badURL := &Source{ID: "s2", URL: "ftp://example.com", Kind: SourceRSS}
	if err := badURL.Validate(); err == nil {
		t.Error("non-http url should fail validation")
	}

	htmlNoSel := &Source{ID: "s3", URL: "https://example.com", Kind: SourceHTML}
	if err := htmlNoSel.Validate(); err == nil {
		t.Error("html source without selectors should fail validation")
	}
}

func TestSourceHealthInvariants(t *testing.T) {
	ok := &SourceHealth{SourceID: "s1", FoundCount: 10, AcceptedCount: 4, SeenCount: 3, FilteredCount: 2}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid health row rejected: %v", err)
	}

	bad := &SourceHealth{SourceID: "s1", FoundCount: 3, AcceptedCount: 4}
	if err := bad.Validate(); err == nil {
		t.Error("accepted > found should fail validation")
	}

	overflow := &SourceHealth{SourceID: "s1", FoundCount: 5, AcceptedCount: 2, SeenCount: 2, FilteredCount: 2}
	if err := overflow.Validate(); err == nil {
		t.Error("seen+filtered+accepted > found should fail validation")
	}
}

func TestErrorKindTagging(t *testing.T) {
	base := Tagf(KindTransient, "connection reset by %s", "peer")
	if Kind(base) != KindTransient {
		t.Errorf("expected transient, got %s", Kind(base))
	}
	if !Retryable(base) {
		t.Error("transient errors should be retryable")
	}

	wrapped := Tag(KindPermanent, base)
	if Kind(wrapped) != KindPermanent {
		t.Errorf("outer tag should win, got %s", Kind(wrapped))
	}
	if Retryable(wrapped) {
		t.Error("permanent errors should not be retryable")
	}

	rl := RateLimited(Tagf(KindInternal, "429"), 30*time.Second)
	if Kind(rl) != KindRateLimited {
		t.Errorf("expected rate_limited, got %s", Kind(rl))
	}
	if RetryAfterHint(rl) != 30*time.Second {
		t.Errorf("expected retry-after hint of 30s, got %v", RetryAfterHint(rl))
	}

	if Kind(nil) != "" {
		t.Error("nil error should have empty kind")
	}
}

func TestContentFingerprintTruncation(t *testing.T) {
	long := strings.Repeat("x", 2000)
	a := ContentFingerprint("Title", long)
	b := ContentFingerprint("Title", long+"tail beyond the window")
	if a != b {
		t.Error("fingerprint should ignore text beyond the truncation window")
	}
	if a == ContentFingerprint("Other title", long) {
		t.Error("different titles must fingerprint differently")
	}
}

func TestEventValidateAndDefaults(t *testing.T) {
	e := &Event{EventKey: "cve:CVE-2024-1234", Kind: EventCVECluster, Title: "t"}
	e.SetDefaults()
	if e.Status != EventProposed {
		t.Errorf("expected initial status proposed, got %s", e.Status)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	e.LastSeenAt = e.FirstSeenAt.Add(-time.Hour)
	if err := e.Validate(); err == nil {
		t.Error("last_seen before first_seen should fail validation")
	}

	badKind := &Event{EventKey: "k", Kind: "weird", Status: EventActive, FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
	if err := badKind.Validate(); err == nil {
		t.Error("unknown kind should fail validation")
	}
}
