package ops

import (
	"context"
	"testing"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

func TestStatus(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := svc.UpsertSource(ctx, &types.Source{ID: "healthy", URL: "https://a.example/feed"}); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	if err := svc.UpsertSource(ctx, &types.Source{ID: "broken", URL: "https://b.example/feed"}); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	if _, err := svc.PauseSource(ctx, "broken", time.Hour, "bad feed"); err != nil {
		t.Fatalf("PauseSource: %v", err)
	}
	if err := store.AppendSourceHealth(ctx, &types.SourceHealth{
		SourceID: "healthy", TS: time.Now().UTC(), OK: true, FoundCount: 3, AcceptedCount: 3,
	}); err != nil {
		t.Fatalf("AppendSourceHealth: %v", err)
	}
	if err := store.AppendSourceHealth(ctx, &types.SourceHealth{
		SourceID: "broken", TS: time.Now().UTC(), OK: false, LastError: "http 500",
	}); err != nil {
		t.Fatalf("AppendSourceHealth: %v", err)
	}

	if _, err := store.UpsertArticle(ctx, &types.Article{
		ID: "a1", SourceID: "healthy", CanonicalURL: "https://a.example/a1",
	}); err != nil {
		t.Fatalf("UpsertArticle: %v", err)
	}
	sync, err := svc.RunCveSyncNow(ctx, false)
	if err != nil {
		t.Fatalf("RunCveSyncNow: %v", err)
	}
	seedProfile(t, store, "prof-a")
	if err := store.SetStageRoute(ctx, types.StageSummarizeArticle, "prof-a"); err != nil {
		t.Fatalf("SetStageRoute: %v", err)
	}

	report, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Sources.Total != 2 || report.Sources.Enabled != 2 {
		t.Errorf("sources = %+v", report.Sources)
	}
	if report.Sources.Paused != 1 || report.Sources.Erroring != 1 {
		t.Errorf("paused/erroring = %d/%d", report.Sources.Paused, report.Sources.Erroring)
	}
	if report.Content.Articles != 1 || report.Content.CVEs != 0 {
		t.Errorf("content = %+v", report.Content)
	}
	if report.Queue == nil || report.Queue.ByStatus[types.JobQueued] != 1 {
		t.Errorf("queue = %+v", report.Queue)
	}
	if report.LastCveSync == nil || report.LastCveSync.ID != sync.ID {
		t.Errorf("last cve sync = %+v", report.LastCveSync)
	}
	if report.LastBuild != nil {
		t.Errorf("last build = %+v, want none", report.LastBuild)
	}
	if report.Routes[types.StageSummarizeArticle] != "prof-a" {
		t.Errorf("routes = %v", report.Routes)
	}
}

func TestStatusEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	report, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Sources.Total != 0 || report.Content.Articles != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.LastCveSync != nil || report.LastBuild != nil || report.Routes != nil {
		t.Errorf("digests = %+v %+v %+v", report.LastCveSync, report.LastBuild, report.Routes)
	}
}
