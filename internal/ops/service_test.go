package ops

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sempervigil/sempervigil/internal/queue"
	"github.com/sempervigil/sempervigil/internal/storage/sqlite"
	"github.com/sempervigil/sempervigil/internal/types"
)

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *sqlite.SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	return NewService(store, nil, quietLogger()), store
}

func TestEnqueueJobAppliesSystemKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.EnqueueJob(ctx, types.JobTypeCveSync, json.RawMessage(`{"full": true}`))
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if first.IdempotencyKey != queue.KeyCveSync {
		t.Errorf("idempotency key = %q", first.IdempotencyKey)
	}
	var p queue.CveSyncPayload
	if err := json.Unmarshal(first.Payload, &p); err != nil || !p.Full {
		t.Errorf("payload = %s, err %v", first.Payload, err)
	}

	second, err := svc.EnqueueJob(ctx, types.JobTypeCveSync, nil)
	if err != nil {
		t.Fatalf("duplicate EnqueueJob: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate enqueue created a second sync: %s vs %s", second.ID, first.ID)
	}
}

func TestEnqueueJobValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.EnqueueJob(ctx, "mine_bitcoin", nil)
	if types.Kind(err) != types.KindValidation {
		t.Errorf("unknown type error kind = %v", types.Kind(err))
	}
	_, err = svc.EnqueueJob(ctx, types.JobTypeIngestSource, json.RawMessage(`{}`))
	if types.Kind(err) != types.KindValidation || !strings.Contains(err.Error(), "source_id") {
		t.Errorf("missing source_id error = %v", err)
	}
	_, err = svc.EnqueueJob(ctx, types.JobTypeSummarizeArticleLLM, json.RawMessage(`{broken`))
	if types.Kind(err) != types.KindValidation {
		t.Errorf("malformed payload error kind = %v", types.Kind(err))
	}
}

func TestJobLifecycleOps(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.EnqueueJob(ctx, types.JobTypeBuildSite, nil)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := svc.GetJob(ctx, job.ID)
	if err != nil || got.JobType != types.JobTypeBuildSite {
		t.Fatalf("GetJob = %+v, %v", got, err)
	}
	if _, err := svc.GetJob(ctx, "nope"); types.Kind(err) != types.KindNotFound {
		t.Errorf("missing job error kind = %v", types.Kind(err))
	}

	canceled, err := svc.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if canceled.Status != types.JobCanceled {
		t.Errorf("status after cancel = %s", canceled.Status)
	}
	if _, err := svc.CancelJob(ctx, "nope"); types.Kind(err) != types.KindNotFound {
		t.Errorf("cancel missing error kind = %v", types.Kind(err))
	}

	retried, err := svc.RetryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if retried.Status != types.JobQueued || retried.Attempts != 0 {
		t.Errorf("after retry: status=%s attempts=%d", retried.Status, retried.Attempts)
	}

	// A queued job is not retryable.
	if _, err := svc.RetryJob(ctx, job.ID); types.Kind(err) != types.KindPermanent {
		t.Errorf("retry queued error kind = %v", types.Kind(err))
	}
	if _, err := svc.RetryJob(ctx, "nope"); types.Kind(err) != types.KindNotFound {
		t.Errorf("retry missing error kind = %v", types.Kind(err))
	}
}

func TestCancelAll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.EnqueueJob(ctx, types.JobTypeBuildSite, nil); err != nil {
		t.Fatalf("enqueue build: %v", err)
	}
	if _, err := svc.EnqueueJob(ctx, types.JobTypeEventsRebuild, nil); err != nil {
		t.Fatalf("enqueue rebuild: %v", err)
	}

	n, err := svc.CancelAll(ctx, types.JobTypeBuildSite)
	if err != nil || n != 1 {
		t.Fatalf("CancelAll(build_site) = %d, %v", n, err)
	}
	n, err = svc.CancelAll(ctx, "")
	if err != nil || n != 1 {
		t.Fatalf("CancelAll() = %d, %v; rebuild should remain", n, err)
	}
	if _, err := svc.CancelAll(ctx, "bogus"); types.Kind(err) != types.KindValidation {
		t.Errorf("bogus type error kind = %v", types.Kind(err))
	}
}

func TestRunCveSyncNowAndRebuildEvents(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sync, err := svc.RunCveSyncNow(ctx, true)
	if err != nil {
		t.Fatalf("RunCveSyncNow: %v", err)
	}
	if sync.JobType != types.JobTypeCveSync {
		t.Errorf("job type = %s", sync.JobType)
	}
	again, err := svc.RunCveSyncNow(ctx, false)
	if err != nil || again.ID != sync.ID {
		t.Errorf("second sync = %+v, %v; want the queued one back", again, err)
	}

	rebuild, err := svc.RebuildEvents(ctx)
	if err != nil || rebuild.JobType != types.JobTypeEventsRebuild {
		t.Fatalf("RebuildEvents = %+v, %v", rebuild, err)
	}
}

func TestPurgeEvents(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	weak := &types.Event{
		EventKey: "cve:CVE-2025-1111",
		Kind:     types.EventCVECluster,
		Title:    "weak",
		Severity: types.SeverityLow,
	}
	manual := &types.Event{
		EventKey: "manual:incident-1",
		Kind:     types.EventManual,
		Title:    "handled incident",
		Severity: types.SeverityLow,
	}
	for _, e := range []*types.Event{weak, manual} {
		if err := store.UpsertEvent(ctx, e); err != nil {
			t.Fatalf("UpsertEvent(%s): %v", e.EventKey, err)
		}
	}

	res, err := svc.PurgeEvents(ctx)
	if err != nil {
		t.Fatalf("PurgeEvents: %v", err)
	}
	if res.Purged != 1 || res.MinArticles != 2 || res.MinSeverity != "HIGH" {
		t.Errorf("result = %+v", res)
	}
	if _, err := store.GetEventByKey(ctx, "manual:incident-1"); err != nil {
		t.Errorf("manual event purged: %v", err)
	}
	if _, err := store.GetEventByKey(ctx, "cve:CVE-2025-1111"); err == nil {
		t.Error("weak event survived purge")
	}
}

func TestClearContentByType(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	src := &types.Source{ID: "s1", Kind: types.SourceRSS, URL: "https://x.example/feed", Enabled: true}
	if err := store.UpsertSource(ctx, src); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	if _, err := store.UpsertArticle(ctx, &types.Article{
		ID: "a1", SourceID: "s1", CanonicalURL: "https://x.example/a1",
	}); err != nil {
		t.Fatalf("UpsertArticle: %v", err)
	}
	if err := store.UpsertEvent(ctx, &types.Event{
		EventKey: "cve:CVE-2025-2222", Kind: types.EventCVECluster, Title: "e1",
	}); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
	if _, err := svc.EnqueueJob(ctx, types.JobTypeBuildSite, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := svc.ClearContentByType(ctx, "articles")
	if err != nil {
		t.Fatalf("ClearContentByType(articles): %v", err)
	}
	if res.Deleted["articles"] != 1 {
		t.Errorf("deleted = %+v", res.Deleted)
	}

	res, err = svc.ClearContentByType(ctx, "all")
	if err != nil {
		t.Fatalf("ClearContentByType(all): %v", err)
	}
	if res.JobsCanceled != 1 || res.Deleted["events"] != 1 {
		t.Errorf("all result = %+v", res)
	}
	articles, cves, events, err := store.ContentCounts(ctx)
	if err != nil || articles+cves+events != 0 {
		t.Errorf("content counts after clear-all = %d/%d/%d, %v", articles, cves, events, err)
	}

	if _, err := svc.ClearContentByType(ctx, "everything"); types.Kind(err) != types.KindValidation {
		t.Errorf("unknown type error kind = %v", types.Kind(err))
	}
}
