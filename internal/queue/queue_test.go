package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/types"
)

// TestEnqueueBuildSiteCoalesces verifies a burst of publish triggers
// keeps a single build_site job and pushes its run_after forward, so one
// build covers the whole burst.
func TestEnqueueBuildSiteCoalesces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := EnqueueBuildSite(ctx, store, 30*time.Second); err != nil {
		t.Fatalf("enqueue build: %v", err)
	}
	jobs, err := store.ListJobs(ctx, types.JobFilter{JobType: types.JobTypeBuildSite})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 build job, got %d", len(jobs))
	}
	if jobs[0].RunAfter == nil {
		t.Fatal("expected run_after set by the debounce window")
	}
	first := *jobs[0].RunAfter
	if d := time.Until(first); d < 25*time.Second || d > 35*time.Second {
		t.Errorf("expected run_after ~30s out, got %s", d)
	}

	time.Sleep(100 * time.Millisecond)
	if err := EnqueueBuildSite(ctx, store, 30*time.Second); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	jobs, err = store.ListJobs(ctx, types.JobFilter{JobType: types.JobTypeBuildSite})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected coalesced build job, got %d", len(jobs))
	}
	if !jobs[0].RunAfter.After(first) {
		t.Errorf("expected run_after pushed past %s, got %s", first, jobs[0].RunAfter)
	}
}

// TestDecodePayload covers the payload round-trip, the empty-payload
// no-op, and the validation tag on malformed JSON.
func TestDecodePayload(t *testing.T) {
	task := &Task{Job: NewIngestSourceJob("krebs"), Runtime: config.DefaultRuntime(), Log: quietLogger()}

	var p SourcePayload
	if err := task.DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SourceID != "krebs" {
		t.Errorf("expected source_id krebs, got %q", p.SourceID)
	}

	task.Job.Payload = nil
	var empty SourcePayload
	if err := task.DecodePayload(&empty); err != nil {
		t.Errorf("empty payload should decode to zero value, got %v", err)
	}

	task.Job.Payload = json.RawMessage(`{"source_id":`)
	err := task.DecodePayload(&p)
	if err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
	if types.Kind(err) != types.KindValidation {
		t.Errorf("expected validation kind, got %s", types.Kind(err))
	}
}

// TestBuildJob checks manual enqueues land on the same payload shapes
// and idempotency keys the system constructors produce.
func TestBuildJob(t *testing.T) {
	job, err := BuildJob(types.JobTypeIngestSource, json.RawMessage(`{"source_id": "krebs"}`))
	if err != nil {
		t.Fatalf("build ingest_source: %v", err)
	}
	if job.IdempotencyKey != "ingest:krebs" {
		t.Errorf("ingest key = %q", job.IdempotencyKey)
	}

	job, err = BuildJob(types.JobTypeSummarizeArticleLLM, json.RawMessage(`{"article_id": "a1"}`))
	if err != nil {
		t.Fatalf("build summarize: %v", err)
	}
	if job.IdempotencyKey != types.JobTypeSummarizeArticleLLM+":a1" {
		t.Errorf("summarize key = %q", job.IdempotencyKey)
	}

	job, err = BuildJob(types.JobTypeCveSync, nil)
	if err != nil || job.IdempotencyKey != KeyCveSync {
		t.Errorf("cve_sync = %+v, %v", job, err)
	}

	if _, err := BuildJob(types.JobTypeIngestSource, nil); types.Kind(err) != types.KindValidation {
		t.Errorf("missing source_id kind = %v", types.Kind(err))
	}
	if _, err := BuildJob(types.JobTypeFetchArticleContent, json.RawMessage(`{}`)); types.Kind(err) != types.KindValidation {
		t.Errorf("missing article_id kind = %v", types.Kind(err))
	}
	if _, err := BuildJob("reticulate_splines", nil); types.Kind(err) != types.KindValidation {
		t.Errorf("unknown type kind = %v", types.Kind(err))
	}
	if _, err := BuildJob(types.JobTypeCveSync, json.RawMessage(`{"full":`)); types.Kind(err) != types.KindValidation {
		t.Errorf("malformed payload kind = %v", types.Kind(err))
	}
}
