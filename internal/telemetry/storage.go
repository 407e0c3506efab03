package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

const storageScopeName = "github.com/sempervigil/sempervigil/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// The embedded interface passes every method through unchanged; the hot
// paths (queue claims and finalization, article/CVE upserts, transactions)
// are overridden to record spans plus sv.storage.* metrics. Use
// WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	storage.Storage
	tracer     trace.Tracer
	ops        metric.Int64Counter
	dur        metric.Float64Histogram
	errs       metric.Int64Counter
	ingested   metric.Int64Counter
	synced     metric.Int64Counter
	queueDepth metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("sv.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("sv.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("sv.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	ingested, _ := m.Int64Counter("sv.articles.ingested",
		metric.WithDescription("Articles accepted into the store (duplicates excluded)"),
	)
	synced, _ := m.Int64Counter("sv.cves.synced",
		metric.WithDescription("CVE records written by sync"),
	)
	queueDepth, _ := m.Int64Gauge("sv.queue.depth",
		metric.WithDescription("Current number of jobs by status (snapshot from QueueStats)"),
	)
	return &InstrumentedStorage{
		Storage:    s,
		tracer:     Tracer(storageScopeName),
		ops:        ops,
		dur:        dur,
		errs:       errs,
		ingested:   ingested,
		synced:     synced,
		queueDepth: queueDepth,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Job queue ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) EnqueueJob(ctx context.Context, job *types.Job, opts storage.EnqueueOptions) (*types.Job, error) {
	attrs := []attribute.KeyValue{attribute.String("sv.job.type", job.JobType)}
	ctx, span, t := s.op(ctx, "EnqueueJob", attrs...)
	v, err := s.Storage.EnqueueJob(ctx, job, opts)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ClaimNextJob(ctx context.Context, workerID string, jobTypes []string, leaseTTL time.Duration, typeCaps map[string]int) (*types.Job, error) {
	attrs := []attribute.KeyValue{attribute.String("sv.worker.id", workerID)}
	ctx, span, t := s.op(ctx, "ClaimNextJob", attrs...)
	v, err := s.Storage.ClaimNextJob(ctx, workerID, jobTypes, leaseTTL, typeCaps)
	if err == nil && v != nil {
		span.SetAttributes(attribute.String("sv.job.type", v.JobType))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) RenewLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("sv.job.id", jobID)}
	ctx, span, t := s.op(ctx, "RenewLease", attrs...)
	v, err := s.Storage.RenewLease(ctx, jobID, workerID, leaseTTL)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) CompleteJob(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	attrs := []attribute.KeyValue{attribute.String("sv.job.id", jobID)}
	ctx, span, t := s.op(ctx, "CompleteJob", attrs...)
	err := s.Storage.CompleteJob(ctx, jobID, workerID, result)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) FailJob(ctx context.Context, jobID, workerID string, jobErr string, result json.RawMessage, retryAt *time.Time) error {
	attrs := []attribute.KeyValue{
		attribute.String("sv.job.id", jobID),
		attribute.Bool("sv.job.retry", retryAt != nil),
	}
	ctx, span, t := s.op(ctx, "FailJob", attrs...)
	err := s.Storage.FailJob(ctx, jobID, workerID, jobErr, result, retryAt)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) CancelJob(ctx context.Context, jobID string) (*types.Job, error) {
	attrs := []attribute.KeyValue{attribute.String("sv.job.id", jobID)}
	ctx, span, t := s.op(ctx, "CancelJob", attrs...)
	v, err := s.Storage.CancelJob(ctx, jobID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) FinalizeCanceledJob(ctx context.Context, jobID, workerID, reason string) error {
	attrs := []attribute.KeyValue{attribute.String("sv.job.id", jobID)}
	ctx, span, t := s.op(ctx, "FinalizeCanceledJob", attrs...)
	err := s.Storage.FinalizeCanceledJob(ctx, jobID, workerID, reason)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// QueueStats doubles as the queue depth gauge snapshot: every status
// poll refreshes sv.queue.depth.
func (s *InstrumentedStorage) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	ctx, span, t := s.op(ctx, "QueueStats")
	v, err := s.Storage.QueueStats(ctx)
	s.done(ctx, span, t, err)
	if err == nil && v != nil {
		for status, n := range v.ByStatus {
			s.queueDepth.Record(ctx, int64(n),
				metric.WithAttributes(attribute.String("status", string(status))))
		}
	}
	return v, err
}

// ── Content writes ───────────────────────────────────────────────────────────

func (s *InstrumentedStorage) UpsertArticle(ctx context.Context, a *types.Article) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("sv.source.id", a.SourceID)}
	ctx, span, t := s.op(ctx, "UpsertArticle", attrs...)
	inserted, err := s.Storage.UpsertArticle(ctx, a)
	s.done(ctx, span, t, err, attrs...)
	if err == nil && inserted {
		s.ingested.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return inserted, err
}

func (s *InstrumentedStorage) UpsertCVE(ctx context.Context, c *types.CVE) error {
	attrs := []attribute.KeyValue{attribute.String("sv.cve.id", c.CVEID)}
	ctx, span, t := s.op(ctx, "UpsertCVE", attrs...)
	err := s.Storage.UpsertCVE(ctx, c)
	s.done(ctx, span, t, err, attrs...)
	if err == nil {
		s.synced.Add(ctx, 1)
	}
	return err
}

func (s *InstrumentedStorage) UpsertEvent(ctx context.Context, e *types.Event) error {
	attrs := []attribute.KeyValue{attribute.String("sv.event.key", e.EventKey)}
	ctx, span, t := s.op(ctx, "UpsertEvent", attrs...)
	err := s.Storage.UpsertEvent(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListDueSources(ctx context.Context, now time.Time) ([]*types.Source, error) {
	ctx, span, t := s.op(ctx, "ListDueSources")
	v, err := s.Storage.ListDueSources(ctx, now)
	if err == nil {
		span.SetAttributes(attribute.Int("sv.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.Storage.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}
