package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/telemetry"
	"github.com/sempervigil/sempervigil/internal/types"
)

const queueScopeName = "github.com/sempervigil/sempervigil/queue"

// recurTick is how often the recurring-job heartbeat re-checks whether a
// singleton job needs its next copy enqueued.
const recurTick = 15 * time.Second

// finalizeTimeout bounds the database writes that record a job outcome.
const finalizeTimeout = 30 * time.Second

// Options configures a Pool.
type Options struct {
	// Class labels the worker and prefixes the generated worker id. The
	// handlers registered on the pool decide what it actually claims.
	Class types.WorkerClass
	// Slots is the number of concurrent handler slots (default 4).
	Slots int
	// WorkerID overrides the generated lease-owner id.
	WorkerID string
	// ShutdownGrace is how long in-flight handlers may keep running
	// after Run's context ends (default 30s). Handlers still running
	// when it expires are interrupted and their jobs left to lease
	// reclaim.
	ShutdownGrace time.Duration
	Log           *slog.Logger
}

// Pool claims jobs from storage and executes registered handlers. One
// process typically runs one pool; several pools on several processes
// coordinate purely through the jobs table.
type Pool struct {
	store     storage.Storage
	class     types.WorkerClass
	slots     int
	workerID  string
	grace     time.Duration
	log       *slog.Logger
	handlers  map[string]HandlerFunc
	recurring []recurringJob
	metrics   poolMetrics

	mu       sync.Mutex
	lastGood *config.Runtime
}

type recurringJob struct {
	build func() *types.Job
	every func(rt *config.Runtime) time.Duration
}

// New builds a pool over store. Register handlers before calling Run or
// RunOnce.
func New(store storage.Storage, opts Options) *Pool {
	if opts.Class == "" {
		opts.Class = types.WorkerClassFetch
	}
	if opts.Slots <= 0 {
		opts.Slots = 4
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		opts.WorkerID = fmt.Sprintf("%s-%s-%d-%s", opts.Class, host, os.Getpid(), uuid.NewString()[:8])
	}
	return &Pool{
		store:    store,
		class:    opts.Class,
		slots:    opts.Slots,
		workerID: opts.WorkerID,
		grace:    opts.ShutdownGrace,
		log:      opts.Log,
		handlers: make(map[string]HandlerFunc),
		metrics:  newPoolMetrics(),
	}
}

// WorkerID returns the lease-owner id this pool claims with.
func (p *Pool) WorkerID() string { return p.workerID }

// Register binds a handler to a job type. Registering an unknown type,
// or the same type twice, is a wiring bug and panics at startup.
func (p *Pool) Register(jobType string, h HandlerFunc) {
	known := false
	for _, t := range types.KnownJobTypes {
		if t == jobType {
			known = true
			break
		}
	}
	if !known {
		panic(fmt.Sprintf("queue: register unknown job type %q", jobType))
	}
	if _, dup := p.handlers[jobType]; dup {
		panic(fmt.Sprintf("queue: handler for %q already registered", jobType))
	}
	p.handlers[jobType] = h
}

// Recur registers a singleton job that the pool keeps re-enqueueing:
// whenever no queued or running copy exists, the next copy is scheduled
// every(rt) into the future. build must set an idempotency key; the
// coalescing against the live copy is what spaces executions out. The
// first copy is enqueued immediately when Run starts.
func (p *Pool) Recur(build func() *types.Job, every func(rt *config.Runtime) time.Duration) {
	p.recurring = append(p.recurring, recurringJob{build: build, every: every})
}

// claimTypes returns the registered job types in deterministic order.
func (p *Pool) claimTypes() []string {
	out := make([]string, 0, len(p.handlers))
	for jt := range p.handlers {
		out = append(out, jt)
	}
	sort.Strings(out)
	return out
}

// snapshot loads the runtime config for one claim round. A corrupt
// config row must not stall the pool, so load failures fall back to the
// last good snapshot, or to defaults before the first success.
func (p *Pool) snapshot(ctx context.Context) *config.Runtime {
	rt, err := config.LoadRuntime(ctx, p.store)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("runtime config load failed; using previous snapshot", "error", err)
		}
		p.mu.Lock()
		last := p.lastGood
		p.mu.Unlock()
		if last != nil {
			return last
		}
		return config.DefaultRuntime()
	}
	p.mu.Lock()
	p.lastGood = rt
	p.mu.Unlock()
	return rt
}

// Run executes the pool until ctx is canceled. On cancellation the
// claim loops stop immediately; in-flight handlers get the shutdown
// grace to finish and record their outcome, after which they are
// interrupted and their jobs abandoned to lease reclaim.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return fmt.Errorf("queue: no handlers registered")
	}
	claim := p.claimTypes()
	p.log.Info("worker pool starting",
		"worker_id", p.workerID, "class", string(p.class), "slots", p.slots, "job_types", claim)

	// workCtx outlives ctx by the grace period so handlers can finish.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go func() {
		select {
		case <-workCtx.Done():
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	g := new(errgroup.Group)
	for i := 0; i < p.slots; i++ {
		g.Go(func() error { return p.slotLoop(ctx, workCtx, i, claim) })
	}
	if len(p.recurring) > 0 {
		g.Go(func() error { return p.recurLoop(ctx) })
	}
	err := g.Wait()
	cancelWork()
	p.log.Info("worker pool stopped", "worker_id", p.workerID)
	return err
}

// RunOnce drains the queue sequentially: it claims and executes jobs
// until nothing is runnable for this pool, then returns how many jobs
// ran. Jobs enqueued by handlers during the drain are drained too,
// unless their run_after pushes them past now. Backs `sv worker --once`
// and deterministic tests.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	if len(p.handlers) == 0 {
		return 0, fmt.Errorf("queue: no handlers registered")
	}
	claim := p.claimTypes()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rt := p.snapshot(ctx)
		job, err := p.store.ClaimNextJob(ctx, p.workerID, claim, rt.Queue.LeaseTTL(), rt.Queue.ClaimCaps())
		if err != nil {
			return n, err
		}
		if job == nil {
			return n, nil
		}
		p.execute(ctx, rt, job, p.log)
		n++
	}
}

func (p *Pool) slotLoop(ctx, workCtx context.Context, slot int, claim []string) error {
	log := p.log.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return nil
		}
		rt := p.snapshot(ctx)
		job, err := p.store.ClaimNextJob(ctx, p.workerID, claim, rt.Queue.LeaseTTL(), rt.Queue.ClaimCaps())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("claim failed", "error", err)
			sleepJittered(ctx, rt.Queue.PollInterval())
			continue
		}
		if job == nil {
			sleepJittered(ctx, rt.Queue.PollInterval())
			continue
		}
		p.execute(workCtx, rt, job, log)
	}
}

// jobFlags records what the renewal loop observed while the handler ran.
type jobFlags struct {
	cancelRequested atomic.Bool
	leaseLost       atomic.Bool
}

// execute runs one claimed job through its handler and finalizes the
// outcome. workCtx is the handler's lifetime: it ends on worker
// shutdown (after grace), and the per-job context layered on it ends on
// hard timeout or cooperative cancellation.
func (p *Pool) execute(workCtx context.Context, rt *config.Runtime, job *types.Job, log *slog.Logger) {
	log = log.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)
	attrs := metric.WithAttributes(attribute.String("sv.job.type", job.JobType))
	p.metrics.claimed.Add(workCtx, 1, attrs)

	handler := p.handlers[job.JobType]
	ttl := rt.Queue.LeaseTTL()
	hardTimeout := rt.Queue.Timeout(job.JobType)

	jobCtx, cancelJob := context.WithTimeout(workCtx, hardTimeout)
	defer cancelJob()

	var flags jobFlags
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		p.renewLoop(jobCtx, cancelJob, job.ID, ttl, &flags, log)
	}()

	start := time.Now()
	result, err := p.runHandler(jobCtx, handler, &Task{Job: job, Runtime: rt, Log: log})

	// Stop renewal before finalizing so a late renewal cannot race the
	// terminal update.
	cancelJob()
	renewWG.Wait()

	durationMS := time.Since(start).Milliseconds()
	p.metrics.duration.Record(workCtx, float64(durationMS), attrs)
	log = log.With("duration_ms", durationMS)

	// Outcomes must reach the database even when the pool is shutting
	// down, so finalization runs on its own context.
	finCtx, cancelFin := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancelFin()

	switch {
	case flags.leaseLost.Load():
		// Another worker owns the row now; it is not ours to finalize.
		log.Warn("lease lost mid-run; abandoning job", "error", errText(err))

	case err == nil:
		if cerr := p.store.CompleteJob(finCtx, job.ID, p.workerID, result); cerr != nil {
			log.Error("job succeeded but completion failed", "error", cerr)
			return
		}
		p.metrics.succeeded.Add(finCtx, 1, attrs)
		log.Info("job succeeded")

	case flags.cancelRequested.Load():
		p.finalizeCancel(finCtx, job, "canceled by request", attrs, log)

	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		p.finalizeCancel(finCtx, job, fmt.Sprintf("hard timeout after %s", hardTimeout), attrs, log)

	case workCtx.Err() != nil:
		// Shutdown interrupted the handler. Leave the row running; the
		// lease expires and another worker reclaims it.
		log.Info("shutdown interrupted job; lease left to expire", "error", errText(err))

	default:
		p.finalizeFailure(finCtx, rt, job, result, err, attrs, log)
	}
}

// runHandler invokes h, converting panics into internal errors so one
// broken handler cannot take down the slot.
func (p *Pool) runHandler(ctx context.Context, h HandlerFunc, task *Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Tagf(types.KindInternal, "handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, task)
}

// renewLoop extends the job's lease at ttl/3 while the handler runs,
// and relays cancel requests into the handler's context.
func (p *Pool) renewLoop(ctx context.Context, cancelJob context.CancelFunc, jobID string, ttl time.Duration, flags *jobFlags, log *slog.Logger) {
	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelRequested, err := p.store.RenewLease(ctx, jobID, p.workerID, ttl)
			switch {
			case err == nil && cancelRequested:
				flags.cancelRequested.Store(true)
				log.Info("cancel requested; stopping handler")
				cancelJob()
				return
			case errors.Is(err, storage.ErrAlreadyClaimed) || errors.Is(err, storage.ErrNotFound):
				flags.leaseLost.Store(true)
				log.Warn("lease renewal rejected", "error", err)
				cancelJob()
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				// The lease stays live until ttl; keep trying.
				log.Warn("lease renewal failed", "error", err)
			}
		}
	}
}

func (p *Pool) finalizeCancel(ctx context.Context, job *types.Job, reason string, attrs metric.MeasurementOption, log *slog.Logger) {
	if err := p.store.FinalizeCanceledJob(ctx, job.ID, p.workerID, reason); err != nil {
		log.Error("cancel finalization failed", "error", err)
		return
	}
	p.metrics.canceled.Add(ctx, 1, attrs)
	log.Info("job canceled", "reason", reason)
}

// finalizeFailure applies the retry policy: transient and rate-limited
// errors requeue with exponential backoff until max_attempts; every
// other kind fails the job on first occurrence. A handler may return a
// partial result with its error; the result is stored so diagnostics
// like builder output tails survive the failure.
func (p *Pool) finalizeFailure(ctx context.Context, rt *config.Runtime, job *types.Job, result json.RawMessage, jobErr error, attrs metric.MeasurementOption, log *slog.Logger) {
	kind := types.Kind(jobErr)
	msg := truncateErr(jobErr.Error())

	if types.Retryable(jobErr) && job.Attempts < job.MaxAttempts {
		delay := RetryDelay(job.Attempts, rt.Queue.BackoffBase(), rt.Queue.BackoffCap(), types.RetryAfterHint(jobErr))
		retryAt := time.Now().UTC().Add(delay)
		if err := p.store.FailJob(ctx, job.ID, p.workerID, msg, result, &retryAt); err != nil {
			log.Error("retry scheduling failed", "error", err)
			return
		}
		p.metrics.retried.Add(ctx, 1, attrs)
		log.Warn("job failed; retry scheduled",
			"kind", string(kind), "error", msg, "run_after", retryAt)
		return
	}

	if err := p.store.FailJob(ctx, job.ID, p.workerID, msg, result, nil); err != nil {
		log.Error("failure finalization failed", "error", err)
		return
	}
	p.metrics.failed.Add(ctx, 1, attrs)
	log.Error("job failed permanently",
		"kind", string(kind), "error", msg, "attempts", job.Attempts)
}

// recurLoop keeps the registered singleton jobs alive. The first copies
// are seeded immediately so a restarted worker does not wait a full
// interval before its first scan.
func (p *Pool) recurLoop(ctx context.Context) error {
	p.enqueueRecurring(ctx, true)
	ticker := time.NewTicker(recurTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.enqueueRecurring(ctx, false)
		}
	}
}

func (p *Pool) enqueueRecurring(ctx context.Context, immediate bool) {
	rt := p.snapshot(ctx)
	for _, r := range p.recurring {
		job := r.build()
		if !immediate {
			ra := time.Now().UTC().Add(r.every(rt))
			job.RunAfter = &ra
		}
		if _, err := p.store.EnqueueJob(ctx, job, storage.EnqueueOptions{}); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("recurring enqueue failed", "job_type", job.JobType, "error", err)
		}
	}
}

type poolMetrics struct {
	claimed   metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	canceled  metric.Int64Counter
	duration  metric.Float64Histogram
}

func newPoolMetrics() poolMetrics {
	m := telemetry.Meter(queueScopeName)
	var pm poolMetrics
	pm.claimed, _ = m.Int64Counter("sv.jobs.claimed",
		metric.WithDescription("Jobs claimed by workers"))
	pm.succeeded, _ = m.Int64Counter("sv.jobs.succeeded",
		metric.WithDescription("Jobs finished successfully"))
	pm.failed, _ = m.Int64Counter("sv.jobs.failed",
		metric.WithDescription("Jobs failed terminally"))
	pm.retried, _ = m.Int64Counter("sv.jobs.retried",
		metric.WithDescription("Failed attempts requeued for retry"))
	pm.canceled, _ = m.Int64Counter("sv.jobs.canceled",
		metric.WithDescription("Jobs canceled by request or hard timeout"))
	pm.duration, _ = m.Float64Histogram("sv.job.duration",
		metric.WithDescription("Handler execution time in milliseconds"),
		metric.WithUnit("ms"))
	return pm
}

// sleepJittered waits d ±25% or until ctx ends. The jitter keeps idle
// slots from hammering the claim query in lockstep.
func sleepJittered(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	q := d / 4
	if q > 0 {
		d += rand.N(2*q+1) - q
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
