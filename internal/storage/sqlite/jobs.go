package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// jobColumns is the canonical column order shared by every job SELECT.
const jobColumns = `id, job_type, payload, status, priority, requested_at, run_after,
	started_at, finished_at, attempts, max_attempts, lease_owner, lease_expires_at,
	idempotency_key, cancel_requested, result, error`

// debounceCapFactor bounds how far a stream of debounced enqueues can
// push a pending job's run_after: never more than this many debounce
// windows past the job's requested_at.
const debounceCapFactor = 10

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc rowScanner) (*types.Job, error) {
	var (
		j              types.Job
		payload        string
		runAfter       sql.NullTime
		startedAt      sql.NullTime
		finishedAt     sql.NullTime
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		idemKey        sql.NullString
		cancelReq      int
		result         sql.NullString
	)
	err := sc.Scan(&j.ID, &j.JobType, &payload, &j.Status, &j.Priority, &j.RequestedAt,
		&runAfter, &startedAt, &finishedAt, &j.Attempts, &j.MaxAttempts, &leaseOwner,
		&leaseExpiresAt, &idemKey, &cancelReq, &result, &j.Error)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.RequestedAt = j.RequestedAt.UTC()
	j.RunAfter = timePtr(runAfter)
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	j.LeaseOwner = leaseOwner.String
	j.LeaseExpiresAt = timePtr(leaseExpiresAt)
	j.IdempotencyKey = idemKey.String
	j.CancelRequested = cancelReq != 0
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	return &j, nil
}

func getJob(ctx context.Context, q dbtx, id string) (*types.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get job %s", id), err)
	}
	return j, nil
}

// getActiveJobByIdemKey finds the queued or running job holding key.
func getActiveJobByIdemKey(ctx context.Context, q dbtx, key string) (*types.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = ? AND status IN ('queued', 'running') LIMIT 1`, key)
	j, err := scanJob(row)
	if err != nil {
		return nil, wrapDBError("get job by idempotency key", err)
	}
	return j, nil
}

// enqueueJob inserts a job, or coalesces with the live holder of its
// idempotency key. Callers must already hold a write transaction when
// atomicity against concurrent enqueues matters.
func enqueueJob(ctx context.Context, q dbtx, job *types.Job, opts storage.EnqueueOptions) (*types.Job, error) {
	job.SetDefaults()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if job.IdempotencyKey != "" {
		existing, err := getActiveJobByIdemKey(ctx, q, job.IdempotencyKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			if opts.Debounce > 0 && existing.Status == types.JobQueued {
				// Each write pushes the pending job forward, capped at
				// debounceCapFactor windows past the first enqueue so a
				// sustained write stream cannot postpone it forever.
				ra := time.Now().UTC().Add(opts.Debounce)
				if latest := existing.RequestedAt.Add(opts.Debounce * debounceCapFactor); ra.After(latest) {
					ra = latest
				}
				if _, err := q.ExecContext(ctx,
					`UPDATE jobs SET run_after = ? WHERE id = ? AND status = 'queued'`,
					ra, existing.ID); err != nil {
					return nil, wrapDBError("debounce job", err)
				}
				existing.RunAfter = &ra
			}
			return existing, nil
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, priority, requested_at, run_after,
			attempts, max_attempts, idempotency_key, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, '')`,
		job.ID, job.JobType, string(job.Payload), string(job.Status), job.Priority,
		job.RequestedAt.UTC(), nullTime(job.RunAfter), job.MaxAttempts,
		nullStr(job.IdempotencyKey))
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, fmt.Errorf("enqueue job %s: %w", job.JobType, storage.ErrConflict)
		}
		return nil, wrapDBError("enqueue job", err)
	}
	return getJob(ctx, q, job.ID)
}

// EnqueueJob inserts a job, or returns the live job already holding its
// idempotency key (pushing that job's run_after forward when
// opts.Debounce is set).
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *types.Job, opts storage.EnqueueOptions) (*types.Job, error) {
	var out *types.Job
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		j, err := enqueueJob(ctx, q, job, opts)
		out = j
		return err
	})
	return out, err
}

func (t *sqliteTx) EnqueueJob(ctx context.Context, job *types.Job, opts storage.EnqueueOptions) (*types.Job, error) {
	return enqueueJob(ctx, t.conn, job, opts)
}

// capCaseExpr builds the per-type concurrency bound as a CASE over
// job_type. Types missing from caps are effectively uncapped.
func capCaseExpr(caps map[string]int) (string, []interface{}) {
	if len(caps) == 0 {
		return "?", []interface{}{math.MaxInt32}
	}
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("CASE c.job_type")
	args := make([]interface{}, 0, 2*len(keys)+1)
	for _, k := range keys {
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, k, caps[k])
	}
	b.WriteString(" ELSE ? END")
	args = append(args, math.MaxInt32)
	return b.String(), args
}

// ClaimNextJob atomically claims the next runnable job for workerID.
//
// Runnable means: one of jobTypes; not flagged for cancellation; queued,
// or running with an expired lease; run_after unset or due; and the
// type's running count (live leases only) below its cap. Candidates are
// ordered by priority descending then requested_at ascending, with id as
// the final tiebreak so ordering is total.
//
// The select and the guarded update run inside one IMMEDIATE
// transaction, so two workers can never claim the same row. Claiming
// increments attempts and stamps the lease. Returns (nil, nil) when
// nothing is runnable.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string, jobTypes []string, leaseTTL time.Duration, typeCaps map[string]int) (*types.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if len(jobTypes) == 0 {
		return nil, nil
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %s", leaseTTL)
	}

	typeList := strings.TrimSuffix(strings.Repeat("?, ", len(jobTypes)), ", ")
	capExpr, capArgs := capCaseExpr(typeCaps)

	var claimed *types.Job
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		now := time.Now().UTC()

		query := fmt.Sprintf(`
			SELECT c.id FROM jobs c
			WHERE c.job_type IN (%s)
			  AND c.cancel_requested = 0
			  AND (c.status = 'queued' OR (c.status = 'running' AND c.lease_expires_at <= ?))
			  AND (c.run_after IS NULL OR c.run_after <= ?)
			  AND (SELECT COUNT(*) FROM jobs r
			         WHERE r.job_type = c.job_type
			           AND r.status = 'running'
			           AND r.id != c.id
			           AND r.lease_expires_at > ?) < %s
			ORDER BY c.priority DESC, c.requested_at ASC, c.id ASC
			LIMIT 1`, typeList, capExpr)

		args := make([]interface{}, 0, len(jobTypes)+3+len(capArgs))
		for _, t := range jobTypes {
			args = append(args, t)
		}
		args = append(args, now, now, now)
		args = append(args, capArgs...)

		var id string
		err := q.QueryRowContext(ctx, query, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return wrapDBError("select claimable job", err)
		}

		exp := now.Add(leaseTTL)
		res, err := q.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'running',
				lease_owner = ?,
				lease_expires_at = ?,
				started_at = COALESCE(started_at, ?),
				attempts = attempts + 1,
				error = ''
			WHERE id = ?
			  AND (status = 'queued' OR (status = 'running' AND lease_expires_at <= ?))`,
			workerID, exp, now, id, now)
		if err != nil {
			return wrapDBError("claim job", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim job rows affected: %w", err)
		}
		if rows == 0 {
			// Candidate vanished under the write lock; nothing claimable.
			return nil
		}

		j, err := getJob(ctx, q, id)
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RenewLease extends workerID's lease and reports whether cancellation
// has been requested since the last renewal.
func (s *SQLiteStore) RenewLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error) {
	exp := time.Now().UTC().Add(leaseTTL)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		exp, jobID, workerID)
	if err != nil {
		return false, wrapDBError("renew lease", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease rows affected: %w", err)
	}
	if rows == 0 {
		return false, s.diagnoseLostLease(ctx, jobID, workerID, "renew")
	}

	var cancelReq int
	if err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&cancelReq); err != nil {
		return false, wrapDBError("read cancel flag", err)
	}
	return cancelReq != 0, nil
}

// diagnoseLostLease explains why a guarded lease update matched no rows.
func (s *SQLiteStore) diagnoseLostLease(ctx context.Context, jobID, workerID, op string) error {
	var status string
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT status, lease_owner FROM jobs WHERE id = ?`, jobID).Scan(&status, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s job %s: %w", op, jobID, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError(op+" job", err)
	}
	return fmt.Errorf("%s job %s: status=%s owner=%q worker=%q: %w",
		op, jobID, status, owner.String, workerID, storage.ErrAlreadyClaimed)
}

// CompleteJob finalizes a running job owned by workerID as succeeded.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	var res interface{}
	if len(result) > 0 {
		res = string(result)
	}
	r, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'succeeded',
			finished_at = ?,
			result = ?,
			lease_owner = NULL,
			lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		time.Now().UTC(), res, jobID, workerID)
	if err != nil {
		return wrapDBError("complete job", err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job rows affected: %w", err)
	}
	if rows == 0 {
		return s.diagnoseLostLease(ctx, jobID, workerID, "complete")
	}
	return nil
}

// FailJob records a failed attempt. A non-nil retryAt requeues the job
// for that time; nil fails it terminally. A non-empty result is stored
// with the failure; an empty one leaves any prior attempt's result
// in place.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID, workerID string, jobErr string, result json.RawMessage, retryAt *time.Time) error {
	var res interface{}
	if len(result) > 0 {
		res = string(result)
	}
	var (
		r   sql.Result
		err error
	)
	if retryAt != nil {
		r, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'queued',
				run_after = ?,
				error = ?,
				result = COALESCE(?, result),
				lease_owner = NULL,
				lease_expires_at = NULL
			WHERE id = ? AND status = 'running' AND lease_owner = ?`,
			retryAt.UTC(), jobErr, res, jobID, workerID)
	} else {
		r, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'failed',
				finished_at = ?,
				error = ?,
				result = COALESCE(?, result),
				lease_owner = NULL,
				lease_expires_at = NULL
			WHERE id = ? AND status = 'running' AND lease_owner = ?`,
			time.Now().UTC(), jobErr, res, jobID, workerID)
	}
	if err != nil {
		return wrapDBError("fail job", err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail job rows affected: %w", err)
	}
	if rows == 0 {
		return s.diagnoseLostLease(ctx, jobID, workerID, "fail")
	}
	return nil
}

// CancelJob cancels a job. Queued jobs are finalized immediately;
// running jobs with a live lease are flagged for cooperative
// cancellation; running jobs whose lease already expired are finalized
// directly since no worker will report back. Terminal jobs are returned
// unchanged.
func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) (*types.Job, error) {
	var out *types.Job
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		j, err := getJob(ctx, q, jobID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		switch {
		case j.Status == types.JobQueued:
			if _, err := q.ExecContext(ctx, `
				UPDATE jobs SET status = 'canceled', finished_at = ?, cancel_requested = 1
				WHERE id = ? AND status = 'queued'`, now, jobID); err != nil {
				return wrapDBError("cancel queued job", err)
			}
		case j.Status == types.JobRunning && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now):
			if _, err := q.ExecContext(ctx, `
				UPDATE jobs SET status = 'canceled', finished_at = ?, cancel_requested = 1,
					lease_owner = NULL, lease_expires_at = NULL
				WHERE id = ? AND status = 'running'`, now, jobID); err != nil {
				return wrapDBError("cancel expired job", err)
			}
		case j.Status == types.JobRunning:
			if _, err := q.ExecContext(ctx, `
				UPDATE jobs SET cancel_requested = 1 WHERE id = ? AND status = 'running'`,
				jobID); err != nil {
				return wrapDBError("flag job cancellation", err)
			}
		}

		out, err = getJob(ctx, q, jobID)
		return err
	})
	return out, err
}

// FinalizeCanceledJob moves a cancel-flagged running job to canceled.
// Workers call it after their handler observes context cancellation,
// recording why (cancel request, hard timeout) in the error column.
func (s *SQLiteStore) FinalizeCanceledJob(ctx context.Context, jobID, workerID, reason string) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'canceled',
			finished_at = ?,
			error = ?,
			lease_owner = NULL,
			lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		time.Now().UTC(), reason, jobID, workerID)
	if err != nil {
		return wrapDBError("finalize canceled job", err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize canceled job rows affected: %w", err)
	}
	if rows == 0 {
		return s.diagnoseLostLease(ctx, jobID, workerID, "finalize cancel")
	}
	return nil
}

// CancelJobs bulk-cancels jobs matching filter: queued jobs are
// finalized, running jobs are flagged. Returns how many rows changed.
func (s *SQLiteStore) CancelJobs(ctx context.Context, filter types.JobFilter) (int, error) {
	now := time.Now().UTC()
	typeClause := ""
	var typeArg []interface{}
	if filter.JobType != "" {
		typeClause = " AND job_type = ?"
		typeArg = append(typeArg, filter.JobType)
	}

	total := 0
	err := s.withImmediateTx(ctx, func(q dbtx) error {
		res, err := q.ExecContext(ctx,
			`UPDATE jobs SET status = 'canceled', finished_at = ?, cancel_requested = 1
			 WHERE status = 'queued'`+typeClause,
			append([]interface{}{now}, typeArg...)...)
		if err != nil {
			return wrapDBError("cancel queued jobs", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel queued rows affected: %w", err)
		}
		total += int(n)

		res, err = q.ExecContext(ctx,
			`UPDATE jobs SET cancel_requested = 1
			 WHERE status = 'running' AND cancel_requested = 0`+typeClause,
			typeArg...)
		if err != nil {
			return wrapDBError("flag running jobs", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("flag running rows affected: %w", err)
		}
		total += int(n)
		return nil
	})
	return total, err
}

// GetJob fetches one job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns jobs matching filter, newest first unless
// filter.OrderAsc is set.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	var (
		conds []string
		args  []interface{}
	)
	if len(filter.Status) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Status)), ", ")
		conds = append(conds, fmt.Sprintf("status IN (%s)", ph))
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if filter.JobType != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, filter.JobType)
	}
	if filter.Since != nil {
		conds = append(conds, "requested_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if filter.OrderAsc {
		query += " ORDER BY requested_at ASC, id ASC"
	} else {
		query += " ORDER BY requested_at DESC, id DESC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list jobs", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RequeueJob returns a terminal failed or canceled job to the queue for
// another attempt, with the attempt budget reset.
func (s *SQLiteStore) RequeueJob(ctx context.Context, jobID string) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'queued',
			attempts = 0,
			run_after = NULL,
			finished_at = NULL,
			error = '',
			result = NULL,
			cancel_requested = 0,
			lease_owner = NULL,
			lease_expires_at = NULL
		WHERE id = ? AND status IN ('failed', 'canceled')`, jobID)
	if err != nil {
		return wrapDBError("requeue job", err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := getJob(ctx, s.db, jobID); err != nil {
			return err
		}
		return fmt.Errorf("requeue job %s: not in a retryable state: %w", jobID, storage.ErrConflict)
	}
	return nil
}

// CountRunningByType counts running jobs with live leases per type.
func (s *SQLiteStore) CountRunningByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_type, COUNT(*) FROM jobs
		WHERE status = 'running' AND lease_expires_at > ?
		GROUP BY job_type`, time.Now().UTC())
	if err != nil {
		return nil, wrapDBError("count running jobs", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var jt string
		var n int
		if err := rows.Scan(&jt, &n); err != nil {
			return nil, fmt.Errorf("scan running count: %w", err)
		}
		counts[jt] = n
	}
	return counts, rows.Err()
}

// QueueStats summarizes queue depth for the status surface.
func (s *SQLiteStore) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{
		ByStatus: make(map[types.JobStatus]int),
		ByType:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("queue stats by status", err)
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[types.JobStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT job_type, COUNT(*) FROM jobs
		WHERE status IN ('queued', 'running') GROUP BY job_type`)
	if err != nil {
		return nil, wrapDBError("queue stats by type", err)
	}
	for rows.Next() {
		var jt string
		var n int
		if err := rows.Scan(&jt, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.ByType[jt] = n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Select the bare column: aggregate expressions lose the DATETIME
	// decltype the driver needs to decode time values.
	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT requested_at FROM jobs WHERE status = 'queued'
		 ORDER BY requested_at ASC LIMIT 1`).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapDBError("queue stats oldest", err)
	}
	stats.Oldest = timePtr(oldest)
	return stats, nil
}

// PruneJobs deletes terminal jobs finished before olderThan.
func (s *SQLiteStore) PruneJobs(ctx context.Context, olderThan time.Time) (int, error) {
	r, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('succeeded', 'failed', 'canceled')
		  AND finished_at IS NOT NULL AND finished_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, wrapDBError("prune jobs", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs rows affected: %w", err)
	}
	return int(n), nil
}
