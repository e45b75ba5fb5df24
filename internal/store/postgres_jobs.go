package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
)

var jobColumns = []string{
	"id", "account_id", "job_type", "status", "payload", "scheduled_for",
	"locked_by", "locked_at", "next_retry_at", "attempt_count", "last_error",
	"created_at", "updated_at",
}

func jobCols(prefix string) string {
	if prefix == "" {
		return strings.Join(jobColumns, ", ")
	}
	out := make([]string, len(jobColumns))
	for i, c := range jobColumns {
		out[i] = prefix + c
	}
	return strings.Join(out, ", ")
}

// InsertJob inserts a new job row.
func (r *pgRepo) InsertJob(ctx context.Context, j models.Job) error {
	payloadJSON, err := json.Marshal(payloadOrEmpty(j.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO jobs (id, account_id, job_type, status, payload, scheduled_for, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.AccountID, string(j.Type), string(j.Status), payloadJSON, j.ScheduledFor, j.AttemptCount, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return apperr.Conflict("job %s already exists", j.ID)
		}
		return apperr.Store("insert job", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (r *pgRepo) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := r.q.QueryRow(ctx, `SELECT `+jobCols("")+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return models.Job{}, apperr.NotFound("job", id)
		}
		return models.Job{}, apperr.Store("get job", err)
	}
	return job, nil
}

// ClaimNextJob selects and leases in one statement. SKIP LOCKED keeps
// concurrent claimers off each other's candidate row and the status guard on
// the outer UPDATE is the compare-and-swap that makes the lease exclusive.
func (r *pgRepo) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', locked_by = $1, locked_at = $2,
		    attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_for <= $2
			ORDER BY scheduled_for ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobCols(""), workerID, now)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, apperr.Store("claim job", err)
	}
	return job, true, nil
}

// UpdateHeldJob applies t only while workerID still holds the lease.
func (r *pgRepo) UpdateHeldJob(ctx context.Context, jobID, workerID string, expectAttempt int, t models.JobTransition) (models.Job, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE jobs
		SET status = $4, locked_by = NULL, locked_at = NULL,
		    next_retry_at = $5::timestamptz,
		    scheduled_for = GREATEST(scheduled_for, COALESCE($5::timestamptz, scheduled_for)),
		    last_error = $6, updated_at = $7
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
		  AND ($3::int <= 0 OR attempt_count = $3::int)
		RETURNING `+jobCols(""),
		jobID, workerID, expectAttempt, string(t.Status), t.NextRetryAt, t.LastError, t.At)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !isNoRows(err) {
		return models.Job{}, apperr.Store("update held job", err)
	}
	exists, err := r.jobExists(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !exists {
		return models.Job{}, apperr.NotFound("job", jobID)
	}
	return models.Job{}, apperr.LeaseMismatch(jobID, workerID)
}

// ReclaimExpiredJobs clears leases acquired before cutoff. The locked_at
// guard makes a concurrent re-lease win over the sweep.
func (r *pgRepo) ReclaimExpiredJobs(ctx context.Context, cutoff, now time.Time) ([]Reclaimed, error) {
	rows, err := r.q.Query(ctx, `
		WITH expired AS (
			SELECT id, locked_by, locked_at FROM jobs
			WHERE status = 'processing' AND locked_at < $1
			ORDER BY locked_at ASC
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = $2
		FROM expired e
		WHERE j.id = e.id AND j.status = 'processing' AND j.locked_at = e.locked_at
		RETURNING `+jobCols("j.")+`, e.locked_by, e.locked_at`, cutoff, now)
	if err != nil {
		return nil, apperr.Store("reclaim expired jobs", err)
	}
	defer rows.Close()

	var out []Reclaimed
	for rows.Next() {
		var rc Reclaimed
		var prevBy pgtype.Text
		var prevAt pgtype.Timestamptz
		job, err := scanJobWith(rows, &prevBy, &prevAt)
		if err != nil {
			return nil, apperr.Store("scan reclaimed job", err)
		}
		rc.Job = job
		rc.PrevWorkerID = prevBy.String
		rc.PrevLockedAt = prevAt.Time.UTC()
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("reclaim expired jobs", err)
	}
	return out, nil
}

// LockJob reads a job with FOR UPDATE.
func (r *pgRepo) LockJob(ctx context.Context, id string) (models.Job, error) {
	row := r.q.QueryRow(ctx, `SELECT `+jobCols("")+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return models.Job{}, apperr.NotFound("job", id)
		}
		return models.Job{}, apperr.Store("lock job", err)
	}
	return job, nil
}

// ResetJob unconditionally returns a job to pending at now.
func (r *pgRepo) ResetJob(ctx context.Context, id string, now time.Time) (models.Job, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'pending', locked_by = NULL, locked_at = NULL, next_retry_at = NULL,
		    scheduled_for = $2, updated_at = $2
		WHERE id = $1
		RETURNING `+jobCols(""), id, now)
	job, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return models.Job{}, apperr.NotFound("job", id)
		}
		return models.Job{}, apperr.Store("reset job", err)
	}
	return job, nil
}

// CountReadyJobs returns count of jobs ready to lease (scheduled_for <= now and pending).
func (r *pgRepo) CountReadyJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND scheduled_for <= $1
	`, now).Scan(&n); err != nil {
		return 0, apperr.Store("count ready jobs", err)
	}
	return n, nil
}

func (r *pgRepo) jobExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, apperr.Store("check job", err)
	}
	return exists, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	return scanJobWith(row)
}

func scanJobWith(row pgx.Row, extra ...any) (models.Job, error) {
	var job models.Job
	var jobType, status string
	var payloadJSON []byte
	var lockedBy, lastErr pgtype.Text
	var lockedAt, nextRetry pgtype.Timestamptz

	dest := []any{
		&job.ID, &job.AccountID, &jobType, &status, &payloadJSON, &job.ScheduledFor,
		&lockedBy, &lockedAt, &nextRetry, &job.AttemptCount, &lastErr,
		&job.CreatedAt, &job.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Job{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.LockedBy = textPtr(lockedBy)
	job.LockedAt = timePtr(lockedAt)
	job.NextRetryAt = timePtr(nextRetry)
	job.LastError = textPtr(lastErr)
	job.ScheduledFor = job.ScheduledFor.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
