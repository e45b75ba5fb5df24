// Package lease hands jobs to workers under time-boxed exclusive leases and
// records how each lease ends.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/audit"
	"merchant-sync/internal/clock"
	"merchant-sync/internal/models"
	"merchant-sync/internal/retry"
	"merchant-sync/internal/store"
	"merchant-sync/internal/telemetry"
)

// Manager owns the lock and schedule fields of every job.
type Manager struct {
	store  store.Store
	tx     *audit.Transactor
	policy retry.Policy
	clock  clock.Clock
	logger zerolog.Logger
}

// NewManager wires a Manager. All writes go through tx so each transition
// and its audit event commit together.
func NewManager(st store.Store, tx *audit.Transactor, policy retry.Policy, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		store:  st,
		tx:     tx,
		policy: policy,
		clock:  clk,
		logger: logger.With().Str("component", "lease").Logger(),
	}
}

// EnqueueParams collects inputs required to create a job.
type EnqueueParams struct {
	AccountID    string
	Type         models.JobType
	Payload      map[string]any
	ScheduledFor time.Time
	// Delay, when positive, schedules the job that long after now and takes
	// precedence over ScheduledFor.
	Delay time.Duration
}

// Enqueue creates a pending job. A zero or past ScheduledFor means now.
func (m *Manager) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if _, err := uuid.Parse(p.AccountID); err != nil {
		return models.Job{}, apperr.Validation("account_id", "must be a UUID")
	}
	if !p.Type.Valid() {
		return models.Job{}, apperr.Validation("job_type", "unknown job type %q", p.Type)
	}
	now := m.clock.Now()
	if p.Delay < 0 {
		return models.Job{}, apperr.Validation("delay", "must not be negative")
	}
	scheduled := p.ScheduledFor.UTC()
	if p.Delay > 0 {
		scheduled = now.Add(p.Delay)
	}
	if scheduled.Before(now) {
		scheduled = now
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	job := models.Job{
		ID:           uuid.New().String(),
		AccountID:    p.AccountID,
		Type:         p.Type,
		Status:       models.StatusPending,
		Payload:      p.Payload,
		ScheduledFor: scheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.InsertJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.Inc()
	m.logger.Info().Str("job_id", job.ID).Str("account_id", job.AccountID).Str("job_type", string(job.Type)).
		Time("scheduled_for", job.ScheduledFor).Msg("job enqueued")
	return job, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, jobID string) (models.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return models.Job{}, apperr.Validation("job_id", "is required")
	}
	return m.store.GetJob(ctx, jobID)
}

// Acquire leases the oldest eligible job to workerID. It never waits: the
// boolean is false when nothing is eligible.
func (m *Manager) Acquire(ctx context.Context, workerID string) (models.Job, bool, error) {
	if strings.TrimSpace(workerID) == "" {
		return models.Job{}, false, apperr.Validation("worker_id", "is required")
	}
	now := m.clock.Now()
	var (
		job models.Job
		ok  bool
	)
	err := m.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		ok = false
		j, found, err := tx.ClaimNextJob(ctx, workerID, now)
		if err != nil || !found {
			return err
		}
		if _, err := audit.Append(ctx, tx, audit.JobLeased(j, workerID, now)); err != nil {
			return err
		}
		job, ok = j, true
		return nil
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if ok {
		telemetry.LeasesAcquired.Inc()
		m.logger.Debug().Str("job_id", job.ID).Str("worker_id", workerID).Int("attempt", job.AttemptCount).Msg("job leased")
	}
	return job, ok, nil
}

// Lease is one grant of a job to a worker. Attempt is the attempt count the
// grant was made under; a worker id reused after a reclaim gets a new
// attempt, so a report carrying the old one is refused.
type Lease struct {
	JobID    string
	WorkerID string
	Attempt  int
}

// LeaseOf returns the lease held on a job returned by Acquire.
func LeaseOf(j models.Job, workerID string) Lease {
	return Lease{JobID: j.ID, WorkerID: workerID, Attempt: j.AttemptCount}
}

// Complete marks the leased job as done.
func (m *Manager) Complete(ctx context.Context, l Lease) (models.Job, error) {
	if err := l.validate(); err != nil {
		return models.Job{}, err
	}
	now := m.clock.Now()
	var job models.Job
	err := m.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		j, err := tx.UpdateHeldJob(ctx, l.JobID, l.WorkerID, l.Attempt, models.JobTransition{Status: models.StatusDone, At: now})
		if err != nil {
			return err
		}
		if _, err := audit.Append(ctx, tx, audit.JobCompleted(j, l.WorkerID, now)); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		m.noteLeaseMismatch(err, l)
		return models.Job{}, err
	}
	telemetry.JobsCompleted.Inc()
	m.logger.Info().Str("job_id", l.JobID).Str("worker_id", l.WorkerID).Int("attempt", l.Attempt).Msg("job completed")
	return job, nil
}

// Fail releases the leased job and applies the retry policy to it.
func (m *Manager) Fail(ctx context.Context, l Lease, reason string) (models.Job, error) {
	if err := l.validate(); err != nil {
		return models.Job{}, err
	}
	current, err := m.store.GetJob(ctx, l.JobID)
	if err != nil {
		return models.Job{}, err
	}
	if !current.HeldBy(l.WorkerID) || current.AttemptCount != l.Attempt {
		err := apperr.LeaseMismatch(l.JobID, l.WorkerID)
		m.noteLeaseMismatch(err, l)
		return models.Job{}, err
	}

	now := m.clock.Now()
	decision := m.policy.Decide(l.Attempt, reason, now)
	var job models.Job
	err = m.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		j, err := tx.UpdateHeldJob(ctx, l.JobID, l.WorkerID, l.Attempt, models.JobTransition{
			Status:      decision.Status,
			NextRetryAt: decision.NextRetryAt,
			LastError:   &reason,
			At:          now,
		})
		if err != nil {
			return err
		}
		event := audit.JobRescheduled(j, l.WorkerID, reason, now)
		if decision.Status == models.StatusFailed {
			event = audit.JobFailed(j, l.WorkerID, reason, now)
		}
		if _, err := audit.Append(ctx, tx, event); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		m.noteLeaseMismatch(err, l)
		return models.Job{}, err
	}

	log := m.logger.With().Str("job_id", l.JobID).Str("worker_id", l.WorkerID).Int("attempt", l.Attempt).
		Str("reason", reason).Logger()
	if job.Status == models.StatusFailed {
		telemetry.JobsFailed.Inc()
		log.Warn().Msg("job failed permanently")
	} else {
		telemetry.JobsRescheduled.Inc()
		log.Info().Time("next_retry_at", job.ScheduledFor).Msg("job rescheduled")
	}
	return job, nil
}

// ReclaimExpired returns to pending every job whose lease is older than
// maxLease. The schedule already set by earlier failures is kept.
func (m *Manager) ReclaimExpired(ctx context.Context, maxLease time.Duration) (int, error) {
	if maxLease <= 0 {
		return 0, apperr.Validation("max_lease_duration", "must be positive")
	}
	now := m.clock.Now()
	var reclaimed []store.Reclaimed
	err := m.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		rows, err := tx.ReclaimExpiredJobs(ctx, now.Add(-maxLease), now)
		if err != nil {
			return err
		}
		for _, rc := range rows {
			if _, err := audit.Append(ctx, tx, audit.JobReclaimed(rc.Job, rc.PrevWorkerID, rc.PrevLockedAt, now)); err != nil {
				return err
			}
		}
		reclaimed = rows
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, rc := range reclaimed {
		m.logger.Warn().Str("job_id", rc.Job.ID).Str("worker_id", rc.PrevWorkerID).
			Time("locked_at", rc.PrevLockedAt).Msg("expired lease reclaimed")
	}
	telemetry.LeasesReclaimed.Add(float64(len(reclaimed)))
	return len(reclaimed), nil
}

// Ready counts jobs that could be leased now.
func (m *Manager) Ready(ctx context.Context) (int64, error) {
	return m.store.CountReadyJobs(ctx, m.clock.Now())
}

func (m *Manager) noteLeaseMismatch(err error, l Lease) {
	if errors.Is(err, apperr.ErrLeaseMismatch) {
		telemetry.LeaseMismatches.Inc()
		m.logger.Warn().Str("job_id", l.JobID).Str("worker_id", l.WorkerID).Int("attempt", l.Attempt).Msg("lease no longer held")
	}
}

func (l Lease) validate() error {
	if strings.TrimSpace(l.JobID) == "" {
		return apperr.Validation("job_id", "is required")
	}
	if strings.TrimSpace(l.WorkerID) == "" {
		return apperr.Validation("worker_id", "is required")
	}
	if l.Attempt < 1 {
		return apperr.Validation("attempt", "must be positive")
	}
	return nil
}
