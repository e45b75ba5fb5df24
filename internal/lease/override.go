package lease

import (
	"context"
	"strings"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/audit"
	"merchant-sync/internal/models"
	"merchant-sync/internal/store"
	"merchant-sync/internal/telemetry"
)

// ForceRetry is the operator escape hatch: the job becomes pending, unlocked
// and due now whatever its state, without checking who holds the lease. A
// worker still running the job will get a lease mismatch when it reports.
func (m *Manager) ForceRetry(ctx context.Context, jobID, actorID string) (models.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return models.Job{}, apperr.Validation("job_id", "is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return models.Job{}, apperr.Validation("actor_id", "is required")
	}
	now := m.clock.Now()
	var prior, job models.Job
	err := m.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		j, err := tx.ResetJob(ctx, jobID, now)
		if err != nil {
			return err
		}
		if _, err := audit.Append(ctx, tx, audit.JobRetried(p, actorID, now)); err != nil {
			return err
		}
		prior, job = p, j
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.ForcedRetries.Inc()
	ev := m.logger.Info().Str("job_id", jobID).Str("actor_id", actorID).
		Str("prior_status", string(prior.Status)).Str("job_type", string(prior.Type))
	if prior.LockedBy != nil {
		ev = ev.Str("prior_locked_by", *prior.LockedBy)
	}
	ev.Msg("job force-retried")
	return job, nil
}
