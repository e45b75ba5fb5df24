// Package audit builds and writes the append-only trail of state transitions.
package audit

import (
	"time"

	"merchant-sync/internal/models"
)

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jobEvent(j models.Job, action models.AuditAction, actorID, role string, at time.Time) models.AuditEvent {
	return models.AuditEvent{
		EntityType: models.EntityJob,
		EntityID:   j.ID,
		AccountID:  j.AccountID,
		ActorID:    actorID,
		ActorRole:  role,
		Action:     action,
		OccurredAt: at,
		Metadata:   map[string]any{"job_type": string(j.Type), "attempt_count": j.AttemptCount},
	}
}

// JobLeased records a worker acquiring a job.
func JobLeased(j models.Job, workerID string, at time.Time) models.AuditEvent {
	return jobEvent(j, models.ActionLease, workerID, models.RoleWorker, at)
}

// JobCompleted records a worker finishing a job.
func JobCompleted(j models.Job, workerID string, at time.Time) models.AuditEvent {
	return jobEvent(j, models.ActionComplete, workerID, models.RoleWorker, at)
}

// JobRescheduled records a failed attempt that will be retried.
func JobRescheduled(j models.Job, workerID, reason string, at time.Time) models.AuditEvent {
	e := jobEvent(j, models.ActionReschedule, workerID, models.RoleWorker, at)
	e.ReasonDetail = strPtr(reason)
	if j.NextRetryAt != nil {
		e.Metadata["next_retry_at"] = j.NextRetryAt.Format(time.RFC3339)
	}
	return e
}

// JobFailed records a terminal failure.
func JobFailed(j models.Job, workerID, reason string, at time.Time) models.AuditEvent {
	e := jobEvent(j, models.ActionFail, workerID, models.RoleWorker, at)
	e.ReasonDetail = strPtr(reason)
	return e
}

// JobReclaimed records the sweep clearing an expired lease.
func JobReclaimed(j models.Job, prevWorker string, prevLockedAt, at time.Time) models.AuditEvent {
	e := jobEvent(j, models.ActionReclaim, "lease-sweeper", models.RoleSystem, at)
	e.ReasonCode = strPtr("lease_expired")
	e.Metadata["previous_worker"] = prevWorker
	e.Metadata["previous_locked_at"] = prevLockedAt.Format(time.RFC3339)
	return e
}

// JobRetried records an administrative force-retry. prior is the job as it
// was before the override.
func JobRetried(prior models.Job, actorID string, at time.Time) models.AuditEvent {
	e := jobEvent(prior, models.ActionRetry, actorID, models.RoleAdmin, at)
	e.Metadata["prior_status"] = string(prior.Status)
	if prior.LockedBy != nil {
		e.Metadata["prior_locked_by"] = *prior.LockedBy
	}
	return e
}

func accountEvent(a models.Account, action models.AuditAction, actor models.Actor, at time.Time) models.AuditEvent {
	return models.AuditEvent{
		EntityType: models.EntityAccount,
		EntityID:   a.ID,
		AccountID:  a.ID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		OccurredAt: at,
	}
}

// AccountCreated records a new account.
func AccountCreated(a models.Account, actor models.Actor, at time.Time) models.AuditEvent {
	e := accountEvent(a, models.ActionCreate, actor, at)
	e.Metadata = map[string]any{"agency_id": a.AgencyID, "client_id": a.ClientID}
	return e
}

// AccountDeactivated records active -> inactive with the reason given.
func AccountDeactivated(a models.Account, in models.Inactive, actor models.Actor) models.AuditEvent {
	e := accountEvent(a, models.ActionDeactivate, actor, in.At)
	e.ReasonCode = strPtr(in.ReasonCode)
	e.ReasonDetail = in.ReasonDetail
	return e
}

// AccountActivated records inactive -> active. Reason fields stay null.
func AccountActivated(a models.Account, actor models.Actor, at time.Time) models.AuditEvent {
	return accountEvent(a, models.ActionActivate, actor, at)
}

func linkEvent(l models.AuthLink, action models.AuditAction, actor models.Actor, at time.Time) models.AuditEvent {
	return models.AuditEvent{
		EntityType: models.EntityLink,
		EntityID:   LinkEntityID(l.AccountID, l.Scope),
		AccountID:  l.AccountID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		OccurredAt: at,
		Metadata:   map[string]any{"scope": string(l.Scope)},
	}
}

// LinkStarted records a new pending attempt replacing any earlier one.
func LinkStarted(l models.AuthLink, actor models.Actor, replaced bool) models.AuditEvent {
	e := linkEvent(l, models.ActionLinkStart, actor, l.UpdatedAt)
	e.Metadata["replaced_previous"] = replaced
	return e
}

// LinkConfirmed records pending -> linked.
func LinkConfirmed(l models.AuthLink, actor models.Actor) models.AuditEvent {
	return linkEvent(l, models.ActionLinkConfirm, actor, l.UpdatedAt)
}

// LinkFailed records pending -> failed.
func LinkFailed(l models.AuthLink, actor models.Actor, reasonCode, reasonDetail string) models.AuditEvent {
	e := linkEvent(l, models.ActionLinkFail, actor, l.UpdatedAt)
	e.ReasonCode = strPtr(reasonCode)
	e.ReasonDetail = strPtr(reasonDetail)
	return e
}

// LinkEntityID is the audit entity id used for an (account, scope) pair.
func LinkEntityID(accountID string, scope models.Scope) string {
	return accountID + ":" + string(scope)
}
