package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusFailed:
		return true
	}
	return false
}

// JobType is the kind of integration work a job performs.
type JobType string

const (
	JobSyncOrders    JobType = "sync-orders"
	JobSyncFinancial JobType = "sync-financial"
	JobSyncReviews   JobType = "sync-reviews"
	JobArchiveAudit  JobType = "archive-audit"
)

// Valid reports whether t is a job type workers know how to run.
func (t JobType) Valid() bool {
	switch t {
	case JobSyncOrders, JobSyncFinancial, JobSyncReviews, JobArchiveAudit:
		return true
	}
	return false
}

// RequiredScope returns the authorization scope a sync job needs, if any.
func (t JobType) RequiredScope() (Scope, bool) {
	switch t {
	case JobSyncFinancial:
		return ScopeFinancial, true
	case JobSyncReviews:
		return ScopeReviews, true
	}
	return "", false
}

// Job represents a unit of asynchronous integration work persisted in Postgres.
type Job struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	Type         JobType        `json:"job_type"`
	Status       JobStatus      `json:"status"`
	Payload      map[string]any `json:"payload"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	LockedBy     *string        `json:"locked_by"`
	LockedAt     *time.Time     `json:"locked_at"`
	NextRetryAt  *time.Time     `json:"next_retry_at"`
	AttemptCount int            `json:"attempt_count"`
	LastError    *string        `json:"last_error"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HeldBy reports whether workerID currently holds the lease on the job.
func (j Job) HeldBy(workerID string) bool {
	return j.Status == StatusProcessing && j.LockedBy != nil && *j.LockedBy == workerID
}

// Eligible reports whether the job may be leased at now.
func (j Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledFor.After(now)
}

// JobTransition describes how a lease holder releases a job.
type JobTransition struct {
	Status      JobStatus
	NextRetryAt *time.Time
	LastError   *string
	At          time.Time
}
