// Package store persists jobs, accounts, authorization links and audit
// events. Every mutation is a conditional write: callers state the row state
// they expect and the store applies the change only if it still holds.
package store

import (
	"context"
	"time"

	"merchant-sync/internal/models"
)

// Tx is the set of record operations available inside and outside a
// transaction.
type Tx interface {
	JobRepository
	AccountRepository
	LinkRepository
	AuditRepository
}

// Store is a Tx bound to the connection pool plus transaction control.
type Store interface {
	Tx
	// WithinTx runs fn in one transaction. Any error returned by fn rolls
	// back every write made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// JobRepository holds the job primitives used by the lease manager.
type JobRepository interface {
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	// ClaimNextJob leases the oldest eligible pending job to workerID. It
	// returns false when no job is eligible.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error)
	// UpdateHeldJob releases a job held by workerID. When expectAttempt is
	// positive the attempt count must also match. It fails with a lease
	// mismatch when the job exists but is not held as expected.
	UpdateHeldJob(ctx context.Context, jobID, workerID string, expectAttempt int, t models.JobTransition) (models.Job, error)
	// ReclaimExpiredJobs returns to pending every processing job locked
	// before cutoff.
	ReclaimExpiredJobs(ctx context.Context, cutoff, now time.Time) ([]Reclaimed, error)
	// LockJob reads a job and, inside a transaction, holds its row lock
	// until commit.
	LockJob(ctx context.Context, id string) (models.Job, error)
	// ResetJob makes a job pending and unlocked, scheduled at now.
	ResetJob(ctx context.Context, id string, now time.Time) (models.Job, error)
	CountReadyJobs(ctx context.Context, now time.Time) (int64, error)
}

// Reclaimed is a job whose expired lease was cleared, with the lease it lost.
type Reclaimed struct {
	Job          models.Job
	PrevWorkerID string
	PrevLockedAt time.Time
}

// AccountRepository persists accounts.
type AccountRepository interface {
	InsertAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, id string) (models.Account, error)
	// UpdateActivation writes state only if the account's is_active column
	// still equals expectActive; otherwise it reports a conflict.
	UpdateActivation(ctx context.Context, id string, expectActive bool, state models.Activation, now time.Time) (models.Account, error)
}

// LinkRepository persists authorization links keyed by (account, scope).
type LinkRepository interface {
	// UpsertPendingLink replaces any existing record for the pair with a
	// fresh pending attempt.
	UpsertPendingLink(ctx context.Context, link models.AuthLink) (models.AuthLink, error)
	GetLink(ctx context.Context, accountID string, scope models.Scope) (models.AuthLink, error)
	// ResolveLink moves a pending attempt carrying verifier to status and
	// clears its credentials.
	ResolveLink(ctx context.Context, accountID string, scope models.Scope, verifier string, status models.LinkStatus, now time.Time) (models.AuthLink, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	AppendAudit(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error)
	ListAuditByEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]models.AuditEvent, error)
	ListAuditByAccount(ctx context.Context, accountID string, limit int) ([]models.AuditEvent, error)
}
