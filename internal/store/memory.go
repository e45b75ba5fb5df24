package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
)

// Memory is an in-memory Store for tests and local development. A single
// mutex serializes every operation, and WithinTx restores a snapshot when fn
// fails. fn must only use the Tx it is given.
type Memory struct {
	mu sync.Mutex
	st *memState

	auditFault func(models.AuditEvent) error
}

var _ Store = (*Memory)(nil)

type linkKey struct {
	accountID string
	scope     models.Scope
}

type memState struct {
	jobs        map[string]models.Job
	accounts    map[string]models.Account
	links       map[linkKey]models.AuthLink
	audit       []models.AuditEvent
	nextAuditID int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{st: &memState{
		jobs:     make(map[string]models.Job),
		accounts: make(map[string]models.Account),
		links:    make(map[linkKey]models.AuthLink),
	}}
}

// SetAuditFault makes AppendAudit fail whenever fn returns an error. Pass nil
// to clear it.
func (m *Memory) SetAuditFault(fn func(models.AuditEvent) error) {
	m.mu.Lock()
	m.auditFault = fn
	m.mu.Unlock()
}

func (m *Memory) repo() *memRepo {
	return &memRepo{st: m.st, auditFault: m.auditFault}
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.st.clone()
	if err := fn(ctx, m.repo()); err != nil {
		*m.st = *snap
		return err
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) InsertJob(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().InsertJob(ctx, job)
}

func (m *Memory) GetJob(ctx context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().GetJob(ctx, id)
}

func (m *Memory) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().ClaimNextJob(ctx, workerID, now)
}

func (m *Memory) UpdateHeldJob(ctx context.Context, jobID, workerID string, expectAttempt int, t models.JobTransition) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().UpdateHeldJob(ctx, jobID, workerID, expectAttempt, t)
}

func (m *Memory) ReclaimExpiredJobs(ctx context.Context, cutoff, now time.Time) ([]Reclaimed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().ReclaimExpiredJobs(ctx, cutoff, now)
}

func (m *Memory) LockJob(ctx context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().LockJob(ctx, id)
}

func (m *Memory) ResetJob(ctx context.Context, id string, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().ResetJob(ctx, id, now)
}

func (m *Memory) CountReadyJobs(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().CountReadyJobs(ctx, now)
}

func (m *Memory) InsertAccount(ctx context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().InsertAccount(ctx, a)
}

func (m *Memory) GetAccount(ctx context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().GetAccount(ctx, id)
}

func (m *Memory) UpdateActivation(ctx context.Context, id string, expectActive bool, state models.Activation, now time.Time) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().UpdateActivation(ctx, id, expectActive, state, now)
}

func (m *Memory) UpsertPendingLink(ctx context.Context, l models.AuthLink) (models.AuthLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().UpsertPendingLink(ctx, l)
}

func (m *Memory) GetLink(ctx context.Context, accountID string, scope models.Scope) (models.AuthLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().GetLink(ctx, accountID, scope)
}

func (m *Memory) ResolveLink(ctx context.Context, accountID string, scope models.Scope, verifier string, status models.LinkStatus, now time.Time) (models.AuthLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().ResolveLink(ctx, accountID, scope, verifier, status, now)
}

func (m *Memory) AppendAudit(ctx context.Context, e models.AuditEvent) (models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().AppendAudit(ctx, e)
}

func (m *Memory) ListAuditByEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().ListAuditByEntity(ctx, entityType, entityID)
}

func (m *Memory) ListAuditByAccount(ctx context.Context, accountID string, limit int) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo().ListAuditByAccount(ctx, accountID, limit)
}

func (s *memState) clone() *memState {
	c := &memState{
		jobs:        make(map[string]models.Job, len(s.jobs)),
		accounts:    make(map[string]models.Account, len(s.accounts)),
		links:       make(map[linkKey]models.AuthLink, len(s.links)),
		audit:       append([]models.AuditEvent(nil), s.audit...),
		nextAuditID: s.nextAuditID,
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	return c
}

// memRepo works on state the caller has already locked. Rows are stored by
// value and replaced on every write, so snapshots never alias live rows.
type memRepo struct {
	st         *memState
	auditFault func(models.AuditEvent) error
}

func (r *memRepo) InsertJob(_ context.Context, job models.Job) error {
	if _, ok := r.st.jobs[job.ID]; ok {
		return apperr.Conflict("job %s already exists", job.ID)
	}
	job.Payload = payloadOrEmpty(job.Payload)
	r.st.jobs[job.ID] = job
	return nil
}

func (r *memRepo) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := r.st.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job", id)
	}
	return j, nil
}

func (r *memRepo) ClaimNextJob(_ context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	var best *models.Job
	for _, j := range r.st.jobs {
		if !j.Eligible(now) {
			continue
		}
		if best == nil || j.ScheduledFor.Before(best.ScheduledFor) ||
			(j.ScheduledFor.Equal(best.ScheduledFor) && j.ID < best.ID) {
			cand := j
			best = &cand
		}
	}
	if best == nil {
		return models.Job{}, false, nil
	}
	j := *best
	at := now
	j.Status = models.StatusProcessing
	j.LockedBy = &workerID
	j.LockedAt = &at
	j.AttemptCount++
	j.UpdatedAt = now
	r.st.jobs[j.ID] = j
	return j, true, nil
}

func (r *memRepo) UpdateHeldJob(_ context.Context, jobID, workerID string, expectAttempt int, t models.JobTransition) (models.Job, error) {
	j, ok := r.st.jobs[jobID]
	if !ok {
		return models.Job{}, apperr.NotFound("job", jobID)
	}
	if !j.HeldBy(workerID) || (expectAttempt > 0 && j.AttemptCount != expectAttempt) {
		return models.Job{}, apperr.LeaseMismatch(jobID, workerID)
	}
	j.Status = t.Status
	j.LockedBy = nil
	j.LockedAt = nil
	j.NextRetryAt = t.NextRetryAt
	if t.NextRetryAt != nil && t.NextRetryAt.After(j.ScheduledFor) {
		j.ScheduledFor = *t.NextRetryAt
	}
	j.LastError = t.LastError
	j.UpdatedAt = t.At
	r.st.jobs[jobID] = j
	return j, nil
}

func (r *memRepo) ReclaimExpiredJobs(_ context.Context, cutoff, now time.Time) ([]Reclaimed, error) {
	var out []Reclaimed
	for id, j := range r.st.jobs {
		if j.Status != models.StatusProcessing || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		rc := Reclaimed{PrevLockedAt: *j.LockedAt}
		if j.LockedBy != nil {
			rc.PrevWorkerID = *j.LockedBy
		}
		j.Status = models.StatusPending
		j.LockedBy = nil
		j.LockedAt = nil
		j.UpdatedAt = now
		r.st.jobs[id] = j
		rc.Job = j
		out = append(out, rc)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].PrevLockedAt.Before(out[b].PrevLockedAt) })
	return out, nil
}

func (r *memRepo) LockJob(ctx context.Context, id string) (models.Job, error) {
	return r.GetJob(ctx, id)
}

func (r *memRepo) ResetJob(_ context.Context, id string, now time.Time) (models.Job, error) {
	j, ok := r.st.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job", id)
	}
	j.Status = models.StatusPending
	j.LockedBy = nil
	j.LockedAt = nil
	j.NextRetryAt = nil
	j.ScheduledFor = now
	j.UpdatedAt = now
	r.st.jobs[id] = j
	return j, nil
}

func (r *memRepo) CountReadyJobs(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, j := range r.st.jobs {
		if j.Eligible(now) {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) InsertAccount(_ context.Context, a models.Account) error {
	if _, ok := r.st.accounts[a.ID]; ok {
		return apperr.Conflict("account %s already exists", a.ID)
	}
	if a.State == nil {
		a.State = models.Active{}
	}
	r.st.accounts[a.ID] = a
	return nil
}

func (r *memRepo) GetAccount(_ context.Context, id string) (models.Account, error) {
	a, ok := r.st.accounts[id]
	if !ok {
		return models.Account{}, apperr.NotFound("account", id)
	}
	return a, nil
}

func (r *memRepo) UpdateActivation(_ context.Context, id string, expectActive bool, state models.Activation, now time.Time) (models.Account, error) {
	a, ok := r.st.accounts[id]
	if !ok {
		return models.Account{}, apperr.NotFound("account", id)
	}
	if a.IsActive() != expectActive {
		if expectActive {
			return models.Account{}, apperr.Conflict("account %s is already inactive", id)
		}
		return models.Account{}, apperr.Conflict("account %s is already active", id)
	}
	a.State = state
	a.UpdatedAt = now
	r.st.accounts[id] = a
	return a, nil
}

func (r *memRepo) UpsertPendingLink(_ context.Context, l models.AuthLink) (models.AuthLink, error) {
	if _, ok := r.st.accounts[l.AccountID]; !ok {
		return models.AuthLink{}, apperr.NotFound("account", l.AccountID)
	}
	key := linkKey{l.AccountID, l.Scope}
	if prev, ok := r.st.links[key]; ok {
		l.CreatedAt = prev.CreatedAt
	} else {
		l.CreatedAt = l.UpdatedAt
	}
	l.Status = models.LinkPending
	r.st.links[key] = l
	return l, nil
}

func (r *memRepo) GetLink(_ context.Context, accountID string, scope models.Scope) (models.AuthLink, error) {
	l, ok := r.st.links[linkKey{accountID, scope}]
	if !ok {
		return models.AuthLink{}, apperr.NotFound("auth link", accountID+"/"+string(scope))
	}
	return l, nil
}

func (r *memRepo) ResolveLink(_ context.Context, accountID string, scope models.Scope, verifier string, status models.LinkStatus, now time.Time) (models.AuthLink, error) {
	key := linkKey{accountID, scope}
	l, ok := r.st.links[key]
	if !ok {
		return models.AuthLink{}, apperr.NotFound("auth link", accountID+"/"+string(scope))
	}
	if l.Status != models.LinkPending || l.Verifier == nil || *l.Verifier != verifier {
		return models.AuthLink{}, apperr.Conflict("no pending %s attempt for account %s matches the verifier", scope, accountID)
	}
	l.Status = status
	l.LinkCode = nil
	l.Verifier = nil
	l.UpdatedAt = now
	r.st.links[key] = l
	return l, nil
}

func (r *memRepo) AppendAudit(_ context.Context, e models.AuditEvent) (models.AuditEvent, error) {
	if r.auditFault != nil {
		if err := r.auditFault(e); err != nil {
			return models.AuditEvent{}, apperr.Store("append audit", err)
		}
	}
	r.st.nextAuditID++
	e.ID = r.st.nextAuditID
	r.st.audit = append(r.st.audit, e)
	return e, nil
}

func (r *memRepo) ListAuditByEntity(_ context.Context, entityType models.EntityType, entityID string) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	for _, e := range r.st.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) ListAuditByAccount(_ context.Context, accountID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.AuditEvent
	for i := len(r.st.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if r.st.audit[i].AccountID == accountID {
			out = append(out, r.st.audit[i])
		}
	}
	return out, nil
}
