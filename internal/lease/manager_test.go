package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/audit"
	"merchant-sync/internal/clock"
	"merchant-sync/internal/models"
	"merchant-sync/internal/retry"
	"merchant-sync/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mem   *store.Memory
	clock *clock.Manual
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewManual(t0)
	tx := audit.NewTransactor(mem, 2, retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, zerolog.Nop())
	policy := retry.Policy{BaseDelay: 30 * time.Second, MaxDelay: time.Hour, MaxAttempts: 3}
	return &fixture{mem: mem, clock: clk, mgr: NewManager(mem, tx, policy, clk, zerolog.Nop())}
}

func (f *fixture) enqueue(t *testing.T, at time.Time) models.Job {
	t.Helper()
	j, err := f.mgr.Enqueue(context.Background(), EnqueueParams{
		AccountID:    uuid.NewString(),
		Type:         models.JobSyncOrders,
		ScheduledFor: at,
	})
	require.NoError(t, err)
	return j
}

func (f *fixture) actions(t *testing.T, jobID string) []models.AuditAction {
	t.Helper()
	events, err := f.mem.ListAuditByEntity(context.Background(), models.EntityJob, jobID)
	require.NoError(t, err)
	out := make([]models.AuditAction, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestEnqueueValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Enqueue(ctx, EnqueueParams{AccountID: "nope", Type: models.JobSyncOrders})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.mgr.Enqueue(ctx, EnqueueParams{AccountID: uuid.NewString(), Type: "resize"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEnqueueDelayUsesManagerClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.mgr.Enqueue(ctx, EnqueueParams{
		AccountID:    uuid.NewString(),
		Type:         models.JobSyncReviews,
		ScheduledFor: t0.Add(24 * time.Hour),
		Delay:        90 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(90*time.Second), j.ScheduledFor)

	_, err = f.mgr.Enqueue(ctx, EnqueueParams{AccountID: uuid.NewString(), Type: models.JobSyncOrders, Delay: -time.Second})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEnqueueClampsPastScheduleToNow(t *testing.T) {
	f := newFixture(t)
	j := f.enqueue(t, t0.Add(-time.Hour))
	assert.Equal(t, t0, j.ScheduledFor)
	assert.Equal(t, models.StatusPending, j.Status)
	assert.NotNil(t, j.Payload)
}

func TestAcquireLeasesOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.enqueue(t, t0)
	f.clock.Advance(-time.Minute)
	earlier := f.enqueue(t, t0.Add(-time.Minute))
	f.clock.Set(t0)

	got, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, earlier.ID, got.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "w1", *got.LockedBy)
	require.NotNil(t, got.LockedAt)
	assert.Equal(t, t0, *got.LockedAt)
	assert.Equal(t, 1, got.AttemptCount)

	got, ok, err = f.mgr.Acquire(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later.ID, got.ID)

	_, ok, err = f.mgr.Acquire(ctx, "w3")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []models.AuditAction{models.ActionLease}, f.actions(t, earlier.ID))
}

func TestAcquireSkipsFutureJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0.Add(time.Minute))

	_, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(time.Minute)
	got, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j.ID, got.ID)
}

func TestAcquireRequiresWorkerID(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.mgr.Acquire(context.Background(), " ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestConcurrentAcquireNeverDoubleLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const jobs = 5
	for i := 0; i < jobs; i++ {
		f.enqueue(t, t0)
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			j, ok, err := f.mgr.Acquire(ctx, worker)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := seen[j.ID]; dup {
				t.Errorf("job %s leased by %s and %s", j.ID, prev, worker)
			}
			seen[j.ID] = worker
		}(uuid.NewString())
	}
	wg.Wait()
	assert.Len(t, seen, jobs)
}

func TestFailReschedulesWithBaseDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)
	leased, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.mgr.Fail(ctx, LeaseOf(leased, "w1"), "timeout")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, t0.Add(30*time.Second), *got.NextRetryAt)
	assert.Equal(t, t0.Add(30*time.Second), got.ScheduledFor)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "timeout", *got.LastError)

	_, ok, err = f.mgr.Acquire(ctx, "w2")
	require.NoError(t, err)
	assert.False(t, ok, "job must wait for its retry time")

	assert.Equal(t, []models.AuditAction{models.ActionLease, models.ActionReschedule}, f.actions(t, j.ID))
}

func TestFailAtMaxAttemptsIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)

	var last models.Job
	for attempt := 1; attempt <= 3; attempt++ {
		leased, ok, err := f.mgr.Acquire(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, attempt, leased.AttemptCount)
		last, err = f.mgr.Fail(ctx, LeaseOf(leased, "w1"), "upstream 502")
		require.NoError(t, err)
		f.clock.Advance(2 * time.Hour)
	}
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Equal(t, 3, last.AttemptCount)
	assert.Nil(t, last.NextRetryAt)

	_, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok, "failed jobs stay put until force-retried")

	_, err = f.mgr.ForceRetry(ctx, j.ID, "ops@example.com")
	require.NoError(t, err)
	got, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j.ID, got.ID)
}

func TestScheduleNeverMovesEarlierOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)

	prev := j.ScheduledFor
	for attempt := 1; attempt <= 2; attempt++ {
		leased, ok, err := f.mgr.Acquire(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		got, err := f.mgr.Fail(ctx, LeaseOf(leased, "w1"), "timeout")
		require.NoError(t, err)
		assert.False(t, got.ScheduledFor.Before(prev))
		prev = got.ScheduledFor
		f.clock.Set(got.ScheduledFor)
	}
}

func TestCompleteAndFailRequireLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)

	_, err := f.mgr.Complete(ctx, Lease{JobID: j.ID, WorkerID: "w1", Attempt: 1})
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch, "pending job is not held")

	leased, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	held := LeaseOf(leased, "w1")

	other := Lease{JobID: j.ID, WorkerID: "w2", Attempt: held.Attempt}
	_, err = f.mgr.Complete(ctx, other)
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch)
	_, err = f.mgr.Fail(ctx, other, "boom")
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch)

	missing := Lease{JobID: "missing", WorkerID: "w1", Attempt: 1}
	_, err = f.mgr.Complete(ctx, missing)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.mgr.Fail(ctx, missing, "boom")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.mgr.Complete(ctx, Lease{JobID: j.ID, WorkerID: "w1"})
	assert.ErrorIs(t, err, apperr.ErrValidation, "attempt is required")

	got, err := f.mgr.Complete(ctx, held)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Nil(t, got.LockedBy)

	_, err = f.mgr.Complete(ctx, held)
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch, "done job cannot be completed twice")
}

func TestReclaimExpiredReturnsJobToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.enqueue(t, t0)
	staleLease, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(40 * time.Second)
	fresh := f.enqueue(t, f.clock.Now())
	_, ok, err = f.mgr.Acquire(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(20 * time.Second)
	n, err := f.mgr.ReclaimExpired(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mgr.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, t0, got.ScheduledFor)

	still, err := f.mgr.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, still.Status)

	events, err := f.mem.ListAuditByEntity(ctx, models.EntityJob, stale.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	reclaim := events[1]
	assert.Equal(t, models.ActionReclaim, reclaim.Action)
	assert.Equal(t, models.RoleSystem, reclaim.ActorRole)
	assert.Equal(t, "w1", reclaim.Metadata["previous_worker"])

	_, err = f.mgr.Complete(ctx, LeaseOf(staleLease, "w1"))
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch, "reclaimed worker lost its lease")
}

func TestReusedWorkerIDCannotReportOnNewerLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)

	first, ok, err := f.mgr.Acquire(ctx, "host-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, first.AttemptCount)

	f.clock.Advance(time.Minute)
	n, err := f.mgr.ReclaimExpired(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, ok, err := f.mgr.Acquire(ctx, "host-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, second.AttemptCount)

	stale := LeaseOf(first, "host-1")
	_, err = f.mgr.Complete(ctx, stale)
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch)
	_, err = f.mgr.Fail(ctx, stale, "timeout")
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch)

	got, err := f.mgr.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.HeldBy("host-1"))
	assert.Equal(t, 2, got.AttemptCount)

	done, err := f.mgr.Complete(ctx, LeaseOf(second, "host-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, done.Status)
	assert.Equal(t, []models.AuditAction{models.ActionLease, models.ActionReclaim, models.ActionLease, models.ActionComplete}, f.actions(t, j.ID))
}

func TestReclaimExpiredKeepsRetrySchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)
	leased, _, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	failed, err := f.mgr.Fail(ctx, LeaseOf(leased, "w1"), "timeout")
	require.NoError(t, err)

	f.clock.Set(failed.ScheduledFor)
	_, ok, err := f.mgr.Acquire(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(time.Hour)
	n, err := f.mgr.ReclaimExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mgr.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ScheduledFor, got.ScheduledFor)
	assert.Equal(t, failed.NextRetryAt, got.NextRetryAt)
}

func TestReclaimExpiredRejectsNonPositiveDuration(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.ReclaimExpired(context.Background(), 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestForceRetryWhileHeldInvalidatesWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)
	leased, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(5 * time.Second)
	got, err := f.mgr.ForceRetry(ctx, j.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, f.clock.Now(), got.ScheduledFor)

	_, err = f.mgr.Complete(ctx, LeaseOf(leased, "w1"))
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch)

	events, err := f.mem.ListAuditByEntity(ctx, models.EntityJob, j.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	retried := events[1]
	assert.Equal(t, models.ActionRetry, retried.Action)
	assert.Equal(t, models.RoleAdmin, retried.ActorRole)
	assert.Equal(t, "ops@example.com", retried.ActorID)
	assert.Equal(t, string(models.StatusProcessing), retried.Metadata["prior_status"])
	assert.Equal(t, string(models.JobSyncOrders), retried.Metadata["job_type"])
}

func TestForceRetryUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.ForceRetry(context.Background(), "missing", "ops")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAuditFailureRollsBackTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)
	f.mem.SetAuditFault(func(models.AuditEvent) error { return errors.New("disk full") })

	_, ok, err := f.mgr.Acquire(ctx, "w1")
	assert.ErrorIs(t, err, apperr.ErrAuditWrite)
	assert.False(t, ok)

	got, err := f.mgr.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Empty(t, f.actions(t, j.ID))
}

func TestAuditFailureRecoversOnReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.enqueue(t, t0)
	calls := 0
	f.mem.SetAuditFault(func(models.AuditEvent) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	got, ok, err := f.mgr.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, []models.AuditAction{models.ActionLease}, f.actions(t, j.ID))
}

func TestReadyCountsEligibleJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, t0)
	f.enqueue(t, t0.Add(time.Hour))

	n, err := f.mgr.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
