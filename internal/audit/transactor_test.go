package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
	"merchant-sync/internal/retry"
	"merchant-sync/internal/store"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func seedJob(t *testing.T, m *store.Memory) {
	t.Helper()
	require.NoError(t, m.InsertJob(context.Background(), models.Job{
		ID: "j1", AccountID: "acc-1", Type: models.JobSyncOrders,
		Status: models.StatusPending, ScheduledFor: t0, CreatedAt: t0, UpdatedAt: t0,
	}))
}

func leaseWithAudit(ctx context.Context, tx store.Tx) error {
	j, ok, err := tx.ClaimNextJob(ctx, "w1", t0)
	if err != nil || !ok {
		return err
	}
	_, err = Append(ctx, tx, JobLeased(j, "w1", t0))
	return err
}

func fastPolicy() retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestTransactorReplaysAfterAuditFailure(t *testing.T) {
	m := store.NewMemory()
	seedJob(t, m)

	failures := 2
	m.SetAuditFault(func(models.AuditEvent) error {
		if failures > 0 {
			failures--
			return errors.New("audit table locked")
		}
		return nil
	})

	tx := NewTransactor(m, 3, fastPolicy(), zerolog.Nop())
	require.NoError(t, tx.Do(context.Background(), leaseWithAudit))

	j, err := m.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.AttemptCount)
	events, err := m.ListAuditByEntity(context.Background(), models.EntityJob, "j1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionLease, events[0].Action)
}

func TestTransactorGivesUpAndLeavesStateUnchanged(t *testing.T) {
	m := store.NewMemory()
	seedJob(t, m)
	m.SetAuditFault(func(models.AuditEvent) error { return errors.New("down") })

	tx := NewTransactor(m, 2, fastPolicy(), zerolog.Nop())
	err := tx.Do(context.Background(), leaseWithAudit)
	require.ErrorIs(t, err, apperr.ErrAuditWrite)

	j, err := m.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Equal(t, 0, j.AttemptCount)
}

func TestTransactorDoesNotReplayOtherErrors(t *testing.T) {
	m := store.NewMemory()
	calls := 0
	tx := NewTransactor(m, 5, fastPolicy(), zerolog.Nop())
	err := tx.Do(context.Background(), func(context.Context, store.Tx) error {
		calls++
		return apperr.Conflict("nope")
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestAccountEventsCarryReasons(t *testing.T) {
	acc := models.Account{ID: "acc-1"}
	actor := models.Actor{ID: "adm", Role: models.RoleAdmin}
	detail := "left the agency"

	e := AccountDeactivated(acc, models.Inactive{ReasonCode: "churned", ReasonDetail: &detail, At: t0, By: "adm"}, actor)
	assert.Equal(t, models.ActionDeactivate, e.Action)
	require.NotNil(t, e.ReasonCode)
	assert.Equal(t, "churned", *e.ReasonCode)
	assert.Equal(t, &detail, e.ReasonDetail)

	e = AccountActivated(acc, actor, t0)
	assert.Nil(t, e.ReasonCode)
	assert.Nil(t, e.ReasonDetail)
	assert.Equal(t, "acc-1", e.AccountID)
}
