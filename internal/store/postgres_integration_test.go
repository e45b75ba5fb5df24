//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
)

// Run with: POSTGRES_TEST_DSN=postgres://... go test -tags integration ./internal/store/
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn, 16)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.RunMigrations(ctx))
	_, err = pg.pool.Exec(ctx, `TRUNCATE jobs, audit_events`)
	require.NoError(t, err)
	return pg
}

func TestPostgresConcurrentClaimsNeverDoubleLease(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()

	const jobs = 40
	for i := 0; i < jobs; i++ {
		require.NoError(t, pg.InsertJob(ctx, pendingJob(fmt.Sprintf("job-%02d", i), t0)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				j, ok, err := pg.ClaimNextJob(ctx, workerID, t0)
				if !assert.NoError(t, err) || !ok {
					return
				}
				mu.Lock()
				prev, dup := seen[j.ID]
				seen[j.ID] = workerID
				mu.Unlock()
				assert.False(t, dup, "job %s leased by %s and %s", j.ID, prev, workerID)
				assert.Equal(t, 1, j.AttemptCount)
			}
		}(fmt.Sprintf("host-%d", w))
	}
	wg.Wait()

	// A claimer can see no candidate while every row is briefly locked by the
	// others; drain what is left from a single goroutine.
	for {
		j, ok, err := pg.ClaimNextJob(ctx, "host-drain", t0)
		require.NoError(t, err)
		if !ok {
			break
		}
		_, dup := seen[j.ID]
		assert.False(t, dup, "job %s leased twice", j.ID)
		seen[j.ID] = "host-drain"
	}
	assert.Len(t, seen, jobs)
}

func TestPostgresStaleAttemptLosesAfterReclaim(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	require.NoError(t, pg.InsertJob(ctx, pendingJob("j1", t0)))

	first, ok, err := pg.ClaimNextJob(ctx, "host-1", t0)
	require.NoError(t, err)
	require.True(t, ok)

	now := t0.Add(time.Minute)
	reclaimed, err := pg.ReclaimExpiredJobs(ctx, now.Add(-30*time.Second), now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "host-1", reclaimed[0].PrevWorkerID)
	assert.True(t, reclaimed[0].PrevLockedAt.Equal(t0))

	second, ok, err := pg.ClaimNextJob(ctx, "host-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, second.AttemptCount)

	done := models.JobTransition{Status: models.StatusDone, At: now}
	_, err = pg.UpdateHeldJob(ctx, "j1", "host-1", first.AttemptCount, done)
	assert.ErrorIs(t, err, apperr.ErrLeaseMismatch)

	got, err := pg.UpdateHeldJob(ctx, "j1", "host-1", second.AttemptCount, done)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Nil(t, got.LockedBy)

	_, err = pg.UpdateHeldJob(ctx, "missing", "host-1", 1, done)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresReclaimSkipsFreshLeases(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	require.NoError(t, pg.InsertJob(ctx, pendingJob("old", t0)))
	_, _, err := pg.ClaimNextJob(ctx, "host-1", t0)
	require.NoError(t, err)
	require.NoError(t, pg.InsertJob(ctx, pendingJob("fresh", t0)))
	_, _, err = pg.ClaimNextJob(ctx, "host-2", t0.Add(4*time.Minute))
	require.NoError(t, err)

	reclaimed, err := pg.ReclaimExpiredJobs(ctx, t0.Add(time.Minute), t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "old", reclaimed[0].Job.ID)

	fresh, err := pg.GetJob(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.HeldBy("host-2"))
}

func TestPostgresWithinTxRollsBack(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	require.NoError(t, pg.InsertJob(ctx, pendingJob("j1", t0)))

	err := pg.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, _, err := tx.ClaimNextJob(ctx, "host-1", t0); err != nil {
			return err
		}
		return apperr.AuditWrite("lease", fmt.Errorf("forced"))
	})
	require.ErrorIs(t, err, apperr.ErrAuditWrite)

	j, err := pg.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Equal(t, 0, j.AttemptCount)
}
