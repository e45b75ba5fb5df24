package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merchant-sync/internal/audit"
	"merchant-sync/internal/config"
	"merchant-sync/internal/models"
	"merchant-sync/internal/store"
)

func TestArchiveHandlerWritesLocalTrail(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	acc := seedAccount(t, mem, models.Active{})
	actor := models.Actor{ID: "adm", Role: models.RoleAdmin}
	for _, e := range []models.AuditEvent{
		audit.AccountCreated(acc, actor, t0),
		audit.AccountDeactivated(acc, models.Inactive{ReasonCode: "paused", At: t0, By: "adm"}, actor),
	} {
		_, err := mem.AppendAudit(ctx, e)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	h, err := NewArchiveHandler(ctx, config.Config{ArchiveDir: dir}, audit.NewExporter(mem, 0), zerolog.Nop())
	require.NoError(t, err)

	job := models.Job{ID: uuid.NewString(), AccountID: acc.ID, Type: models.JobArchiveAudit}
	require.NoError(t, h.Handle(ctx, job))

	data, err := os.ReadFile(filepath.Join(dir, acc.ID, job.ID+"_audit.jsonl"))
	require.NoError(t, err)
	events, err := audit.Decode(data)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionCreate, events[0].Action)
	assert.Equal(t, models.ActionDeactivate, events[1].Action)
}

func TestArchiveKeyStaysInsideBase(t *testing.T) {
	key := ArchiveKey(models.Job{ID: "j1", AccountID: "../../etc"})
	assert.Equal(t, "etc/j1_audit.jsonl", key)
}
