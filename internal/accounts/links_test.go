package accounts

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/audit"
	"merchant-sync/internal/models"
)

var integration = models.Actor{ID: "oauth-callback", Role: models.RoleIntegration}

func linkEvents(t *testing.T, svc *Service, accountID string, scope models.Scope) []models.AuditEvent {
	t.Helper()
	events, err := svc.store.ListAuditByEntity(context.Background(), models.EntityLink, audit.LinkEntityID(accountID, scope))
	require.NoError(t, err)
	return events
}

func TestStartLinkValidates(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	acc := createAccount(t, svc)

	tests := []struct {
		name string
		p    StartLinkParams
		want error
	}{
		{"malformed account", StartLinkParams{AccountID: "abc", Scope: "reviews", LinkCode: "c", Verifier: "v", Actor: admin}, apperr.ErrValidation},
		{"unknown scope", StartLinkParams{AccountID: acc.ID, Scope: "orders", LinkCode: "c", Verifier: "v", Actor: admin}, apperr.ErrValidation},
		{"missing code", StartLinkParams{AccountID: acc.ID, Scope: "reviews", Verifier: "v", Actor: admin}, apperr.ErrValidation},
		{"missing verifier", StartLinkParams{AccountID: acc.ID, Scope: "reviews", LinkCode: "c", Actor: admin}, apperr.ErrValidation},
		{"unknown account", StartLinkParams{AccountID: uuid.NewString(), Scope: "reviews", LinkCode: "c", Verifier: "v", Actor: admin}, apperr.ErrNotFound},
		{"client mismatch", StartLinkParams{AccountID: acc.ID, Scope: "reviews", LinkCode: "c", Verifier: "v", ClientID: "other", Actor: admin}, apperr.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.StartLink(ctx, tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSecondStartLinkReplacesAttempt(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	acc := createAccount(t, svc)

	first, err := svc.StartLink(ctx, StartLinkParams{AccountID: acc.ID, Scope: "financial", LinkCode: "code-1", Verifier: "ver-1", ClientID: "client-1", Actor: admin})
	require.NoError(t, err)
	assert.Equal(t, models.LinkPending, first.Status)

	second, err := svc.StartLink(ctx, StartLinkParams{AccountID: acc.ID, Scope: "financial", LinkCode: "code-2", Verifier: "ver-2", Actor: admin})
	require.NoError(t, err)

	got, err := svc.GetLink(ctx, acc.ID, "financial")
	require.NoError(t, err)
	require.NotNil(t, got.LinkCode)
	assert.Equal(t, "code-2", *got.LinkCode)
	require.NotNil(t, got.Verifier)
	assert.Equal(t, "ver-2", *got.Verifier)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	_, err = svc.ConfirmLink(ctx, ResolveLinkParams{AccountID: acc.ID, Scope: "financial", Verifier: "ver-1", Actor: integration})
	assert.ErrorIs(t, err, apperr.ErrConflict, "stale verifier is no longer actionable")

	events := linkEvents(t, svc, acc.ID, models.ScopeFinancial)
	require.Len(t, events, 2)
	assert.Equal(t, false, events[0].Metadata["replaced_previous"])
	assert.Equal(t, true, events[1].Metadata["replaced_previous"])
}

func TestConfirmLink(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	acc := createAccount(t, svc)
	_, err := svc.StartLink(ctx, StartLinkParams{AccountID: acc.ID, Scope: "reviews", LinkCode: "c", Verifier: "v", Actor: admin})
	require.NoError(t, err)

	got, err := svc.ConfirmLink(ctx, ResolveLinkParams{AccountID: acc.ID, Scope: "reviews", Verifier: "v", Actor: integration})
	require.NoError(t, err)
	assert.Equal(t, models.LinkLinked, got.Status)
	assert.Nil(t, got.LinkCode)
	assert.Nil(t, got.Verifier)

	_, err = svc.ConfirmLink(ctx, ResolveLinkParams{AccountID: acc.ID, Scope: "reviews", Verifier: "v", Actor: integration})
	assert.ErrorIs(t, err, apperr.ErrConflict, "verifier is single use")

	events := linkEvents(t, svc, acc.ID, models.ScopeReviews)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionLinkConfirm, events[1].Action)
	assert.Equal(t, models.RoleIntegration, events[1].ActorRole)
}

func TestFailLink(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	acc := createAccount(t, svc)
	_, err := svc.StartLink(ctx, StartLinkParams{AccountID: acc.ID, Scope: "reviews", LinkCode: "c", Verifier: "v", Actor: admin})
	require.NoError(t, err)

	_, err = svc.FailLink(ctx, ResolveLinkParams{AccountID: acc.ID, Scope: "reviews", Verifier: "v", Actor: integration})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := svc.FailLink(ctx, ResolveLinkParams{AccountID: acc.ID, Scope: "reviews", Verifier: "v", ReasonCode: "access_denied", ReasonDetail: "user declined", Actor: integration})
	require.NoError(t, err)
	assert.Equal(t, models.LinkFailed, got.Status)

	events := linkEvents(t, svc, acc.ID, models.ScopeReviews)
	require.Len(t, events, 2)
	require.NotNil(t, events[1].ReasonCode)
	assert.Equal(t, "access_denied", *events[1].ReasonCode)
}

func TestResolveUnknownLink(t *testing.T) {
	svc, _, _ := newService(t)
	acc := createAccount(t, svc)
	_, err := svc.ConfirmLink(context.Background(), ResolveLinkParams{AccountID: acc.ID, Scope: "reviews", Verifier: "v", Actor: integration})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
