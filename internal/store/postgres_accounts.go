package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
)

const accountColumns = `id, agency_id, client_id, is_active, deactivated_reason_code,
	deactivated_reason_detail, deactivated_at, deactivated_by, created_at, updated_at`

const linkColumns = `account_id, scope, status, link_code, verifier, created_at, updated_at`

// InsertAccount inserts an account row from its flattened form.
func (r *pgRepo) InsertAccount(ctx context.Context, a models.Account) error {
	row := a.Row()
	_, err := r.q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, row.ID, row.AgencyID, row.ClientID, row.IsActive, row.DeactivatedReasonCode,
		row.DeactivatedReasonDetail, row.DeactivatedAt, row.DeactivatedBy, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return apperr.Conflict("account %s already exists", a.ID)
		}
		return apperr.Store("insert account", err)
	}
	return nil
}

// GetAccount fetches an account by id.
func (r *pgRepo) GetAccount(ctx context.Context, id string) (models.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return models.Account{}, apperr.NotFound("account", id)
		}
		return models.Account{}, apperr.Store("get account", err)
	}
	return a, nil
}

// UpdateActivation flips is_active and writes the matching metadata in one
// conditional statement.
func (r *pgRepo) UpdateActivation(ctx context.Context, id string, expectActive bool, state models.Activation, now time.Time) (models.Account, error) {
	next := models.Account{ID: id, State: state}.Row()
	a, err := scanAccount(r.q.QueryRow(ctx, `
		UPDATE accounts
		SET is_active = $3, deactivated_reason_code = $4, deactivated_reason_detail = $5,
		    deactivated_at = $6, deactivated_by = $7, updated_at = $8
		WHERE id = $1 AND is_active = $2
		RETURNING `+accountColumns,
		id, expectActive, next.IsActive, next.DeactivatedReasonCode, next.DeactivatedReasonDetail,
		next.DeactivatedAt, next.DeactivatedBy, now))
	if err == nil {
		return a, nil
	}
	if !isNoRows(err) {
		return models.Account{}, apperr.Store("update account activation", err)
	}
	if _, err := r.GetAccount(ctx, id); err != nil {
		return models.Account{}, err
	}
	if expectActive {
		return models.Account{}, apperr.Conflict("account %s is already inactive", id)
	}
	return models.Account{}, apperr.Conflict("account %s is already active", id)
}

// UpsertPendingLink keeps a single row per (account_id, scope).
func (r *pgRepo) UpsertPendingLink(ctx context.Context, l models.AuthLink) (models.AuthLink, error) {
	out, err := scanLink(r.q.QueryRow(ctx, `
		INSERT INTO auth_links (account_id, scope, status, link_code, verifier, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, $4, $5, $5)
		ON CONFLICT (account_id, scope) DO UPDATE
		SET status = 'pending', link_code = EXCLUDED.link_code,
		    verifier = EXCLUDED.verifier, updated_at = EXCLUDED.updated_at
		RETURNING `+linkColumns,
		l.AccountID, string(l.Scope), l.LinkCode, l.Verifier, l.UpdatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.AuthLink{}, apperr.NotFound("account", l.AccountID)
		}
		return models.AuthLink{}, apperr.Store("upsert link", err)
	}
	return out, nil
}

// GetLink fetches the link record for a pair.
func (r *pgRepo) GetLink(ctx context.Context, accountID string, scope models.Scope) (models.AuthLink, error) {
	l, err := scanLink(r.q.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM auth_links WHERE account_id = $1 AND scope = $2
	`, accountID, string(scope)))
	if err != nil {
		if isNoRows(err) {
			return models.AuthLink{}, apperr.NotFound("auth link", accountID+"/"+string(scope))
		}
		return models.AuthLink{}, apperr.Store("get link", err)
	}
	return l, nil
}

// ResolveLink settles the current pending attempt if verifier matches it.
func (r *pgRepo) ResolveLink(ctx context.Context, accountID string, scope models.Scope, verifier string, status models.LinkStatus, now time.Time) (models.AuthLink, error) {
	l, err := scanLink(r.q.QueryRow(ctx, `
		UPDATE auth_links
		SET status = $4, link_code = NULL, verifier = NULL, updated_at = $5
		WHERE account_id = $1 AND scope = $2 AND status = 'pending' AND verifier = $3
		RETURNING `+linkColumns,
		accountID, string(scope), verifier, string(status), now))
	if err == nil {
		return l, nil
	}
	if !isNoRows(err) {
		return models.AuthLink{}, apperr.Store("resolve link", err)
	}
	if _, err := r.GetLink(ctx, accountID, scope); err != nil {
		return models.AuthLink{}, err
	}
	return models.AuthLink{}, apperr.Conflict("no pending %s attempt for account %s matches the verifier", scope, accountID)
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var ar models.AccountRow
	var code, detail, by pgtype.Text
	var at pgtype.Timestamptz
	if err := row.Scan(&ar.ID, &ar.AgencyID, &ar.ClientID, &ar.IsActive, &code, &detail, &at, &by, &ar.CreatedAt, &ar.UpdatedAt); err != nil {
		return models.Account{}, err
	}
	ar.DeactivatedReasonCode = textPtr(code)
	ar.DeactivatedReasonDetail = textPtr(detail)
	ar.DeactivatedAt = timePtr(at)
	ar.DeactivatedBy = textPtr(by)
	ar.CreatedAt = ar.CreatedAt.UTC()
	ar.UpdatedAt = ar.UpdatedAt.UTC()
	return ar.Account(), nil
}

func scanLink(row pgx.Row) (models.AuthLink, error) {
	var l models.AuthLink
	var scope, status string
	var code, verifier pgtype.Text
	if err := row.Scan(&l.AccountID, &scope, &status, &code, &verifier, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return models.AuthLink{}, err
	}
	l.Scope = models.Scope(scope)
	l.Status = models.LinkStatus(status)
	l.LinkCode = textPtr(code)
	l.Verifier = textPtr(verifier)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}
