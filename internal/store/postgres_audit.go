package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
)

const auditColumns = `id, entity_type, entity_id, account_id, actor_id, actor_role, action,
	reason_code, reason_detail, metadata, occurred_at`

// AppendAudit inserts an audit row and returns it with its id.
func (r *pgRepo) AppendAudit(ctx context.Context, e models.AuditEvent) (models.AuditEvent, error) {
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return models.AuditEvent{}, fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO audit_events (entity_type, entity_id, account_id, actor_id, actor_role, action,
			reason_code, reason_detail, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, string(e.EntityType), e.EntityID, e.AccountID, e.ActorID, e.ActorRole, string(e.Action),
		e.ReasonCode, e.ReasonDetail, meta, e.OccurredAt).Scan(&e.ID)
	if err != nil {
		return models.AuditEvent{}, apperr.Store("append audit", err)
	}
	return e, nil
}

// ListAuditByEntity returns the trail of one entity, oldest first.
func (r *pgRepo) ListAuditByEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]models.AuditEvent, error) {
	return r.listAudit(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id ASC
	`, string(entityType), entityID)
}

// ListAuditByAccount returns the newest events touching an account.
func (r *pgRepo) ListAuditByAccount(ctx context.Context, accountID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listAudit(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, accountID, limit)
}

func (r *pgRepo) listAudit(ctx context.Context, sql string, args ...any) ([]models.AuditEvent, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Store("list audit", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var entityType, action string
		var code, detail pgtype.Text
		var meta []byte
		if err := rows.Scan(&e.ID, &entityType, &e.EntityID, &e.AccountID, &e.ActorID, &e.ActorRole, &action,
			&code, &detail, &meta, &e.OccurredAt); err != nil {
			return nil, apperr.Store("scan audit", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		e.EntityType = models.EntityType(entityType)
		e.Action = models.AuditAction(action)
		e.ReasonCode = textPtr(code)
		e.ReasonDetail = textPtr(detail)
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list audit", err)
	}
	return out, nil
}
