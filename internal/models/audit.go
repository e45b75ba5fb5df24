package models

import "time"

// EntityType names the kind of record an audit event documents.
type EntityType string

const (
	EntityJob     EntityType = "job"
	EntityAccount EntityType = "account"
	EntityLink    EntityType = "auth_link"
)

// AuditAction is the transition recorded by an audit event.
type AuditAction string

const (
	ActionLease       AuditAction = "lease"
	ActionComplete    AuditAction = "complete"
	ActionReschedule  AuditAction = "reschedule"
	ActionFail        AuditAction = "fail"
	ActionReclaim     AuditAction = "reclaim"
	ActionRetry       AuditAction = "retry"
	ActionCreate      AuditAction = "create"
	ActionDeactivate  AuditAction = "deactivate"
	ActionActivate    AuditAction = "activate"
	ActionLinkStart   AuditAction = "link_start"
	ActionLinkConfirm AuditAction = "link_confirm"
	ActionLinkFail    AuditAction = "link_fail"
)

// Actor roles.
const (
	RoleWorker      = "worker"
	RoleSystem      = "system"
	RoleAdmin       = "admin"
	RoleIntegration = "integration"
)

// Actor identifies who performs a privileged operation.
type Actor struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
}

// AuditEvent is an immutable audit trail row.
type AuditEvent struct {
	ID           int64          `json:"id"`
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	AccountID    string         `json:"account_id"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	Action       AuditAction    `json:"action"`
	ReasonCode   *string        `json:"reason_code"`
	ReasonDetail *string        `json:"reason_detail"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
