package models

import "time"

// Scope is an external permission category on the merchant platform.
type Scope string

const (
	ScopeReviews   Scope = "reviews"
	ScopeFinancial Scope = "financial"
)

// ParseScope validates a raw scope value.
func ParseScope(raw string) (Scope, bool) {
	switch s := Scope(raw); s {
	case ScopeReviews, ScopeFinancial:
		return s, true
	}
	return "", false
}

// LinkStatus is the state of an authorization link attempt.
type LinkStatus string

const (
	LinkPending LinkStatus = "pending"
	LinkLinked  LinkStatus = "linked"
	LinkFailed  LinkStatus = "failed"
)

// AuthLink is the authorization state for one (account, scope) pair. Only the
// most recent attempt is stored; LinkCode and Verifier are cleared once the
// attempt resolves.
type AuthLink struct {
	AccountID string     `json:"account_id"`
	Scope     Scope      `json:"scope"`
	Status    LinkStatus `json:"status"`
	LinkCode  *string    `json:"link_code,omitempty"`
	Verifier  *string    `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
