package models

import (
	"encoding/json"
	"time"
)

// Activation is the lifecycle state of an account. It is either Active or
// Inactive; Inactive carries the deactivation metadata so an inactive
// account without a reason cannot be constructed.
type Activation interface {
	isActivation()
}

// Active marks an account that may be synchronized.
type Active struct{}

// Inactive marks a deactivated account.
type Inactive struct {
	ReasonCode   string
	ReasonDetail *string
	At           time.Time
	By           string
}

func (Active) isActivation()   {}
func (Inactive) isActivation() {}

// Account is a merchant store managed by an agency.
type Account struct {
	ID        string
	AgencyID  string
	ClientID  string
	State     Activation
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the account is in the Active state.
func (a Account) IsActive() bool {
	_, ok := a.State.(Active)
	return ok || a.State == nil
}

// AccountRow is the flattened persisted form of an Account.
type AccountRow struct {
	ID                      string     `json:"id"`
	AgencyID                string     `json:"agency_id"`
	ClientID                string     `json:"client_id"`
	IsActive                bool       `json:"is_active"`
	DeactivatedReasonCode   *string    `json:"deactivated_reason_code"`
	DeactivatedReasonDetail *string    `json:"deactivated_reason_detail"`
	DeactivatedAt           *time.Time `json:"deactivated_at"`
	DeactivatedBy           *string    `json:"deactivated_by"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Row flattens the account into its column form.
func (a Account) Row() AccountRow {
	row := AccountRow{
		ID:        a.ID,
		AgencyID:  a.AgencyID,
		ClientID:  a.ClientID,
		IsActive:  true,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if in, ok := a.State.(Inactive); ok {
		at := in.At
		code, by := in.ReasonCode, in.By
		row.IsActive = false
		row.DeactivatedReasonCode = &code
		row.DeactivatedReasonDetail = in.ReasonDetail
		row.DeactivatedAt = &at
		row.DeactivatedBy = &by
	}
	return row
}

// Account rebuilds the tagged state from the flattened columns.
func (r AccountRow) Account() Account {
	a := Account{
		ID:        r.ID,
		AgencyID:  r.AgencyID,
		ClientID:  r.ClientID,
		State:     Active{},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if !r.IsActive {
		in := Inactive{ReasonDetail: r.DeactivatedReasonDetail}
		if r.DeactivatedReasonCode != nil {
			in.ReasonCode = *r.DeactivatedReasonCode
		}
		if r.DeactivatedAt != nil {
			in.At = *r.DeactivatedAt
		}
		if r.DeactivatedBy != nil {
			in.By = *r.DeactivatedBy
		}
		a.State = in
	}
	return a
}

func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Row())
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var row AccountRow
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*a = row.Account()
	return nil
}
