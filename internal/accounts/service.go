// Package accounts runs the account activation and authorization link state
// machines. Every change is written together with its audit event.
package accounts

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/audit"
	"merchant-sync/internal/clock"
	"merchant-sync/internal/models"
	"merchant-sync/internal/store"
	"merchant-sync/internal/telemetry"
)

// Service owns account and link records.
type Service struct {
	store  store.Store
	tx     *audit.Transactor
	clock  clock.Clock
	logger zerolog.Logger
}

func NewService(st store.Store, tx *audit.Transactor, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		store:  st,
		tx:     tx,
		clock:  clk,
		logger: logger.With().Str("component", "accounts").Logger(),
	}
}

// CreateAccountParams describes a new merchant account.
type CreateAccountParams struct {
	AgencyID string
	ClientID string
	Actor    models.Actor
}

// CreateAccount stores a new active account.
func (s *Service) CreateAccount(ctx context.Context, p CreateAccountParams) (models.Account, error) {
	if strings.TrimSpace(p.AgencyID) == "" {
		return models.Account{}, apperr.Validation("agency_id", "is required")
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return models.Account{}, apperr.Validation("client_id", "is required")
	}
	if err := validateActor(p.Actor); err != nil {
		return models.Account{}, err
	}
	now := s.clock.Now()
	acc := models.Account{
		ID:        uuid.New().String(),
		AgencyID:  p.AgencyID,
		ClientID:  p.ClientID,
		State:     models.Active{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertAccount(ctx, acc); err != nil {
			return err
		}
		_, err := audit.Append(ctx, tx, audit.AccountCreated(acc, p.Actor, now))
		return err
	})
	if err != nil {
		return models.Account{}, err
	}
	telemetry.AccountTransitions.WithLabelValues(string(models.ActionCreate)).Inc()
	s.logger.Info().Str("account_id", acc.ID).Str("agency_id", acc.AgencyID).Str("actor_id", p.Actor.ID).Msg("account created")
	return acc, nil
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return models.Account{}, err
	}
	return s.store.GetAccount(ctx, accountID)
}

// SetActiveParams requests an activation change. ReasonCode is required when
// deactivating and must be empty when activating.
type SetActiveParams struct {
	AccountID    string
	Active       bool
	ReasonCode   string
	ReasonDetail string
	Actor        models.Actor
}

// SetAccountActive moves an account between active and inactive. Asking for
// the state the account is already in is a conflict and writes nothing.
func (s *Service) SetAccountActive(ctx context.Context, p SetActiveParams) (models.Account, error) {
	if err := validateAccountID(p.AccountID); err != nil {
		return models.Account{}, err
	}
	if err := validateActor(p.Actor); err != nil {
		return models.Account{}, err
	}
	code := strings.TrimSpace(p.ReasonCode)
	switch {
	case !p.Active && code == "":
		return models.Account{}, apperr.Validation("reason_code", "is required when deactivating")
	case p.Active && code != "":
		return models.Account{}, apperr.Validation("reason_code", "is not accepted when activating")
	case p.Active && strings.TrimSpace(p.ReasonDetail) != "":
		return models.Account{}, apperr.Validation("reason_detail", "is not accepted when activating")
	}

	now := s.clock.Now()
	var (
		state  models.Activation = models.Active{}
		action                   = models.ActionActivate
	)
	if !p.Active {
		in := models.Inactive{ReasonCode: code, At: now, By: p.Actor.ID}
		if d := strings.TrimSpace(p.ReasonDetail); d != "" {
			in.ReasonDetail = &d
		}
		state, action = in, models.ActionDeactivate
	}

	var acc models.Account
	err := s.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.UpdateActivation(ctx, p.AccountID, !p.Active, state, now)
		if err != nil {
			return err
		}
		event := audit.AccountActivated(a, p.Actor, now)
		if in, ok := state.(models.Inactive); ok {
			event = audit.AccountDeactivated(a, in, p.Actor)
		}
		if _, err := audit.Append(ctx, tx, event); err != nil {
			return err
		}
		acc = a
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	telemetry.AccountTransitions.WithLabelValues(string(action)).Inc()
	ev := s.logger.Info().Str("account_id", p.AccountID).Str("actor_id", p.Actor.ID).Str("action", string(action))
	if code != "" {
		ev = ev.Str("reason_code", code)
	}
	ev.Msg("account activation changed")
	return acc, nil
}

// ListAudit returns the newest events recorded for an account.
func (s *Service) ListAudit(ctx context.Context, accountID string, limit int) ([]models.AuditEvent, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListAuditByAccount(ctx, accountID, limit)
}

func validateAccountID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Validation("account_id", "must be a UUID")
	}
	return nil
}

func validateActor(a models.Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return apperr.Validation("actor_id", "is required")
	}
	if strings.TrimSpace(a.Role) == "" {
		return apperr.Validation("actor_role", "is required")
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
