package accounts

import (
	"context"
	"strings"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/audit"
	"merchant-sync/internal/models"
	"merchant-sync/internal/store"
	"merchant-sync/internal/telemetry"
)

// StartLinkParams begins an authorization attempt. ClientID, when set, must
// match the account's client.
type StartLinkParams struct {
	AccountID string
	Scope     string
	LinkCode  string
	Verifier  string
	ClientID  string
	Actor     models.Actor
}

// StartLink records a fresh pending attempt for (account, scope), replacing
// the code and verifier of any earlier attempt.
func (s *Service) StartLink(ctx context.Context, p StartLinkParams) (models.AuthLink, error) {
	if err := validateAccountID(p.AccountID); err != nil {
		return models.AuthLink{}, err
	}
	scope, ok := models.ParseScope(p.Scope)
	if !ok {
		return models.AuthLink{}, apperr.Validation("scope", "unknown scope %q", p.Scope)
	}
	if strings.TrimSpace(p.LinkCode) == "" {
		return models.AuthLink{}, apperr.Validation("link_code", "is required")
	}
	if strings.TrimSpace(p.Verifier) == "" {
		return models.AuthLink{}, apperr.Validation("verifier", "is required")
	}
	if err := validateActor(p.Actor); err != nil {
		return models.AuthLink{}, err
	}

	now := s.clock.Now()
	code, verifier := p.LinkCode, p.Verifier
	var link models.AuthLink
	err := s.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if p.ClientID != "" && p.ClientID != acc.ClientID {
			return apperr.Conflict("account %s does not belong to client %s", p.AccountID, p.ClientID)
		}
		_, err = tx.GetLink(ctx, p.AccountID, scope)
		replaced := err == nil
		if err != nil && !isNotFound(err) {
			return err
		}
		l, err := tx.UpsertPendingLink(ctx, models.AuthLink{
			AccountID: p.AccountID,
			Scope:     scope,
			Status:    models.LinkPending,
			LinkCode:  &code,
			Verifier:  &verifier,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		if _, err := audit.Append(ctx, tx, audit.LinkStarted(l, p.Actor, replaced)); err != nil {
			return err
		}
		link = l
		return nil
	})
	if err != nil {
		return models.AuthLink{}, err
	}
	telemetry.LinkTransitions.WithLabelValues(string(models.ActionLinkStart), string(scope)).Inc()
	s.logger.Info().Str("account_id", p.AccountID).Str("scope", string(scope)).Msg("link attempt started")
	return link, nil
}

// ResolveLinkParams identifies the pending attempt being resolved.
type ResolveLinkParams struct {
	AccountID    string
	Scope        string
	Verifier     string
	ReasonCode   string
	ReasonDetail string
	Actor        models.Actor
}

// ConfirmLink moves the newest pending attempt to linked.
func (s *Service) ConfirmLink(ctx context.Context, p ResolveLinkParams) (models.AuthLink, error) {
	return s.resolve(ctx, p, models.LinkLinked)
}

// FailLink moves the newest pending attempt to failed. ReasonCode is required.
func (s *Service) FailLink(ctx context.Context, p ResolveLinkParams) (models.AuthLink, error) {
	if strings.TrimSpace(p.ReasonCode) == "" {
		return models.AuthLink{}, apperr.Validation("reason_code", "is required")
	}
	return s.resolve(ctx, p, models.LinkFailed)
}

func (s *Service) resolve(ctx context.Context, p ResolveLinkParams, status models.LinkStatus) (models.AuthLink, error) {
	if err := validateAccountID(p.AccountID); err != nil {
		return models.AuthLink{}, err
	}
	scope, ok := models.ParseScope(p.Scope)
	if !ok {
		return models.AuthLink{}, apperr.Validation("scope", "unknown scope %q", p.Scope)
	}
	if strings.TrimSpace(p.Verifier) == "" {
		return models.AuthLink{}, apperr.Validation("verifier", "is required")
	}
	if err := validateActor(p.Actor); err != nil {
		return models.AuthLink{}, err
	}

	now := s.clock.Now()
	action := models.ActionLinkConfirm
	if status == models.LinkFailed {
		action = models.ActionLinkFail
	}
	var link models.AuthLink
	err := s.tx.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.ResolveLink(ctx, p.AccountID, scope, p.Verifier, status, now)
		if err != nil {
			return err
		}
		event := audit.LinkConfirmed(l, p.Actor)
		if status == models.LinkFailed {
			event = audit.LinkFailed(l, p.Actor, p.ReasonCode, p.ReasonDetail)
		}
		if _, err := audit.Append(ctx, tx, event); err != nil {
			return err
		}
		link = l
		return nil
	})
	if err != nil {
		return models.AuthLink{}, err
	}
	telemetry.LinkTransitions.WithLabelValues(string(action), string(scope)).Inc()
	s.logger.Info().Str("account_id", p.AccountID).Str("scope", string(scope)).Str("status", string(status)).Msg("link attempt resolved")
	return link, nil
}

// GetLink returns the current record for (account, scope).
func (s *Service) GetLink(ctx context.Context, accountID, rawScope string) (models.AuthLink, error) {
	if err := validateAccountID(accountID); err != nil {
		return models.AuthLink{}, err
	}
	scope, ok := models.ParseScope(rawScope)
	if !ok {
		return models.AuthLink{}, apperr.Validation("scope", "unknown scope %q", rawScope)
	}
	return s.store.GetLink(ctx, accountID, scope)
}
