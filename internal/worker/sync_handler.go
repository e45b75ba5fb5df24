package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
)

// Failure reasons reported by SyncHandler. The first three are terminal in
// the default configuration.
const (
	ReasonAccountInactive     = "account_inactive"
	ReasonLinkMissing         = "link_missing"
	ReasonIntegrationRejected = "integration_rejected"
	ReasonIntegrationDown     = "integration_unavailable"
)

type accountReader interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	GetLink(ctx context.Context, accountID string, scope models.Scope) (models.AuthLink, error)
}

// SyncHandler checks that a sync job may still run for its account and then
// hands it to the integration service.
type SyncHandler struct {
	accounts   accountReader
	baseURL    string
	httpClient *http.Client
}

// NewSyncHandler builds a handler posting to baseURL. An empty baseURL makes
// every job fail with a retryable integration_unavailable reason.
func NewSyncHandler(accounts accountReader, baseURL string, timeout time.Duration) *SyncHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SyncHandler{
		accounts:   accounts,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type syncRequest struct {
	JobID     string         `json:"job_id"`
	AccountID string         `json:"account_id"`
	JobType   models.JobType `json:"job_type"`
	Attempt   int            `json:"attempt"`
	Payload   map[string]any `json:"payload"`
}

// Handle runs the preconditions and forwards the job.
func (h *SyncHandler) Handle(ctx context.Context, job models.Job) error {
	if err := h.guard(ctx, job); err != nil {
		return err
	}
	if h.baseURL == "" {
		return Fail(ReasonIntegrationDown, errors.New("INTEGRATION_URL is not configured"))
	}

	body, err := json.Marshal(syncRequest{
		JobID:     job.ID,
		AccountID: job.AccountID,
		JobType:   job.Type,
		Attempt:   job.AttemptCount,
		Payload:   job.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal sync request: %w", err)
	}
	url := fmt.Sprintf("%s/sync/%s", h.baseURL, job.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", job.ID, job.AttemptCount))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Fail(ReasonIntegrationDown, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return Fail(ReasonIntegrationDown, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	case resp.StatusCode >= http.StatusBadRequest:
		return Fail(ReasonIntegrationRejected, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	return nil
}

func (h *SyncHandler) guard(ctx context.Context, job models.Job) error {
	acc, err := h.accounts.GetAccount(ctx, job.AccountID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return Fail(ReasonAccountInactive, err)
	case err != nil:
		return fmt.Errorf("load account: %w", err)
	case !acc.IsActive():
		return Fail(ReasonAccountInactive, fmt.Errorf("account %s is inactive", acc.ID))
	}

	scope, needed := job.Type.RequiredScope()
	if !needed {
		return nil
	}
	link, err := h.accounts.GetLink(ctx, job.AccountID, scope)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return Fail(ReasonLinkMissing, fmt.Errorf("no %s link for account %s", scope, job.AccountID))
	case err != nil:
		return fmt.Errorf("load link: %w", err)
	case link.Status != models.LinkLinked:
		return Fail(ReasonLinkMissing, fmt.Errorf("%s link for account %s is %s", scope, job.AccountID, link.Status))
	}
	return nil
}
