package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/models"
	"merchant-sync/internal/retry"
	"merchant-sync/internal/store"
	"merchant-sync/internal/telemetry"
)

// Append writes e through tx. A failure is reported as an audit write error
// so callers can tell it apart from a failed state change.
func Append(ctx context.Context, tx store.Tx, e models.AuditEvent) (models.AuditEvent, error) {
	out, err := tx.AppendAudit(ctx, e)
	if err != nil {
		telemetry.AuditWriteFailures.Inc()
		return models.AuditEvent{}, apperr.AuditWrite(string(e.Action), err)
	}
	return out, nil
}

// Transactor runs a state change and its audit write in one transaction.
type Transactor struct {
	store    store.Store
	attempts int
	backoff  retry.Policy
	logger   zerolog.Logger
}

// NewTransactor builds a Transactor. attempts bounds how many times a
// transaction whose audit write failed is replayed.
func NewTransactor(st store.Store, attempts int, backoff retry.Policy, logger zerolog.Logger) *Transactor {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff.BaseDelay <= 0 {
		backoff.BaseDelay = 50 * time.Millisecond
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = time.Second
	}
	return &Transactor{store: st, attempts: attempts, backoff: backoff, logger: logger}
}

// Do runs fn in a transaction. When fn fails because of an audit write the
// transaction has been rolled back as a whole, so it is replayed; after the
// last attempt the audit write error is returned. Other errors return
// immediately.
func (t *Transactor) Do(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		err = t.store.WithinTx(ctx, fn)
		if err == nil || !errors.Is(err, apperr.ErrAuditWrite) {
			return err
		}
		t.logger.Warn().Err(err).Int("attempt", attempt).Msg("audit write failed, transaction rolled back")
		if attempt == t.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(t.backoff.Delay(attempt)):
		}
	}
	t.logger.Error().Err(err).Int("attempts", t.attempts).Msg("audit write retries exhausted")
	return err
}
