package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"merchant-sync/internal/models"
	"merchant-sync/internal/store"
)

// Exporter renders an account's trail for archival.
type Exporter struct {
	repo  store.AuditRepository
	limit int
}

// NewExporter builds an Exporter reading at most limit events per account.
func NewExporter(repo store.AuditRepository, limit int) *Exporter {
	if limit <= 0 {
		limit = 10000
	}
	return &Exporter{repo: repo, limit: limit}
}

// ExportAccount returns the account's events as JSON lines, oldest first,
// along with the number of events written.
func (x *Exporter) ExportAccount(ctx context.Context, accountID string) ([]byte, int, error) {
	events, err := x.repo.ListAuditByAccount(ctx, accountID, x.limit)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, 0, fmt.Errorf("encode audit event %d: %w", e.ID, err)
		}
	}
	return buf.Bytes(), len(events), nil
}

// Decode parses JSON lines produced by ExportAccount.
func Decode(data []byte) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e models.AuditEvent
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
