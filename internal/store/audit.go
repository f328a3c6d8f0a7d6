package store

import (
	"context"
	"encoding/json"
	"fmt"

	"ridehail/sos/internal/notify"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog appends every broadcast event to sos_audit_log. Redelivered events are ignored.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog wraps a pool opened by database.Connect.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

func (l *AuditLog) Record(ctx context.Context, ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO sos_audit_log (id, alert_id, short_code, event_type, status, sequence, actor, payload, occurred_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.AlertID, ev.ShortCode, string(ev.Type), string(ev.Status), ev.Sequence, ev.Actor, payload, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
