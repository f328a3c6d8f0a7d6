package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogAuditor writes the audit trail to the structured log. It backs deployments without Postgres.
type LogAuditor struct {
	log zerolog.Logger
}

// NewLogAuditor returns an auditor logging at info level under the "audit" component.
func NewLogAuditor(log zerolog.Logger) *LogAuditor {
	return &LogAuditor{log: log.With().Str("component", "audit").Logger()}
}

func (a *LogAuditor) Record(_ context.Context, ev Event) error {
	a.log.Info().
		Str("event_id", ev.ID).
		Str("alert_id", ev.AlertID).
		Str("short_code", ev.ShortCode).
		Str("type", string(ev.Type)).
		Str("status", string(ev.Status)).
		Int64("sequence", ev.Sequence).
		Str("actor", ev.Actor).
		Time("occurred_at", ev.OccurredAt).
		Msg("alert event")
	return nil
}
