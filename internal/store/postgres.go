package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ridehail/sos/internal/alert"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Postgres stores alerts in sos_alerts with their notes and dispatch records in child tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pool opened by database.Connect.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const alertColumns = `id::text, short_code, source, emergency_type, severity, reporter_type, reporter_id,
	latitude, longitude, accuracy_m, address, driver_id, trip_id, message,
	status, escalation_level, escalation_target, dispatch_degraded, driver_hold,
	triggered_at, processing_at, dispatched_at, acknowledged_at, responding_at, escalated_at,
	resolved_at, false_alarm_at, closed_at, updated_at,
	dispatch_latency_ms, response_time_ms, resolution_time_ms, sequence, version`

func (p *Postgres) Create(ctx context.Context, a alert.Alert) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO sos_alerts (`+strings.ReplaceAll(alertColumns, "id::text", "id")+`)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
		        $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)`,
		a.ID, a.ShortCode, a.Source, a.EmergencyType, a.Severity, a.ReporterType, a.ReporterID,
		a.Location.Latitude, a.Location.Longitude, a.Location.Accuracy, a.Location.Address,
		a.DriverID, a.TripID, a.Message,
		a.Status, a.EscalationLevel, a.EscalationTarget, a.DispatchDegraded, a.DriverHold,
		a.TriggeredAt, a.ProcessingAt, a.DispatchedAt, a.AcknowledgedAt, a.RespondingAt, a.EscalatedAt,
		a.ResolvedAt, a.FalseAlarmAt, a.ClosedAt, a.UpdatedAt,
		a.DispatchLatencyMs, a.ResponseTimeMs, a.ResolutionTimeMs, a.Sequence, a.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	if err := writeChildren(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Get(ctx context.Context, id string) (alert.Alert, error) {
	return p.getBy(ctx, "id = $1::uuid", id)
}

func (p *Postgres) GetByShortCode(ctx context.Context, code string) (alert.Alert, error) {
	return p.getBy(ctx, "short_code = $1", code)
}

func (p *Postgres) getBy(ctx context.Context, where, key string) (alert.Alert, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM sos_alerts WHERE `+where, key)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, &alert.NotFoundError{ID: key}
	}
	if err != nil {
		return alert.Alert{}, fmt.Errorf("select alert: %w", err)
	}
	list := []alert.Alert{a}
	if err := p.loadChildren(ctx, list); err != nil {
		return alert.Alert{}, err
	}
	return list[0], nil
}

func (p *Postgres) Update(ctx context.Context, a alert.Alert) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version int64
	err = tx.QueryRow(ctx, `
		UPDATE sos_alerts SET
			status = $3, escalation_level = $4, escalation_target = $5,
			dispatch_degraded = $6, driver_hold = $7,
			processing_at = $8, dispatched_at = $9, acknowledged_at = $10, responding_at = $11,
			escalated_at = $12, resolved_at = $13, false_alarm_at = $14, closed_at = $15,
			updated_at = $16, dispatch_latency_ms = $17, response_time_ms = $18, resolution_time_ms = $19,
			sequence = $20, version = version + 1
		WHERE id = $1::uuid AND version = $2
		RETURNING version`,
		a.ID, a.Version, a.Status, a.EscalationLevel, a.EscalationTarget,
		a.DispatchDegraded, a.DriverHold,
		a.ProcessingAt, a.DispatchedAt, a.AcknowledgedAt, a.RespondingAt,
		a.EscalatedAt, a.ResolvedAt, a.FalseAlarmAt, a.ClosedAt,
		a.UpdatedAt, a.DispatchLatencyMs, a.ResponseTimeMs, a.ResolutionTimeMs,
		a.Sequence,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sos_alerts WHERE id = $1::uuid)`, a.ID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check alert: %w", err)
		}
		if !exists {
			return 0, &alert.NotFoundError{ID: a.ID}
		}
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("update alert: %w", err)
	}

	if err := writeChildren(ctx, tx, a); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit update: %w", err)
	}
	return version, nil
}

// writeChildren appends unseen notes and upserts dispatch records in one batch.
func writeChildren(ctx context.Context, tx pgx.Tx, a alert.Alert) error {
	batch := &pgx.Batch{}
	for _, n := range a.Notes {
		batch.Queue(`
			INSERT INTO sos_alert_notes (id, alert_id, kind, actor, body, created_at)
			VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			n.ID, a.ID, n.Kind, n.Actor, n.Body, n.CreatedAt)
	}
	for _, r := range a.Dispatch {
		batch.Queue(`
			INSERT INTO sos_dispatch_records (id, alert_id, service, connector, status, reference_number,
				failure_reason, dispatched_at, acknowledged_at, arrived_at, created_at)
			VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				reference_number = EXCLUDED.reference_number,
				failure_reason = EXCLUDED.failure_reason,
				dispatched_at = EXCLUDED.dispatched_at,
				acknowledged_at = EXCLUDED.acknowledged_at,
				arrived_at = EXCLUDED.arrived_at`,
			r.ID, a.ID, r.Service, r.Connector, r.Status, r.ReferenceNumber,
			r.FailureReason, r.DispatchedAt, r.AcknowledgedAt, r.ArrivedAt, r.CreatedAt)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write notes and dispatch records: %w", err)
	}
	return nil
}

func (p *Postgres) ListActive(ctx context.Context, f Filter) ([]alert.Alert, error) {
	statuses := make([]string, 0, len(f.statuses()))
	for _, s := range f.statuses() {
		statuses = append(statuses, string(s))
	}

	where := []string{"status = ANY($1)"}
	args := []any{statuses}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EmergencyType != "" {
		add("emergency_type = $%d", string(f.EmergencyType))
	}
	if f.Source != "" {
		add("source = $%d", string(f.Source))
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if f.MinSeverity > 0 {
		add("severity >= $%d", f.MinSeverity)
	}

	query := `SELECT ` + alertColumns + ` FROM sos_alerts WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY severity DESC, triggered_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return p.list(ctx, query, args...)
}

func (p *Postgres) ListResolvedBefore(ctx context.Context, before time.Time) ([]alert.Alert, error) {
	return p.list(ctx, `SELECT `+alertColumns+` FROM sos_alerts
		WHERE status = 'resolved' AND resolved_at < $1
		ORDER BY resolved_at`, before)
}

func (p *Postgres) list(ctx context.Context, query string, args ...any) ([]alert.Alert, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]alert.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	if err := p.loadChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) loadChildren(ctx context.Context, alerts []alert.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	index := make(map[string]int, len(alerts))
	ids := make([]string, 0, len(alerts))
	for i, a := range alerts {
		index[a.ID] = i
		ids = append(ids, a.ID)
		alerts[i].Notes = []alert.Note{}
		alerts[i].Dispatch = []alert.DispatchRecord{}
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id::text, alert_id::text, kind, actor, body, created_at
		FROM sos_alert_notes WHERE alert_id = ANY($1::uuid[])
		ORDER BY created_at, id`, ids)
	if err != nil {
		return fmt.Errorf("select notes: %w", err)
	}
	for rows.Next() {
		var n alert.Note
		var alertID string
		if err := rows.Scan(&n.ID, &alertID, &n.Kind, &n.Actor, &n.Body, &n.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan note: %w", err)
		}
		i := index[alertID]
		alerts[i].Notes = append(alerts[i].Notes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("select notes: %w", err)
	}

	rows, err = p.pool.Query(ctx, `
		SELECT id::text, alert_id::text, service, connector, status, reference_number, failure_reason,
			dispatched_at, acknowledged_at, arrived_at, created_at
		FROM sos_dispatch_records WHERE alert_id = ANY($1::uuid[])
		ORDER BY created_at, id`, ids)
	if err != nil {
		return fmt.Errorf("select dispatch records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r alert.DispatchRecord
		if err := rows.Scan(&r.ID, &r.AlertID, &r.Service, &r.Connector, &r.Status, &r.ReferenceNumber,
			&r.FailureReason, &r.DispatchedAt, &r.AcknowledgedAt, &r.ArrivedAt, &r.CreatedAt); err != nil {
			return fmt.Errorf("scan dispatch record: %w", err)
		}
		i := index[r.AlertID]
		alerts[i].Dispatch = append(alerts[i].Dispatch, r)
	}
	return rows.Err()
}

func scanAlert(row pgx.Row) (alert.Alert, error) {
	var a alert.Alert
	err := row.Scan(
		&a.ID, &a.ShortCode, &a.Source, &a.EmergencyType, &a.Severity, &a.ReporterType, &a.ReporterID,
		&a.Location.Latitude, &a.Location.Longitude, &a.Location.Accuracy, &a.Location.Address,
		&a.DriverID, &a.TripID, &a.Message,
		&a.Status, &a.EscalationLevel, &a.EscalationTarget, &a.DispatchDegraded, &a.DriverHold,
		&a.TriggeredAt, &a.ProcessingAt, &a.DispatchedAt, &a.AcknowledgedAt, &a.RespondingAt, &a.EscalatedAt,
		&a.ResolvedAt, &a.FalseAlarmAt, &a.ClosedAt, &a.UpdatedAt,
		&a.DispatchLatencyMs, &a.ResponseTimeMs, &a.ResolutionTimeMs, &a.Sequence, &a.Version,
	)
	return a, err
}
