package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/escalation"
	"ridehail/sos/internal/metrics"
	"ridehail/sos/internal/notify"
	"ridehail/sos/internal/store"
)

// Acknowledge records that an operator has taken the alert. It disarms the escalation timer;
// acknowledging twice is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, id, actor, note string) (alert.Alert, error) {
	return e.transition(ctx, id, actor, alert.StatusAcknowledged, alert.NoteOperator, note)
}

// MarkResponding records that responders are on their way.
func (e *Engine) MarkResponding(ctx context.Context, id, actor, note string) (alert.Alert, error) {
	return e.transition(ctx, id, actor, alert.StatusResponding, alert.NoteOperator, note)
}

// Resolve closes the emergency. A resolution note is mandatory.
func (e *Engine) Resolve(ctx context.Context, id, actor, resolution string) (alert.Alert, error) {
	if strings.TrimSpace(resolution) == "" {
		return alert.Alert{}, alert.MissingFieldError("resolution_note", "a resolution note is required")
	}
	return e.transition(ctx, id, actor, alert.StatusResolved, alert.NoteResolution, resolution)
}

// MarkFalseAlarm ends an alert that turned out not to be an emergency. Only alerts that have not
// been dispatched yet are eligible.
func (e *Engine) MarkFalseAlarm(ctx context.Context, id, actor, reason string) (alert.Alert, error) {
	if strings.TrimSpace(reason) == "" {
		return alert.Alert{}, alert.MissingFieldError("reason", "a false alarm reason is required")
	}
	return e.transition(ctx, id, actor, alert.StatusFalseAlarm, alert.NoteFalseAlarm, reason)
}

// Close archives a resolved alert, or a triggered one that never needed handling.
func (e *Engine) Close(ctx context.Context, id, actor, note string) (alert.Alert, error) {
	return e.transition(ctx, id, actor, alert.StatusClosed, alert.NoteOperator, note)
}

func (e *Engine) transition(ctx context.Context, id, actor string, to alert.Status, kind alert.NoteKind, note string) (alert.Alert, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return alert.Alert{}, alert.MissingFieldError("actor", "actor is required")
	}
	a, err := e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		prev := a.Status
		firstAck := a.AcknowledgedAt == nil
		now := e.clock.Now()
		changed, err := a.Transition(to, now)
		if err != nil || !changed {
			return false, err
		}
		if body := strings.TrimSpace(note); body != "" {
			a.Notes = append(a.Notes, alert.NewNote(kind, actor, body, now))
		}
		fx.event(notify.EventStatusChanged, actor, prev, "")

		switch to {
		case alert.StatusAcknowledged:
			fx.cancelTimer = true
			if firstAck && a.ResponseTimeMs != nil {
				fx.observe = append(fx.observe, observation{stage: metrics.StageAcknowledge, ms: *a.ResponseTimeMs})
			}
		case alert.StatusResponding, alert.StatusClosed:
			fx.cancelTimer = true
		case alert.StatusResolved:
			fx.cancelTimer = true
			if a.ResolutionTimeMs != nil {
				fx.observe = append(fx.observe, observation{stage: metrics.StageResolution, ms: *a.ResolutionTimeMs})
			}
			e.releaseHold(a, fx)
		case alert.StatusFalseAlarm:
			fx.cancelTimer = true
			fx.falseAlarm = true
			e.releaseHold(a, fx)
		}
		return true, nil
	})
	if err != nil {
		return a, err
	}
	e.log.Info().Str("alert_id", id).Str("status", string(a.Status)).Str("actor", actor).Msg("alert status updated")
	return a, nil
}

func (e *Engine) releaseHold(a *alert.Alert, fx *effects) {
	if !a.DriverHold {
		return
	}
	a.DriverHold = false
	fx.driver = DriverActive
}

// Escalate promotes the alert to target by hand. Escalating an already escalated alert to a new
// target raises its level; repeating the same target is a no-op.
func (e *Engine) Escalate(ctx context.Context, id, actor, target, reason string) (alert.Alert, error) {
	actor, target = strings.TrimSpace(actor), strings.TrimSpace(target)
	if actor == "" {
		return alert.Alert{}, alert.MissingFieldError("actor", "actor is required")
	}
	if target == "" {
		return alert.Alert{}, alert.MissingFieldError("target", "an escalation target is required")
	}
	return e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		now := e.clock.Now()
		body := fmt.Sprintf("escalated to %s by %s", target, actor)
		if r := strings.TrimSpace(reason); r != "" {
			body += ": " + r
		}

		if a.Status == alert.StatusEscalated {
			if a.EscalationTarget == target {
				return false, nil
			}
			a.EscalationTarget = target
			if a.EscalationLevel < e.policy.MaxLevel {
				a.EscalationLevel++
			}
			a.UpdatedAt = now
			a.Notes = append(a.Notes, alert.NewNote(alert.NoteEscalation, actor, body, now))
			fx.event(notify.EventEscalationRaised, actor, a.Status, target)
			fx.escalated = true
			return true, nil
		}

		prev := a.Status
		if _, err := a.Transition(alert.StatusEscalated, now); err != nil {
			return false, err
		}
		a.EscalationTarget = target
		if a.EscalationLevel < 1 {
			a.EscalationLevel = 1
		}
		a.Notes = append(a.Notes, alert.NewNote(alert.NoteEscalation, actor, body, now))
		fx.event(notify.EventStatusChanged, actor, prev, target)
		fx.escalated = true
		fx.armTimer(escalation.Secondary)
		return true, nil
	})
}

// AddNote appends an operator note.
func (e *Engine) AddNote(ctx context.Context, id, actor, body string) (alert.Alert, error) {
	actor, body = strings.TrimSpace(actor), strings.TrimSpace(body)
	if actor == "" {
		return alert.Alert{}, alert.MissingFieldError("actor", "actor is required")
	}
	if body == "" {
		return alert.Alert{}, alert.MissingFieldError("note", "note text is required")
	}
	return e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		a.Notes = append(a.Notes, alert.NewNote(alert.NoteOperator, actor, body, e.clock.Now()))
		fx.event(notify.EventNoteAdded, actor, "", body)
		return true, nil
	})
}

// Redispatch asks one service again on an operator's request. The connector is called outside
// the alert lock; the resulting record is then appended through the usual serialization point.
func (e *Engine) Redispatch(ctx context.Context, id, actor string, svc alert.ServiceType) (alert.DispatchRecord, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return alert.DispatchRecord{}, alert.MissingFieldError("actor", "actor is required")
	}
	if !validService(svc) {
		return alert.DispatchRecord{}, &alert.ValidationError{Violations: []alert.FieldViolation{{
			Field: "service", Rule: "oneof", Message: fmt.Sprintf("unknown service %q", svc),
		}}}
	}

	a, err := e.GetStatus(ctx, id)
	if err != nil {
		return alert.DispatchRecord{}, err
	}
	if !dispatchable(a.Status) {
		return alert.DispatchRecord{}, &alert.InvalidTransitionError{From: a.Status, To: alert.StatusDispatched, Allowed: a.Status.Allowed()}
	}

	rec, failure := e.coord.DispatchOne(ctx, a, svc)
	e.recordDispatch(ctx, id, rec, actor)
	if failure != nil {
		return rec, failure
	}
	return rec, nil
}

func validService(svc alert.ServiceType) bool {
	switch svc {
	case alert.ServiceAmbulance, alert.ServicePolice, alert.ServiceFire, alert.ServiceDisasterResponse, alert.ServiceOperator:
		return true
	}
	return false
}

// UpdateDispatch advances one dispatch record, for example when the service confirms arrival.
func (e *Engine) UpdateDispatch(ctx context.Context, id, recordID, actor string, status alert.DispatchStatus) (alert.Alert, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return alert.Alert{}, alert.MissingFieldError("actor", "actor is required")
	}
	return e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		idx := -1
		for i := range a.Dispatch {
			if a.Dispatch[i].ID == recordID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, &alert.NotFoundError{ID: recordID}
		}
		rec := &a.Dispatch[idx]
		if rec.Status == status {
			return false, nil
		}
		if !rec.Status.CanAdvance(status) {
			return false, &alert.InvalidDispatchUpdateError{RecordID: recordID, From: rec.Status, To: status}
		}

		now := e.clock.Now()
		rec.Status = status
		switch status {
		case alert.DispatchDispatched:
			if rec.DispatchedAt == nil {
				rec.DispatchedAt = &now
			}
		case alert.DispatchAcknowledged:
			if rec.AcknowledgedAt == nil {
				rec.AcknowledgedAt = &now
			}
		case alert.DispatchArrived:
			if rec.ArrivedAt == nil {
				rec.ArrivedAt = &now
			}
		}
		a.UpdatedAt = now
		fx.event(notify.EventDispatchUpdated, actor, "", fmt.Sprintf("%s %s", rec.Service, status))
		return true, nil
	})
}

// GetStatus reads the alert straight from the store, bypassing the alert lock.
func (e *Engine) GetStatus(ctx context.Context, id string) (alert.Alert, error) {
	a, err := e.load(ctx, id)
	if err != nil {
		return alert.Alert{}, err
	}
	return a, nil
}

// NextEscalation reports when the armed escalation timer for id is due.
func (e *Engine) NextEscalation(id string) (time.Time, bool) {
	at, _, ok := e.scheduler.Deadline(id)
	return at, ok
}

// GetByShortCode resolves an operator-facing code.
func (e *Engine) GetByShortCode(ctx context.Context, code string) (alert.Alert, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	a, err := e.store.GetByShortCode(sctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			return alert.Alert{}, err
		}
		return alert.Alert{}, &alert.PersistenceError{Op: "get", Err: err}
	}
	return a, nil
}

// ListActive returns alerts that still need attention, most severe first.
func (e *Engine) ListActive(ctx context.Context, f store.Filter) ([]alert.Alert, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	list, err := e.store.ListActive(sctx, f)
	if err != nil {
		return nil, &alert.PersistenceError{Op: "list", Err: err}
	}
	return list, nil
}
