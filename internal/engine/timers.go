package engine

import (
	"context"
	"fmt"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/escalation"
	"ridehail/sos/internal/notify"
	"ridehail/sos/internal/store"
)

const slaExceeded = "SLA window exceeded"

// onTimer runs when an escalation window elapses. The status is re-checked under the alert lock,
// so an acknowledgement that committed first always wins.
func (e *Engine) onTimer(id string, phase escalation.Phase) {
	if _, err := e.escalateOverdue(e.bgCtx, id, phase); err != nil {
		e.log.Error().Err(err).Str("alert_id", id).Str("phase", phase.String()).Msg("automatic escalation failed")
	}
}

func (e *Engine) escalateOverdue(ctx context.Context, id string, phase escalation.Phase) (bool, error) {
	escalated := false
	_, err := e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		if !a.Status.AwaitingAcknowledgement() {
			return false, nil
		}
		now := e.clock.Now()

		if a.Status != alert.StatusEscalated {
			prev := a.Status
			if _, err := a.Transition(alert.StatusEscalated, now); err != nil {
				return false, err
			}
			if a.EscalationLevel < 1 {
				a.EscalationLevel = 1
			}
			a.Notes = append(a.Notes, alert.NewNote(alert.NoteEscalation, SystemActor, slaExceeded, now))
			fx.event(notify.EventStatusChanged, SystemActor, prev, slaExceeded)
			fx.escalated = true
			if a.EscalationLevel < e.policy.MaxLevel {
				fx.armTimer(escalation.Secondary)
			}
			escalated = true
			return true, nil
		}

		// Already escalated: only the secondary window raises the level further.
		if phase != escalation.Secondary || a.EscalationLevel >= e.policy.MaxLevel {
			return false, nil
		}
		a.EscalationLevel++
		a.UpdatedAt = now
		body := fmt.Sprintf("still unacknowledged, escalation level raised to %d", a.EscalationLevel)
		a.Notes = append(a.Notes, alert.NewNote(alert.NoteEscalation, SystemActor, body, now))
		fx.event(notify.EventEscalationRaised, SystemActor, a.Status, body)
		fx.escalated = true
		if a.EscalationLevel < e.policy.MaxLevel {
			fx.armTimer(escalation.Secondary)
		}
		escalated = true
		return true, nil
	})
	if escalated {
		e.log.Warn().Str("alert_id", id).Str("phase", phase.String()).Msg("alert escalated automatically")
	}
	return escalated, err
}

// deadline returns when the alert's next escalation is due and which phase it belongs to.
// ok is false when the alert no longer escalates.
func (e *Engine) deadline(a alert.Alert) (time.Time, escalation.Phase, bool) {
	if !a.Status.AwaitingAcknowledgement() {
		return time.Time{}, 0, false
	}
	if a.Status != alert.StatusEscalated {
		return e.policy.Deadline(a), escalation.Primary, true
	}
	if a.EscalationLevel >= e.policy.MaxLevel {
		return time.Time{}, 0, false
	}
	from := a.UpdatedAt
	if a.EscalatedAt != nil && a.EscalatedAt.After(from) {
		from = *a.EscalatedAt
	}
	return from.Add(e.policy.Secondary), escalation.Secondary, true
}

// Recover re-arms timers for every active alert and restarts dispatch for alerts that never got
// past triggered, typically after a restart. Alerts caught mid-dispatch are flagged for manual
// follow-up instead of being dispatched again.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	list, err := e.ListActive(ctx, store.Filter{})
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	n := 0
	for _, a := range list {
		switch a.Status {
		case alert.StatusTriggered:
			id := a.ID
			e.spawn("dispatch", func(ctx context.Context) { e.dispatch(ctx, id) })
		case alert.StatusProcessing:
			updated, err := e.interruptedDispatch(ctx, a.ID)
			if err != nil {
				e.log.Error().Err(err).Str("alert_id", a.ID).Msg("interrupted dispatch not flagged")
			} else {
				a = updated
			}
		}
		due, phase, ok := e.deadline(a)
		if !ok {
			continue
		}
		if err := e.scheduler.Arm(a.ID, due.Sub(now), phase); err != nil {
			e.log.Error().Err(err).Str("alert_id", a.ID).Msg("escalation timer not re-armed")
			continue
		}
		n++
	}
	e.log.Info().Int("active", len(list)).Int("armed", n).Msg("escalation timers recovered")
	return n, nil
}

// interruptedDispatch moves an alert left in processing to dispatched with the degraded flag set.
func (e *Engine) interruptedDispatch(ctx context.Context, id string) (alert.Alert, error) {
	return e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		if a.Status != alert.StatusProcessing {
			return false, nil
		}
		now := e.clock.Now()
		prev := a.Status
		if _, err := a.Transition(alert.StatusDispatched, now); err != nil {
			return false, err
		}
		a.DispatchDegraded = true
		body := fmt.Sprintf("dispatch interrupted by restart after %d record(s), confirm emergency services manually", len(a.Dispatch))
		a.Notes = append(a.Notes, alert.NewNote(alert.NoteWarning, SystemActor, body, now))
		fx.event(notify.EventStatusChanged, SystemActor, prev, "dispatch interrupted")
		return true, nil
	})
}

// SweepOverdue escalates alerts whose window has passed without a live timer. It is the safety
// net for lost timers and scheduler faults.
func (e *Engine) SweepOverdue(ctx context.Context) (int, error) {
	list, err := e.ListActive(ctx, store.Filter{})
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	n := 0
	for _, a := range list {
		due, phase, ok := e.deadline(a)
		if !ok || due.After(now) {
			continue
		}
		if _, _, armed := e.scheduler.Deadline(a.ID); armed {
			continue
		}
		escalated, err := e.escalateOverdue(ctx, a.ID, phase)
		if err != nil {
			e.log.Error().Err(err).Str("alert_id", a.ID).Msg("overdue escalation failed")
			continue
		}
		if escalated {
			n++
		}
	}
	if n > 0 {
		e.log.Warn().Int("escalated", n).Msg("overdue alerts escalated by sweep")
	}
	return n, nil
}

// CloseResolved closes alerts resolved longer than olderThan ago.
func (e *Engine) CloseResolved(ctx context.Context, olderThan time.Duration) (int, error) {
	sctx, cancel := e.storeCtx(ctx)
	list, err := e.store.ListResolvedBefore(sctx, e.clock.Now().Add(-olderThan))
	cancel()
	if err != nil {
		return 0, &alert.PersistenceError{Op: "list", Err: err}
	}
	n := 0
	for _, a := range list {
		if _, err := e.Close(ctx, a.ID, SystemActor, fmt.Sprintf("closed automatically %s after resolution", olderThan)); err != nil {
			e.log.Error().Err(err).Str("alert_id", a.ID).Msg("auto close failed")
			continue
		}
		n++
	}
	return n, nil
}
