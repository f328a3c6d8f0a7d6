package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/escalation"
	"ridehail/sos/internal/metrics"
	"ridehail/sos/internal/notify"
	"ridehail/sos/internal/store"
)

// Trigger accepts a standard SOS from a passenger, customer or driver. The principal must have
// regional access to the reported location.
func (e *Engine) Trigger(ctx context.Context, p alert.TriggerPayload, by Principal) (alert.Alert, error) {
	t, err := e.validator.ValidateTrigger(p)
	if err != nil {
		return alert.Alert{}, err
	}
	if err := e.access.CheckRegion(ctx, by, t.Location); err != nil {
		e.log.Warn().Err(err).Str("principal", by.ID).Msg("trigger rejected by access policy")
		return alert.Alert{}, err
	}
	return e.create(ctx, t)
}

// TriggerPanicButton accepts a driver panic-button press. Only location and driver identity are
// required and no regional check applies.
func (e *Engine) TriggerPanicButton(ctx context.Context, p alert.PanicPayload) (alert.Alert, error) {
	t, err := e.validator.ValidatePanic(p)
	if err != nil {
		return alert.Alert{}, err
	}
	return e.create(ctx, t)
}

// create persists the alert, then broadcasts trigger_received, arms the escalation timer and
// starts dispatch, in that order. Nothing happens downstream when the store write fails.
func (e *Engine) create(ctx context.Context, t alert.Trigger) (alert.Alert, error) {
	var lastErr error
	for attempt := 0; attempt < maxIdentityAttempts; attempt++ {
		id, code := alert.NewIdentity()
		now := e.clock.Now()
		a := alert.New(t, id, code, now)
		a.DriverHold = a.Panic() && a.DriverID != "" && e.drivers != nil
		a.Sequence = 1
		ev := notify.NewEvent(a, notify.EventTriggerReceived, a.ReporterID, now)

		unlock := e.locks.Lock(id)
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.Create(sctx, a)
		cancel()
		if errors.Is(err, store.ErrDuplicate) {
			unlock()
			lastErr = err
			e.log.Warn().Str("short_code", code).Msg("short code collision, regenerating identity")
			continue
		}
		if err != nil {
			unlock()
			e.log.Error().Err(err).Str("source", string(t.Source)).Msg("alert not persisted")
			return alert.Alert{}, &alert.PersistenceError{Op: "create", Err: err}
		}

		e.broadcaster.Publish(ev)
		if e.metrics != nil {
			e.metrics.Triggered(a)
		}
		e.arm(a, escalation.Primary)
		unlock()

		e.log.Info().
			Str("alert_id", a.ID).
			Str("short_code", a.ShortCode).
			Str("source", string(a.Source)).
			Str("emergency_type", string(a.EmergencyType)).
			Int("severity", a.Severity).
			Float64("lat", a.Location.Latitude).
			Float64("lon", a.Location.Longitude).
			Msg("sos alert triggered")

		if a.DriverHold {
			e.setDriverStatus(a, DriverEmergency)
		}
		e.spawn("dispatch", func(ctx context.Context) { e.dispatch(ctx, a.ID) })
		return a, nil
	}
	return alert.Alert{}, &alert.PersistenceError{Op: "create", Err: fmt.Errorf("allocate unique short code: %w", lastErr)}
}

// dispatchable reports whether a fan-out may still start for an alert in s.
func dispatchable(s alert.Status) bool {
	return s.Active()
}

// dispatch moves the alert to processing, fans out to every routed connector and records each
// result as it arrives.
func (e *Engine) dispatch(ctx context.Context, id string) {
	a, err := e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		if a.Status != alert.StatusTriggered {
			return false, nil
		}
		prev := a.Status
		if _, err := a.Transition(alert.StatusProcessing, e.clock.Now()); err != nil {
			return false, err
		}
		fx.event(notify.EventStatusChanged, SystemActor, prev, "")
		return true, nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("alert_id", id).Msg("dispatch not started")
		return
	}
	if !dispatchable(a.Status) {
		e.log.Info().Str("alert_id", id).Str("status", string(a.Status)).Msg("alert closed before dispatch")
		return
	}

	res := e.coord.Dispatch(ctx, a, func(rec alert.DispatchRecord) {
		e.recordDispatch(ctx, id, rec, SystemActor)
	})

	if res.Succeeded() > 0 {
		return
	}
	reasons := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		reasons = append(reasons, f.Error())
	}
	_, err = e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		if a.DispatchDegraded {
			return false, nil
		}
		a.DispatchDegraded = true
		body := "every dispatch attempt failed: " + strings.Join(reasons, "; ")
		a.Notes = append(a.Notes, alert.NewNote(alert.NoteWarning, SystemActor, body, e.clock.Now()))
		fx.event(notify.EventDispatchRecorded, SystemActor, "", "dispatch degraded")
		return true, nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("alert_id", id).Msg("dispatch degradation not recorded")
	}
}

// recordDispatch appends one connector result. The first record moves a processing alert to
// dispatched; the first successful one fixes the dispatch latency.
func (e *Engine) recordDispatch(ctx context.Context, id string, rec alert.DispatchRecord, actor string) {
	_, err := e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		for _, existing := range a.Dispatch {
			if existing.ID == rec.ID {
				return false, nil
			}
		}
		now := e.clock.Now()
		a.Dispatch = append(a.Dispatch, rec)
		detail := fmt.Sprintf("%s: %s", rec.Service, rec.Status)
		if rec.Connector != "" {
			detail = fmt.Sprintf("%s via %s: %s", rec.Service, rec.Connector, rec.Status)
		}

		if rec.Status == alert.DispatchFailed {
			fx.failures = append(fx.failures, rec.Service)
			body := fmt.Sprintf("dispatch to %s failed: %s", rec.Service, rec.FailureReason)
			if rec.Connector != "" {
				body = fmt.Sprintf("dispatch to %s via %s failed: %s", rec.Service, rec.Connector, rec.FailureReason)
			}
			a.Notes = append(a.Notes, alert.NewNote(alert.NoteWarning, SystemActor, body, now))
		} else {
			if actor != SystemActor {
				body := fmt.Sprintf("manual dispatch to %s, reference %s", rec.Service, rec.ReferenceNumber)
				a.Notes = append(a.Notes, alert.NewNote(alert.NoteOperator, actor, body, now))
			}
			if a.MarkFirstDispatch(now) {
				fx.observe = append(fx.observe, observation{stage: metrics.StageDispatch, ms: *a.DispatchLatencyMs})
			}
		}
		fx.event(notify.EventDispatchRecorded, actor, "", detail)

		if a.Status == alert.StatusProcessing {
			prev := a.Status
			if _, err := a.Transition(alert.StatusDispatched, now); err != nil {
				return false, err
			}
			fx.event(notify.EventStatusChanged, actor, prev, "")
		}
		return true, nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("alert_id", id).Str("service", string(rec.Service)).Msg("dispatch record not persisted")
	}
}
