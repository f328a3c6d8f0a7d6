// Package engine is the single mutation entry point for SOS alerts. Every state change for an
// alert passes through a per-alert lock, is persisted, and only then drives timers, events and
// metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/clock"
	"ridehail/sos/internal/dispatch"
	"ridehail/sos/internal/escalation"
	"ridehail/sos/internal/metrics"
	"ridehail/sos/internal/notify"
	"ridehail/sos/internal/store"

	"github.com/rs/zerolog"
)

// SystemActor signs notes and events produced by the engine itself.
const SystemActor = "system"

const maxIdentityAttempts = 3

// Broadcaster is the asynchronous event sink.
type Broadcaster interface {
	Publish(ev notify.Event)
	OnFailure(fn notify.FailureFunc)
	Close(ctx context.Context) error
}

// Deps are the collaborators of an Engine. Drivers and Access may be nil.
type Deps struct {
	Store        store.Store
	Coordinator  *dispatch.Coordinator
	Broadcaster  Broadcaster
	Metrics      *metrics.Recorder
	Drivers      DriverStatus
	Access       AccessPolicy
	Clock        clock.Clock
	Policy       escalation.Policy
	StoreTimeout time.Duration
	Log          zerolog.Logger
}

// Engine owns the alert lifecycle.
type Engine struct {
	store       store.Store
	coord       *dispatch.Coordinator
	broadcaster Broadcaster
	metrics     *metrics.Recorder
	drivers     DriverStatus
	access      AccessPolicy
	clock       clock.Clock
	policy      escalation.Policy
	scheduler   *escalation.Scheduler
	validator   *alert.Validator
	timeout     time.Duration
	log         zerolog.Logger

	locks *keyedMutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	taskMu   sync.Mutex
	closing  bool
	tasks    sync.WaitGroup
}

// New wires an engine and registers the broadcast failure hook.
func New(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Access == nil {
		d.Access = AllowAll{}
	}
	if d.StoreTimeout <= 0 {
		d.StoreTimeout = 2 * time.Second
	}
	if d.Policy.MaxLevel <= 0 {
		d.Policy.MaxLevel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       d.Store,
		coord:       d.Coordinator,
		broadcaster: d.Broadcaster,
		metrics:     d.Metrics,
		drivers:     d.Drivers,
		access:      d.Access,
		clock:       d.Clock,
		policy:      d.Policy,
		validator:   alert.NewValidator(),
		timeout:     d.StoreTimeout,
		log:         d.Log.With().Str("component", "engine").Logger(),
		locks:       newKeyedMutex(),
		bgCtx:       ctx,
		bgCancel:    cancel,
	}
	e.scheduler = escalation.NewScheduler(d.Clock, e.onTimer, d.Log)
	e.broadcaster.OnFailure(e.onBroadcastFailure)
	return e
}

// Shutdown stops accepting background work, joins in-flight tasks and timers and drains the
// broadcast queue. In-flight work still running when ctx expires is cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.taskMu.Lock()
	e.closing = true
	e.taskMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		e.bgCancel()
		errs = append(errs, fmt.Errorf("wait for background tasks: %w", ctx.Err()))
	}

	e.scheduler.Stop()
	if err := e.broadcaster.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	e.bgCancel()
	return errors.Join(errs...)
}

// spawn runs fn as a tracked background task. It refuses new work once Shutdown has begun.
func (e *Engine) spawn(name string, fn func(ctx context.Context)) bool {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	if e.closing {
		e.log.Warn().Str("task", name).Msg("engine shutting down, task not started")
		return false
	}
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		fn(e.bgCtx)
	}()
	return true
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// load reads an alert for mutation. Not-found passes through; anything else is a store fault.
func (e *Engine) load(ctx context.Context, id string) (alert.Alert, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	a, err := e.store.Get(sctx, id)
	if err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			return alert.Alert{}, err
		}
		return alert.Alert{}, &alert.PersistenceError{Op: "get", Err: err}
	}
	return a, nil
}

type pendingEvent struct {
	typ    notify.EventType
	actor  string
	prev   alert.Status
	detail string
}

type observation struct {
	stage metrics.Stage
	ms    int64
}

// effects collects what a mutation wants to happen once it is durable.
type effects struct {
	events      []pendingEvent
	cancelTimer bool
	arm         *escalation.Phase
	observe     []observation
	escalated   bool
	falseAlarm  bool
	failures    []alert.ServiceType
	driver      DriverState
}

func (fx *effects) event(typ notify.EventType, actor string, prev alert.Status, detail string) {
	fx.events = append(fx.events, pendingEvent{typ: typ, actor: actor, prev: prev, detail: detail})
}

func (fx *effects) armTimer(phase escalation.Phase) {
	fx.arm = &phase
}

// mutateFunc changes a in place and reports whether anything changed.
type mutateFunc func(a *alert.Alert, fx *effects) (bool, error)

// mutate is the serialization point: lock, load, apply, persist, then run effects while still
// holding the lock so timers and event order follow commit order.
func (e *Engine) mutate(ctx context.Context, id string, fn mutateFunc) (alert.Alert, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	current, err := e.load(ctx, id)
	if err != nil {
		return alert.Alert{}, err
	}

	next := current.Clone()
	fx := &effects{}
	changed, err := fn(&next, fx)
	if err != nil {
		return current, err
	}
	if !changed {
		return current, nil
	}

	now := e.clock.Now()
	events := make([]notify.Event, 0, len(fx.events))
	for _, pe := range fx.events {
		next.Sequence++
		ev := notify.NewEvent(next, pe.typ, pe.actor, now)
		ev.PreviousStatus = pe.prev
		ev.Detail = pe.detail
		events = append(events, ev)
	}
	if next.UpdatedAt.Before(now) {
		next.UpdatedAt = now
	}

	sctx, cancel := e.storeCtx(ctx)
	version, err := e.store.Update(sctx, next)
	cancel()
	if err != nil {
		e.log.Error().Err(err).Str("alert_id", id).Msg("alert update not persisted")
		return current, &alert.PersistenceError{Op: "update", Err: err}
	}
	next.Version = version

	e.apply(next, fx, events)
	return next.Clone(), nil
}

func (e *Engine) apply(a alert.Alert, fx *effects, events []notify.Event) {
	if fx.cancelTimer {
		e.scheduler.Cancel(a.ID)
	}
	if fx.arm != nil {
		e.arm(a, *fx.arm)
	}
	for _, ev := range events {
		e.broadcaster.Publish(ev)
	}
	if e.metrics != nil {
		for _, o := range fx.observe {
			e.metrics.Observe(o.stage, a, o.ms)
		}
		for _, svc := range fx.failures {
			e.metrics.DispatchFailed(svc)
		}
		if fx.escalated {
			e.metrics.Escalated()
		}
		if fx.falseAlarm {
			e.metrics.FalseAlarm()
		}
	}
	if fx.driver != "" {
		e.setDriverStatus(a, fx.driver)
	}
}

// arm schedules the timer for phase. A scheduler fault is logged and followed by an immediate
// overdue sweep so the alert is not left without escalation coverage.
func (e *Engine) arm(a alert.Alert, phase escalation.Phase) {
	var d time.Duration
	switch phase {
	case escalation.Secondary:
		d = e.policy.Secondary
	default:
		d = e.policy.Deadline(a).Sub(e.clock.Now())
	}
	if err := e.scheduler.Arm(a.ID, d, phase); err != nil {
		e.log.Error().Err(err).Str("alert_id", a.ID).Msg("escalation timer not armed")
		e.spawn("overdue-sweep", func(ctx context.Context) {
			if _, err := e.SweepOverdue(ctx); err != nil {
				e.log.Error().Err(err).Msg("overdue sweep after scheduler fault failed")
			}
		})
	}
}

func (e *Engine) setDriverStatus(a alert.Alert, state DriverState) {
	if e.drivers == nil || a.DriverID == "" {
		return
	}
	id, driverID := a.ID, a.DriverID
	e.spawn("driver-status", func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.drivers.SetStatus(cctx, driverID, state); err != nil {
			e.log.Warn().Err(err).Str("alert_id", id).Str("driver_id", driverID).Msg("driver status update failed")
			e.addWarning(ctx, id, fmt.Sprintf("driver %s status update to %s failed: %v", driverID, state, err))
		}
	})
}

// addWarning appends a system warning note. Warnings are not broadcast.
func (e *Engine) addWarning(ctx context.Context, id, body string) {
	_, err := e.mutate(ctx, id, func(a *alert.Alert, fx *effects) (bool, error) {
		a.Notes = append(a.Notes, alert.NewNote(alert.NoteWarning, SystemActor, body, e.clock.Now()))
		return true, nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("alert_id", id).Str("warning", body).Msg("warning note not recorded")
	}
}

func (e *Engine) onBroadcastFailure(ev notify.Event, err error) {
	e.addWarning(e.bgCtx, ev.AlertID, fmt.Sprintf("broadcast of %s event #%d failed: %v", ev.Type, ev.Sequence, err))
}
