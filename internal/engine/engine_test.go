package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/dispatch"
	"ridehail/sos/internal/escalation"
	"ridehail/sos/internal/notify"
	"ridehail/sos/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passengerTrigger(typ alert.EmergencyType) alert.TriggerPayload {
	return alert.TriggerPayload{
		ReporterType:  "passenger",
		ReporterID:    "P-1001",
		EmergencyType: string(typ),
		Latitude:      ptr(14.5995),
		Longitude:     ptr(120.9842),
		Address:       "Rizal Park, Manila",
	}
}

func TestPanicButtonLifecycle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	a, err := h.engine.TriggerPanicButton(ctx, alert.PanicPayload{
		DriverID:      "D1",
		Latitude:      ptr(14.5995),
		Longitude:     ptr(120.9842),
		EmergencyType: string(alert.TypeSecurityThreat),
	})
	require.NoError(t, err)
	assert.Equal(t, alert.SourcePanicButton, a.Source)
	assert.Equal(t, alert.StatusTriggered, a.Status)
	assert.True(t, strings.HasPrefix(a.ShortCode, "SOS-"))
	assert.True(t, a.DriverHold)
	assert.Equal(t, 4, a.Severity)

	deadline, phase, ok := h.engine.scheduler.Deadline(a.ID)
	require.True(t, ok)
	assert.Equal(t, escalation.Primary, phase)
	assert.Equal(t, epoch.Add(30*time.Second), deadline)

	dispatched := h.waitDispatched(t, a.ID, 2)
	require.NotNil(t, dispatched.DispatchLatencyMs)
	assert.False(t, dispatched.DispatchDegraded)
	services := []alert.ServiceType{dispatched.Dispatch[0].Service, dispatched.Dispatch[1].Service}
	assert.ElementsMatch(t, []alert.ServiceType{alert.ServiceOperator, alert.ServicePolice}, services)

	h.clock.Advance(1500 * time.Millisecond)
	acked, err := h.engine.Acknowledge(ctx, a.ID, "op-maria", "calling driver")
	require.NoError(t, err)
	require.NotNil(t, acked.ResponseTimeMs)
	assert.Equal(t, int64(1500), *acked.ResponseTimeMs)
	assert.Equal(t, 0, h.engine.scheduler.Armed())

	_, err = h.engine.MarkResponding(ctx, a.ID, "op-maria", "")
	require.NoError(t, err)

	h.clock.Advance(4 * time.Minute)
	resolved, err := h.engine.Resolve(ctx, a.ID, "op-maria", "driver safe, police on scene")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolutionTimeMs)
	assert.Greater(t, *resolved.ResolutionTimeMs, int64(0))
	assert.False(t, resolved.DriverHold)
	assert.Len(t, notesOfKind(resolved, alert.NoteResolution), 1)

	require.Eventually(t, func() bool { return len(h.drivers.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"D1:emergency", "D1:active"}, h.drivers.list())

	events := h.events.list(a.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, notify.EventTriggerReceived, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Triggered)
}

// gatePublisher releases waiting connectors once the first event reaches the fabric.
type gatePublisher struct {
	mu   sync.Mutex
	msgs []notify.Message
	seen chan struct{}
	once sync.Once
}

func (p *gatePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, notify.Message{Topic: topic, Payload: payload})
	p.mu.Unlock()
	p.once.Do(func() { close(p.seen) })
	return nil
}

func (p *gatePublisher) events(topic string) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, m := range p.msgs {
		if m.Topic != topic {
			continue
		}
		var ev notify.Event
		if err := json.Unmarshal(m.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func TestTriggerReceivedIsPublishedBeforeDispatch(t *testing.T) {
	pub := &gatePublisher{seen: make(chan struct{})}
	desk := &stubConnector{name: "desk", service: alert.ServiceOperator, wait: pub.seen}
	ems := &stubConnector{name: "ems", service: alert.ServiceAmbulance, wait: pub.seen}
	h := newHarness(t, harnessOpts{
		connectors:  []dispatch.Connector{desk, ems},
		broadcaster: notify.NewBroadcaster(pub, nil, 64, zerolog.Nop()),
	})

	a, err := h.engine.Trigger(context.Background(), passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)

	got := h.waitDispatched(t, a.ID, 2)
	for _, rec := range got.Dispatch {
		assert.Equal(t, alert.DispatchDispatched, rec.Status, "connector %s timed out waiting for the trigger event", rec.Connector)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	events := pub.events(notify.AlertTopic(a.ID))
	require.NotEmpty(t, events)
	assert.Equal(t, notify.EventTriggerReceived, events[0].Type)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
	}
	assert.Len(t, pub.events(notify.GlobalTopic), len(events))
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a, err := h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)
	h.waitDispatched(t, a.ID, 2)

	h.clock.Advance(5 * time.Second)
	first, err := h.engine.Acknowledge(ctx, a.ID, "op-1", "")
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	second, err := h.engine.Acknowledge(ctx, a.ID, "op-2", "")
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, *first.AcknowledgedAt, *second.AcknowledgedAt)
	assert.Equal(t, *first.ResponseTimeMs, *second.ResponseTimeMs)

	acks := 0
	for _, ev := range h.events.list(a.ID) {
		if ev.Type == notify.EventStatusChanged && ev.Status == alert.StatusAcknowledged {
			acks++
		}
	}
	assert.Equal(t, 1, acks)
}

func TestReacknowledgeAfterEscalationCountsOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a := h.seed(t, alert.TypeMedical, alert.StatusProcessing, alert.StatusDispatched)

	h.clock.Advance(4 * time.Second)
	first, err := h.engine.Acknowledge(ctx, a.ID, "op-1", "")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	_, err = h.engine.Escalate(ctx, a.ID, "op-1", "shift-supervisor", "needs a supervisor")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	again, err := h.engine.Acknowledge(ctx, a.ID, "supervisor-1", "")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, again.Status)
	assert.Equal(t, *first.AcknowledgedAt, *again.AcknowledgedAt)
	assert.Equal(t, int64(4000), *again.ResponseTimeMs)

	assert.Equal(t, int64(1), h.metrics.Snapshot().Acknowledged)
}

func TestUnacknowledgedAlertEscalates(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a, err := h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)
	h.waitDispatched(t, a.ID, 2)

	h.clock.Advance(60 * time.Second)
	got, err := h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusEscalated, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	notes := notesOfKind(got, alert.NoteEscalation)
	require.Len(t, notes, 1)
	assert.Equal(t, "SLA window exceeded", notes[0].Body)
	assert.Equal(t, SystemActor, notes[0].Actor)

	_, phase, ok := h.engine.scheduler.Deadline(a.ID)
	require.True(t, ok)
	assert.Equal(t, escalation.Secondary, phase)

	h.clock.Advance(2 * time.Minute)
	got, err = h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationLevel)
	assert.Equal(t, 1, h.events.count(a.ID, notify.EventEscalationRaised))

	h.clock.Advance(2 * time.Minute)
	h.clock.Advance(2 * time.Minute)
	got, err = h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.EscalationLevel)
	assert.Equal(t, 0, h.engine.scheduler.Armed())

	acked, err := h.engine.Acknowledge(ctx, a.ID, "op-1", "")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, acked.Status)
	assert.Equal(t, int64(3), h.metrics.Snapshot().Escalated)
}

func TestAcknowledgeJustBeforeDeadlineNeverEscalates(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a, err := h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)
	h.waitDispatched(t, a.ID, 2)

	h.clock.Advance(60*time.Second - time.Millisecond)
	_, err = h.engine.Acknowledge(ctx, a.ID, "op-1", "")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	got, err := h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, got.Status)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Empty(t, notesOfKind(got, alert.NoteEscalation))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPersistenceFailureLeavesAlertUntouched(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a, err := h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)
	h.waitDispatched(t, a.ID, 2)
	before := len(h.events.list(a.ID))

	h.store.failUpdates.Store(true)
	_, err = h.engine.Acknowledge(ctx, a.ID, "op-1", "")
	require.Error(t, err)
	var perr *alert.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "update", perr.Op)
	assert.ErrorIs(t, err, errStoreDown)

	got, err := h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusDispatched, got.Status)
	assert.Nil(t, got.AcknowledgedAt)
	assert.Len(t, h.events.list(a.ID), before)
	_, _, armed := h.engine.scheduler.Deadline(a.ID)
	assert.True(t, armed)

	h.store.failUpdates.Store(false)
	got, err = h.engine.Acknowledge(ctx, a.ID, "op-1", "")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, got.Status)
}

func TestCreateFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.store.duplicates.Store(maxIdentityAttempts)

	_, err := h.engine.Trigger(context.Background(), passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	var perr *alert.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create", perr.Op)
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.Equal(t, int32(maxIdentityAttempts), h.store.creates.Load())
	assert.Equal(t, 0, h.engine.scheduler.Armed())
	assert.Equal(t, int64(0), h.metrics.Snapshot().Triggered)
}

func TestShortCodeCollisionIsRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.store.duplicates.Store(1)

	a, err := h.engine.Trigger(context.Background(), passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.store.creates.Load())
	h.waitDispatched(t, a.ID, 2)
}

func TestFalseAlarmEligibility(t *testing.T) {
	tests := []struct {
		name    string
		path    []alert.Status
		allowed bool
	}{
		{name: "triggered", allowed: true},
		{name: "processing", path: []alert.Status{alert.StatusProcessing}, allowed: true},
		{name: "dispatched", path: []alert.Status{alert.StatusProcessing, alert.StatusDispatched}},
		{name: "acknowledged", path: []alert.Status{alert.StatusProcessing, alert.StatusDispatched, alert.StatusAcknowledged}},
		{name: "resolved", path: []alert.Status{alert.StatusProcessing, alert.StatusDispatched, alert.StatusResolved}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			a := h.seed(t, alert.TypeGeneral, tc.path...)

			got, err := h.engine.MarkFalseAlarm(context.Background(), a.ID, "op-1", "passenger pressed by mistake")
			if tc.allowed {
				require.NoError(t, err)
				assert.Equal(t, alert.StatusFalseAlarm, got.Status)
				assert.NotNil(t, got.FalseAlarmAt)
				assert.Len(t, notesOfKind(got, alert.NoteFalseAlarm), 1)
				assert.Equal(t, int64(1), h.metrics.Snapshot().FalseAlarms)
				return
			}
			var terr *alert.InvalidTransitionError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, alert.StatusFalseAlarm, terr.To)
			assert.NotContains(t, terr.Allowed, alert.StatusFalseAlarm)
		})
	}
}

func TestFalseAlarmRequiresReason(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	a := h.seed(t, alert.TypeGeneral)

	_, err := h.engine.MarkFalseAlarm(context.Background(), a.ID, "op-1", "  ")
	var verr *alert.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"reason"}, verr.Fields())
}

func TestResolveRequiresNoteAndActor(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	a := h.seed(t, alert.TypeGeneral, alert.StatusProcessing, alert.StatusDispatched)

	_, err := h.engine.Resolve(context.Background(), a.ID, "op-1", "")
	var verr *alert.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"resolution_note"}, verr.Fields())

	_, err = h.engine.Acknowledge(context.Background(), a.ID, " ", "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"actor"}, verr.Fields())
}

func TestUnknownAlertIsNotFound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.engine.Acknowledge(context.Background(), "2b0f1c8e-0000-4000-8000-000000000000", "op-1", "")
	assert.ErrorIs(t, err, alert.ErrNotFound)
}

func TestFalseAlarmReleasesDriverHold(t *testing.T) {
	gate := make(chan struct{})
	desk := &stubConnector{name: "desk", service: alert.ServiceOperator, wait: gate}
	h := newHarness(t, harnessOpts{connectors: []dispatch.Connector{desk}})
	defer close(gate)
	ctx := context.Background()

	a, err := h.engine.TriggerPanicButton(ctx, alert.PanicPayload{DriverID: "D7", Latitude: ptr(14.55), Longitude: ptr(121.02)})
	require.NoError(t, err)
	h.waitFor(t, a.ID, func(a alert.Alert) bool { return a.Status == alert.StatusProcessing })

	got, err := h.engine.MarkFalseAlarm(ctx, a.ID, "op-1", "driver confirmed accidental press")
	require.NoError(t, err)
	assert.False(t, got.DriverHold)
	assert.Equal(t, 0, h.engine.scheduler.Armed())
	require.Eventually(t, func() bool { return len(h.drivers.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"D7:emergency", "D7:active"}, h.drivers.list())
}

func TestDriverStatusFailureAddsWarning(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.drivers.err = errors.New("driver service unavailable")

	a, err := h.engine.TriggerPanicButton(context.Background(), alert.PanicPayload{DriverID: "D2", Latitude: ptr(14.6), Longitude: ptr(121.0)})
	require.NoError(t, err)

	got := h.waitFor(t, a.ID, func(a alert.Alert) bool {
		for _, n := range notesOfKind(a, alert.NoteWarning) {
			if strings.Contains(n.Body, "driver D2") {
				return true
			}
		}
		return false
	})
	assert.True(t, got.DriverHold)
}

func TestPanicWithoutDriverServiceHoldsNothing(t *testing.T) {
	h := newHarness(t, harnessOpts{noDrivers: true})
	a, err := h.engine.TriggerPanicButton(context.Background(), alert.PanicPayload{DriverID: "D3", Latitude: ptr(14.6), Longitude: ptr(121.0)})
	require.NoError(t, err)
	assert.False(t, a.DriverHold)
}

func TestAllDispatchFailuresDegradeTheAlert(t *testing.T) {
	down := errors.New("upstream 503")
	h := newHarness(t, harnessOpts{connectors: []dispatch.Connector{
		&stubConnector{name: "desk", service: alert.ServiceOperator, err: down},
		&stubConnector{name: "ems", service: alert.ServiceAmbulance, err: down},
	}})
	a, err := h.engine.Trigger(context.Background(), passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)

	got := h.waitFor(t, a.ID, func(a alert.Alert) bool { return a.DispatchDegraded })
	assert.Equal(t, alert.StatusDispatched, got.Status)
	assert.Nil(t, got.DispatchLatencyMs)
	require.Len(t, got.Dispatch, 2)
	for _, rec := range got.Dispatch {
		assert.Equal(t, alert.DispatchFailed, rec.Status)
		assert.Contains(t, rec.FailureReason, "upstream 503")
	}
	// one warning per failed record plus the degradation summary
	assert.Len(t, notesOfKind(got, alert.NoteWarning), 3)
	assert.Equal(t, int64(2), h.metrics.Snapshot().DispatchFailures)
}

func TestMissingConnectorIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{connectors: []dispatch.Connector{
		&stubConnector{name: "desk", service: alert.ServiceOperator},
	}})
	a, err := h.engine.Trigger(context.Background(), passengerTrigger(alert.TypeFire), Principal{ID: "P-1001"})
	require.NoError(t, err)

	got := h.waitFor(t, a.ID, func(a alert.Alert) bool { return len(a.Dispatch) == 3 })
	assert.Equal(t, alert.StatusDispatched, got.Status)
	assert.False(t, got.DispatchDegraded)
	assert.NotNil(t, got.DispatchLatencyMs)

	failed := map[alert.ServiceType]alert.DispatchRecord{}
	for _, rec := range got.Dispatch {
		if rec.Status == alert.DispatchFailed {
			failed[rec.Service] = rec
		}
	}
	require.Len(t, failed, 2)
	for _, svc := range []alert.ServiceType{alert.ServiceFire, alert.ServiceAmbulance} {
		rec, ok := failed[svc]
		require.True(t, ok, "no failed record for %s", svc)
		assert.Equal(t, dispatch.ErrNoConnector.Error(), rec.FailureReason)
	}
	assert.Len(t, notesOfKind(got, alert.NoteWarning), 2)
	assert.Equal(t, int64(2), h.metrics.Snapshot().DispatchFailures)
}

func TestEmptyRegistryStillReachesDispatched(t *testing.T) {
	h := newHarness(t, harnessOpts{connectors: []dispatch.Connector{}})
	a, err := h.engine.Trigger(context.Background(), passengerTrigger(alert.TypeGeneral), Principal{ID: "P-1001"})
	require.NoError(t, err)

	got := h.waitFor(t, a.ID, func(a alert.Alert) bool { return a.DispatchDegraded })
	assert.Equal(t, alert.StatusDispatched, got.Status)
	require.Len(t, got.Dispatch, 1)
	assert.Equal(t, alert.ServiceOperator, got.Dispatch[0].Service)
	assert.Equal(t, alert.DispatchFailed, got.Dispatch[0].Status)
	assert.Nil(t, got.DispatchLatencyMs)
	// the failed record plus the degradation summary
	assert.Len(t, notesOfKind(got, alert.NoteWarning), 2)
}

func TestManualEscalation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a := h.seed(t, alert.TypeMedical, alert.StatusProcessing, alert.StatusDispatched)

	got, err := h.engine.Escalate(ctx, a.ID, "op-1", "shift-supervisor", "caller unresponsive")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusEscalated, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, "shift-supervisor", got.EscalationTarget)
	_, phase, ok := h.engine.scheduler.Deadline(a.ID)
	require.True(t, ok)
	assert.Equal(t, escalation.Secondary, phase)

	same, err := h.engine.Escalate(ctx, a.ID, "op-1", "shift-supervisor", "")
	require.NoError(t, err)
	assert.Equal(t, got.Version, same.Version)

	raised, err := h.engine.Escalate(ctx, a.ID, "op-2", "regional-director", "")
	require.NoError(t, err)
	assert.Equal(t, 2, raised.EscalationLevel)
	assert.Equal(t, "regional-director", raised.EscalationTarget)
	assert.Equal(t, 1, h.events.count(a.ID, notify.EventEscalationRaised))

	resolved, err := h.engine.Resolve(ctx, a.ID, "op-2", "handled by director")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, resolved.Status)
	assert.Equal(t, 0, h.engine.scheduler.Armed())
}

func TestEscalateTerminalAlertIsRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	a := h.seed(t, alert.TypeMedical, alert.StatusProcessing, alert.StatusDispatched, alert.StatusResolved)

	_, err := h.engine.Escalate(context.Background(), a.ID, "op-1", "supervisor", "")
	var terr *alert.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, alert.StatusResolved, terr.From)
}

func TestAddNoteIsAppendOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a := h.seed(t, alert.TypeGeneral)

	for i := 1; i <= 3; i++ {
		_, err := h.engine.AddNote(ctx, a.ID, "op-1", fmt.Sprintf("update %d", i))
		require.NoError(t, err)
	}
	got, err := h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	ops := notesOfKind(got, alert.NoteOperator)
	require.Len(t, ops, 3)
	assert.Equal(t, "update 1", ops[0].Body)
	assert.Equal(t, "update 3", ops[2].Body)
	assert.Equal(t, 3, h.events.count(a.ID, notify.EventNoteAdded))

	_, err = h.engine.AddNote(ctx, a.ID, "op-1", "")
	var verr *alert.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUpdateDispatchMovesForwardOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a, err := h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)
	got := h.waitDispatched(t, a.ID, 2)
	recID := got.Dispatch[0].ID

	updated, err := h.engine.UpdateDispatch(ctx, a.ID, recID, "op-1", alert.DispatchArrived)
	require.NoError(t, err)
	for _, rec := range updated.Dispatch {
		if rec.ID == recID {
			assert.Equal(t, alert.DispatchArrived, rec.Status)
			assert.NotNil(t, rec.ArrivedAt)
		}
	}

	_, err = h.engine.UpdateDispatch(ctx, a.ID, recID, "op-1", alert.DispatchAcknowledged)
	var uerr *alert.InvalidDispatchUpdateError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, alert.DispatchArrived, uerr.From)

	_, err = h.engine.UpdateDispatch(ctx, a.ID, "no-such-record", "op-1", alert.DispatchArrived)
	assert.ErrorIs(t, err, alert.ErrNotFound)
}

func TestRedispatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a, err := h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "P-1001"})
	require.NoError(t, err)
	h.waitDispatched(t, a.ID, 2)

	rec, err := h.engine.Redispatch(ctx, a.ID, "op-1", alert.ServicePolice)
	require.NoError(t, err)
	assert.Equal(t, alert.ServicePolice, rec.Service)
	assert.Equal(t, alert.DispatchDispatched, rec.Status)

	got, err := h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Dispatch, 3)
	assert.Len(t, notesOfKind(got, alert.NoteOperator), 1)

	_, err = h.engine.Redispatch(ctx, a.ID, "op-1", alert.ServiceType("coast_guard"))
	var verr *alert.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.engine.Resolve(ctx, a.ID, "op-1", "done")
	require.NoError(t, err)
	_, err = h.engine.Redispatch(ctx, a.ID, "op-1", alert.ServicePolice)
	var terr *alert.InvalidTransitionError
	assert.ErrorAs(t, err, &terr)
}

func TestRegionalAccess(t *testing.T) {
	policy, err := NewRegionPolicy(map[string]string{
		"PH-NCR": "14.35,120.90,14.80,121.15",
		"PH-CEB": "10.20,123.80,10.45,124.05",
	})
	require.NoError(t, err)
	h := newHarness(t, harnessOpts{access: policy})
	ctx := context.Background()

	_, err = h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "op-cebu", Regions: []string{"PH-CEB"}})
	var rerr *alert.RegionalAccessError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "PH-NCR", rerr.Region)
	assert.Equal(t, "op-cebu", rerr.Actor)

	_, err = h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "op-manila", Regions: []string{"PH-NCR"}})
	assert.NoError(t, err)
	_, err = h.engine.Trigger(ctx, passengerTrigger(alert.TypeMedical), Principal{ID: "admin", Regions: []string{WildcardRegion}})
	assert.NoError(t, err)

	_, err = h.engine.TriggerPanicButton(ctx, alert.PanicPayload{DriverID: "D9", Latitude: ptr(7.07), Longitude: ptr(125.61)})
	assert.NoError(t, err)
}

func TestInvalidTriggerIsRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	p := passengerTrigger(alert.TypeMedical)
	p.Latitude = ptr(95)

	_, err := h.engine.Trigger(context.Background(), p, Principal{ID: "P-1001"})
	var verr *alert.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields(), "latitude")
	assert.Equal(t, int32(0), h.store.creates.Load())
}

func TestListActiveOrdersBySeverity(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	general := h.seed(t, alert.TypeGeneral)
	h.clock.Advance(time.Second)
	kidnap := h.seed(t, alert.TypeKidnapping)
	h.seed(t, alert.TypeMedical, alert.StatusProcessing, alert.StatusDispatched, alert.StatusResolved)

	list, err := h.engine.ListActive(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, kidnap.ID, list[0].ID)
	assert.Equal(t, general.ID, list[1].ID)

	byCode, err := h.engine.GetByShortCode(ctx, strings.ToLower(kidnap.ShortCode))
	require.NoError(t, err)
	assert.Equal(t, kidnap.ID, byCode.ID)
}

func TestBroadcastFailureRecordsWarning(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	a := h.seed(t, alert.TypeGeneral)
	ev := notify.NewEvent(a, notify.EventNoteAdded, "op-1", h.clock.Now())
	ev.Sequence = 4

	require.NotNil(t, h.events.hook)
	h.events.hook(ev, notify.ErrQueueFull)

	got, err := h.engine.GetStatus(context.Background(), a.ID)
	require.NoError(t, err)
	warnings := notesOfKind(got, alert.NoteWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Body, "#4")
	assert.Contains(t, warnings[0].Body, notify.ErrQueueFull.Error())
	assert.Empty(t, h.events.list(a.ID))
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	a := h.seed(t, alert.TypeGeneral)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.AddNote(ctx, a.ID, "op-1", fmt.Sprintf("note %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := h.engine.GetStatus(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, notesOfKind(got, alert.NoteOperator), 20)
	assert.Equal(t, int64(21), got.Version)
	assert.Equal(t, 0, h.engine.locks.size())

	seen := map[int64]bool{}
	for _, ev := range h.events.list(a.ID) {
		assert.False(t, seen[ev.Sequence], "duplicate sequence %d", ev.Sequence)
		seen[ev.Sequence] = true
	}
}

func TestShutdownRejectsBackgroundWork(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))
	assert.True(t, h.events.closed)
	assert.False(t, h.engine.spawn("late", func(context.Context) {}))
}
