package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/clock"
	"ridehail/sos/internal/dispatch"
	"ridehail/sos/internal/escalation"
	"ridehail/sos/internal/metrics"
	"ridehail/sos/internal/notify"
	"ridehail/sos/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 5, 4, 22, 15, 0, 0, time.UTC)

// syncBroadcaster records events synchronously so tests can inspect them without draining a queue.
type syncBroadcaster struct {
	mu     sync.Mutex
	events []notify.Event
	hook   notify.FailureFunc
	closed bool
}

func (b *syncBroadcaster) Publish(ev notify.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *syncBroadcaster) OnFailure(fn notify.FailureFunc) { b.hook = fn }

func (b *syncBroadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *syncBroadcaster) list(alertID string) []notify.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []notify.Event
	for _, ev := range b.events {
		if ev.AlertID == alertID {
			out = append(out, ev)
		}
	}
	return out
}

func (b *syncBroadcaster) count(alertID string, typ notify.EventType) int {
	n := 0
	for _, ev := range b.list(alertID) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type stubConnector struct {
	name    string
	service alert.ServiceType
	delay   time.Duration
	err     error
	wait    <-chan struct{}
	calls   atomic.Int32
}

func (c *stubConnector) Name() string               { return c.name }
func (c *stubConnector) Service() alert.ServiceType { return c.service }

func (c *stubConnector) Dispatch(ctx context.Context, a alert.Alert) (string, error) {
	c.calls.Add(1)
	if c.wait != nil {
		select {
		case <-c.wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if c.err != nil {
		return "", c.err
	}
	return c.name + "-" + a.ShortCode, nil
}

type recordingDrivers struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDrivers) SetStatus(_ context.Context, driverID string, state DriverState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, driverID+":"+string(state))
	return d.err
}

func (d *recordingDrivers) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// flakyStore wraps the memory store with injectable faults.
type flakyStore struct {
	*store.Memory
	failUpdates atomic.Bool
	duplicates  atomic.Int32
	creates     atomic.Int32
}

var errStoreDown = errors.New("connection refused")

func (s *flakyStore) Create(ctx context.Context, a alert.Alert) error {
	s.creates.Add(1)
	if s.duplicates.Load() > 0 {
		s.duplicates.Add(-1)
		return store.ErrDuplicate
	}
	return s.Memory.Create(ctx, a)
}

func (s *flakyStore) Update(ctx context.Context, a alert.Alert) (int64, error) {
	if s.failUpdates.Load() {
		return 0, errStoreDown
	}
	return s.Memory.Update(ctx, a)
}

type harness struct {
	engine  *Engine
	store   *flakyStore
	clock   *clock.Fake
	events  *syncBroadcaster
	drivers *recordingDrivers
	metrics *metrics.Recorder
}

type harnessOpts struct {
	connectors  []dispatch.Connector
	access      AccessPolicy
	broadcaster Broadcaster
	noDrivers   bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	fc := clock.NewFake(epoch)
	st := &flakyStore{Memory: store.NewMemory()}

	reg := dispatch.NewRegistry()
	conns := opts.connectors
	if conns == nil {
		conns = []dispatch.Connector{
			&stubConnector{name: "desk", service: alert.ServiceOperator},
			&stubConnector{name: "pnp", service: alert.ServicePolice},
			&stubConnector{name: "ems", service: alert.ServiceAmbulance},
		}
	}
	for _, c := range conns {
		reg.Register(c, nil)
	}

	h := &harness{
		store:   st,
		clock:   fc,
		events:  &syncBroadcaster{},
		metrics: metrics.NewRecorder(prometheus.NewRegistry(), nil, 50, zerolog.Nop()),
	}
	var bc Broadcaster = h.events
	if opts.broadcaster != nil {
		bc = opts.broadcaster
	}
	var drivers DriverStatus
	if !opts.noDrivers {
		h.drivers = &recordingDrivers{}
		drivers = h.drivers
	}

	h.engine = New(Deps{
		Store:        st,
		Coordinator:  dispatch.NewCoordinator(reg, 2*time.Second, fc, zerolog.Nop()),
		Broadcaster:  bc,
		Metrics:      h.metrics,
		Drivers:      drivers,
		Access:       opts.access,
		Clock:        fc,
		Policy:       escalation.DefaultPolicy(),
		StoreTimeout: time.Second,
		Log:          zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitFor(t *testing.T, id string, cond func(a alert.Alert) bool) alert.Alert {
	t.Helper()
	var last alert.Alert
	require.Eventually(t, func() bool {
		a, err := h.engine.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		last = a
		return cond(a)
	}, 3*time.Second, 5*time.Millisecond)
	return last
}

func (h *harness) waitDispatched(t *testing.T, id string, records int) alert.Alert {
	t.Helper()
	return h.waitFor(t, id, func(a alert.Alert) bool {
		return a.Status == alert.StatusDispatched && len(a.Dispatch) == records
	})
}

// seed stores an alert directly in the given status, bypassing the engine.
func (h *harness) seed(t *testing.T, typ alert.EmergencyType, path ...alert.Status) alert.Alert {
	t.Helper()
	id, code := alert.NewIdentity()
	a := alert.New(alert.Trigger{
		Source:        alert.SourceSOS,
		EmergencyType: typ,
		ReporterType:  alert.ReporterPassenger,
		ReporterID:    "P1",
		Location:      manila(),
	}, id, code, h.clock.Now())
	for _, s := range path {
		_, err := a.Transition(s, h.clock.Now())
		require.NoError(t, err)
	}
	require.NoError(t, h.store.Memory.Create(context.Background(), a))
	return a
}

func manila() alert.Location {
	return alert.Location{Latitude: 14.5995, Longitude: 120.9842}
}

func ptr(f float64) *float64 { return &f }

func notesOfKind(a alert.Alert, kind alert.NoteKind) []alert.Note {
	var out []alert.Note
	for _, n := range a.Notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
