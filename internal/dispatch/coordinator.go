package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/clock"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoConnector is reported for a service that has no registered connector.
var ErrNoConnector = errors.New("no connector registered")

// RecordFunc receives each dispatch record as soon as its connector call completes.
// It may be called concurrently from several goroutines.
type RecordFunc func(alert.DispatchRecord)

// Result is the outcome of one fan-out.
type Result struct {
	Records  []alert.DispatchRecord
	Failures []*alert.DispatchFailure
	Missing  []alert.ServiceType
	Elapsed  time.Duration
}

// Succeeded counts records that reached the service.
func (r Result) Succeeded() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status != alert.DispatchFailed {
			n++
		}
	}
	return n
}

// Coordinator dispatches alerts to connectors concurrently. Failed attempts are recorded and
// never retried automatically; re-dispatch is an explicit operator action.
type Coordinator struct {
	registry *Registry
	timeout  time.Duration
	clock    clock.Clock
	log      zerolog.Logger
}

// NewCoordinator builds a coordinator with a per-connector timeout.
func NewCoordinator(registry *Registry, timeout time.Duration, c clock.Clock, log zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Coordinator{
		registry: registry,
		timeout:  timeout,
		clock:    c,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch calls every applicable connector in parallel and returns once all of them have
// completed or timed out. Total latency is bounded by the slowest single call.
func (c *Coordinator) Dispatch(ctx context.Context, a alert.Alert, onRecord RecordFunc) Result {
	start := time.Now()
	services := ServicesFor(a.EmergencyType)
	connectors, missing := c.registry.Select(services, a.Location)

	records := make([]alert.DispatchRecord, len(connectors))
	failures := make([]*alert.DispatchFailure, len(connectors))

	var wg sync.WaitGroup
	for i, conn := range connectors {
		wg.Add(1)
		go func(i int, conn Connector) {
			defer wg.Done()
			rec, failure := c.call(ctx, a, conn)
			records[i] = rec
			failures[i] = failure
			if onRecord != nil {
				onRecord(rec)
			}
		}(i, conn)
	}

	// A routed service without a connector is a failed attempt, not a silent skip.
	unrouted := make([]alert.DispatchRecord, 0, len(missing))
	unroutedFailures := make([]*alert.DispatchFailure, 0, len(missing))
	for _, svc := range missing {
		c.log.Warn().
			Str("alert_id", a.ID).
			Str("service", string(svc)).
			Msg("no connector available for service")
		rec, failure := c.unrouted(a, svc)
		unrouted = append(unrouted, rec)
		unroutedFailures = append(unroutedFailures, failure)
		if onRecord != nil {
			onRecord(rec)
		}
	}
	wg.Wait()
	records = append(records, unrouted...)
	failures = append(failures, unroutedFailures...)

	res := Result{Records: records, Missing: missing, Elapsed: time.Since(start)}
	for _, f := range failures {
		if f != nil {
			res.Failures = append(res.Failures, f)
		}
	}

	c.log.Info().
		Str("alert_id", a.ID).
		Str("short_code", a.ShortCode).
		Int("connectors", len(connectors)).
		Int("succeeded", res.Succeeded()).
		Int("failed", len(res.Failures)).
		Dur("elapsed", res.Elapsed).
		Msg("dispatch fan-out completed")
	return res
}

// DispatchOne performs a single manual dispatch to svc.
func (c *Coordinator) DispatchOne(ctx context.Context, a alert.Alert, svc alert.ServiceType) (alert.DispatchRecord, *alert.DispatchFailure) {
	conn, ok := c.registry.Lookup(svc, a.Location)
	if !ok {
		return c.unrouted(a, svc)
	}
	return c.call(ctx, a, conn)
}

// unrouted builds the failed record for a service that has no registered connector.
func (c *Coordinator) unrouted(a alert.Alert, svc alert.ServiceType) (alert.DispatchRecord, *alert.DispatchFailure) {
	rec := alert.DispatchRecord{
		ID:            uuid.NewString(),
		AlertID:       a.ID,
		Service:       svc,
		Status:        alert.DispatchFailed,
		FailureReason: ErrNoConnector.Error(),
		CreatedAt:     c.clock.Now(),
	}
	return rec, &alert.DispatchFailure{Service: svc, Err: ErrNoConnector}
}

type outcome struct {
	ref string
	err error
}

func (c *Coordinator) call(ctx context.Context, a alert.Alert, conn Connector) (alert.DispatchRecord, *alert.DispatchFailure) {
	rec := alert.DispatchRecord{
		ID:        uuid.NewString(),
		AlertID:   a.ID,
		Service:   conn.Service(),
		Connector: conn.Name(),
		Status:    alert.DispatchPending,
		CreatedAt: c.clock.Now(),
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("connector panic: %v", r)}
			}
		}()
		ref, err := conn.Dispatch(callCtx, a)
		done <- outcome{ref: ref, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = outcome{err: callCtx.Err()}
	}

	if out.err == nil && out.ref == "" {
		out.err = errors.New("connector returned an empty reference")
	}

	if out.err != nil {
		rec.Status = alert.DispatchFailed
		rec.FailureReason = out.err.Error()
		c.log.Warn().
			Err(out.err).
			Str("alert_id", a.ID).
			Str("service", string(rec.Service)).
			Str("connector", rec.Connector).
			Msg("dispatch attempt failed")
		return rec, &alert.DispatchFailure{Service: rec.Service, Connector: rec.Connector, Err: out.err}
	}

	now := c.clock.Now()
	rec.Status = alert.DispatchDispatched
	rec.ReferenceNumber = out.ref
	rec.DispatchedAt = &now
	return rec, nil
}
