// Package escalation arms per-alert SLA timers that promote unacknowledged alerts.
package escalation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/clock"

	"github.com/rs/zerolog"
)

// ErrStopped is returned when arming a timer after Stop.
var ErrStopped = errors.New("escalation scheduler stopped")

// Phase tells the callback which window elapsed.
type Phase int

const (
	// Primary is the SLA window that starts at trigger time.
	Primary Phase = iota + 1
	// Secondary is the longer follow-up window armed after an escalation.
	Secondary
)

func (p Phase) String() string {
	if p == Secondary {
		return "secondary"
	}
	return "primary"
}

// FireFunc is invoked when an alert's window elapses without being cancelled.
type FireFunc func(alertID string, phase Phase)

// Policy decides how long an alert may wait for acknowledgement.
type Policy struct {
	Panic     time.Duration
	Default   time.Duration
	Critical  time.Duration
	Secondary time.Duration
	MaxLevel  int
	ByType    map[alert.EmergencyType]time.Duration
}

// DefaultPolicy mirrors the published SLA: 30s for panic-button triggers.
func DefaultPolicy() Policy {
	return Policy{
		Panic:     30 * time.Second,
		Default:   60 * time.Second,
		Critical:  30 * time.Second,
		Secondary: 2 * time.Minute,
		MaxLevel:  3,
	}
}

// ParseTypeWindows reads per-type primary windows such as {"fire": "20s"}. Types accept the
// same aliases as trigger payloads.
func ParseTypeWindows(raw map[string]string) (map[alert.EmergencyType]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[alert.EmergencyType]time.Duration, len(raw))
	for name, value := range raw {
		typ := alert.ParseEmergencyType(name)
		if !typ.Valid() {
			return nil, fmt.Errorf("escalation window: unknown emergency type %q", name)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("escalation window for %s: %w", typ, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("escalation window for %s must be positive", typ)
		}
		out[typ] = d
	}
	return out, nil
}

// Window returns the primary escalation window for a.
func (p Policy) Window(a alert.Alert) time.Duration {
	if a.Panic() {
		return p.Panic
	}
	if d, ok := p.ByType[a.EmergencyType]; ok && d > 0 {
		return d
	}
	if a.Severity >= 5 && p.Critical > 0 {
		return p.Critical
	}
	return p.Default
}

// Deadline is when a's primary window elapses.
func (p Policy) Deadline(a alert.Alert) time.Time {
	return a.TriggeredAt.Add(p.Window(a))
}

type entry struct {
	timer    clock.Timer
	phase    Phase
	deadline time.Time
}

// Scheduler keeps at most one live timer per alert ID.
type Scheduler struct {
	clock clock.Clock
	fire  FireFunc
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
	running sync.WaitGroup
}

// NewScheduler builds a scheduler that calls fire when a window elapses.
func NewScheduler(c clock.Clock, fire FireFunc, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:   c,
		fire:    fire,
		log:     log.With().Str("component", "escalation").Logger(),
		entries: make(map[string]*entry),
	}
}

// Arm schedules a callback for alertID after d, replacing any timer already armed for it.
func (s *Scheduler) Arm(alertID string, d time.Duration, phase Phase) error {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return &alert.SchedulerError{AlertID: alertID, Err: ErrStopped}
	}
	if prev, ok := s.entries[alertID]; ok {
		prev.timer.Stop()
	}

	e := &entry{phase: phase, deadline: s.clock.Now().Add(d)}
	e.timer = s.clock.AfterFunc(d, func() { s.onFire(alertID, e) })
	s.entries[alertID] = e

	s.log.Debug().
		Str("alert_id", alertID).
		Str("phase", phase.String()).
		Dur("window", d).
		Msg("escalation timer armed")
	return nil
}

// Cancel disarms the timer for alertID. It is safe to call concurrently with the timer firing;
// cancelling a timer that already fired, or was never armed, is a no-op that returns false.
func (s *Scheduler) Cancel(alertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[alertID]
	if !ok {
		return false
	}
	delete(s.entries, alertID)
	return e.timer.Stop()
}

// Deadline reports when the armed timer for alertID is due.
func (s *Scheduler) Deadline(alertID string) (time.Time, Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[alertID]
	if !ok {
		return time.Time{}, 0, false
	}
	return e.deadline, e.phase, true
}

// Armed returns the number of live timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every timer, rejects further arming and waits for running callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.running.Wait()
}

func (s *Scheduler) onFire(alertID string, e *entry) {
	s.mu.Lock()
	current, ok := s.entries[alertID]
	if !ok || current != e || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, alertID)
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	s.log.Info().Str("alert_id", alertID).Str("phase", e.phase.String()).Msg("escalation window elapsed")
	s.fire(alertID, e.phase)
}
