package alert

import (
	"time"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusTriggered    Status = "triggered"
	StatusProcessing   Status = "processing"
	StatusDispatched   Status = "dispatched"
	StatusAcknowledged Status = "acknowledged"
	StatusResponding   Status = "responding"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
	StatusFalseAlarm   Status = "false_alarm"
	StatusClosed       Status = "closed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusTriggered,
	StatusProcessing,
	StatusDispatched,
	StatusAcknowledged,
	StatusResponding,
	StatusEscalated,
	StatusResolved,
	StatusFalseAlarm,
	StatusClosed,
}

var transitions = map[Status][]Status{
	StatusTriggered:    {StatusProcessing, StatusEscalated, StatusResolved, StatusFalseAlarm, StatusClosed},
	StatusProcessing:   {StatusDispatched, StatusEscalated, StatusResolved, StatusFalseAlarm},
	StatusDispatched:   {StatusAcknowledged, StatusEscalated, StatusResolved},
	StatusAcknowledged: {StatusResponding, StatusEscalated, StatusResolved},
	StatusResponding:   {StatusEscalated, StatusResolved},
	StatusEscalated:    {StatusAcknowledged, StatusResponding, StatusResolved},
	StatusResolved:     {StatusClosed},
	StatusFalseAlarm:   nil,
	StatusClosed:       nil,
}

// Allowed returns the statuses reachable from s in one step.
func (s Status) Allowed() []Status {
	return append([]Status(nil), transitions[s]...)
}

// CanTransition reports whether s -> next is a legal edge.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active reports whether the alert still needs attention.
func (s Status) Active() bool {
	switch s {
	case StatusResolved, StatusFalseAlarm, StatusClosed:
		return false
	}
	return true
}

// AwaitingAcknowledgement reports whether the escalation clock is still running for s.
func (s Status) AwaitingAcknowledgement() bool {
	switch s {
	case StatusTriggered, StatusProcessing, StatusDispatched, StatusEscalated:
		return true
	}
	return false
}

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Transition moves a to next at the given instant. It returns changed=false when a is already
// in next (repeat calls are a no-op success) and an InvalidTransitionError when the edge is
// not legal, leaving a untouched in both cases. Lifecycle timestamps are written at most once.
func (a *Alert) Transition(next Status, at time.Time) (changed bool, err error) {
	if a.Status == next {
		return false, nil
	}
	if !a.Status.CanTransition(next) {
		return false, &InvalidTransitionError{From: a.Status, To: next, Allowed: a.Status.Allowed()}
	}

	at = at.UTC()
	a.Status = next
	a.UpdatedAt = at

	switch next {
	case StatusProcessing:
		setOnce(&a.ProcessingAt, at)
	case StatusDispatched:
		setOnce(&a.DispatchedAt, at)
	case StatusAcknowledged:
		if setOnce(&a.AcknowledgedAt, at) {
			a.ResponseTimeMs = millisSince(a.TriggeredAt, at)
		}
	case StatusResponding:
		setOnce(&a.RespondingAt, at)
	case StatusEscalated:
		setOnce(&a.EscalatedAt, at)
	case StatusResolved:
		if setOnce(&a.ResolvedAt, at) {
			a.ResolutionTimeMs = millisSince(a.TriggeredAt, at)
		}
	case StatusFalseAlarm:
		setOnce(&a.FalseAlarmAt, at)
	case StatusClosed:
		setOnce(&a.ClosedAt, at)
	}
	return true, nil
}

// MarkFirstDispatch records the trigger-to-first-dispatch latency once.
func (a *Alert) MarkFirstDispatch(at time.Time) bool {
	if a.DispatchLatencyMs != nil {
		return false
	}
	a.DispatchLatencyMs = millisSince(a.TriggeredAt, at)
	return true
}

func setOnce(dst **time.Time, at time.Time) bool {
	if *dst != nil {
		return false
	}
	v := at
	*dst = &v
	return true
}

// millisSince never reports zero so a recorded latency is always distinguishable from "unset".
func millisSince(from, to time.Time) *int64 {
	ms := to.Sub(from).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return &ms
}
