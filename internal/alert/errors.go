package alert

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("alert not found")

// FieldViolation describes one invalid field of a trigger payload.
type FieldViolation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every violated field so a caller can correct them all at once.
type ValidationError struct {
	Violations []FieldViolation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invalid trigger: " + strings.Join(parts, "; ")
}

// Fields returns the names of the violated fields.
func (e *ValidationError) Fields() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Field)
	}
	return out
}

// NotFoundError reports an unknown alert ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("alert %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidTransitionError reports an illegal lifecycle move and the moves that would be legal.
type InvalidTransitionError struct {
	From    Status   `json:"from"`
	To      Status   `json:"to"`
	Allowed []Status `json:"allowed"`
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("cannot move alert from %s to %s (allowed: [%s])", e.From, e.To, strings.Join(allowed, ", "))
}

// RegionalAccessError is raised by the access policy and surfaced unchanged.
type RegionalAccessError struct {
	Actor  string
	Region string
}

func (e *RegionalAccessError) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("%s has no regional access to this location", e.Actor)
	}
	return fmt.Sprintf("%s has no access to region %s", e.Actor, e.Region)
}

// DispatchFailure records that one connector failed. It never fails the trigger itself.
type DispatchFailure struct {
	Service   ServiceType
	Connector string
	Err       error
}

func (e *DispatchFailure) Error() string {
	if e.Connector == "" {
		return fmt.Sprintf("dispatch to %s failed: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("dispatch to %s via %s failed: %v", e.Service, e.Connector, e.Err)
}

func (e *DispatchFailure) Unwrap() error {
	return e.Err
}

// PersistenceError means the store could not be reached or rejected the write. The mutation
// was not applied and the caller should retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist alert (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SchedulerError reports a fault in the escalation timer subsystem.
type SchedulerError struct {
	AlertID string
	Err     error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("escalation timer for %s: %v", e.AlertID, e.Err)
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// MissingFieldError builds a single-field ValidationError for required action arguments.
func MissingFieldError(field, message string) *ValidationError {
	return &ValidationError{Violations: []FieldViolation{{Field: field, Rule: "required", Message: message}}}
}

// InvalidDispatchUpdateError reports a dispatch record status change that would move it backwards.
type InvalidDispatchUpdateError struct {
	RecordID string
	From     DispatchStatus
	To       DispatchStatus
}

func (e *InvalidDispatchUpdateError) Error() string {
	return fmt.Sprintf("dispatch record %s cannot move from %s to %s", e.RecordID, e.From, e.To)
}
