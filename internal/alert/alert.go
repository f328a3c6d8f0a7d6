// Package alert holds the SOS alert model, its lifecycle table, trigger validation and the
// error taxonomy shared by every component of the engine.
package alert

import (
	"time"
)

// EmergencyType classifies what the reporter is facing.
type EmergencyType string

const (
	TypeMedical          EmergencyType = "medical_emergency"
	TypeFire             EmergencyType = "fire"
	TypeSecurityThreat   EmergencyType = "security_threat"
	TypeCriticalAccident EmergencyType = "critical_accident"
	TypeNaturalDisaster  EmergencyType = "natural_disaster"
	TypeKidnapping       EmergencyType = "kidnapping"
	TypeDomesticViolence EmergencyType = "domestic_violence"
	TypeGeneral          EmergencyType = "general"
)

// EmergencyTypes lists every accepted type in declaration order.
var EmergencyTypes = []EmergencyType{
	TypeMedical,
	TypeFire,
	TypeSecurityThreat,
	TypeCriticalAccident,
	TypeNaturalDisaster,
	TypeKidnapping,
	TypeDomesticViolence,
	TypeGeneral,
}

var severityByType = map[EmergencyType]int{
	TypeGeneral:          2,
	TypeNaturalDisaster:  3,
	TypeMedical:          4,
	TypeFire:             4,
	TypeSecurityThreat:   4,
	TypeDomesticViolence: 4,
	TypeCriticalAccident: 5,
	TypeKidnapping:       5,
}

// SeverityFor maps an emergency type onto the 1-5 severity scale. Unknown types get the
// general severity.
func SeverityFor(t EmergencyType) int {
	if s, ok := severityByType[t]; ok {
		return s
	}
	return severityByType[TypeGeneral]
}

// Valid reports whether t is one of the enumerated types.
func (t EmergencyType) Valid() bool {
	_, ok := severityByType[t]
	return ok
}

// ReporterType identifies who pressed the button.
type ReporterType string

const (
	ReporterDriver    ReporterType = "driver"
	ReporterPassenger ReporterType = "passenger"
	ReporterCustomer  ReporterType = "customer"
)

// Source distinguishes the two trigger entry points.
type Source string

const (
	SourcePanicButton Source = "panic_button"
	SourceSOS         Source = "sos"
)

// Location is where the alert was raised.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Address   string   `json:"address,omitempty"`
}

// Alert is one emergency trigger and its lifecycle record.
type Alert struct {
	ID            string        `json:"id"`
	ShortCode     string        `json:"short_code"`
	Source        Source        `json:"source"`
	EmergencyType EmergencyType `json:"emergency_type"`
	Severity      int           `json:"severity"`
	ReporterType  ReporterType  `json:"reporter_type"`
	ReporterID    string        `json:"reporter_id"`
	Location      Location      `json:"location"`
	DriverID      string        `json:"driver_id,omitempty"`
	TripID        string        `json:"trip_id,omitempty"`
	Message       string        `json:"message,omitempty"`

	Status           Status `json:"status"`
	EscalationLevel  int    `json:"escalation_level"`
	EscalationTarget string `json:"escalation_target,omitempty"`
	DispatchDegraded bool   `json:"dispatch_degraded"`
	DriverHold       bool   `json:"driver_hold"`

	TriggeredAt    time.Time  `json:"triggered_at"`
	ProcessingAt   *time.Time `json:"processing_at,omitempty"`
	DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	RespondingAt   *time.Time `json:"responding_at,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	FalseAlarmAt   *time.Time `json:"false_alarm_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Derived latencies in milliseconds from TriggeredAt.
	DispatchLatencyMs *int64 `json:"dispatch_latency_ms,omitempty"`
	ResponseTimeMs    *int64 `json:"response_time_ms,omitempty"`
	ResolutionTimeMs  *int64 `json:"resolution_time_ms,omitempty"`

	// Sequence numbers broadcast events; Version guards optimistic updates in the store.
	Sequence int64 `json:"sequence"`
	Version  int64 `json:"version"`

	Notes    []Note           `json:"notes"`
	Dispatch []DispatchRecord `json:"dispatch_records"`
}

// Panic reports whether the alert came through the panic-button entry point.
func (a *Alert) Panic() bool {
	return a.Source == SourcePanicButton
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (a Alert) Clone() Alert {
	out := a
	out.Location.Accuracy = cloneFloat(a.Location.Accuracy)
	out.ProcessingAt = cloneTime(a.ProcessingAt)
	out.DispatchedAt = cloneTime(a.DispatchedAt)
	out.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	out.RespondingAt = cloneTime(a.RespondingAt)
	out.EscalatedAt = cloneTime(a.EscalatedAt)
	out.ResolvedAt = cloneTime(a.ResolvedAt)
	out.FalseAlarmAt = cloneTime(a.FalseAlarmAt)
	out.ClosedAt = cloneTime(a.ClosedAt)
	out.DispatchLatencyMs = cloneInt(a.DispatchLatencyMs)
	out.ResponseTimeMs = cloneInt(a.ResponseTimeMs)
	out.ResolutionTimeMs = cloneInt(a.ResolutionTimeMs)
	if a.Notes != nil {
		out.Notes = make([]Note, len(a.Notes))
		copy(out.Notes, a.Notes)
	}
	if a.Dispatch != nil {
		out.Dispatch = make([]DispatchRecord, len(a.Dispatch))
		for i, r := range a.Dispatch {
			out.Dispatch[i] = r.Clone()
		}
	}
	return out
}

// NoteKind tags who or what produced a note.
type NoteKind string

const (
	NoteOperator   NoteKind = "operator"
	NoteSystem     NoteKind = "system"
	NoteEscalation NoteKind = "escalation"
	NoteResolution NoteKind = "resolution"
	NoteFalseAlarm NoteKind = "false_alarm"
	NoteWarning    NoteKind = "warning"
)

// Note is an append-only entry in the alert's communication history.
type Note struct {
	ID        string    `json:"id"`
	Kind      NoteKind  `json:"kind"`
	Actor     string    `json:"actor,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ServiceType is an external emergency service category.
type ServiceType string

const (
	ServiceAmbulance        ServiceType = "ambulance"
	ServicePolice           ServiceType = "police"
	ServiceFire             ServiceType = "fire"
	ServiceDisasterResponse ServiceType = "disaster_response"
	ServiceOperator         ServiceType = "operator"
)

// DispatchStatus is the per-service state of one dispatch attempt.
type DispatchStatus string

const (
	DispatchPending      DispatchStatus = "pending"
	DispatchDispatched   DispatchStatus = "dispatched"
	DispatchAcknowledged DispatchStatus = "acknowledged"
	DispatchArrived      DispatchStatus = "arrived"
	DispatchFailed       DispatchStatus = "failed"
)

var dispatchRank = map[DispatchStatus]int{
	DispatchPending:      0,
	DispatchDispatched:   1,
	DispatchAcknowledged: 2,
	DispatchArrived:      3,
}

// CanAdvance reports whether a record may move from s to next. Records only move forward and
// failed records are final.
func (s DispatchStatus) CanAdvance(next DispatchStatus) bool {
	if s == DispatchFailed {
		return false
	}
	if next == DispatchFailed {
		return s == DispatchPending || s == DispatchDispatched
	}
	from, ok := dispatchRank[s]
	if !ok {
		return false
	}
	to, ok := dispatchRank[next]
	return ok && to > from
}

// DispatchRecord is one notification attempt to one emergency service.
type DispatchRecord struct {
	ID              string         `json:"id"`
	AlertID         string         `json:"alert_id"`
	Service         ServiceType    `json:"service"`
	Connector       string         `json:"connector"`
	Status          DispatchStatus `json:"status"`
	ReferenceNumber string         `json:"reference_number,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	DispatchedAt    *time.Time     `json:"dispatched_at,omitempty"`
	AcknowledgedAt  *time.Time     `json:"acknowledged_at,omitempty"`
	ArrivedAt       *time.Time     `json:"arrived_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the record.
func (r DispatchRecord) Clone() DispatchRecord {
	out := r
	out.DispatchedAt = cloneTime(r.DispatchedAt)
	out.AcknowledgedAt = cloneTime(r.AcknowledgedAt)
	out.ArrivedAt = cloneTime(r.ArrivedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
