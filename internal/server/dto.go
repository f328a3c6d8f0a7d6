package server

import (
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/metrics"
)

type GeoPoint struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

type AlertSummaryResponse struct {
	ID               string              `json:"id"`
	ShortCode        string              `json:"short_code"`
	Status           alert.Status        `json:"status"`
	Source           alert.Source        `json:"source"`
	EmergencyType    alert.EmergencyType `json:"emergency_type"`
	Severity         int                 `json:"severity"`
	ReporterType     alert.ReporterType  `json:"reporter_type"`
	DriverID         string              `json:"driver_id,omitempty"`
	Location         GeoPoint            `json:"location"`
	Address          string              `json:"address,omitempty"`
	EscalationLevel  int                 `json:"escalation_level"`
	DispatchDegraded bool                `json:"dispatch_degraded"`
	DriverHold       bool                `json:"driver_hold"`
	TriggeredAt      time.Time           `json:"triggered_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	AcknowledgedAt   *time.Time          `json:"acknowledged_at,omitempty"`
}

type AlertDetailResponse struct {
	alert.Alert
	NextEscalationAt *time.Time `json:"next_escalation_at,omitempty"`
}

type TriggerAcceptedResponse struct {
	ID          string       `json:"id"`
	ShortCode   string       `json:"short_code"`
	Status      alert.Status `json:"status"`
	Severity    int          `json:"severity"`
	TriggeredAt time.Time    `json:"triggered_at"`
}

type NoteRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

type RequiredNoteRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

type ResolveRequest struct {
	ResolutionNote string `json:"resolution_note" validate:"required,max=2000"`
}

type FalseAlarmRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type EscalateRequest struct {
	Target string `json:"target" validate:"required,max=120"`
	Reason string `json:"reason" validate:"max=2000"`
}

type RedispatchRequest struct {
	Service string `json:"service" validate:"required,oneof=ambulance police fire disaster_response operator"`
}

type DispatchUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=dispatched acknowledged arrived failed"`
}

type SLAResponse struct {
	metrics.Snapshot
	Targets map[string]SLATarget `json:"targets"`
}

type SLATarget struct {
	StandardMs int64 `json:"standard_ms"`
	PanicMs    int64 `json:"panic_ms"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Env    string            `json:"env"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}
