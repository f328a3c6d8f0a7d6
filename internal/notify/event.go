// Package notify publishes alert lifecycle events to operator consoles and the audit trail.
package notify

import (
	"context"
	"time"

	"ridehail/sos/internal/alert"

	"github.com/google/uuid"
)

// Topics on the pub/sub fabric.
const (
	GlobalTopic   = "sos:alerts"
	OperatorTopic = "sos:operators"
)

// AlertTopic is the per-alert topic consoles follow while working one case.
func AlertTopic(alertID string) string {
	return GlobalTopic + ":" + alertID
}

// EventType names what happened to the alert.
type EventType string

const (
	EventTriggerReceived  EventType = "trigger_received"
	EventStatusChanged    EventType = "status_changed"
	EventEscalationRaised EventType = "escalation_raised"
	EventNoteAdded        EventType = "note_added"
	EventDispatchRecorded EventType = "dispatch_recorded"
	EventDispatchUpdated  EventType = "dispatch_updated"
)

// Event is one broadcast message. Consumers de-duplicate on AlertID and Sequence.
type Event struct {
	ID               string              `json:"id"`
	AlertID          string              `json:"alert_id"`
	ShortCode        string              `json:"short_code"`
	Type             EventType           `json:"type"`
	Status           alert.Status        `json:"status"`
	PreviousStatus   alert.Status        `json:"previous_status,omitempty"`
	EmergencyType    alert.EmergencyType `json:"emergency_type"`
	Severity         int                 `json:"severity"`
	Source           alert.Source        `json:"source"`
	Location         alert.Location      `json:"location"`
	EscalationLevel  int                 `json:"escalation_level"`
	DispatchDegraded bool                `json:"dispatch_degraded,omitempty"`
	Sequence         int64               `json:"sequence"`
	Actor            string              `json:"actor,omitempty"`
	Detail           string              `json:"detail,omitempty"`
	OccurredAt       time.Time           `json:"occurred_at"`
}

// NewEvent snapshots a into an event. The caller is expected to have bumped a.Sequence.
func NewEvent(a alert.Alert, typ EventType, actor string, at time.Time) Event {
	return Event{
		ID:               uuid.NewString(),
		AlertID:          a.ID,
		ShortCode:        a.ShortCode,
		Type:             typ,
		Status:           a.Status,
		EmergencyType:    a.EmergencyType,
		Severity:         a.Severity,
		Source:           a.Source,
		Location:         a.Location,
		EscalationLevel:  a.EscalationLevel,
		DispatchDegraded: a.DispatchDegraded,
		Sequence:         a.Sequence,
		Actor:            actor,
		OccurredAt:       at.UTC(),
	}
}

// Publisher is the pub/sub fabric.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Auditor stores events in the append-only audit trail.
type Auditor interface {
	Record(ctx context.Context, ev Event) error
}

// Message is one payload received from a subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscriber streams messages for the given topics until ctx is cancelled, then closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)
}
