package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/notify"
)

// OperatorConnector pages the operations desk over the pub/sub fabric. It is registered for
// every deployment so each alert reaches a human even when no external service is configured.
type OperatorConnector struct {
	pub notify.Publisher
}

type operatorPage struct {
	AlertID       string              `json:"alert_id"`
	ShortCode     string              `json:"short_code"`
	EmergencyType alert.EmergencyType `json:"emergency_type"`
	Severity      int                 `json:"severity"`
	Source        alert.Source        `json:"source"`
	Location      alert.Location      `json:"location"`
	DriverID      string              `json:"driver_id,omitempty"`
	TripID        string              `json:"trip_id,omitempty"`
	Message       string              `json:"message,omitempty"`
	TriggeredAt   time.Time           `json:"triggered_at"`
}

// NewOperatorConnector publishes pages through pub.
func NewOperatorConnector(pub notify.Publisher) *OperatorConnector {
	return &OperatorConnector{pub: pub}
}

func (c *OperatorConnector) Name() string { return "operator-desk" }

func (c *OperatorConnector) Service() alert.ServiceType { return alert.ServiceOperator }

// Dispatch publishes the page and returns a desk reference derived from the short code.
func (c *OperatorConnector) Dispatch(ctx context.Context, a alert.Alert) (string, error) {
	payload, err := json.Marshal(operatorPage{
		AlertID:       a.ID,
		ShortCode:     a.ShortCode,
		EmergencyType: a.EmergencyType,
		Severity:      a.Severity,
		Source:        a.Source,
		Location:      a.Location,
		DriverID:      a.DriverID,
		TripID:        a.TripID,
		Message:       a.Message,
		TriggeredAt:   a.TriggeredAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode operator page: %w", err)
	}
	if err := c.pub.Publish(ctx, notify.OperatorTopic, payload); err != nil {
		return "", err
	}
	return "OPS-" + a.ShortCode, nil
}
