package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DriverState is the operational status the fleet API keeps for a driver.
type DriverState string

const (
	// DriverEmergency takes the driver out of the matching pool while an alert is open.
	DriverEmergency DriverState = "emergency"
	DriverActive    DriverState = "active"
)

// DriverStatus is the fleet collaborator that owns driver status.
type DriverStatus interface {
	SetStatus(ctx context.Context, driverID string, state DriverState) error
}

// HTTPDriverStatus calls PUT {base}/drivers/{id}/status on the fleet API.
type HTTPDriverStatus struct {
	base   string
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPDriverStatus builds the fleet API client.
func NewHTTPDriverStatus(base string, timeout time.Duration, log zerolog.Logger) *HTTPDriverStatus {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPDriverStatus{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "driver_status").Logger(),
	}
}

type driverStatusRequest struct {
	Status DriverState `json:"status"`
	Reason string      `json:"reason"`
}

func (d *HTTPDriverStatus) SetStatus(ctx context.Context, driverID string, state DriverState) error {
	body, err := json.Marshal(driverStatusRequest{Status: state, Reason: "sos"})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/drivers/%s/status", d.base, url.PathEscape(driverID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create driver status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("set driver %s status: %w", driverID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("set driver %s status: fleet api returned %d", driverID, resp.StatusCode)
	}
	d.log.Info().Str("driver_id", driverID).Str("status", string(state)).Msg("driver status updated")
	return nil
}
