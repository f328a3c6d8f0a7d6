package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ridehail/sos/internal/alert"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// HTTPConnector posts alerts to an emergency-service gateway through a circuit breaker.
type HTTPConnector struct {
	name    string
	service alert.ServiceType
	url     string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

type dispatchRequest struct {
	AlertID       string              `json:"alert_id"`
	ShortCode     string              `json:"short_code"`
	EmergencyType alert.EmergencyType `json:"emergency_type"`
	Severity      int                 `json:"severity"`
	Location      alert.Location      `json:"location"`
	ReporterType  alert.ReporterType  `json:"reporter_type"`
	TripID        string              `json:"trip_id,omitempty"`
	Message       string              `json:"message,omitempty"`
	TriggeredAt   time.Time           `json:"triggered_at"`
}

type dispatchResponse struct {
	ReferenceNumber string `json:"reference_number"`
}

// NewHTTPConnector builds a connector for one service endpoint.
func NewHTTPConnector(service alert.ServiceType, url, apiKey string, log zerolog.Logger) *HTTPConnector {
	name := "http-" + string(service)
	c := &HTTPConnector{
		name:    name,
		service: service,
		url:     url,
		apiKey:  apiKey,
		client:  &http.Client{},
		log:     log.With().Str("connector", name).Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("connector circuit state changed")
		},
	})
	return c
}

func (c *HTTPConnector) Name() string { return c.name }

func (c *HTTPConnector) Service() alert.ServiceType { return c.service }

// Dispatch sends the alert. The request is bound to ctx, which carries the coordinator timeout.
func (c *HTTPConnector) Dispatch(ctx context.Context, a alert.Alert) (string, error) {
	ref, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, a)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%s unavailable: %w", c.service, err)
		}
		return "", err
	}
	return ref.(string), nil
}

func (c *HTTPConnector) post(ctx context.Context, a alert.Alert) (string, error) {
	body, err := json.Marshal(dispatchRequest{
		AlertID:       a.ID,
		ShortCode:     a.ShortCode,
		EmergencyType: a.EmergencyType,
		Severity:      a.Severity,
		Location:      a.Location,
		ReporterType:  a.ReporterType,
		TripID:        a.TripID,
		Message:       a.Message,
		TriggeredAt:   a.TriggeredAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID+":"+string(c.service))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s gateway: %w", c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%s gateway returned %d: %s", c.service, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode %s gateway response: %w", c.service, err)
	}
	if out.ReferenceNumber == "" {
		return "", fmt.Errorf("%s gateway returned no reference number", c.service)
	}
	return out.ReferenceNumber, nil
}
