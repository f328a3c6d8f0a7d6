package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/config"
	"ridehail/sos/internal/notify"

	"github.com/rs/zerolog"
)

// NewConfiguredRegistry registers the operator desk plus one HTTP connector for every service
// endpoint present in cfg.
func NewConfiguredRegistry(cfg config.ConnectorConfig, pub notify.Publisher, log zerolog.Logger) *Registry {
	reg := NewRegistry()
	reg.Register(NewOperatorConnector(pub), nil)

	endpoints := []struct {
		service alert.ServiceType
		url     string
	}{
		{alert.ServiceAmbulance, cfg.AmbulanceURL},
		{alert.ServicePolice, cfg.PoliceURL},
		{alert.ServiceFire, cfg.FireURL},
		{alert.ServiceDisasterResponse, cfg.DisasterResponseURL},
	}
	for _, ep := range endpoints {
		if ep.url == "" {
			log.Warn().Str("service", string(ep.service)).Msg("no endpoint configured, alerts will reach the operator desk only")
			continue
		}
		reg.Register(NewHTTPConnector(ep.service, ep.url, cfg.APIKey, log), nil)
	}
	return reg
}

// ParseArea reads a "minLat,minLon,maxLat,maxLon" bounding box.
func ParseArea(raw string) (Area, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return Area{}, fmt.Errorf("area %q: want minLat,minLon,maxLat,maxLon", raw)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Area{}, fmt.Errorf("area %q: %w", raw, err)
		}
		v[i] = f
	}
	a := Area{MinLat: v[0], MinLon: v[1], MaxLat: v[2], MaxLon: v[3]}
	if a.MinLat > a.MaxLat || a.MinLon > a.MaxLon {
		return Area{}, fmt.Errorf("area %q: min exceeds max", raw)
	}
	return a, nil
}
