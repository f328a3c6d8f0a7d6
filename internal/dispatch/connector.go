// Package dispatch fans a triggered alert out to emergency-service connectors.
package dispatch

import (
	"context"
	"sync"

	"ridehail/sos/internal/alert"
)

// Connector is one integration point to an external emergency service.
type Connector interface {
	Name() string
	Service() alert.ServiceType
	// Dispatch notifies the service and returns its reference number.
	Dispatch(ctx context.Context, a alert.Alert) (string, error)
}

// Area is an optional coverage bounding box for a connector.
type Area struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// Contains reports whether the location falls inside the box.
func (b Area) Contains(loc alert.Location) bool {
	return loc.Latitude >= b.MinLat && loc.Latitude <= b.MaxLat &&
		loc.Longitude >= b.MinLon && loc.Longitude <= b.MaxLon
}

type registration struct {
	conn Connector
	area *Area
}

// Registry holds connectors by service type.
type Registry struct {
	mu        sync.RWMutex
	byService map[alert.ServiceType][]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byService: make(map[alert.ServiceType][]registration)}
}

// Register adds a connector. A nil area means the connector covers every location.
func (r *Registry) Register(c Connector, area *Area) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byService[c.Service()] = append(r.byService[c.Service()], registration{conn: c, area: area})
}

// Select picks one connector per service for the location. Connectors whose area covers the
// location are preferred over catch-all connectors; services with no usable connector are
// reported in missing.
func (r *Registry) Select(services []alert.ServiceType, loc alert.Location) (selected []Connector, missing []alert.ServiceType) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, svc := range services {
		var fallback Connector
		var chosen Connector
		for _, reg := range r.byService[svc] {
			if reg.area == nil {
				if fallback == nil {
					fallback = reg.conn
				}
				continue
			}
			if reg.area.Contains(loc) {
				chosen = reg.conn
				break
			}
		}
		if chosen == nil {
			chosen = fallback
		}
		if chosen == nil {
			missing = append(missing, svc)
			continue
		}
		selected = append(selected, chosen)
	}
	return selected, missing
}

// Lookup returns the connector for a single service, honouring coverage.
func (r *Registry) Lookup(svc alert.ServiceType, loc alert.Location) (Connector, bool) {
	selected, _ := r.Select([]alert.ServiceType{svc}, loc)
	if len(selected) == 0 {
		return nil, false
	}
	return selected[0], true
}

var routes = map[alert.EmergencyType][]alert.ServiceType{
	alert.TypeMedical:          {alert.ServiceAmbulance},
	alert.TypeFire:             {alert.ServiceFire, alert.ServiceAmbulance},
	alert.TypeSecurityThreat:   {alert.ServicePolice},
	alert.TypeCriticalAccident: {alert.ServicePolice, alert.ServiceAmbulance},
	alert.TypeNaturalDisaster:  {alert.ServiceDisasterResponse, alert.ServiceFire},
	alert.TypeKidnapping:       {alert.ServicePolice},
	alert.TypeDomesticViolence: {alert.ServicePolice},
	alert.TypeGeneral:          nil,
}

// ServicesFor returns the services an emergency type needs. The operator desk is always
// included and always first.
func ServicesFor(t alert.EmergencyType) []alert.ServiceType {
	out := []alert.ServiceType{alert.ServiceOperator}
	return append(out, routes[t]...)
}
