package engine

import (
	"context"
	"fmt"
	"sort"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/dispatch"
)

// Principal is the authenticated caller of a standard trigger.
type Principal struct {
	ID      string
	Regions []string
}

// AccessPolicy decides whether a principal may raise alerts at a location.
type AccessPolicy interface {
	CheckRegion(ctx context.Context, p Principal, loc alert.Location) error
}

// AllowAll grants every principal every location.
type AllowAll struct{}

func (AllowAll) CheckRegion(context.Context, Principal, alert.Location) error { return nil }

// WildcardRegion in a principal's regions grants every location.
const WildcardRegion = "*"

type namedArea struct {
	name string
	area dispatch.Area
}

// RegionPolicy grants access when one of the principal's regions covers the location.
type RegionPolicy struct {
	regions []namedArea
}

// NewRegionPolicy parses name -> "minLat,minLon,maxLat,maxLon" boxes.
func NewRegionPolicy(raw map[string]string) (*RegionPolicy, error) {
	p := &RegionPolicy{}
	for name, box := range raw {
		area, err := dispatch.ParseArea(box)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", name, err)
		}
		p.regions = append(p.regions, namedArea{name: name, area: area})
	}
	sort.Slice(p.regions, func(i, j int) bool { return p.regions[i].name < p.regions[j].name })
	return p, nil
}

func (p *RegionPolicy) CheckRegion(_ context.Context, pr Principal, loc alert.Location) error {
	granted := make(map[string]struct{}, len(pr.Regions))
	for _, r := range pr.Regions {
		if r == WildcardRegion {
			return nil
		}
		granted[r] = struct{}{}
	}

	var covering string
	for _, r := range p.regions {
		if !r.area.Contains(loc) {
			continue
		}
		if _, ok := granted[r.name]; ok {
			return nil
		}
		if covering == "" {
			covering = r.name
		}
	}
	return &alert.RegionalAccessError{Actor: pr.ID, Region: covering}
}
