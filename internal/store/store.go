// Package store persists alerts with optimistic concurrency.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"ridehail/sos/internal/alert"
)

var (
	// ErrConflict means the alert changed since it was read.
	ErrConflict = errors.New("alert version conflict")
	// ErrDuplicate means the ID or short code is already taken.
	ErrDuplicate = errors.New("alert already exists")
)

// Filter narrows ListActive. Zero values match everything.
type Filter struct {
	Statuses      []alert.Status
	EmergencyType alert.EmergencyType
	Source        alert.Source
	DriverID      string
	MinSeverity   int
	Limit         int
}

// Store is the durable home of alerts. Update succeeds only when a.Version matches the stored
// version and returns the new version. Notes and dispatch records present on a are appended or
// upserted; notes already stored are never rewritten.
type Store interface {
	Create(ctx context.Context, a alert.Alert) error
	Get(ctx context.Context, id string) (alert.Alert, error)
	GetByShortCode(ctx context.Context, code string) (alert.Alert, error)
	Update(ctx context.Context, a alert.Alert) (int64, error)
	ListActive(ctx context.Context, f Filter) ([]alert.Alert, error)
	ListResolvedBefore(ctx context.Context, before time.Time) ([]alert.Alert, error)
}

// ActiveStatuses are the statuses ListActive returns when the filter names none.
func ActiveStatuses() []alert.Status {
	var out []alert.Status
	for _, s := range alert.Statuses {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out
}

// sortForConsole orders alerts most severe first, oldest first within a severity.
func sortForConsole(alerts []alert.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Severity != alerts[j].Severity {
			return alerts[i].Severity > alerts[j].Severity
		}
		return alerts[i].TriggeredAt.Before(alerts[j].TriggeredAt)
	})
}

func (f Filter) statuses() []alert.Status {
	if len(f.Statuses) > 0 {
		return f.Statuses
	}
	return ActiveStatuses()
}

func (f Filter) match(a alert.Alert) bool {
	ok := false
	for _, s := range f.statuses() {
		if a.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if f.EmergencyType != "" && a.EmergencyType != f.EmergencyType {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.DriverID != "" && a.DriverID != f.DriverID {
		return false
	}
	return a.Severity >= f.MinSeverity
}
