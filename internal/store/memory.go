package store

import (
	"context"
	"sync"
	"time"

	"ridehail/sos/internal/alert"
)

// Memory keeps alerts in process. It backs tests and single-node deployments without Postgres.
type Memory struct {
	mu     sync.RWMutex
	alerts map[string]alert.Alert
	codes  map[string]string
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		alerts: make(map[string]alert.Alert),
		codes:  make(map[string]string),
	}
}

func (m *Memory) Create(ctx context.Context, a alert.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.codes[a.ShortCode]; ok {
		return ErrDuplicate
	}
	m.alerts[a.ID] = a.Clone()
	m.codes[a.ShortCode] = a.ID
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (alert.Alert, error) {
	if err := ctx.Err(); err != nil {
		return alert.Alert{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, &alert.NotFoundError{ID: id}
	}
	return a.Clone(), nil
}

func (m *Memory) GetByShortCode(ctx context.Context, code string) (alert.Alert, error) {
	m.mu.RLock()
	id, ok := m.codes[code]
	m.mu.RUnlock()
	if !ok {
		return alert.Alert{}, &alert.NotFoundError{ID: code}
	}
	return m.Get(ctx, id)
}

func (m *Memory) Update(ctx context.Context, a alert.Alert) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.alerts[a.ID]
	if !ok {
		return 0, &alert.NotFoundError{ID: a.ID}
	}
	if current.Version != a.Version {
		return 0, ErrConflict
	}

	next := a.Clone()
	// Notes are append-only: keep what is stored and add only unseen entries.
	seen := make(map[string]struct{}, len(current.Notes))
	notes := append([]alert.Note(nil), current.Notes...)
	for _, n := range notes {
		seen[n.ID] = struct{}{}
	}
	for _, n := range a.Notes {
		if _, dup := seen[n.ID]; !dup {
			notes = append(notes, n)
		}
	}
	next.Notes = notes
	next.Version = current.Version + 1
	m.alerts[a.ID] = next
	return next.Version, nil
}

func (m *Memory) ListActive(ctx context.Context, f Filter) ([]alert.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]alert.Alert, 0)
	for _, a := range m.alerts {
		if f.match(a) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()

	sortForConsole(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListResolvedBefore(ctx context.Context, before time.Time) ([]alert.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]alert.Alert, 0)
	for _, a := range m.alerts {
		if a.Status == alert.StatusResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(before) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}
