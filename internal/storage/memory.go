package storage

import (
	"context"
	"slices"
	"sync"

	"aegis/internal/model"
)

// Memory is the process-local repository used when no database is configured.
type Memory struct {
	mu        sync.RWMutex
	latest    map[string]model.Location
	latestAny model.Location
	hasAny    bool
	events    map[string][]model.Event
}

func NewMemory() *Memory {
	return &Memory{
		latest: make(map[string]model.Location),
		events: make(map[string][]model.Event),
	}
}

func (m *Memory) Init(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) SaveLocation(_ context.Context, loc model.Location) error {
	if loc.Timestamp.IsZero() {
		loc.Timestamp = nowUTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[loc.Identity] = loc
	m.latestAny = loc
	m.hasAny = true
	return nil
}

func (m *Memory) LatestLocation(_ context.Context, identity string) (model.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if identity == "" {
		if !m.hasAny {
			return model.Location{}, ErrNoLocation
		}
		return m.latestAny, nil
	}
	loc, ok := m.latest[identity]
	if !ok {
		return model.Location{}, ErrNoLocation
	}
	return loc, nil
}

func (m *Memory) SaveEvents(_ context.Context, entityID string, events []model.Event) error {
	if entityID == "" || len(events) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[entityID] = append(m.events[entityID], events...)
	return nil
}

// Events returns the persisted log for one entity in insertion order.
func (m *Memory) Events(entityID string) []model.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events[entityID])
}
