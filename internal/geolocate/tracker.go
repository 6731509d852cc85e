package geolocate

import (
	"context"
	"sync"
	"time"

	"aegis/internal/model"
)

const TrackerEntityID = "tracked-entity"

// Tracker is a single-entity provider. Its one entity moves to wherever the
// provider or the ingest stream last placed it.
type Tracker struct {
	mu       sync.RWMutex
	provider Provider
	now      func() time.Time
	entity   model.Entity
	located  bool
}

func NewTracker(name string, provider Provider) *Tracker {
	if name == "" {
		name = "Tracked Entity"
	}
	return &Tracker{
		provider: provider,
		now:      time.Now,
		entity: model.Entity{
			ID:       TrackerEntityID,
			Name:     name,
			CodeName: name,
		},
	}
}

// Refresh asks the provider for a position and moves the entity there.
func (t *Tracker) Refresh(ctx context.Context) model.Entity {
	pos := t.provider.Locate(ctx)
	return t.moveTo(pos, t.now())
}

// Apply moves the entity to an ingested location.
func (t *Tracker) Apply(loc model.Location) model.Entity {
	at := loc.Timestamp
	if at.IsZero() {
		at = t.now()
	}
	return t.moveTo(loc.Position(), at)
}

func (t *Tracker) moveTo(pos model.Position, at time.Time) model.Entity {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.located {
		t.entity.InitialPosition = pos
	}
	t.entity.Position = pos
	t.entity.LastPing = at
	t.located = true
	return t.entity.Clone()
}

// Consume applies ingested locations until ctx ends or in closes.
func (t *Tracker) Consume(ctx context.Context, in <-chan model.Location, onUpdate func(model.Entity)) {
	for {
		select {
		case <-ctx.Done():
			return
		case loc, ok := <-in:
			if !ok {
				return
			}
			ent := t.Apply(loc)
			if onUpdate != nil {
				onUpdate(ent)
			}
		}
	}
}

// Run refreshes from the provider every interval until ctx ends.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onUpdate func(model.Entity)) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	refresh := func() {
		ent := t.Refresh(ctx)
		if onUpdate != nil {
			onUpdate(ent)
		}
	}
	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// Entities is empty until the first position arrives.
func (t *Tracker) Entities() []model.Entity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.located {
		return nil
	}
	return []model.Entity{t.entity.Clone()}
}

func (t *Tracker) Entity(id string) (model.Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.located || id != t.entity.ID {
		return model.Entity{}, false
	}
	return t.entity.Clone(), true
}
