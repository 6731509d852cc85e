// Package selection holds the single currently selected entity and the
// per-entity event views built from it.
package selection

import (
	"sync"

	"aegis/internal/model"
)

// Provider looks an entity up in the current batch.
type Provider interface {
	Entity(id string) (model.Entity, bool)
}

// Listener is called after every change; ok is false when the selection was
// cleared.
type Listener func(id string, ok bool)

// Bridge is last-write-wins: selecting replaces any previous selection, and
// ids are not validated against the batch.
type Bridge struct {
	mu        sync.RWMutex
	id        string
	ok        bool
	listeners []Listener
}

func NewBridge() *Bridge {
	return &Bridge{}
}

func (b *Bridge) Select(id string) {
	b.set(id, id != "")
}

func (b *Bridge) Clear() {
	b.set("", false)
}

func (b *Bridge) set(id string, ok bool) {
	b.mu.Lock()
	b.id, b.ok = id, ok
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(id, ok)
	}
}

func (b *Bridge) Selected() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id, b.ok
}

// SelectedID returns the selected id or "".
func (b *Bridge) SelectedID() string {
	id, _ := b.Selected()
	return id
}

// Resolve returns the selected entity from p. A selection that no longer
// matches any entity resolves to false, like no selection at all.
func (b *Bridge) Resolve(p Provider) (model.Entity, bool) {
	id, ok := b.Selected()
	if !ok || p == nil {
		return model.Entity{}, false
	}
	return p.Entity(id)
}

func (b *Bridge) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}
