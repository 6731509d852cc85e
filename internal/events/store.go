// Package events keeps a bounded feed of event-log entries appended across all
// entities. The oldest entry is overwritten once the feed is full.
package events

import (
	"sync"
	"time"

	"aegis/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	ring  []model.FeedEvent
	start int
	size  int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{ring: make([]model.FeedEvent, limit)}
}

func (s *Store) Add(entityID string, ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fe := model.FeedEvent{EntityID: entityID, Event: ev}
	if s.size < len(s.ring) {
		s.ring[(s.start+s.size)%len(s.ring)] = fe
		s.size++
		return
	}
	s.ring[s.start] = fe
	s.start = (s.start + 1) % len(s.ring)
}

// Query selects feed entries. Zero fields match everything.
type Query struct {
	EntityID string
	Since    time.Time
	// Limit keeps the newest matches. <= 0 means all.
	Limit       int
	NewestFirst bool
}

// Find returns the entries matching q in insertion order, or reversed when
// q.NewestFirst is set.
func (s *Store) Find(q Query) []model.FeedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FeedEvent, 0)
	for i := s.size - 1; i >= 0; i-- {
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		fe := s.at(i)
		if q.EntityID != "" && fe.EntityID != q.EntityID {
			continue
		}
		if !q.Since.IsZero() && fe.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, fe)
	}
	if !q.NewestFirst {
		for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
			out[l], out[r] = out[r], out[l]
		}
	}
	return out
}

// List returns the newest limit entries, oldest first. limit <= 0 means all.
func (s *Store) List(limit int) []model.FeedEvent {
	return s.Find(Query{Limit: limit})
}

func (s *Store) at(i int) model.FeedEvent {
	return s.ring[(s.start+i)%len(s.ring)]
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.start, s.size = 0, 0
}
