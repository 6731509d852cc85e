package selection

import "aegis/internal/model"

const DefaultPageSize = 4

// RepresentativeEvent is the entity's newest event: the latest timestamp,
// with later insertion winning ties.
func RepresentativeEvent(e model.Entity) (model.Event, bool) {
	if len(e.Events) == 0 {
		return model.Event{}, false
	}
	best := 0
	for i := 1; i < len(e.Events); i++ {
		if !e.Events[i].Timestamp.Before(e.Events[best].Timestamp) {
			best = i
		}
	}
	return e.Events[best], true
}

// Page is one newest-first slice of an event log.
type Page struct {
	Events  []model.Event `json:"events"`
	Start   int           `json:"start"`
	Limit   int           `json:"limit"`
	Total   int           `json:"total"`
	HasPrev bool          `json:"has_prev"`
	HasNext bool          `json:"has_next"`
}

// Timeline pages events newest first. start counts from the newest event;
// limit <= 0 uses DefaultPageSize. The log itself is never modified.
func Timeline(events []model.Event, start, limit int) Page {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	total := len(events)
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := min(start+limit, total)
	out := make([]model.Event, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, events[total-1-i])
	}
	return Page{
		Events:  out,
		Start:   start,
		Limit:   limit,
		Total:   total,
		HasPrev: start > 0,
		HasNext: end < total,
	}
}
