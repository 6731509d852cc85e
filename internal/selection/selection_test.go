package selection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/model"
)

type batch map[string]model.Entity

func (b batch) Entity(id string) (model.Entity, bool) {
	e, ok := b[id]
	return e, ok
}

func TestLastSelectionWins(t *testing.T) {
	b := NewBridge()
	b.Select("demo-soldier-5")
	b.Select("demo-soldier-2")
	id, ok := b.Selected()
	assert.True(t, ok)
	assert.Equal(t, "demo-soldier-2", id)

	b.Clear()
	_, ok = b.Selected()
	assert.False(t, ok)
	assert.Equal(t, "", b.SelectedID())
}

func TestDanglingSelectionResolvesToNothing(t *testing.T) {
	b := NewBridge()
	p := batch{"demo-soldier-1": {ID: "demo-soldier-1", Name: "Demo Soldier 1"}}

	b.Select("ghost")
	id, ok := b.Selected()
	require.True(t, ok, "unknown ids are accepted")
	assert.Equal(t, "ghost", id)
	_, found := b.Resolve(p)
	assert.False(t, found)

	b.Select("demo-soldier-1")
	e, found := b.Resolve(p)
	assert.True(t, found)
	assert.Equal(t, "Demo Soldier 1", e.Name)
}

func TestSubscribersSeeChanges(t *testing.T) {
	b := NewBridge()
	var got []string
	b.Subscribe(func(id string, ok bool) {
		if ok {
			got = append(got, id)
		} else {
			got = append(got, "<none>")
		}
	})
	b.Select("a")
	b.Select("b")
	b.Clear()
	assert.Equal(t, []string{"a", "b", "<none>"}, got)
}

func events(n int, base time.Time) []model.Event {
	out := make([]model.Event, n)
	for i := range out {
		out[i] = model.Event{ID: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func TestRepresentativeEvent(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, ok := RepresentativeEvent(model.Entity{})
	assert.False(t, ok)

	evs := events(3, base)
	evs[0].Timestamp = base.Add(time.Hour)
	ev, ok := RepresentativeEvent(model.Entity{Events: evs})
	require.True(t, ok)
	assert.Equal(t, "a", ev.ID)

	tie := []model.Event{{ID: "first", Timestamp: base}, {ID: "second", Timestamp: base}}
	ev, _ = RepresentativeEvent(model.Entity{Events: tie})
	assert.Equal(t, "second", ev.ID)
}

func TestTimelinePaging(t *testing.T) {
	evs := events(6, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	first := Timeline(evs, 0, 0)
	assert.Equal(t, 4, first.Limit)
	assert.Equal(t, []string{"f", "e", "d", "c"}, ids(first.Events))
	assert.False(t, first.HasPrev)
	assert.True(t, first.HasNext)

	second := Timeline(evs, 4, 4)
	assert.Equal(t, []string{"b", "a"}, ids(second.Events))
	assert.True(t, second.HasPrev)
	assert.False(t, second.HasNext)

	past := Timeline(evs, 10, 4)
	assert.Empty(t, past.Events)
	assert.Equal(t, 6, past.Total)
	assert.Len(t, evs, 6)
	assert.Equal(t, "a", evs[0].ID)
}

func ids(evs []model.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}
