package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"aegis/internal/config"
	"aegis/internal/events"
	"aegis/internal/metrics"
	"aegis/internal/model"
	"aegis/internal/selection"
	"aegis/internal/viewport"
)

type fakeEntities struct {
	mu   sync.Mutex
	list []model.Entity
}

func (f *fakeEntities) Entities() []model.Entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Entity(nil), f.list...)
}

func (f *fakeEntities) Entity(id string) (model.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.list {
		if e.ID == id {
			return e, true
		}
	}
	return model.Entity{}, false
}

type fakeEngine struct {
	resets  int
	stopped bool
}

func (f *fakeEngine) Reset()        { f.resets++ }
func (f *fakeEngine) Stopped() bool { return f.stopped }

type fixture struct {
	handler  http.Handler
	entities *fakeEntities
	engine   *fakeEngine
	feed     *events.Store
	bridge   *selection.Bridge
	primary  *viewport.Scene
	overview *viewport.Scene
	sync     *viewport.Synchronizer
	hub      *Hub
	recorder *metrics.Recorder
	cfg      *config.Manager
	applied  []*config.Config
}

func sampleEvents(n int) []model.Event {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Event, n)
	for i := range out {
		out[i] = model.Event{ID: "ev-" + string(rune('a'+i)), Type: model.EventStatus, Timestamp: base.Add(time.Duration(i) * time.Minute), Title: "Patrol"}
	}
	return out
}

func newFixture(t *testing.T, ready bool) *fixture {
	t.Helper()
	f := &fixture{
		entities: &fakeEntities{list: []model.Entity{
			{ID: "demo-soldier-1", Name: "Demo Soldier 1", Position: model.Position{Lat: 37.4, Lng: -122.1}, Events: sampleEvents(6)},
			{ID: "demo-soldier-2", Name: "Demo Soldier 2", Position: model.Position{Lat: 37.5, Lng: -122.2}},
		}},
		engine:   &fakeEngine{},
		feed:     events.NewStore(10),
		bridge:   selection.NewBridge(),
		primary:  viewport.NewScene("primary", true),
		overview: viewport.NewScene("overview", false),
		hub:      NewHub(nil),
		recorder: metrics.NewRecorder(),
		cfg:      config.NewStaticManager(config.DefaultConfig()),
	}
	f.sync = viewport.NewSynchronizer(f.primary, f.overview, f.entities, viewport.Options{SelectedID: f.bridge.SelectedID})
	if ready {
		f.primary.MarkLoaded()
		f.overview.MarkLoaded()
		require.NoError(t, f.sync.MarkReady(viewport.Primary))
		require.NoError(t, f.sync.MarkReady(viewport.Overview))
	}
	f.handler = New(Deps{
		Config:    f.cfg,
		Entities:  f.entities,
		Engine:    f.engine,
		Sync:      f.sync,
		Primary:   f.primary,
		Overview:  f.overview,
		Selection: f.bridge,
		Feed:      f.feed,
		Metrics:   f.recorder,
		Hub:       f.hub,
		Version:   "test",
		OnConfig:  func(c *config.Config) { f.applied = append(f.applied, c) },
	}).Handler()
	t.Cleanup(f.hub.Close)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	decodeInto(t, rec, &st)
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, "demo", st.Mode)
	assert.Equal(t, 2, st.Entities)
	assert.True(t, st.Viewports.Ready)
	require.NotNil(t, st.Engine)
	assert.True(t, st.Engine.Running)

	f.engine.stopped = true
	decodeInto(t, f.do(http.MethodGet, "/status", ""), &st)
	assert.False(t, st.Engine.Running)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/status", "").Code)
}

func TestEntities(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodGet, "/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entities []model.Entity `json:"entities"`
		Count    int            `json:"count"`
	}
	decodeInto(t, rec, &body)
	assert.Equal(t, 2, body.Count)

	rec = f.do(http.MethodGet, "/entities/demo-soldier-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ent model.Entity
	decodeInto(t, rec, &ent)
	assert.Equal(t, "Demo Soldier 2", ent.Name)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/entities/nobody", "").Code)
}

func TestTimelineAndRepresentativeEvent(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodGet, "/entities/demo-soldier-1/timeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page selection.Page
	decodeInto(t, rec, &page)
	require.Len(t, page.Events, 4)
	assert.Equal(t, "ev-f", page.Events[0].ID)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)

	rec = f.do(http.MethodGet, "/entities/demo-soldier-1/timeline?start=4&limit=4", "")
	decodeInto(t, rec, &page)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "ev-a", page.Events[1].ID)
	assert.False(t, page.HasNext)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/entities/demo-soldier-1/timeline?start=x", "").Code)

	rec = f.do(http.MethodGet, "/entities/demo-soldier-1/event", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ev model.Event
	decodeInto(t, rec, &ev)
	assert.Equal(t, "ev-f", ev.ID)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/entities/demo-soldier-2/event", "").Code)
}

func TestSelectionLifecycle(t *testing.T) {
	f := newFixture(t, true)
	var st selectionStatus

	decodeInto(t, f.do(http.MethodGet, "/selection", ""), &st)
	assert.False(t, st.Selected)

	rec := f.do(http.MethodPost, "/selection", `{"id":"demo-soldier-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &st)
	assert.True(t, st.Selected)
	assert.True(t, st.Available)
	require.NotNil(t, st.Event)
	assert.Equal(t, "ev-f", st.Event.ID)

	f.entities.mu.Lock()
	f.entities.list = f.entities.list[1:]
	f.entities.mu.Unlock()
	st = selectionStatus{}
	decodeInto(t, f.do(http.MethodGet, "/selection", ""), &st)
	assert.True(t, st.Selected)
	assert.False(t, st.Available, "dangling selection resolves to unavailable")
	assert.Nil(t, st.Entity)

	st = selectionStatus{}
	decodeInto(t, f.do(http.MethodDelete, "/selection", ""), &st)
	assert.False(t, st.Selected)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/selection", `{}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPut, "/selection", "").Code)
}

func TestPrimaryMove(t *testing.T) {
	f := newFixture(t, true)
	body := `{"center":{"lng":-122.17,"lat":37.43},"zoom":14,"bounds":{"west":-122.2,"south":37.4,"east":-122.1,"north":37.5}}`
	rec := f.do(http.MethodPost, "/viewport/primary", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cmd viewport.OverviewCommand
	decodeInto(t, rec, &cmd)
	assert.Equal(t, 10.0, cmd.Zoom)
	assert.Len(t, cmd.Ring, 5)
	assert.False(t, cmd.Deferred)

	var overview overviewResponse
	decodeInto(t, f.do(http.MethodGet, "/viewport/overview", ""), &overview)
	assert.Equal(t, 10.0, overview.Zoom)
	assert.Contains(t, overview.Sources, viewport.BoundsSource)
	require.NotNil(t, overview.LastCommand)
	assert.Equal(t, cmd.Ring, overview.LastCommand.Ring)

	var state viewport.SceneState
	decodeInto(t, f.do(http.MethodGet, "/viewport/primary", ""), &state)
	assert.Equal(t, 14.0, state.Zoom)
}

func TestPrimaryMoveDerivesBounds(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/viewport/primary", `{"center":{"lng":0,"lat":0},"zoom":12,"width":800,"height":600}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPrimaryMoveDerivesBoundsAtLowZoom(t *testing.T) {
	f := newFixture(t, true)
	for _, zoom := range []string{"0", "1", "2"} {
		rec := f.do(http.MethodPost, "/viewport/primary", `{"center":{"lng":0,"lat":0},"zoom":`+zoom+`,"width":1280,"height":800}`)
		require.Equal(t, http.StatusOK, rec.Code, "zoom %s: %s", zoom, rec.Body.String())
		var cmd viewport.OverviewCommand
		decodeInto(t, rec, &cmd)
		require.Len(t, cmd.Ring, 5)
		assert.Less(t, cmd.Ring[0].Lng, cmd.Ring[1].Lng, "zoom %s", zoom)
	}
}

func TestOverviewWithoutMove(t *testing.T) {
	f := newFixture(t, true)
	var overview overviewResponse
	decodeInto(t, f.do(http.MethodGet, "/viewport/overview", ""), &overview)
	assert.Nil(t, overview.LastCommand)
	assert.Equal(t, "overview", overview.Name)
}

func TestPrimaryMoveNotReady(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/viewport/primary", `{"center":{"lng":0,"lat":0},"zoom":12}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/viewport/primary", `{`).Code)
}

func TestPrimaryMoveDeferred(t *testing.T) {
	f := newFixture(t, false)
	body := `{"center":{"lng":1,"lat":1},"zoom":13,"bounds":{"west":0,"south":0,"east":2,"north":2}}`
	rec := f.do(http.MethodPost, "/viewport/primary", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var cmd viewport.OverviewCommand
	decodeInto(t, rec, &cmd)
	assert.True(t, cmd.Deferred)

	var st statusResponse
	decodeInto(t, f.do(http.MethodGet, "/status", ""), &st)
	assert.False(t, st.Viewports.Ready)
	assert.True(t, st.Viewports.PendingMove)
}

func TestEventsFeed(t *testing.T) {
	f := newFixture(t, true)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	f.feed.Add("demo-soldier-1", model.Event{ID: "old", Timestamp: base})
	f.feed.Add("demo-soldier-2", model.Event{ID: "new", Timestamp: base.Add(30 * time.Minute)})

	var body struct {
		Events []model.FeedEvent `json:"events"`
		Count  int               `json:"count"`
	}
	decodeInto(t, f.do(http.MethodGet, "/events?limit=1", ""), &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "new", body.Events[0].ID)

	since := base.Add(10 * time.Minute).Format(time.RFC3339)
	decodeInto(t, f.do(http.MethodGet, "/events?since="+since, ""), &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "demo-soldier-2", body.Events[0].EntityID)

	decodeInto(t, f.do(http.MethodGet, "/events?entity=demo-soldier-1", ""), &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "old", body.Events[0].ID)

	f.feed.Add("demo-soldier-1", model.Event{ID: "newer", Timestamp: base.Add(40 * time.Minute)})
	decodeInto(t, f.do(http.MethodGet, "/events?entity=demo-soldier-1&order=newest", ""), &body)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "newer", body.Events[0].ID)
	assert.Equal(t, "old", body.Events[1].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/events?since=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/events?order=random", "").Code)
}

func TestAdmin(t *testing.T) {
	f := newFixture(t, true)
	f.feed.Add("demo-soldier-1", model.Event{ID: "x", Timestamp: time.Now()})
	f.bridge.Select("demo-soldier-1")

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/clear", `{"target":"events"}`).Code)
	assert.Equal(t, 0, f.feed.Len())
	_, ok := f.bridge.Selected()
	assert.True(t, ok)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/clear", "").Code)
	_, ok = f.bridge.Selected()
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/clear", `{"target":"disk"}`).Code)

	f.feed.Add("demo-soldier-2", model.Event{ID: "kept", Timestamp: time.Now()})
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/reset", "").Code)
	assert.Equal(t, 1, f.engine.resets)
	assert.Equal(t, 1, f.feed.Len(), "reset keeps the feed")
	assert.Contains(t, f.overview.State().Sources, viewport.EntitiesSource)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/admin/reset", "").Code)
}

func TestAdminConfig(t *testing.T) {
	f := newFixture(t, true)
	cfg := *f.cfg.Get()
	cfg.Ingest.REST.APIKey = "secret"
	require.NoError(t, f.cfg.Update(&cfg))

	var got config.Config
	decodeInto(t, f.do(http.MethodGet, "/admin/config", ""), &got)
	assert.Equal(t, "***", got.Ingest.REST.APIKey)

	rec := f.do(http.MethodPut, "/admin/config", `{"viewport":{"zoom_offset":3},"simulation":{"entity_count":4}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.applied, 1)
	assert.Equal(t, 3.0, f.applied[0].Viewport.ZoomOffset)
	assert.Equal(t, 4, f.cfg.Get().Simulation.EntityCount)
	assert.Equal(t, "secret", f.cfg.Get().Ingest.REST.APIKey)

	rec = f.do(http.MethodPut, "/admin/config", `{"simulation":{"mode":"orbit"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.applied, 1)
	assert.Equal(t, "demo", f.cfg.Get().Simulation.Mode)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodDelete, "/admin/config", "").Code)
}

func TestNilDependencies(t *testing.T) {
	h := New(Deps{}).Handler()
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st statusResponse
	decodeInto(t, rec, &st)
	assert.Equal(t, "demo", st.Mode)
	assert.Equal(t, 0, st.Entities)
	assert.Nil(t, st.Engine)

	rec = get("/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[],"count":0}`, rec.Body.String())

	rec = get("/entities")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entities":[],"count":0}`, rec.Body.String())

	for _, path := range []string{"/entities/x", "/entities/x/timeline", "/entities/x/event", "/selection", "/viewport/overview", "/viewport/primary", "/admin/config"} {
		assert.Equal(t, http.StatusNotFound, get(path).Code, path)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/reset", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.recorder.ObserveTick(model.TickStats{Tick: 1, Entities: 2})
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aegis_ticks_total 1")
}

func TestStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, true)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.hub.Observe(model.TickStats{Tick: 7, Entities: 2}, f.entities.Entities())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "tick", msg.Type)
	require.NotNil(t, msg.Stats)
	assert.Equal(t, uint64(7), msg.Stats.Tick)
	assert.Len(t, msg.Entities, 2)

	f.hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, f.hub.Clients())
}

func TestStreamReplaysLastSnapshot(t *testing.T) {
	f := newFixture(t, true)
	f.hub.Observe(model.TickStats{Tick: 3}, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, uint64(3), msg.Stats.Tick)
}
