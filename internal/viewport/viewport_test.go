package viewport

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/model"
)

var stanford = model.Bounds{West: -122.18, South: 37.42, East: -122.16, North: 37.435}

type staticProvider []model.Entity

func (p staticProvider) Entities() []model.Entity { return p }

// recordingSurface logs mutating calls on top of a Scene.
type recordingSurface struct {
	*Scene
	mu    sync.Mutex
	calls []string
}

func newRecording(name string) *recordingSurface {
	return &recordingSurface{Scene: NewScene(name, true)}
}

func (r *recordingSurface) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingSurface) AddSource(id string, data []byte) error {
	r.record("add-source:" + id)
	return r.Scene.AddSource(id, data)
}

func (r *recordingSurface) RemoveSource(id string) error {
	r.record("remove-source:" + id)
	return r.Scene.RemoveSource(id)
}

func (r *recordingSurface) AddLayer(l Layer) error {
	r.record("add-layer:" + l.ID)
	return r.Scene.AddLayer(l)
}

func (r *recordingSurface) RemoveLayer(id string) error {
	r.record("remove-layer:" + id)
	return r.Scene.RemoveLayer(id)
}

func newReadyPair(t *testing.T, provider EntityProvider, opts Options) (*Scene, *Scene, *Synchronizer) {
	t.Helper()
	primary := NewScene("primary", true)
	overview := NewScene("overview", false)
	primary.MarkLoaded()
	overview.MarkLoaded()
	s := NewSynchronizer(primary, overview, provider, opts)
	require.NoError(t, s.MarkReady(Primary))
	require.NoError(t, s.MarkReady(Overview))
	return primary, overview, s
}

func TestOverviewZoomClamp(t *testing.T) {
	c := DefaultConstants()
	cases := map[float64]float64{2: 8, 12: 8, 14: 10, 16: 12, 20: 16, 25: 16}
	for in, want := range cases {
		assert.Equal(t, want, c.OverviewZoom(in), "primary zoom %v", in)
	}
}

func TestBoundsRingOrder(t *testing.T) {
	want := []model.LngLat{
		{Lng: -122.18, Lat: 37.42},
		{Lng: -122.16, Lat: 37.42},
		{Lng: -122.16, Lat: 37.435},
		{Lng: -122.18, Lat: 37.435},
		{Lng: -122.18, Lat: 37.42},
	}
	if diff := cmp.Diff(want, BoundsRing(stanford)); diff != "" {
		t.Fatalf("ring mismatch (-want +got):\n%s", diff)
	}
	poly, err := BoundsPolygon(stanford)
	require.NoError(t, err)
	if diff := cmp.Diff(want, PolygonRing(poly)); diff != "" {
		t.Fatalf("polygon ring mismatch (-want +got):\n%s", diff)
	}
}

type featureCollection struct {
	Type     string `json:"type"`
	Features []struct {
		Geometry struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

func decodeFC(t *testing.T, data []byte) featureCollection {
	t.Helper()
	var fc featureCollection
	require.NoError(t, json.Unmarshal(data, &fc))
	return fc
}

func TestBoundsFeatureSinglePolygon(t *testing.T) {
	data, err := BoundsFeature(stanford)
	require.NoError(t, err)
	fc := decodeFC(t, data)
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Polygon", fc.Features[0].Geometry.Type)
	var rings [][][2]float64
	require.NoError(t, json.Unmarshal(fc.Features[0].Geometry.Coordinates, &rings))
	require.Len(t, rings, 1)
	assert.Len(t, rings[0], 5)
	assert.Equal(t, rings[0][0], rings[0][4])
}

func TestEntitiesFeature(t *testing.T) {
	data, err := EntitiesFeature([]model.Entity{
		{ID: "demo-soldier-1", Position: model.Position{Lat: 1, Lng: 2}},
		{ID: "demo-soldier-2", Position: model.Position{Lat: 3, Lng: 4}},
	}, "demo-soldier-2")
	require.NoError(t, err)
	fc := decodeFC(t, data)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)
	assert.Equal(t, false, fc.Features[0].Properties["selected"])
	assert.Equal(t, true, fc.Features[1].Properties["selected"])
}

func TestBoundsForWorld(t *testing.T) {
	b := BoundsFor(model.LngLat{}, 0, 512, 512)
	assert.InDelta(t, -180, b.West, 1e-6)
	assert.InDelta(t, 180, b.East, 1e-6)
	assert.InDelta(t, 85.0511, b.North, 1e-3)
	assert.InDelta(t, -85.0511, b.South, 1e-3)
}

func TestBoundsForLowZoom(t *testing.T) {
	cases := []struct {
		zoom       float64
		west, east float64
	}{
		{zoom: 0, west: -180, east: 180},
		{zoom: 1, west: -180, east: 180},
		{zoom: 2, west: -112.5, east: 112.5},
	}
	for _, tc := range cases {
		b := BoundsFor(model.LngLat{}, tc.zoom, 1280, 800)
		require.True(t, b.Valid(), "zoom %v: %+v", tc.zoom, b)
		assert.InDelta(t, tc.west, b.West, 1e-9, "zoom %v", tc.zoom)
		assert.InDelta(t, tc.east, b.East, 1e-9, "zoom %v", tc.zoom)
	}

	// Off-centre canvases clamp only the side that crosses the antimeridian.
	b := BoundsFor(model.LngLat{Lng: 170}, 3, 1280, 800)
	require.True(t, b.Valid())
	assert.Equal(t, 180.0, b.East)
	assert.Less(t, b.West, 170.0)
}

func TestLowZoomPrimaryMove(t *testing.T) {
	_, overview, s := newReadyPair(t, nil, Options{})
	center := model.LngLat{Lng: 10, Lat: 20}
	cmd, err := s.OnPrimaryMove(model.Viewport{Center: center, Zoom: 1, Bounds: BoundsFor(center, 1, 1280, 800)})
	require.NoError(t, err)
	assert.Len(t, cmd.Ring, 5)
	assert.Contains(t, overview.State().Sources, BoundsSource)
}

func TestLocationFeature(t *testing.T) {
	data, err := LocationFeature(model.Location{Identity: "alice", Latitude: 37.4, Longitude: -122.1, Source: "rest"})
	require.NoError(t, err)
	fc := decodeFC(t, data)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)
	assert.JSONEq(t, `[-122.1,37.4]`, string(fc.Features[0].Geometry.Coordinates))
	assert.Equal(t, "alice", fc.Features[0].Properties["identity"])
}

func TestBoundsForContainsCenter(t *testing.T) {
	c := model.LngLat{Lng: -122.1701, Lat: 37.4277}
	b := BoundsFor(c, 14, 1280, 800)
	require.True(t, b.Valid())
	assert.Less(t, b.West, c.Lng)
	assert.Greater(t, b.East, c.Lng)
	assert.Less(t, b.South, c.Lat)
	assert.Greater(t, b.North, c.Lat)
	assert.InDelta(t, c.Lng, (b.West+b.East)/2, 1e-9)
}

func TestSceneRules(t *testing.T) {
	s := NewScene("primary", true)
	assert.ErrorIs(t, s.AddSource("a", nil), ErrNotReady)
	s.MarkLoaded()
	require.NoError(t, s.AddSource("a", []byte(`{}`)))
	assert.ErrorIs(t, s.AddSource("a", nil), ErrDuplicate)
	assert.ErrorIs(t, s.AddLayer(Layer{ID: "l", Source: "missing"}), ErrUnknownSource)
	require.NoError(t, s.AddLayer(Layer{ID: "l", Source: "a"}))
	assert.ErrorIs(t, s.RemoveSource("a"), ErrSourceInUse)
	assert.ErrorIs(t, s.RemoveLayer("nope"), ErrUnknownLayer)
	require.NoError(t, s.RemoveLayer("l"))
	require.NoError(t, s.RemoveSource("a"))
	assert.ErrorIs(t, s.SetSourceData("a", nil), ErrUnknownSource)
}

func TestPrimaryMoveUpdatesOverview(t *testing.T) {
	_, overview, s := newReadyPair(t, nil, Options{})
	cmd, err := s.OnPrimaryMove(model.Viewport{
		Center: model.LngLat{Lng: -122.17, Lat: 37.4277},
		Zoom:   14,
		Bounds: stanford,
	})
	require.NoError(t, err)
	assert.False(t, cmd.Deferred)
	assert.Equal(t, 10.0, cmd.Zoom)
	assert.Len(t, cmd.Ring, 5)

	st := overview.State()
	assert.Equal(t, model.LngLat{Lng: -122.17, Lat: 37.4277}, st.Center)
	assert.Equal(t, 10.0, st.Zoom)
	assert.False(t, st.Interactive)
	require.Contains(t, st.Sources, BoundsSource)
	ids := []string{}
	for _, l := range st.Layers {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{BoundsFillLayer, BoundsOutlineLayer}, ids)
}

func TestPrimaryMoveReplacesOverlay(t *testing.T) {
	primary := NewScene("primary", true)
	overview := newRecording("overview")
	primary.MarkLoaded()
	overview.MarkLoaded()
	s := NewSynchronizer(primary, overview, nil, Options{})
	require.NoError(t, s.MarkReady(Primary))
	require.NoError(t, s.MarkReady(Overview))

	first := model.Viewport{Center: model.LngLat{Lng: 1, Lat: 1}, Zoom: 12, Bounds: model.Bounds{West: 0, South: 0, East: 2, North: 2}}
	second := model.Viewport{Center: model.LngLat{Lng: 5, Lat: 5}, Zoom: 13, Bounds: model.Bounds{West: 4, South: 4, East: 6, North: 6}}
	_, err := s.OnPrimaryMove(first)
	require.NoError(t, err)
	_, err = s.OnPrimaryMove(second)
	require.NoError(t, err)

	st := overview.State()
	assert.Len(t, st.Sources, 1)
	assert.Len(t, st.Layers, 2)
	want, err := BoundsFeature(second.Bounds)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(st.Sources[BoundsSource]))

	// Second move must tear down before adding again.
	tail := overview.calls[len(overview.calls)-6:]
	assert.Equal(t, []string{
		"remove-layer:" + BoundsOutlineLayer,
		"remove-layer:" + BoundsFillLayer,
		"remove-source:" + BoundsSource,
		"add-source:" + BoundsSource,
		"add-layer:" + BoundsFillLayer,
		"add-layer:" + BoundsOutlineLayer,
	}, tail)
}

func TestInvalidBoundsSkipsUpdate(t *testing.T) {
	_, overview, s := newReadyPair(t, nil, Options{})
	before := overview.State()
	_, err := s.OnPrimaryMove(model.Viewport{Center: model.LngLat{Lng: 3, Lat: 3}, Zoom: 12})
	assert.ErrorIs(t, err, ErrNotReady)
	after := overview.State()
	assert.Equal(t, before.Revision, after.Revision)
	_, ok := s.LastCommand()
	assert.False(t, ok)
}

func TestDegenerateBoundsSkipped(t *testing.T) {
	_, overview, s := newReadyPair(t, nil, Options{})
	_, err := s.OnPrimaryMove(model.Viewport{Center: model.LngLat{Lng: 1, Lat: 1}, Zoom: 12, Bounds: model.Bounds{West: 0, South: 0, East: 2, North: 2}})
	require.NoError(t, err)
	before := overview.State()
	last, ok := s.LastCommand()
	require.True(t, ok)

	for _, b := range []model.Bounds{
		{West: -122.17, South: 37.42, East: -122.17, North: 37.43},
		{West: -122.18, South: 37.42, East: -122.16, North: 37.42},
		{West: -122.16, South: 37.42, East: -122.18, North: 37.43},
	} {
		_, err := s.OnPrimaryMove(model.Viewport{Center: model.LngLat{Lng: -122.17, Lat: 37.425}, Zoom: 14, Bounds: b})
		assert.ErrorIs(t, err, ErrNotReady, "%+v", b)
	}
	after := overview.State()
	assert.Equal(t, before.Revision, after.Revision)
	assert.JSONEq(t, string(before.Sources[BoundsSource]), string(after.Sources[BoundsSource]))
	still, ok := s.LastCommand()
	require.True(t, ok)
	assert.Equal(t, last, still)
}

func TestMovesDeferredUntilBothReady(t *testing.T) {
	primary := NewScene("primary", true)
	overview := NewScene("overview", false)
	s := NewSynchronizer(primary, overview, nil, Options{})

	first := model.Viewport{Center: model.LngLat{Lng: 1, Lat: 1}, Zoom: 9, Bounds: model.Bounds{West: 0, South: 0, East: 2, North: 2}}
	latest := model.Viewport{Center: model.LngLat{Lng: 7, Lat: 7}, Zoom: 20, Bounds: model.Bounds{West: 6, South: 6, East: 8, North: 8}}
	cmd, err := s.OnPrimaryMove(first)
	require.NoError(t, err)
	assert.True(t, cmd.Deferred)
	assert.Equal(t, 8.0, cmd.Zoom)
	_, err = s.OnPrimaryMove(latest)
	require.NoError(t, err)

	primary.MarkLoaded()
	require.NoError(t, s.MarkReady(Primary))
	move, _ := s.Pending()
	assert.True(t, move, "move must stay deferred until the overview is ready")
	assert.False(t, overview.HasSource(BoundsSource))

	overview.MarkLoaded()
	require.NoError(t, s.MarkReady(Overview))
	move, geometry := s.Pending()
	assert.False(t, move)
	assert.Zero(t, geometry)
	st := overview.State()
	assert.Equal(t, latest.Center, st.Center)
	assert.Equal(t, 16.0, st.Zoom)
	assert.True(t, overview.HasSource(BoundsSource))
}

func TestGeometryQueuedInOrder(t *testing.T) {
	primary := newRecording("primary")
	overview := NewScene("overview", false)
	provider := staticProvider{{ID: "demo-soldier-1", Position: model.Position{Lat: 37.4, Lng: -122.1}}}
	s := NewSynchronizer(primary, overview, provider, Options{})

	require.NoError(t, s.SetOverlay(Primary, "home", []byte(`{"type":"FeatureCollection","features":[]}`),
		Layer{ID: "home-fill", Type: "fill", Source: "home"}))
	require.NoError(t, s.RefreshEntities())
	require.NoError(t, s.RefreshEntities())
	_, geometry := s.Pending()
	assert.Equal(t, 2, geometry, "consecutive refreshes coalesce")
	assert.Empty(t, primary.calls, "nothing reaches a surface before it is ready")

	primary.MarkLoaded()
	overview.MarkLoaded()
	require.NoError(t, s.MarkReady(Overview))
	require.NoError(t, s.MarkReady(Primary))
	assert.Equal(t, []string{
		"add-source:home",
		"add-layer:home-fill",
		"add-source:" + EntitiesSource,
		"add-layer:" + EntitiesCircleLayer,
	}, primary.calls)
	assert.True(t, overview.HasSource(EntitiesSource))
}

func TestRefreshEntitiesUpdatesData(t *testing.T) {
	provider := &mutableProvider{}
	provider.set([]model.Entity{{ID: "a", Position: model.Position{Lat: 1, Lng: 1}}})
	primary, _, s := newReadyPair(t, provider, Options{})
	require.NoError(t, s.RefreshEntities())
	provider.set([]model.Entity{{ID: "a"}, {ID: "b"}})
	require.NoError(t, s.RefreshEntities())
	fc := decodeFC(t, primary.State().Sources[EntitiesSource])
	assert.Len(t, fc.Features, 2)
	assert.Len(t, primary.State().Layers, 1)
}

type mutableProvider struct {
	mu       sync.Mutex
	entities []model.Entity
}

func (m *mutableProvider) set(e []model.Entity) {
	m.mu.Lock()
	m.entities = e
	m.mu.Unlock()
}

func (m *mutableProvider) Entities() []model.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entities
}

func TestFollowSingleEntity(t *testing.T) {
	provider := staticProvider{{ID: "tracker", Position: model.Position{Lat: 51.5, Lng: -0.12}}}
	primary, overview, s := newReadyPair(t, provider, Options{Follow: true, FollowZoom: 12})
	require.NoError(t, s.RefreshEntities())
	want := model.LngLat{Lng: -0.12, Lat: 51.5}
	assert.Equal(t, want, primary.State().Center)
	assert.Equal(t, want, overview.State().Center)
	assert.Equal(t, 8.0, overview.State().Zoom)
}

func TestCloseDisposes(t *testing.T) {
	_, _, s := newReadyPair(t, nil, Options{})
	require.NoError(t, s.Close())
	_, err := s.OnPrimaryMove(model.Viewport{Zoom: 10, Bounds: stanford})
	assert.True(t, errors.Is(err, ErrDisposed))
	assert.ErrorIs(t, s.RefreshEntities(), ErrDisposed)
	assert.ErrorIs(t, s.MarkReady(Primary), ErrDisposed)
	assert.ErrorIs(t, s.SetOverlay(Primary, "x", nil), ErrDisposed)
	assert.False(t, s.Ready())
}
