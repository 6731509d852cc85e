package viewport

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"aegis/internal/model"
)

var (
	ErrNotReady      = errors.New("viewport not ready")
	ErrDisposed      = errors.New("viewport synchronizer disposed")
	ErrUnknownSource = errors.New("unknown source")
	ErrUnknownLayer  = errors.New("unknown layer")
	ErrDuplicate     = errors.New("source or layer already exists")
	ErrSourceInUse   = errors.New("source in use by a layer")
)

// Layer is a rendering layer bound to a source.
type Layer struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Paint  map[string]any `json:"paint,omitempty"`
}

// Surface is the map widget the synchronizer drives. It is a sink: the
// synchronizer never reads rendering state back beyond Loaded and HasSource.
type Surface interface {
	Loaded() bool
	SetCenter(c model.LngLat)
	SetZoom(z float64)
	AddSource(id string, data []byte) error
	SetSourceData(id string, data []byte) error
	HasSource(id string) bool
	AddLayer(layer Layer) error
	RemoveLayer(id string) error
	RemoveSource(id string) error
}

// SceneState is the serialisable content of a Scene.
type SceneState struct {
	Name        string                     `json:"name"`
	Loaded      bool                       `json:"loaded"`
	Interactive bool                       `json:"interactive"`
	Center      model.LngLat               `json:"center"`
	Zoom        float64                    `json:"zoom"`
	Sources     map[string]json.RawMessage `json:"sources"`
	Layers      []Layer                    `json:"layers"`
	Revision    uint64                     `json:"revision"`
}

// Scene is an in-memory Surface. Clients mirror its State.
type Scene struct {
	mu          sync.RWMutex
	name        string
	interactive bool
	loaded      bool
	center      model.LngLat
	zoom        float64
	sources     map[string]json.RawMessage
	layers      []Layer
	revision    uint64
}

func NewScene(name string, interactive bool) *Scene {
	return &Scene{
		name:        name,
		interactive: interactive,
		sources:     make(map[string]json.RawMessage),
	}
}

// MarkLoaded flips the scene into the loaded state, the equivalent of a map
// style finishing to load.
func (s *Scene) MarkLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.revision++
}

func (s *Scene) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *Scene) SetCenter(c model.LngLat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.center = c
	s.revision++
}

func (s *Scene) SetZoom(z float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zoom = z
	s.revision++
}

func (s *Scene) AddSource(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotReady
	}
	if _, ok := s.sources[id]; ok {
		return fmt.Errorf("%w: source %q", ErrDuplicate, id)
	}
	s.sources[id] = slices.Clone(data)
	s.revision++
	return nil
}

func (s *Scene) SetSourceData(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	s.sources[id] = slices.Clone(data)
	s.revision++
	return nil
}

func (s *Scene) HasSource(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sources[id]
	return ok
}

func (s *Scene) AddLayer(layer Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotReady
	}
	if _, ok := s.sources[layer.Source]; !ok {
		return fmt.Errorf("%w: %q for layer %q", ErrUnknownSource, layer.Source, layer.ID)
	}
	if s.layerIndex(layer.ID) >= 0 {
		return fmt.Errorf("%w: layer %q", ErrDuplicate, layer.ID)
	}
	s.layers = append(s.layers, layer)
	s.revision++
	return nil
}

func (s *Scene) RemoveLayer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.layerIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownLayer, id)
	}
	s.layers = slices.Delete(s.layers, i, i+1)
	s.revision++
	return nil
}

func (s *Scene) RemoveSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	for _, l := range s.layers {
		if l.Source == id {
			return fmt.Errorf("%w: %q used by %q", ErrSourceInUse, id, l.ID)
		}
	}
	delete(s.sources, id)
	s.revision++
	return nil
}

func (s *Scene) layerIndex(id string) int {
	return slices.IndexFunc(s.layers, func(l Layer) bool { return l.ID == id })
}

func (s *Scene) State() SceneState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources := make(map[string]json.RawMessage, len(s.sources))
	for k, v := range s.sources {
		sources[k] = slices.Clone(v)
	}
	return SceneState{
		Name:        s.name,
		Loaded:      s.loaded,
		Interactive: s.interactive,
		Center:      s.center,
		Zoom:        s.zoom,
		Sources:     sources,
		Layers:      slices.Clone(s.layers),
		Revision:    s.revision,
	}
}
