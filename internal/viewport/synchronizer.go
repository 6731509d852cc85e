// Package viewport keeps an overview map in step with a primary map: the
// overview follows the primary's centre at an offset zoom and draws the
// primary's bounds as an overlay. Both maps are driven through the Surface
// sink; Scene is the in-memory implementation served to clients.
package viewport

import (
	"errors"
	"log/slog"
	"sync"

	"aegis/internal/model"
)

type Which int

const (
	Primary Which = iota
	Overview
)

func (w Which) String() string {
	if w == Overview {
		return "overview"
	}
	return "primary"
}

// EntityProvider supplies the entities drawn as markers. The demo engine and
// the single-entity tracker both satisfy it.
type EntityProvider interface {
	Entities() []model.Entity
}

// OverviewCommand is what a primary move did, or will do once both maps are
// ready, to the overview.
type OverviewCommand struct {
	Center   model.LngLat   `json:"center"`
	Zoom     float64        `json:"zoom"`
	Ring     []model.LngLat `json:"ring"`
	Deferred bool           `json:"deferred"`
}

type Options struct {
	Constants Constants
	// Follow recentres the primary on the tracked entity when the provider
	// returns exactly one.
	Follow       bool
	FollowZoom   float64
	CanvasWidth  int
	CanvasHeight int
	SelectedID   func() string
	Logger       *slog.Logger
}

type pendingOp struct {
	key   string
	apply func() error
}

type Synchronizer struct {
	mu       sync.Mutex
	primary  Surface
	overview Surface
	provider EntityProvider
	opts     Options

	primaryReady  bool
	overviewReady bool
	disposed      bool

	pendingMove *model.Viewport
	queue       []pendingOp
	lastPrimary *model.Viewport
	last        *OverviewCommand
}

func NewSynchronizer(primary, overview Surface, provider EntityProvider, opts Options) *Synchronizer {
	if opts.Constants == (Constants{}) {
		opts.Constants = DefaultConstants()
	}
	if opts.CanvasWidth <= 0 {
		opts.CanvasWidth = 1280
	}
	if opts.CanvasHeight <= 0 {
		opts.CanvasHeight = 800
	}
	return &Synchronizer{
		primary:  primary,
		overview: overview,
		provider: provider,
		opts:     opts,
	}
}

// SetConstants swaps the zoom constants; they apply from the next move.
func (s *Synchronizer) SetConstants(c Constants) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Constants = c
}

func (s *Synchronizer) surface(w Which) Surface {
	if w == Overview {
		return s.overview
	}
	return s.primary
}

func (s *Synchronizer) ready() bool {
	return s.primaryReady && s.overviewReady && s.primary.Loaded() && s.overview.Loaded()
}

func (s *Synchronizer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disposed && s.ready()
}

// MarkReady records that a surface finished loading. Once both are ready the
// queued geometry is applied in order, then the latest deferred move.
func (s *Synchronizer) MarkReady(w Which) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	if w == Overview {
		s.overviewReady = true
	} else {
		s.primaryReady = true
	}
	if !s.ready() {
		return nil
	}
	return s.flush()
}

func (s *Synchronizer) flush() error {
	var errs []error
	queue := s.queue
	s.queue = nil
	for _, op := range queue {
		if err := op.apply(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.pendingMove != nil {
		vp := *s.pendingMove
		s.pendingMove = nil
		if _, err := s.applyMove(vp); err != nil && !errors.Is(err, ErrNotReady) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logError("flush deferred viewport work failed", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// OnPrimaryMove propagates a primary move to the overview. Before both maps
// are ready the move is held (latest wins) and the command comes back with
// Deferred set. Invalid bounds skip the update with ErrNotReady.
func (s *Synchronizer) OnPrimaryMove(vp model.Viewport) (OverviewCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return OverviewCommand{}, ErrDisposed
	}
	if !s.ready() {
		held := vp
		s.pendingMove = &held
		cmd := s.command(vp)
		cmd.Deferred = true
		return cmd, nil
	}
	return s.applyMove(vp)
}

func (s *Synchronizer) command(vp model.Viewport) OverviewCommand {
	return OverviewCommand{
		Center: vp.Center,
		Zoom:   s.opts.Constants.OverviewZoom(vp.Zoom),
		Ring:   BoundsRing(vp.Bounds),
	}
}

func (s *Synchronizer) applyMove(vp model.Viewport) (OverviewCommand, error) {
	if !vp.Bounds.Valid() {
		return OverviewCommand{}, ErrNotReady
	}
	cmd := s.command(vp)
	data, err := BoundsFeature(vp.Bounds)
	if err != nil {
		return OverviewCommand{}, err
	}
	s.primary.SetCenter(vp.Center)
	s.primary.SetZoom(vp.Zoom)
	s.overview.SetCenter(cmd.Center)
	s.overview.SetZoom(cmd.Zoom)
	if err := replaceBounds(s.overview, data); err != nil {
		return OverviewCommand{}, err
	}
	held := vp
	s.lastPrimary = &held
	s.last = &cmd
	return cmd, nil
}

// replaceBounds removes any previous overlay before adding the new one, so
// the overview never holds more than one bounds feature.
func replaceBounds(surface Surface, data []byte) error {
	for _, id := range []string{BoundsOutlineLayer, BoundsFillLayer} {
		if err := surface.RemoveLayer(id); err != nil && !errors.Is(err, ErrUnknownLayer) {
			return err
		}
	}
	if surface.HasSource(BoundsSource) {
		if err := surface.RemoveSource(BoundsSource); err != nil {
			return err
		}
	}
	if err := surface.AddSource(BoundsSource, data); err != nil {
		return err
	}
	if err := surface.AddLayer(Layer{
		ID:     BoundsFillLayer,
		Type:   "fill",
		Source: BoundsSource,
		Paint:  map[string]any{"fill-color": "#088", "fill-opacity": 0.2},
	}); err != nil {
		return err
	}
	return surface.AddLayer(Layer{
		ID:     BoundsOutlineLayer,
		Type:   "line",
		Source: BoundsSource,
		Paint:  map[string]any{"line-color": "#088", "line-width": 2},
	})
}

// RefreshEntities redraws the entity markers on both maps from the provider.
// Before both maps are ready the refresh is queued.
func (s *Synchronizer) RefreshEntities() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	op := pendingOp{key: EntitiesSource, apply: s.drawEntities}
	if !s.ready() {
		s.enqueue(op)
		return nil
	}
	return op.apply()
}

func (s *Synchronizer) drawEntities() error {
	if s.provider == nil {
		return nil
	}
	entities := s.provider.Entities()
	selected := ""
	if s.opts.SelectedID != nil {
		selected = s.opts.SelectedID()
	}
	data, err := EntitiesFeature(entities, selected)
	if err != nil {
		return err
	}
	layer := Layer{
		ID:     EntitiesCircleLayer,
		Type:   "circle",
		Source: EntitiesSource,
		Paint:  map[string]any{"circle-radius": 6, "circle-color": "#e53935"},
	}
	for _, surface := range []Surface{s.primary, s.overview} {
		if err := upsertSource(surface, EntitiesSource, data, layer); err != nil {
			return err
		}
	}
	if s.opts.Follow && len(entities) == 1 {
		return s.follow(entities[0].Position.LngLat())
	}
	return nil
}

func (s *Synchronizer) follow(center model.LngLat) error {
	zoom := s.opts.FollowZoom
	if s.lastPrimary != nil {
		zoom = s.lastPrimary.Zoom
	}
	vp := model.Viewport{
		Center: center,
		Zoom:   zoom,
		Bounds: BoundsFor(center, zoom, s.opts.CanvasWidth, s.opts.CanvasHeight),
	}
	_, err := s.applyMove(vp)
	if errors.Is(err, ErrNotReady) {
		return nil
	}
	return err
}

// SetOverlay adds or replaces a single-source overlay on one map. Before both
// maps are ready it is queued behind earlier geometry.
func (s *Synchronizer) SetOverlay(w Which, id string, data []byte, layers ...Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	surface := s.surface(w)
	op := pendingOp{
		key: w.String() + "|" + id,
		apply: func() error {
			return upsertSource(surface, id, data, layers...)
		},
	}
	if !s.ready() {
		s.enqueue(op)
		return nil
	}
	return op.apply()
}

func (s *Synchronizer) enqueue(op pendingOp) {
	if n := len(s.queue); n > 0 && s.queue[n-1].key == op.key {
		s.queue[n-1] = op
		return
	}
	s.queue = append(s.queue, op)
}

func upsertSource(surface Surface, id string, data []byte, layers ...Layer) error {
	if surface.HasSource(id) {
		return surface.SetSourceData(id, data)
	}
	if err := surface.AddSource(id, data); err != nil {
		return err
	}
	for _, l := range layers {
		if err := surface.AddLayer(l); err != nil && !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	return nil
}

// Pending reports how much work is waiting for readiness.
func (s *Synchronizer) Pending() (move bool, geometry int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingMove != nil, len(s.queue)
}

func (s *Synchronizer) LastCommand() (OverviewCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return OverviewCommand{}, false
	}
	return *s.last, true
}

// Close disposes the synchronizer. Queued work is dropped and every later
// call returns ErrDisposed.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.pendingMove = nil
	s.queue = nil
	return nil
}

func (s *Synchronizer) logError(msg string, err error) {
	if s.opts.Logger != nil {
		s.opts.Logger.Warn(msg, "err", err)
	}
}
