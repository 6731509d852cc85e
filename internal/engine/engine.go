// Package engine runs the update loop: every tick it advances each entity of
// the batch by one random-walk step, or snaps it back to its anchor once the
// step budget is spent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"aegis/internal/config"
	"aegis/internal/events"
	"aegis/internal/metrics"
	"aegis/internal/model"
	"aegis/internal/storage"
	"aegis/internal/telemetry"
)

var ErrStopped = errors.New("engine stopped")

// TickObserver receives every committed snapshot. The slice is shared between
// observers and must not be modified.
type TickObserver func(stats model.TickStats, entities []model.Entity)

type transformFunc func(gen *telemetry.Generator, sim config.SimulationConfig, ent model.Entity, now time.Time) (model.Entity, *model.Event)

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	feed     *events.Store
	store    storage.Store
	cfg      atomic.Value
	gen      atomic.Pointer[telemetry.Generator]
	cooldown *Cooldown

	mu    sync.RWMutex
	batch []model.Entity
	tick  uint64

	obsMu     sync.RWMutex
	observers []TickObserver

	transform transformFunc

	disposed   atomic.Bool
	runMu      sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	intervalCh chan time.Duration
}

// NewEngine creates the initial batch from cfg. A nil generator is built from
// the configured seed.
func NewEngine(cfg *config.Config, gen *telemetry.Generator, logger *slog.Logger, rec *metrics.Recorder, feed *events.Store, store storage.Store) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if gen == nil {
		gen = telemetry.NewGenerator(telemetry.NewLockedSource(cfg.Simulation.Seed))
	}
	e := &Engine{
		logger:     logger,
		metrics:    rec,
		feed:       feed,
		store:      store,
		cooldown:   NewCooldown(),
		transform:  advance,
		intervalCh: make(chan time.Duration, 1),
	}
	e.cfg.Store(cfg)
	e.gen.Store(gen.Derive(generatorParams(cfg)))
	e.batch = e.newBatch(cfg)
	rec.SetEntities(len(e.batch))
	return e
}

func generatorParams(cfg *config.Config) telemetry.Params {
	return telemetry.Params{
		WaveformLength: cfg.Simulation.WaveformLength,
		InitialEvents:  cfg.Simulation.InitialEvents,
	}
}

func (e *Engine) newBatch(cfg *config.Config) []model.Entity {
	sim := cfg.Simulation
	if sim.Mode == "tracker" {
		return []model.Entity{}
	}
	return e.gen.Load().CreateBatch(sim.EntityCount, sim.OriginLat, sim.OriginLng, sim.RadiusDeg)
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	prev := e.config()
	e.cfg.Store(cfg)
	e.gen.Store(e.gen.Load().Derive(generatorParams(cfg)))
	if cfg.Simulation.TickInterval != prev.Simulation.TickInterval {
		select {
		case <-e.intervalCh:
		default:
		}
		select {
		case e.intervalCh <- cfg.Simulation.TickInterval:
		default:
		}
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) OnTick(fn TickObserver) {
	if fn == nil {
		return
	}
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

// Entities returns a deep copy of the current batch.
func (e *Engine) Entities() []model.Entity {
	_, out := e.Snapshot()
	return out
}

func (e *Engine) Snapshot() (uint64, []model.Entity) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Entity, len(e.batch))
	for i, ent := range e.batch {
		out[i] = ent.Clone()
	}
	return e.tick, out
}

func (e *Engine) Entity(id string) (model.Entity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ent := range e.batch {
		if ent.ID == id {
			return ent.Clone(), true
		}
	}
	return model.Entity{}, false
}

// Reset regenerates the batch from the current config. Failure throttling
// starts over for the new batch.
func (e *Engine) Reset() {
	batch := e.newBatch(e.config())
	e.mu.Lock()
	prev := e.batch
	e.batch = batch
	e.mu.Unlock()
	for _, ent := range prev {
		e.cooldown.Forget(failureKey(ent.ID))
	}
	e.metrics.SetEntities(len(batch))
	if e.logger != nil {
		e.logger.Info("entity batch regenerated", "entities", len(batch))
	}
}

// Tick computes every entity's next state from the same pre-tick snapshot,
// then commits the whole batch at once. A transform that panics leaves that
// entity unchanged for this tick.
func (e *Engine) Tick(ctx context.Context) (model.TickStats, error) {
	if e.disposed.Load() {
		return model.TickStats{}, ErrStopped
	}
	cfg := e.config()
	sim := cfg.Simulation
	if sim.MaxSteps <= 0 {
		sim.MaxSteps = 15
	}
	if sim.ActivityEvery <= 0 {
		sim.ActivityEvery = 5
	}
	gen := e.gen.Load()
	start := time.Now()
	now := gen.Now()

	e.mu.RLock()
	prev := e.batch
	e.mu.RUnlock()

	next := make([]model.Entity, len(prev))
	appended := make([]*model.Event, len(prev))
	failed := make([]bool, len(prev))

	work := func(i int) {
		defer func() {
			if r := recover(); r != nil {
				next[i] = prev[i]
				appended[i] = nil
				failed[i] = true
				e.logFailure(prev[i].ID, sim.FailureCooldown, r)
			}
		}()
		next[i], appended[i] = e.transform(gen, sim, prev[i], now)
	}

	if sim.Parallelism <= 1 || len(prev) < 2 {
		for i := range prev {
			if err := ctx.Err(); err != nil {
				return model.TickStats{}, err
			}
			work(i)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sim.Parallelism)
		for i := range prev {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				work(i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return model.TickStats{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return model.TickStats{}, err
	}

	e.mu.Lock()
	if e.disposed.Load() {
		e.mu.Unlock()
		return model.TickStats{}, ErrStopped
	}
	// Reset or regenerate raced with this tick; drop the stale result.
	if !sameBatch(e.batch, prev) {
		e.mu.Unlock()
		return model.TickStats{}, nil
	}
	e.batch = next
	e.tick++
	stats := model.TickStats{
		Tick:     e.tick,
		At:       now,
		Entities: len(next),
	}
	e.mu.Unlock()

	for i, ev := range appended {
		if failed[i] {
			stats.Skipped++
			continue
		}
		if ev == nil {
			continue
		}
		stats.Resets++
		if e.feed != nil {
			e.feed.Add(next[i].ID, *ev)
		}
		if e.store != nil {
			if err := e.store.SaveEvents(ctx, next[i].ID, []model.Event{*ev}); err != nil && e.logger != nil {
				e.logger.Warn("persist event failed", "entity_id", next[i].ID, "err", err)
			}
		}
	}
	stats.Duration = time.Since(start)
	e.metrics.ObserveTick(stats)
	e.notify(stats, next)
	return stats, nil
}

func sameBatch(a, b []model.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

func (e *Engine) notify(stats model.TickStats, batch []model.Entity) {
	e.obsMu.RLock()
	observers := append([]TickObserver(nil), e.observers...)
	e.obsMu.RUnlock()
	if len(observers) == 0 {
		return
	}
	snapshot := make([]model.Entity, len(batch))
	for i, ent := range batch {
		snapshot[i] = ent.Clone()
	}
	for _, fn := range observers {
		fn(stats, snapshot)
	}
}

func failureKey(entityID string) string {
	return "tick|" + entityID
}

func (e *Engine) logFailure(entityID string, cooldown time.Duration, cause any) {
	if e.logger == nil {
		return
	}
	if !e.cooldown.Allow(failureKey(entityID), cooldown) {
		return
	}
	e.logger.Warn("entity update failed", "entity_id", entityID, "err", fmt.Sprint(cause))
}

// advance is the per-entity transform. It reads only ent and returns a value
// that shares no storage with it.
func advance(gen *telemetry.Generator, sim config.SimulationConfig, ent model.Entity, now time.Time) (model.Entity, *model.Event) {
	next := ent.Clone()
	next.LastPing = now
	if ent.Steps >= sim.MaxSteps {
		next.Position = ent.InitialPosition
		next.Steps = 0
		next.Activity = gen.SampleActivity()
		next.HeartRate = gen.SampleHeartRate()
		next.Waveform = gen.SampleWaveform()
		ev := gen.SampleEvent(ent.ID)
		next.Events = append(next.Events, ev)
		return next, &ev
	}
	next.Position = gen.Step(ent.Position, sim.StrideDeg)
	next.Steps = ent.Steps + 1
	next.HeartRate = gen.SampleHeartRate()
	next.Waveform = gen.SampleWaveform()
	if ent.Steps%sim.ActivityEvery == 0 {
		next.Activity = gen.SampleActivity()
	}
	return next, nil
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil || e.disposed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := e.config().Simulation.TickInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.intervalCh:
			if d > 0 {
				ticker.Reset(d)
				if e.logger != nil {
					e.logger.Info("tick interval changed", "interval", d.String())
				}
			}
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopped) {
				if e.logger != nil {
					e.logger.Warn("tick failed", "err", err)
				}
			}
		}
	}
}

// Stop disposes the engine and waits for the loop to exit. Later ticks are
// no-ops.
func (e *Engine) Stop() {
	e.disposed.Store(true)
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) Stopped() bool {
	return e.disposed.Load()
}
