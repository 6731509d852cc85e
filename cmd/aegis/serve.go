package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aegis/internal/api"
	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/events"
	"aegis/internal/geolocate"
	"aegis/internal/influx"
	"aegis/internal/ingest"
	"aegis/internal/logging"
	"aegis/internal/metrics"
	"aegis/internal/model"
	"aegis/internal/selection"
	"aegis/internal/storage"
	"aegis/internal/telemetry"
	"aegis/internal/viewport"
)

const configWatchInterval = 3 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation, viewport sync, ingest and API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadManager(opts)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(opts.level(mgr.Get()))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, mgr, logger)
		},
	}
}

// withOrigin centres the demo batch on the located position.
func withOrigin(cfg *config.Config, pos model.Position) *config.Config {
	next := *cfg
	next.Simulation.OriginLat = pos.Lat
	next.Simulation.OriginLng = pos.Lng
	return &next
}

// service holds the wired components of one serve run.
type service struct {
	cfg      *config.Manager
	logger   *slog.Logger
	recorder *metrics.Recorder
	feed     *events.Store
	store    storage.Store
	engine   *engine.Engine
	tracker  *geolocate.Tracker
	entities api.EntitySource
	bridge   *selection.Bridge
	primary  *viewport.Scene
	overview *viewport.Scene
	sync     *viewport.Synchronizer
	hub      *api.Hub
	sink     *ingest.Sink
	located  chan model.Location
	origin   model.Position
}

func newService(ctx context.Context, mgr *config.Manager, logger *slog.Logger) (*service, error) {
	cfg := mgr.Get()
	s := &service{
		cfg:      mgr,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		feed:     events.NewStore(cfg.Events.StoreLimit),
		bridge:   selection.NewBridge(),
		primary:  viewport.NewScene("primary", true),
		overview: viewport.NewScene("overview", false),
		hub:      api.NewHub(logger.With("component", "stream")),
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	s.store = store

	provider := geolocate.FromConfig(cfg, store, logger.With("component", "geolocate"))
	s.origin = provider.Locate(ctx)

	gen := telemetry.NewGenerator(telemetry.NewLockedSource(cfg.Simulation.Seed))
	s.engine = engine.NewEngine(withOrigin(cfg, s.origin), gen, logger.With("component", "engine"), s.recorder, s.feed, store)
	s.entities = s.engine
	if cfg.Simulation.Mode == "tracker" {
		s.tracker = geolocate.NewTracker(cfg.Geolocation.Identity, provider)
		s.entities = s.tracker
	}

	s.sync = viewport.NewSynchronizer(s.primary, s.overview, s.entities, viewport.Options{
		Constants:  viewport.ConstantsFrom(cfg.Viewport),
		Follow:     cfg.Viewport.Follow,
		FollowZoom: cfg.Viewport.PrimaryZoom,
		SelectedID: s.bridge.SelectedID,
		Logger:     logger.With("component", "viewport"),
	})
	s.bridge.Subscribe(s.onSelection)

	buffer := cfg.Ingest.ChannelBuffer
	if buffer <= 0 {
		buffer = 1
	}
	s.located = make(chan model.Location, buffer)
	s.sink = ingest.NewSink(mgr, store, s.located, s.recorder, logger.With("component", "ingest"))
	return s, nil
}

func (s *service) onSelection(id string, ok bool) {
	s.refreshMarkers()
	_, available := s.bridge.Resolve(s.entities)
	s.hub.Broadcast(api.StreamMessage{Type: "selection", Selected: id, Available: ok && available})
}

func (s *service) refreshMarkers() {
	if err := s.sync.RefreshEntities(); err != nil && !errors.Is(err, viewport.ErrDisposed) {
		s.logger.Warn("marker refresh failed", "err", err)
	}
}

// openViewports queues the initial camera before the scenes report loaded,
// so it is applied by the ready flush like any early move.
func (s *service) openViewports() error {
	cfg := s.cfg.Get()
	center := s.origin.LngLat()
	zoom := cfg.Viewport.PrimaryZoom
	if _, err := s.sync.OnPrimaryMove(model.Viewport{
		Center: center,
		Zoom:   zoom,
		Bounds: viewport.BoundsFor(center, zoom, 1280, 800),
	}); err != nil {
		return err
	}
	s.refreshMarkers()
	s.primary.MarkLoaded()
	s.overview.MarkLoaded()
	if err := s.sync.MarkReady(viewport.Primary); err != nil {
		return err
	}
	return s.sync.MarkReady(viewport.Overview)
}

func (s *service) onTrackerUpdate(ent model.Entity) {
	s.recorder.SetEntities(1)
	s.refreshMarkers()
	s.hub.Observe(model.TickStats{At: ent.LastPing, Entities: 1}, []model.Entity{ent})
}

func (s *service) applyConfig(cfg *config.Config) {
	s.engine.UpdateConfig(withOrigin(cfg, s.origin))
	s.sync.SetConstants(viewport.ConstantsFrom(cfg.Viewport))
	s.logger.Info("config reloaded", "path", s.cfg.Path())
}

func runServe(ctx context.Context, mgr *config.Manager, logger *slog.Logger) error {
	s, err := newService(ctx, mgr, logger)
	if err != nil {
		return err
	}
	defer s.store.Close()
	cfg := mgr.Get()

	s.engine.OnTick(func(model.TickStats, []model.Entity) { s.refreshMarkers() })
	s.engine.OnTick(s.hub.Observe)
	if cfg.Influx.Enabled {
		sink := influx.New(cfg.Influx, logger.With("component", "influx"))
		defer sink.Close()
		s.engine.OnTick(sink.Observe)
	}

	if err := s.openViewports(); err != nil {
		return fmt.Errorf("open viewports: %w", err)
	}

	restServer, _ := ingest.StartREST(ctx, mgr, s.sink, logger.With("component", "rest"))
	ingest.StartTCPStream(ctx, mgr, s.sink, logger.With("component", "tcp_stream"))
	ingest.StartFileTail(ctx, mgr, s.sink, logger.With("component", "file_tail"))
	ingest.StartKafka(ctx, mgr, s.sink, logger.With("component", "kafka"))

	if s.tracker != nil {
		go s.tracker.Run(ctx, cfg.Simulation.TickInterval, s.onTrackerUpdate)
		go s.tracker.Consume(ctx, s.located, s.onTrackerUpdate)
	} else {
		go s.forwardLocations(ctx)
		s.engine.Start(ctx)
	}

	reconfigure := func(next *config.Config) {
		s.applyConfig(next)
		if restServer != nil {
			restServer.UpdateConfig(next)
		}
	}

	server := api.New(api.Deps{
		Config:    mgr,
		Entities:  s.entities,
		Engine:    s.engine,
		Sync:      s.sync,
		Primary:   s.primary,
		Overview:  s.overview,
		Selection: s.bridge,
		Feed:      s.feed,
		Metrics:   s.recorder,
		Hub:       s.hub,
		Logger:    logger.With("component", "api"),
		Version:   version,
		OnConfig:  reconfigure,
	})
	api.Start(ctx, mgr, server, logger)

	watchStop := make(chan struct{})
	go mgr.Watch(configWatchInterval, reconfigure, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, watchStop)

	logger.Info("aegis running", "mode", cfg.Simulation.Mode, "origin_lat", s.origin.Lat, "origin_lng", s.origin.Lng)
	<-ctx.Done()
	logger.Info("shutting down")

	close(watchStop)
	s.engine.Stop()
	_ = s.sync.Close()
	s.hub.Close()
	return nil
}

// forwardLocations streams ingested locations to websocket clients in demo
// mode, where no tracker consumes them, and pins the latest one on the
// primary map.
func (s *service) forwardLocations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case loc := <-s.located:
			s.showLocated(loc)
			s.hub.Broadcast(api.StreamMessage{Type: "location", Location: &loc})
		}
	}
}

func (s *service) showLocated(loc model.Location) {
	data, err := viewport.LocationFeature(loc)
	if err != nil {
		s.logger.Warn("location overlay encode failed", "err", err)
		return
	}
	err = s.sync.SetOverlay(viewport.Primary, viewport.LocatedSource, data, viewport.LocatedLayers()...)
	if err != nil && !errors.Is(err, viewport.ErrDisposed) {
		s.logger.Warn("location overlay failed", "err", err)
	}
}
