// Package ingest accepts real device locations from REST, Kafka, a TCP line
// stream and tailed files, validates them, and hands them to the location
// repository and to live consumers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aegis/internal/config"
	"aegis/internal/metrics"
	"aegis/internal/model"
	"aegis/internal/normalize"
	"aegis/internal/storage"
)

var (
	ErrDuplicate = errors.New("duplicate location report")
	ErrStore     = errors.New("location store failed")
)

// Sink is the single path every source feeds.
type Sink struct {
	cfg     *config.Manager
	store   storage.Store
	out     chan<- model.Location
	metrics *metrics.Recorder
	logger  *slog.Logger
	recent  *recentReports
}

func NewSink(cfg *config.Manager, store storage.Store, out chan<- model.Location, rec *metrics.Recorder, logger *slog.Logger) *Sink {
	if store == nil {
		store = storage.NewMemory()
	}
	return &Sink{
		cfg:     cfg,
		store:   store,
		out:     out,
		metrics: rec,
		logger:  logger,
		recent:  newRecentReports(),
	}
}

func (s *Sink) Store() storage.Store {
	return s.store
}

func (s *Sink) Accept(ctx context.Context, source string, fields normalize.LocationFields) (model.Location, error) {
	cfg := s.cfg.Get()
	fields.Source = source
	loc, err := normalize.Location(fields, cfg)
	if err != nil {
		s.metrics.ObserveLocation(source, "rejected")
		if s.logger != nil {
			s.logger.Warn("location rejected", "source", source, "err", err)
		}
		return model.Location{}, err
	}
	if s.isDuplicate(loc, cfg.Ingest.DedupeWindow) {
		s.metrics.ObserveLocation(source, "duplicate")
		return loc, ErrDuplicate
	}
	if err := s.store.SaveLocation(ctx, loc); err != nil {
		s.recent.Forget(loc)
		s.metrics.ObserveLocation(source, "error")
		return model.Location{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	s.metrics.ObserveLocation(source, "accepted")
	if s.out != nil {
		SendNonBlocking(ctx, s.out, loc, s.logger)
	}
	return loc, nil
}

func (s *Sink) isDuplicate(loc model.Location, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return s.recent.Redelivered(loc, time.Now().UTC(), window)
}

func SendNonBlocking(ctx context.Context, out chan<- model.Location, loc model.Location, logger *slog.Logger) bool {
	select {
	case out <- loc:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("location channel full, dropping location", "identity", loc.Identity, "timestamp", loc.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// acceptLine parses one text line and feeds it to the sink. Blank and header
// lines are skipped.
func acceptLine(ctx context.Context, sink *Sink, parser *Parser, source, line string, logger *slog.Logger) {
	fields, err := parser.ParseLine(line)
	if err != nil {
		if logger != nil {
			logger.Warn("location parse error", "source", source, "err", err)
		}
		return
	}
	if fields == nil {
		return
	}
	_, _ = sink.Accept(ctx, source, *fields)
}
