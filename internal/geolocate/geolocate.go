// Package geolocate resolves where the command center is looking: a fixed
// origin, a remote position feed, or the latest ingested device location.
// Providers never fail; they fall back to the configured default.
package geolocate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"aegis/internal/config"
	"aegis/internal/model"
	"aegis/internal/storage"
)

type Provider interface {
	Locate(ctx context.Context) model.Position
}

type Static struct {
	Position model.Position
}

func (s Static) Locate(context.Context) model.Position {
	return s.Position
}

// HTTP fetches a JSON document carrying latitude and longitude fields.
type HTTP struct {
	URL      string
	Client   *http.Client
	Fallback model.Position
	Logger   *slog.Logger
}

type remotePosition struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (h *HTTP) Locate(ctx context.Context) model.Position {
	pos, err := h.fetch(ctx)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("geolocation failed, using default", "url", h.URL, "err", err)
		}
		return h.Fallback
	}
	return pos
}

func (h *HTTP) fetch(ctx context.Context) (model.Position, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return model.Position{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return model.Position{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Position{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body remotePosition
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return model.Position{}, fmt.Errorf("decode position: %w", err)
	}
	if body.Latitude == nil || body.Longitude == nil {
		return model.Position{}, fmt.Errorf("position missing latitude or longitude")
	}
	pos := model.Position{Lat: *body.Latitude, Lng: *body.Longitude}
	if pos.Lat < -90 || pos.Lat > 90 || pos.Lng < -180 || pos.Lng > 180 {
		return model.Position{}, fmt.Errorf("position out of range: %v,%v", pos.Lat, pos.Lng)
	}
	return pos, nil
}

// Stored reads the most recent ingested location for Identity ("" for any).
type Stored struct {
	Store    storage.Store
	Identity string
	Fallback model.Position
	Logger   *slog.Logger
}

func (s *Stored) Locate(ctx context.Context) model.Position {
	if s.Store == nil {
		return s.Fallback
	}
	loc, err := s.Store.LatestLocation(ctx, s.Identity)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debug("no stored location, using default", "identity", s.Identity, "err", err)
		}
		return s.Fallback
	}
	return loc.Position()
}

// FromConfig builds the configured provider. The default position is the
// geolocation default when set, otherwise the simulation origin.
func FromConfig(cfg *config.Config, store storage.Store, logger *slog.Logger) Provider {
	fallback := DefaultPosition(cfg)
	switch cfg.Geolocation.Provider {
	case "http":
		timeout := cfg.Geolocation.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		return &HTTP{
			URL:      cfg.Geolocation.URL,
			Client:   &http.Client{Timeout: timeout},
			Fallback: fallback,
			Logger:   logger,
		}
	case "stored":
		return &Stored{Store: store, Identity: cfg.Geolocation.Identity, Fallback: fallback, Logger: logger}
	default:
		return Static{Position: fallback}
	}
}

func DefaultPosition(cfg *config.Config) model.Position {
	g := cfg.Geolocation
	if g.DefaultLat != 0 || g.DefaultLng != 0 {
		return model.Position{Lat: g.DefaultLat, Lng: g.DefaultLng}
	}
	return model.Position{Lat: cfg.Simulation.OriginLat, Lng: cfg.Simulation.OriginLng}
}
