package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/cors"

	"aegis/internal/config"
	"aegis/internal/normalize"
	"aegis/internal/storage"
)

const (
	msgMissingAuth   = "Missing authorization header"
	msgInvalidKey    = "Invalid API key"
	msgInvalidJSON   = "Invalid JSON body"
	msgNotNumeric    = "Invalid location data. Latitude and longitude must be numbers."
	msgOutOfRange    = "Invalid coordinates. Latitude must be between -90 and 90, longitude between -180 and 180."
	msgUpdated       = "Location updated successfully"
	msgNoLocation    = "No location data available"
	msgNotAllowed    = "Method not allowed"
	msgInternalError = "Internal server error"
)

type RESTServer struct {
	cfg    *config.Manager
	sink   *Sink
	tokens atomic.Pointer[TokenSet]
	logger *slog.Logger
}

func NewRESTServer(cfg *config.Manager, sink *Sink, logger *slog.Logger) *RESTServer {
	s := &RESTServer{cfg: cfg, sink: sink, logger: logger}
	s.UpdateConfig(cfg.Get())
	return s
}

// UpdateConfig swaps the accepted tokens.
func (s *RESTServer) UpdateConfig(cfg *config.Config) {
	s.tokens.Store(buildTokenSet(cfg.Ingest.REST))
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/location", s.handleLocation)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	origins := s.cfg.Get().Ingest.REST.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})(mux)
}

func StartREST(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) (*RESTServer, *http.Server) {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil, nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	if current.APIKey == "" && len(current.IdentityTokens) == 0 && logger != nil {
		logger.Warn("rest ingest has no api key configured, every report will be rejected", "env", config.EnvLocationAPIKey)
	}
	server := NewRESTServer(cfg, sink, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return server, httpServer
}

func (s *RESTServer) handleLocation(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": msgNotAllowed})
	}
}

func (s *RESTServer) handlePost(w http.ResponseWriter, r *http.Request) {
	pinned, err := s.tokens.Load().AuthorizeRequest(r)
	if err != nil {
		msg := msgInvalidKey
		if errors.Is(err, ErrMissingHeader) {
			msg = msgMissingAuth
		}
		s.sink.metrics.ObserveLocation("rest", "unauthorized")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msg})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidJSON})
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidJSON})
		return
	}
	fields, err := ParseJSONBytes(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidJSON})
		return
	}
	if pinned != "" {
		fields.Identity = pinned
	}
	loc, err := s.sink.Accept(r.Context(), "rest", *fields)
	switch {
	case err == nil, errors.Is(err, ErrDuplicate):
	case errors.Is(err, normalize.ErrNotNumeric):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgNotNumeric})
		return
	case errors.Is(err, normalize.ErrLatitudeRange), errors.Is(err, normalize.ErrLongitudeRange):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgOutOfRange})
		return
	case errors.Is(err, ErrStore):
		if s.logger != nil {
			s.logger.Error("location update failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msgInternalError})
		return
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": msgUpdated,
		"data": map[string]float64{
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
		},
	})
}

func (s *RESTServer) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	loc, err := s.sink.Store().LatestLocation(r.Context(), identity)
	if errors.Is(err, storage.ErrNoLocation) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": msgNoLocation})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msgInternalError})
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
