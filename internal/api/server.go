package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aegis/internal/config"
	"aegis/internal/events"
	"aegis/internal/metrics"
	"aegis/internal/model"
	"aegis/internal/selection"
	"aegis/internal/viewport"
)

type EntitySource interface {
	Entities() []model.Entity
	Entity(id string) (model.Entity, bool)
}

type EngineControl interface {
	Reset()
	Stopped() bool
}

type Deps struct {
	Config    *config.Manager
	Entities  EntitySource
	Engine    EngineControl
	Sync      *viewport.Synchronizer
	Primary   *viewport.Scene
	Overview  *viewport.Scene
	Selection *selection.Bridge
	Feed      *events.Store
	Metrics   *metrics.Recorder
	Hub       *Hub
	Logger    *slog.Logger
	Version   string
	// OnConfig is called with the config stored by PUT /admin/config.
	OnConfig func(*config.Config)
}

type Server struct {
	cfg       *config.Manager
	entities  EntitySource
	engine    EngineControl
	sync      *viewport.Synchronizer
	primary   *viewport.Scene
	overview  *viewport.Scene
	selection *selection.Bridge
	feed      *events.Store
	metrics   *metrics.Recorder
	hub       *Hub
	logger    *slog.Logger
	version   string
	onConfig  func(*config.Config)
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Mode       string           `json:"mode"`
	Entities   int              `json:"entities"`
	LastTick   model.TickStats  `json:"last_tick"`
	Engine     *engineStatus    `json:"engine,omitempty"`
	Viewports  viewportStatus   `json:"viewports"`
	Ingest     ingestStatus     `json:"ingest"`
	API        apiStatus        `json:"api"`
	Stream     streamStatus     `json:"stream"`
	Selection  *selectionStatus `json:"selection,omitempty"`
}

type engineStatus struct {
	Running bool `json:"running"`
}

type viewportStatus struct {
	Ready        bool `json:"ready"`
	PendingMove  bool `json:"pending_move"`
	PendingQueue int  `json:"pending_queue"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type streamStatus struct {
	Clients int `json:"clients"`
}

type selectionStatus struct {
	Selected  bool          `json:"selected"`
	ID        string        `json:"id,omitempty"`
	Available bool          `json:"available"`
	Entity    *model.Entity `json:"entity,omitempty"`
	Event     *model.Event  `json:"event,omitempty"`
}

type overviewResponse struct {
	viewport.SceneState
	LastCommand *viewport.OverviewCommand `json:"last_command,omitempty"`
}

type primaryMoveRequest struct {
	model.Viewport
	Width  int `json:"width"`
	Height int `json:"height"`
}

func New(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		entities:  d.Entities,
		engine:    d.Engine,
		sync:      d.Sync,
		primary:   d.Primary,
		overview:  d.Overview,
		selection: d.Selection,
		feed:      d.Feed,
		metrics:   d.Metrics,
		hub:       d.Hub,
		logger:    d.Logger,
		version:   d.Version,
		onConfig:  d.OnConfig,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/entities", s.handleEntities)
	mux.HandleFunc("/entities/{id}", s.handleEntity)
	mux.HandleFunc("/entities/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("/entities/{id}/event", s.handleRepresentativeEvent)
	mux.HandleFunc("/selection", s.handleSelection)
	mux.HandleFunc("/viewport/primary", s.handlePrimary)
	mux.HandleFunc("/viewport/overview", s.handleOverview)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/config", s.handleConfig)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		mux.Handle("/stream", s.hub)
	}
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, server *Server, logger *slog.Logger) *http.Server {
	if cfg == nil || server == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
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
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg := s.config()
	resp := statusResponse{
		Status:   "ok",
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Version:  s.version,
		Mode:     cfg.Simulation.Mode,
		Entities: len(s.entityList()),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if s.cfg != nil {
		resp.ConfigPath = s.cfg.Path()
	}
	if s.metrics != nil {
		resp.LastTick = s.metrics.Last()
	}
	if s.engine != nil && cfg.Simulation.Mode != "tracker" {
		resp.Engine = &engineStatus{Running: !s.engine.Stopped()}
	}
	if s.sync != nil {
		move, queued := s.sync.Pending()
		resp.Viewports = viewportStatus{Ready: s.sync.Ready(), PendingMove: move, PendingQueue: queued}
	}
	if s.hub != nil {
		resp.Stream.Clients = s.hub.Clients()
	}
	if s.selection != nil {
		sel := s.selectionState()
		resp.Selection = &sel
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list := s.entityList()
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": list,
		"count":    len(list),
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ent, ok := s.entity(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ent, ok := s.entity(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	q := r.URL.Query()
	start, err := queryInt(q.Get("start"), 0)
	if err != nil || start < 0 {
		writeError(w, http.StatusBadRequest, "invalid start")
		return
	}
	limit, err := queryInt(q.Get("limit"), s.config().Events.PageSize)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	writeJSON(w, http.StatusOK, selection.Timeline(ent.Events, start, limit))
}

func (s *Server) handleRepresentativeEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ent, ok := s.entity(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	ev, ok := selection.RepresentativeEvent(ent)
	if !ok {
		writeError(w, http.StatusNotFound, "entity has no events")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) selectionState() selectionStatus {
	id, selected := s.selection.Selected()
	if !selected {
		return selectionStatus{}
	}
	st := selectionStatus{Selected: true, ID: id}
	if s.entities == nil {
		return st
	}
	ent, ok := s.selection.Resolve(s.entities)
	if !ok {
		return st
	}
	st.Available = true
	st.Entity = &ent
	if ev, ok := selection.RepresentativeEvent(ent); ok {
		st.Event = &ev
	}
	return st
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	if s.selection == nil {
		writeError(w, http.StatusNotFound, "selection unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.ID) == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		s.selection.Select(strings.TrimSpace(req.ID))
	case http.MethodDelete:
		s.selection.Clear()
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.selectionState())
}

func (s *Server) handlePrimary(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if s.primary == nil {
			writeError(w, http.StatusNotFound, "viewport unavailable")
			return
		}
		writeJSON(w, http.StatusOK, s.primary.State())
	case http.MethodPost:
		if s.sync == nil {
			writeError(w, http.StatusNotFound, "viewport unavailable")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		var req primaryMoveRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid viewport")
			return
		}
		vp := req.Viewport
		if vp.Bounds == (model.Bounds{}) && req.Width > 0 && req.Height > 0 {
			vp.Bounds = viewport.BoundsFor(vp.Center, vp.Zoom, req.Width, req.Height)
		}
		cmd, err := s.sync.OnPrimaryMove(vp)
		switch {
		case errors.Is(err, viewport.ErrNotReady):
			writeError(w, http.StatusConflict, "viewport bounds not available")
		case errors.Is(err, viewport.ErrDisposed):
			writeError(w, http.StatusServiceUnavailable, "viewport closed")
		case err != nil:
			if s.logger != nil {
				s.logger.Error("primary move failed", "err", err)
			}
			writeError(w, http.StatusInternalServerError, "viewport update failed")
		case cmd.Deferred:
			writeJSON(w, http.StatusAccepted, cmd)
		default:
			writeJSON(w, http.StatusOK, cmd)
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.overview == nil {
		writeError(w, http.StatusNotFound, "viewport unavailable")
		return
	}
	resp := overviewResponse{SceneState: s.overview.State()}
	if s.sync != nil {
		if cmd, ok := s.sync.LastCommand(); ok {
			resp.LastCommand = &cmd
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents serves the cross-entity feed. entity narrows it to one
// entity and order=newest reverses it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	query := events.Query{EntityID: strings.TrimSpace(q.Get("entity"))}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Limit = n
		}
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		query.Since = ts
	}
	switch q.Get("order") {
	case "", "oldest":
	case "newest":
		query.NewestFirst = true
	default:
		writeError(w, http.StatusBadRequest, "invalid order")
		return
	}
	list := []model.FeedEvent{}
	if s.feed != nil {
		list = s.feed.Find(query)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

// handleReset restarts the session: the batch is regenerated from config and
// markers are redrawn. The feed is kept; /admin/clear empties it.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	if s.sync != nil {
		if err := s.sync.RefreshEntities(); err != nil && s.logger != nil {
			s.logger.Warn("marker refresh after reset failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleConfig reads the current config with credentials redacted, or
// applies a partial JSON patch to it.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusNotFound, "config unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Get().Redacted())
	case http.MethodPut, http.MethodPatch:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		next, err := s.cfg.Patch(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.onConfig != nil {
			s.onConfig(next)
		}
		writeJSON(w, http.StatusOK, next.Redacted())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.feed != nil {
			s.feed.Clear()
		}
		if s.selection != nil {
			s.selection.Clear()
		}
	case "events":
		if s.feed != nil {
			s.feed.Clear()
		}
	case "selection":
		if s.selection != nil {
			s.selection.Clear()
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) config() *config.Config {
	if s.cfg == nil {
		return config.DefaultConfig()
	}
	return s.cfg.Get()
}

func (s *Server) entityList() []model.Entity {
	if s.entities == nil {
		return []model.Entity{}
	}
	if list := s.entities.Entities(); list != nil {
		return list
	}
	return []model.Entity{}
}

func (s *Server) entity(id string) (model.Entity, bool) {
	if s.entities == nil {
		return model.Entity{}, false
	}
	return s.entities.Entity(id)
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
