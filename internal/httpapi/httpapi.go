// Package httpapi exposes the monitored alarm systems over a small JSON API.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/state"
	"github.com/trymwestin/simplisafe/internal/core/system"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// eventsLimit caps the n query parameter of the events endpoint.
const eventsLimit = 50

// Systems resolves systems for commands and republishes them afterwards.
type Systems interface {
	System(id int64) (*system.System, bool)
	Publish(sys *system.System)
	Poke()
}

// Server is the HTTP API server.
type Server struct {
	systems Systems
	store   state.StateReader
	corsAll bool
	limiter *rate.Limiter
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server. Commands that reach the cloud are
// limited to cfg.CommandRate per second with a burst of cfg.CommandBurst.
func NewServer(cfg config.HTTPConfig, systems Systems, store state.StateReader, log *slog.Logger) *Server {
	limit := rate.Inf
	if cfg.CommandRate > 0 {
		limit = rate.Limit(cfg.CommandRate)
	}
	burst := cfg.CommandBurst
	if burst <= 0 {
		burst = 1
	}
	s := &Server{
		systems: systems,
		store:   store,
		corsAll: cfg.CORSAll,
		limiter: rate.NewLimiter(limit, burst),
		log:     logging.OrDiscard(log),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/systems", s.handleGetSystems)
	s.mux.HandleFunc("GET /api/systems/{id}", s.handleGetSystem)
	s.mux.HandleFunc("GET /api/systems/{id}/settings", s.handleGetSettings)
	s.mux.HandleFunc("GET /api/systems/{id}/events", s.limited(s.handleGetEvents))

	s.mux.HandleFunc("POST /api/systems/{id}/state", s.limited(s.handleSetState))
	s.mux.HandleFunc("POST /api/systems/{id}/locks/{serial}", s.limited(s.handleSetLock))
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

// limited rejects requests over the command rate with 429.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "too many commands, slow down")
			return
		}
		next(w, r)
	}
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.writeJSONCode(w, http.StatusOK, v)
}

func (s *Server) writeJSONCode(w http.ResponseWriter, code int, v interface{}) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// commandError reports a failed cloud call.
func (s *Server) commandError(w http.ResponseWriter, err error) {
	if errors.Is(err, system.ErrUnsupported) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeError(w, http.StatusBadGateway, err.Error())
}

// lookup resolves the {id} path value to a monitored system.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*system.System, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid system id")
		return nil, false
	}
	sys, ok := s.systems.System(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown system")
		return nil, false
	}
	return sys, true
}

// --- Handlers ---

type statusResponse struct {
	Connected bool       `json:"connected"`
	Since     *time.Time `json:"since,omitempty"`
	Systems   int        `json:"systems"`
	LastEvent any        `json:"last_event,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	resp := statusResponse{
		Connected: snap.Stream.Connected,
		Systems:   len(snap.Systems),
	}
	if !snap.Stream.Since.IsZero() {
		since := snap.Stream.Since
		resp.Since = &since
	}
	if snap.LastEvent != nil {
		resp.LastEvent = snap.LastEvent
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleGetSystems(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{"systems": s.store.Snapshot().Systems})
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid system id")
		return
	}
	sys, ok := s.store.System(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown system")
		return
	}
	s.writeJSON(w, sys)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	sys, ok := s.lookup(w, r)
	if !ok {
		return
	}
	settings, ok := sys.Settings()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no settings for this system")
		return
	}
	s.writeJSON(w, settings)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	sys, ok := s.lookup(w, r)
	if !ok {
		return
	}

	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > eventsLimit {
			s.writeError(w, http.StatusBadRequest, "n must be 1-50")
			return
		}
		n = v
	}

	events, err := sys.GetEvents(r.Context(), time.Time{}, n)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "failed to fetch events: "+err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{"events": events})
}

type stateBody struct {
	State string `json:"state"`
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	sys, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body stateBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	target := system.State(strings.ToLower(strings.TrimSpace(body.State)))
	switch target {
	case system.StateAway, system.StateHome, system.StateOff:
	default:
		s.writeError(w, http.StatusBadRequest, "state must be away, home or off")
		return
	}

	if err := sys.SetState(r.Context(), target); err != nil {
		s.log.Error("failed to set alarm state", "system_id", sys.ID(), "state", target, "error", err)
		s.commandError(w, err)
		return
	}
	s.systems.Publish(sys)
	s.writeJSON(w, map[string]string{"status": "ok", "state": string(sys.State())})
}

type lockBody struct {
	Locked *bool `json:"locked"`
}

func (s *Server) handleSetLock(w http.ResponseWriter, r *http.Request) {
	sys, ok := s.lookup(w, r)
	if !ok {
		return
	}
	lock, ok := sys.Lock(r.PathValue("serial"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown lock")
		return
	}
	var body lockBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Locked == nil {
		s.writeError(w, http.StatusBadRequest, "locked is required")
		return
	}

	var err error
	if *body.Locked {
		err = lock.Lock(r.Context())
	} else {
		err = lock.Unlock(r.Context())
	}
	if err != nil {
		s.log.Error("failed to set lock state", "serial", lock.Serial(), "error", err)
		s.commandError(w, err)
		return
	}
	s.systems.Publish(sys)
	s.writeJSON(w, map[string]string{"status": "ok", "state": lock.State().String()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.systems.Poke()
	s.writeJSONCode(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
