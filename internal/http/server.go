// Package httpserver exposes the coordinator's API: device
// registration, profile upload, cycle status and per-device strategy
// queries, plus health and metrics endpoints.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/metrics"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/registry"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/sched"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/strategy"
)

// LoopStatus exposes the subset of the orchestrator used by the status
// endpoint. A small interface keeps the router testable without a
// running cycle loop.
type LoopStatus interface {
	Status() sched.State
}

// Server holds the handler dependencies.
type Server struct {
	roster     *registry.Roster
	clock      *cycle.Clock
	store      *cycle.Store
	strategies *strategy.MemoryStore
	loop       LoopStatus
	health     *HealthState
	log        *slog.Logger
}

// NewRouter wires all HTTP routes exposed by the coordinator.
func NewRouter(logger *slog.Logger, health *HealthState, roster *registry.Roster, clock *cycle.Clock, store *cycle.Store, strategies *strategy.MemoryStore, loop LoopStatus) *mux.Router {
	s := &Server{
		roster:     roster,
		clock:      clock,
		store:      store,
		strategies: strategies,
		loop:       loop,
		health:     health,
		log:        logger.With(slog.String("component", "http")),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/devices", s.registerDevice).Methods(http.MethodPost)
	r.HandleFunc("/api/device/upload", s.uploadProfile).Methods(http.MethodPost)
	r.HandleFunc("/api/cycle/status", s.cycleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/device/strategy", s.deviceStrategy).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthLive).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.healthLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.healthReady).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

type registerRequest struct {
	OwnerName string `json:"ownerName"`
	DeviceKey string `json:"deviceKey"`
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.OwnerName = strings.TrimSpace(req.OwnerName)
	req.DeviceKey = strings.TrimSpace(req.DeviceKey)

	ownerID, err := s.roster.Register(req.OwnerName, req.DeviceKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("device_registered",
		slog.String("device", req.DeviceKey),
		slog.String("owner", ownerID),
		slog.Int("roster_size", s.roster.Devices()),
	)
	writeJSON(w, http.StatusCreated, map[string]string{
		"ownerId":   ownerID,
		"deviceKey": req.DeviceKey,
	})
}

type uploadRequest struct {
	DeviceKey string           `json:"deviceKey"`
	Profile   cycle.Submission `json:"profile"`
}

func (s *Server) uploadProfile(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.SubmissionRejected("malformed")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.DeviceKey = strings.TrimSpace(req.DeviceKey)
	if req.DeviceKey == "" {
		metrics.SubmissionRejected("invalid")
		writeError(w, http.StatusBadRequest, "deviceKey is required")
		return
	}

	id, err := s.clock.Current(time.Now())
	if err != nil {
		metrics.SubmissionRejected("not_initialized")
		writeError(w, http.StatusServiceUnavailable, "cycle loop not started yet")
		return
	}

	if err := s.store.Put(id, req.DeviceKey, req.Profile, time.Now()); err != nil {
		if errors.Is(err, cycle.ErrWindowClosed) {
			metrics.SubmissionRejected("window_closed")
			writeError(w, http.StatusForbidden, "upload window closed for cycle "+string(id))
			return
		}
		metrics.SubmissionRejected("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.SubmissionAccepted()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"cycleTime": string(id),
		"status":    string(s.store.Status(id)),
	})
}

func (s *Server) cycleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) deviceStrategy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cycleParam := strings.TrimSpace(q.Get("cycle"))
	deviceKey := strings.TrimSpace(q.Get("device"))
	if cycleParam == "" || deviceKey == "" {
		writeError(w, http.StatusBadRequest, "cycle and device are required")
		return
	}
	id := cycle.ID(cycleParam)
	if _, err := id.StartTime(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid cycle; use RFC3339")
		return
	}

	ds, err := s.strategies.DeviceStrategy(id, deviceKey)
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no strategy for this device and cycle")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) healthLive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) healthReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.health.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT_READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
