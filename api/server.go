package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"oi-watchdog/database"
	signalrepo "oi-watchdog/database/signals"
	triggerrepo "oi-watchdog/database/triggers"
	"oi-watchdog/gateway"
	"oi-watchdog/notify"
	"oi-watchdog/realtime"
	"oi-watchdog/triggers"
)

// Server exposes the operational HTTP surface: health, stats, the signal
// stream, and trigger management.
type Server struct {
	gw       *gateway.Gateway
	registry *triggers.Registry
	signals  *signalrepo.Repository
	pipeline *notify.Pipeline
	broker   *realtime.Broker

	httpServer *http.Server
}

// NewServer wires the API over the running components.
func NewServer(gw *gateway.Gateway, registry *triggers.Registry, signals *signalrepo.Repository, pipeline *notify.Pipeline, broker *realtime.Broker) *Server {
	return &Server{
		gw:       gw,
		registry: registry,
		signals:  signals,
		pipeline: pipeline,
		broker:   broker,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/stream", s.broker).Methods(http.MethodGet)

	r.HandleFunc("/api/triggers", s.handleListTriggers).Methods(http.MethodGet)
	r.HandleFunc("/api/triggers", s.handleCreateTrigger).Methods(http.MethodPost)
	r.HandleFunc("/api/triggers/{id}", s.handleDeleteTrigger).Methods(http.MethodDelete)
	r.HandleFunc("/api/signals/{symbol}", s.handleRecentSignals).Methods(http.MethodGet)

	return corsMiddleware(loggingMiddleware(r))
}

// Start begins serving on the given port. Non-blocking; errors other than
// a clean shutdown are logged.
func (s *Server) Start(port int) {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE holds the response open
	}

	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("🚀 API server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Stop shuts the server down within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.gw.ProvidersHealth()
	status := "degraded"
	for _, h := range health {
		if h.Connected {
			status = "ok"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"providers": health,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	updates, dropped := s.gw.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updates_processed": updates,
		"updates_dropped":   dropped,
		"notifications":     s.pipeline.StatsSnapshot(),
	})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	out, err := s.registry.FindByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type createTriggerRequest struct {
	UserID                   int64   `json:"user_id"`
	Direction                string  `json:"direction"`
	OIChangePercent          float64 `json:"oi_change_percent"`
	TimeIntervalMinutes      int     `json:"time_interval_minutes"`
	NotificationLimitSeconds int     `json:"notification_limit_seconds"`
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req createTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.registry.Save(triggerrepo.Spec{
		UserID:                   req.UserID,
		Direction:                req.Direction,
		OIChangePercent:          req.OIChangePercent,
		TimeIntervalMinutes:      req.TimeIntervalMinutes,
		NotificationLimitSeconds: req.NotificationLimitSeconds,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	removed, err := s.registry.Remove(id, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	hours := getIntParam(r, "hours", 24, 1, 168)

	out, err := s.signals.RecentBySymbol(symbol, hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []database.Signal{}
	}
	writeJSON(w, http.StatusOK, out)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// getIntParam reads an integer query parameter, falling back to the
// default outside [minVal, maxVal].
func getIntParam(r *http.Request, key string, defaultVal, minVal, maxVal int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < minVal || val > maxVal {
		return defaultVal
	}
	return val
}
