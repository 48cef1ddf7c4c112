// Package server is the operator HTTP surface: health, metrics, a live
// audit stream, and token-guarded triggers for the background jobs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/lastsignal/internal/backup"
	"github.com/dukerupert/lastsignal/internal/checkin"
	"github.com/dukerupert/lastsignal/internal/maintenance"
	"github.com/dukerupert/lastsignal/internal/middleware"
	"github.com/dukerupert/lastsignal/internal/store"
	ws "github.com/dukerupert/lastsignal/internal/websocket"
)

type Server struct {
	db        *sqlx.DB
	hub       *ws.Hub
	scheduler *checkin.Scheduler
	janitor   *maintenance.Janitor
	backups   *backup.Manager
	history   *store.BackupStore

	opsToken    string
	origins     []string
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// Deps are the running components the server exposes.
type Deps struct {
	DB        *sqlx.DB
	Hub       *ws.Hub
	Scheduler *checkin.Scheduler
	Janitor   *maintenance.Janitor
	Backups   *backup.Manager
}

// New builds the server. An empty opsToken leaves /ops unmounted. origins
// are the websocket origin patterns allowed on /ops/events.
func New(deps Deps, opsToken string, origins []string, clock clockwork.Clock, logger *slog.Logger) *Server {
	return &Server{
		db:          deps.DB,
		hub:         deps.Hub,
		scheduler:   deps.Scheduler,
		janitor:     deps.Janitor,
		backups:     deps.Backups,
		history:     store.NewBackupStore(deps.DB),
		opsToken:    opsToken,
		origins:     origins,
		rateLimiter: middleware.NewRateLimiter(10, time.Minute, clock),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(s.logger.With("component", "http")))

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	if s.opsToken != "" {
		r.Route("/ops", func(r chi.Router) {
			r.Use(middleware.RequireToken(s.opsToken, s.rateLimiter))
			r.Post("/scheduler/run", s.runScheduler)
			r.Post("/maintenance/sweep", s.sweep)
			r.Get("/backups", s.listBackups)
			r.Post("/backups", s.runBackup)
			r.Get("/backups/status", s.backupStatus)
			r.Get("/events", ws.HandleEvents(s.hub, s.logger.With("component", "websocket"), s.origins))
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "websocket_clients": s.hub.ClientCount()})
}

func (s *Server) runScheduler(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("scheduler pass via ops failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scheduler pass failed")
		return
	}
	if report.Skipped {
		writeJSON(w, http.StatusConflict, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.janitor.Sweep(r.Context())
	if err != nil {
		s.logger.Error("maintenance sweep via ops failed", "error", err)
		writeError(w, http.StatusInternalServerError, "maintenance sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	list, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "list backups failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) runBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.backups.RunNow(r.Context())
	if errors.Is(err, backup.ErrDisabled) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("backup via ops failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) backupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backups.Status())
}
