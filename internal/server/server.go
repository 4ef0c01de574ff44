package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/engine"
	"github.com/lazypower/tierkeeper/internal/store"
	"github.com/lazypower/tierkeeper/internal/syncer"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// Server is the tierkeeper admin HTTP API.
type Server struct {
	eng     *engine.Engine
	router  chi.Router
	log     *zap.Logger
	version string
	started time.Time
}

// New creates a Server over a running engine.
func New(eng *engine.Engine, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		eng:     eng,
		log:     logger.Named("http"),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)

	r.Handle("/metrics", s.eng.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/tiers", s.handleTiers)
		r.Put("/tiers/{tierID}/capacity", s.handleSetCapacity)

		r.Post("/records", s.handleIngest)
		r.Get("/records/{recordID}", s.handleGetRecord)
		r.Get("/records/{recordID}/content", s.handleGetContent)
		r.Get("/records/{recordID}/log", s.handleRecordLog)
		r.Post("/records/{recordID}/restore", s.handleRestore)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/log", s.handleJobLog)

		r.Get("/sweeps", s.handleListSweeps)
		r.Post("/sweeps", s.handleSweep)
		r.Post("/sweeps/trigger", s.handleTrigger)

		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{alertID}/ack", s.handleAckAlert)

		r.Get("/policies", s.handleListPolicies)
		r.Get("/stats", s.handleStats)
		r.Post("/reconcile", s.handleReconcile)
	})

	s.router = r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.eng.DB.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.eng.DB.Path,
		"tiers":   len(s.eng.Tiers.List()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncer.ErrUnknownRecord):
		status = http.StatusNotFound
	case errors.Is(err, syncer.ErrWrongSourceTier), errors.Is(err, syncer.ErrSameTier), errors.Is(err, store.ErrActiveJob),
		errors.Is(err, engine.ErrRecordExists):
		status = http.StatusConflict
	case errors.Is(err, tier.ErrCapacityExceeded):
		status = http.StatusInsufficientStorage
	}
	writeError(w, status, err.Error())
}
