package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/store"
)

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	status, err := s.eng.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": status})
}

func (s *Server) handleSetCapacity(w http.ResponseWriter, r *http.Request) {
	tierID := chi.URLParam(r, "tierID")

	var req struct {
		Capacity      string `json:"capacity"`
		CapacityBytes *int64 `json:"capacity_bytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var capacity int64
	switch {
	case req.CapacityBytes != nil:
		capacity = *req.CapacityBytes
	case req.Capacity != "":
		n, err := humanize.ParseBytes(req.Capacity)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("parse capacity: %v", err))
			return
		}
		capacity = int64(n)
	default:
		writeError(w, http.StatusBadRequest, "capacity or capacity_bytes required")
		return
	}

	if _, ok := s.eng.Tiers.Get(tierID); !ok {
		writeError(w, http.StatusNotFound, "unknown tier")
		return
	}
	if err := s.eng.Tiers.SetCapacity(tierID, capacity); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("tier capacity changed", zap.String("tier", tierID), zap.Int64("capacity", capacity))

	t, _ := s.eng.Tiers.Get(tierID)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecordID   string `json:"record_id"`
		EntityType string `json:"entity_type"`
		Content    []byte `json:"content"` // base64 in JSON
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.EntityType == "" {
		writeError(w, http.StatusBadRequest, "entity_type required")
		return
	}

	env, err := s.eng.Ingest(r.Context(), req.RecordID, req.EntityType, req.Content)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	env, err := s.eng.DB.GetEnvelope(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if env == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	env, content, err := s.eng.Syncer.Fetch(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Tier", env.CurrentTierID)
	w.Header().Set("X-Checksum", env.ContentChecksum)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Write(content)
}

func (s *Server) handleRecordLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.eng.DB.RecordLog(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.To == "" {
		core, ok := s.eng.Tiers.Core()
		if !ok {
			writeError(w, http.StatusBadRequest, "to required")
			return
		}
		req.To = core.ID
	}

	job, err := s.eng.Restore(r.Context(), chi.URLParam(r, "recordID"), req.To)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already in " + req.To})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.eng.DB.ListJobs(r.Context(), store.JobFilter{
		RecordID: q.Get("record"),
		State:    model.JobState(q.Get("state")),
		Limit:    queryInt(r, "limit", 100),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(jobs), "jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.eng.DB.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.eng.DB.JobLog(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.eng.DB.ListSweeps(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sweeps": sweeps})
}

// handleSweep runs a sweep synchronously. ?tier= runs an emergency sweep
// of that tier instead of a full one.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var (
		report *model.SweepReport
		err    error
	)
	if tierID := r.URL.Query().Get("tier"); tierID != "" {
		if _, ok := s.eng.Tiers.Get(tierID); !ok {
			writeError(w, http.StatusNotFound, "unknown tier")
			return
		}
		report, err = s.eng.Scheduler.SweepTier(r.Context(), tierID)
	} else {
		report, err = s.eng.Scheduler.Sweep(r.Context(), model.SweepManual)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	status := "queued"
	if !s.eng.Scheduler.Trigger() {
		status = "already queued"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	unacked := r.URL.Query().Get("unacked") == "true"
	alerts, err := s.eng.DB.ListAlerts(r.Context(), unacked, queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	ok, err := s.eng.DB.AckAlert(r.Context(), id, s.eng.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found or already acknowledged")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.eng.DB.ListPolicies(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	stats, err := s.eng.Stats(r.Context(), window)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"success_rate": stats.SuccessRate(),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	fix := r.URL.Query().Get("fix") == "true"
	report, err := s.eng.Reconcile(r.Context(), fix)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
