package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atabot/ragengine/internal/syncpipeline"
	"github.com/atabot/ragengine/pkg/models"
)

// syncRequest is the unified body for POST /sync: full-schema sync when
// Table is empty, a single-table sync when it's set, and force_full
// overriding incremental mode either way.
type syncRequest struct {
	Schema    string   `json:"schema"`
	Tables    []string `json:"tables"`
	Table     string   `json:"table"`
	Mode      string   `json:"mode"`
	ForceFull bool     `json:"force_full"`
}

// handleSync implements POST /sync. Full-schema syncs are cooldown-gated
// since they page through every row of every table.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Schema == "" {
		writeError(w, http.StatusBadRequest, "schema is required")
		return
	}

	mode := syncpipeline.ModeIncremental
	if req.Mode == string(syncpipeline.ModeFull) || req.ForceFull {
		mode = syncpipeline.ModeFull
	}

	if req.Table != "" {
		jobID, err := s.pipeline.SyncTable(r.Context(), req.Schema, req.Table, mode)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": []string{jobID}})
		return
	}

	if !s.syncLimiter.allow() {
		writeError(w, http.StatusTooManyRequests, "sync already in progress, try again shortly")
		return
	}

	jobIDs, err := s.pipeline.SyncSchema(r.Context(), req.Schema, req.Tables, mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": jobIDs})
}

// realtimeChangeRequest is the body for POST /sync/realtime: one captured
// row change, fed by an external change-data-capture trigger.
type realtimeChangeRequest struct {
	Schema string                 `json:"schema"`
	Table  string                 `json:"table"`
	Op     string                 `json:"op"`
	Row    map[string]interface{} `json:"row"`
}

// handleSyncRealtime implements POST /sync/realtime, funnelling a single
// row change through the same render/embed/upsert path the bulk sync
// uses.
func (s *Service) handleSyncRealtime(w http.ResponseWriter, r *http.Request) {
	if !s.realtimeEnabled {
		writeError(w, http.StatusNotFound, "realtime sync is disabled")
		return
	}
	var req realtimeChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Schema == "" || req.Table == "" || len(req.Row) == 0 {
		writeError(w, http.StatusBadRequest, "schema, table and row are required")
		return
	}
	if err := s.pipeline.ProcessRealtimeChange(r.Context(), req.Schema, req.Table, req.Op, req.Row); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncStatus implements GET /sync/status?schema=&table=.
func (s *Service) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	table := r.URL.Query().Get("table")
	if schema == "" || table == "" {
		writeError(w, http.StatusBadRequest, "schema and table query parameters are required")
		return
	}

	status, ok, err := s.registry.GetSyncStatus(r.Context(), schema, table)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no sync status recorded")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// jobResponse flattens a job with its computed completion percentage.
func jobResponse(job *models.SyncJob) map[string]any {
	return map[string]any{
		"job":        job,
		"percentage": job.Percentage(),
	}
}

// handleListSyncJobs implements GET /sync/jobs.
func (s *Service) handleListSyncJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.pipeline.ListJobs()
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleGetSyncJob implements GET /sync/jobs/{id}.
func (s *Service) handleGetSyncJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.pipeline.JobStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

type clearCacheRequest struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// handleClearSyncCache implements DELETE /sync/cache.
func (s *Service) handleClearSyncCache(w http.ResponseWriter, r *http.Request) {
	var req clearCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Schema == "" {
		writeError(w, http.StatusBadRequest, "schema is required")
		return
	}
	if err := s.pipeline.ClearCache(r.Context(), req.Schema, req.Table); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
