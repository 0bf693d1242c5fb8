package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListSchemas implements GET /schemas.
func (s *Service) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.registry.ListSchemas(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": schemas})
}

// handleAnalyzeSchema implements POST /schemas/{name}/analyze.
func (s *Service) handleAnalyzeSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	schema, err := s.pipeline.AnalyzeSchema(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

type activateRequest struct {
	Active bool `json:"active"`
}

// handleActivateSchema implements POST /schemas/{name}/activate.
func (s *Service) handleActivateSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	active := true
	var req activateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			active = req.Active
		}
	}

	if err := s.pipeline.ActivateSchema(r.Context(), name, active); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": name, "active": active})
}

// handleListSchemaTables implements GET /schemas/{name}/tables.
func (s *Service) handleListSchemaTables(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tables, err := s.pipeline.ListTables(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": name, "tables": tables})
}

// handleSchemaStatistics implements GET /schemas/{name}/statistics: per-
// table rows_synced counts from each table's sync status, alongside the registered
// ManagedSchema's bookkeeping fields.
func (s *Service) handleSchemaStatistics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	schema, found, err := s.registry.GetSchema(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "schema not registered")
		return
	}

	tableCounts := make(map[string]int64, len(schema.LearnedPatterns))
	for table := range schema.LearnedPatterns {
		status, ok, err := s.registry.GetSyncStatus(r.Context(), name, table)
		if err != nil || !ok {
			continue
		}
		tableCounts[table] = int64(status.RowsSynced)
	}

	body := map[string]any{
		"schema":        schema,
		"rows_by_table": tableCounts,
	}
	if s.stale != nil {
		staleCount, err := s.stale.CountStale(r.Context(), name)
		if err == nil {
			body["embedding_model"] = s.stale.ModelVersion()
			body["stale_vectors"] = staleCount
			body["needs_rebuild"] = staleCount > 0
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSchemaRelationships implements GET /schemas/{name}/relationships:
// the foreign-key-shaped hints the chat orchestrator's join-planning
// branch relies on (singular-table-name + "_id" heuristic).
func (s *Service) handleSchemaRelationships(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	schema, found, err := s.registry.GetSchema(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "schema not registered")
		return
	}

	type relationship struct {
		Table      string `json:"table"`
		PrimaryKey string `json:"primary_key"`
	}
	rels := make([]relationship, 0, len(schema.LearnedPatterns))
	for table, pattern := range schema.LearnedPatterns {
		rels = append(rels, relationship{Table: table, PrimaryKey: pattern.PrimaryKey})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": name, "tables": rels})
}

// handleDeleteSchema implements DELETE /schemas/{name}.
func (s *Service) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.DeleteSchema(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
