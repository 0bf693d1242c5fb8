package httpapi

import (
	"net/http"

	dbgorm "github.com/atabot/ragengine/internal/db/gorm"
	"github.com/atabot/ragengine/internal/search"
)

// defaultSearchLimit is top_k when the caller doesn't supply one.
const defaultSearchLimit = 10

// handleSearch implements GET /search: hybrid search exposed directly,
// outside the chat orchestrator's sub-query dispatch.
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	schema := q.Get("schema")
	if query == "" || schema == "" {
		writeError(w, http.StatusBadRequest, "query and schema are required")
		return
	}

	results, err := s.search.Search(r.Context(), search.Params{
		Query:  query,
		Schema: schema,
		Table:  q.Get("table"),
		TopK:   dbgorm.ParseLimitParamWithMax(r, defaultSearchLimit, 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleSearchSimilar implements GET /search/similar: nearest
// neighbours of a stored row, given its own id.
func (s *Service) handleSearchSimilar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	schema := q.Get("schema")
	id := q.Get("id")
	if schema == "" || id == "" {
		writeError(w, http.StatusBadRequest, "schema and id are required")
		return
	}

	results, err := s.search.FindSimilar(r.Context(), schema, id, dbgorm.ParseLimitParamWithMax(r, defaultSearchLimit, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleSearchSuggest implements GET /search/suggest: autocomplete
// suggestions over stored content, optional and non-critical-path.
func (s *Service) handleSearchSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	schema := q.Get("schema")
	partial := q.Get("query")
	if schema == "" || partial == "" {
		writeError(w, http.StatusBadRequest, "schema and query are required")
		return
	}

	suggestions, err := s.search.GetSearchSuggestions(r.Context(), schema, partial, dbgorm.ParseLimitParamWithMax(r, defaultSearchLimit, 25))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}
