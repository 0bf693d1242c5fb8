package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/atabot/ragengine/internal/chat"
)

// chatRequest is the wire shape of POST /chat and /chat/stream.
type chatRequest struct {
	Query          string `json:"query"`
	SessionID      string `json:"session_id"`
	Schema         string `json:"schema"`
	TableHint      string `json:"table_hint"`
	TopK           int    `json:"top_k"`
	IncludeSources bool   `json:"include_sources"`
}

func decodeChatRequest(r *http.Request) (chat.Request, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chat.Request{}, err
	}
	return chat.Request{
		Query:          req.Query,
		SessionID:      req.SessionID,
		Schema:         req.Schema,
		TableHint:      req.TableHint,
		TopK:           req.TopK,
		IncludeSources: req.IncludeSources,
	}, nil
}

func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyQuery), errors.Is(err, chat.ErrQueryTooLong):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNoActiveSchema):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleChat implements POST /chat.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.orchestrator.Process(r.Context(), req)
	if err != nil {
		log.Warn().Err(err).Msg("httpapi: chat request failed")
		writeError(w, chatErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream implements POST /chat/stream. The orchestrator answers
// in one shot, so
// this publishes start immediately, then content/sources/complete once
// Process returns — still the bounded-producer-channel shape the
// REDESIGN FLAGS call for, with cancellation wired to request context.
func (s *Service) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if !s.streamingEnabled {
		writeError(w, http.StatusNotFound, "streaming is disabled")
		return
	}
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events := make(chan StreamEvent, 4)
	ctx := r.Context()

	go func() {
		defer close(events)

		select {
		case events <- StreamEvent{Type: EventStart}:
		case <-ctx.Done():
			return
		}

		resp, err := s.orchestrator.Process(ctx, req)
		if err != nil {
			select {
			case events <- StreamEvent{Type: EventError, Error: err.Error()}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case events <- StreamEvent{Type: EventContent, Content: resp.Answer}:
		case <-ctx.Done():
			return
		}

		if req.IncludeSources && len(resp.Sources) > 0 {
			select {
			case events <- StreamEvent{Type: EventSources, Sources: resp.Sources}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case events <- StreamEvent{Type: EventComplete, Done: true}:
		case <-ctx.Done():
		}
	}()

	streamChatEvents(w, r, events)
}

// handleGetChatHistory implements GET /chat/history/{sessionID}.
func (s *Service) handleGetChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.orchestrator.Sessions().Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    sess.ID,
		"active_schema": sess.ActiveSchema,
		"history":       sess.History,
	})
}

// handleDeleteChatHistory implements DELETE /chat/history/{sessionID}.
func (s *Service) handleDeleteChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s.orchestrator.Sessions().Delete(sessionID)
	w.WriteHeader(http.StatusNoContent)
}
