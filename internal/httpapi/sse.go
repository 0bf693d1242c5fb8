package httpapi

import (
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// EventType is one of the typed SSE events the chat stream emits.
type EventType string

const (
	EventStart    EventType = "start"
	EventContent  EventType = "content"
	EventSources  EventType = "sources"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent is one unit published by the chat orchestrator's streaming
// path. The transport layer serialises these, it never builds them.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Sources any       `json:"sources,omitempty"`
	Error   string    `json:"error,omitempty"`
	Done    bool      `json:"done,omitempty"`
}

// streamChatEvents writes a bounded producer channel of StreamEvents out
// as an SSE response, one `data: <json>\n\n` frame per event. Every
// request gets its own private channel rather than a shared broadcaster,
// and cancellation is just closing (or abandoning) the channel when the
// request context is done.
func streamChatEvents(w http.ResponseWriter, r *http.Request, events <-chan StreamEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("httpapi: failed to marshal stream event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == EventComplete || ev.Type == EventError {
				return
			}
		}
	}
}
