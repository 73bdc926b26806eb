package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/carepath/carepath/internal/streaming"
)

// handleSSEGlobal streams every run event to the client via Server-Sent
// Events. Intended for operational dashboards.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, filterFromQuery(r, ""))
}

// handleSSEConversation streams events for one conversation, including
// reply chunks while a turn is running.
func (s *Server) handleSSEConversation(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, filterFromQuery(r, r.PathValue("id")))
}

// filterFromQuery builds the subscription filter from the request. The
// optional "types" query param is a comma-separated event type list.
func filterFromQuery(r *http.Request, conversationID string) streaming.EventFilter {
	filter := streaming.EventFilter{
		ConversationID: conversationID,
		RunID:          r.URL.Query().Get("run_id"),
	}
	if types := r.URL.Query().Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, t)
			}
		}
	}
	return filter
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
