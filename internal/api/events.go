package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/voice-sentinel/internal/session"
)

type EventsHandler struct {
	sessions *session.Registry
}

func NewEventsHandler(sessions *session.Registry) *EventsHandler {
	return &EventsHandler{sessions: sessions}
}

// SessionEvents streams one session's events: GET /sessions/{id}/events.
func (h *EventsHandler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.sessions.Get(id); !ok {
		WriteErrorWithCode(w, http.StatusNotFound, ErrSessionNotFound, "session not found")
		return
	}
	h.stream(w, r, session.Filter{SessionID: id, Types: typesParam(r)})
}

// StreamEvents streams events of every session, optionally filtered by
// ?session_id= and ?types=.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	filter := session.Filter{Types: typesParam(r)}
	if v, ok := QueryString(r, "session_id"); ok {
		filter.SessionID = v
	}
	h.stream(w, r, filter)
}

func typesParam(r *http.Request) []string {
	v, ok := QueryString(r, "types")
	if !ok {
		return nil
	}
	return strings.Split(v, ",")
}

func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request, filter session.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	bus := h.sessions.Bus()

	// Streams outlive the server's write timeout.
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := bus.Subscribe(filter)
	defer cancel()

	seen := make(map[string]bool)
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range bus.ReplaySince(lastEventID, filter) {
			writeEvent(w, e)
			seen[e.ID] = true
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Str("session_id", filter.SessionID).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if seen[event.ID] {
				continue
			}
			writeEvent(w, event)
			flusher.Flush()
			if event.Type == session.EventClosed && filter.SessionID != "" {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e session.Event) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}
