package handlers

import (
	"net/http"
	"time"

	"github.com/callsight/callsight/internal/sse"
)

type EventsHandler struct {
	hub *sse.Hub
}

func NewEventsHandler(hub *sse.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Stream handles GET /api/events/stream?callId=X, the browser-facing SSE
// endpoint. The connection stays open until the client goes away or the hub
// closes it (capacity, idleness or backpressure).
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		respondError(w, "callId is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.hub.AddClient(callID)
	defer h.hub.RemoveClient(client.ID)

	w.Write(sse.Hello(client))
	flusher.Flush()

	ping := time.NewTicker(sse.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done():
			return
		case msg, ok := <-client.Events():
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
			h.hub.Touch(client.ID)
		case <-ping.C:
			if _, err := w.Write(sse.Ping()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
