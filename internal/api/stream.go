package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/strand/internal/queue"
	"github.com/kalambet/strand/internal/stream"
)

// handleStream serves a message's progress as Server-Sent Events. Keepalive
// events become SSE comment lines; everything else is an event/data pair.
func handleStream(mgr *queue.Manager, streams *stream.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "messageID")
		msg, ok := mgr.GetMessage(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "message not found: %s", id)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		// Disable nginx buffering.
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		slog.Info("stream attached", "id", id, "state", msg.State)
		for ev := range streams.Events(r.Context(), id) {
			if ev.Type == stream.EventKeepalive {
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("marshaling stream event", "id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
		slog.Info("stream detached", "id", id)
	}
}
