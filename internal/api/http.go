// Package api exposes the queue core over HTTP (chi) and MCP. Both surfaces
// are thin callers of the queue Manager; all semantics live in the core.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/strand/internal/queue"
	"github.com/kalambet/strand/internal/stream"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the handler dependencies.
type Deps struct {
	Manager *queue.Manager
	Streams *stream.Publisher
	Metrics http.Handler // optional; mounted at /metrics when non-nil
	Version string
}

// NewHandler returns the strand REST API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/", handleRoot(deps.Version))
	r.Get("/health", handleHealth)
	r.Post("/messages", handleSubmit(deps.Manager))
	r.Get("/messages/{messageID}/status", handleStatus(deps.Manager))
	r.Delete("/messages/{messageID}", handleCancel(deps.Manager))
	r.Get("/messages/{messageID}/stream", handleStream(deps.Manager, deps.Streams))
	r.Get("/queue", handleSummary(deps.Manager))
	r.Get("/threads", handleListThreads(deps.Manager))
	r.Get("/threads/{threadID}", handleThreadMetadata(deps.Manager))
	r.Get("/threads/{threadID}/messages", handleThreadMessages(deps.Manager))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	return r
}

func handleRoot(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "strand",
			"version": version,
			"status":  "running",
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type submitResponse struct {
	MessageID     string      `json:"message_id"`
	ThreadID      string      `json:"thread_id"`
	State         queue.State `json:"state"`
	QueuePosition int         `json:"queue_position"`
	CreatedAt     time.Time   `json:"created_at"`
}

func handleSubmit(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		priority, err := queue.ParsePriority(req.Priority)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		msg, err := mgr.Enqueue(req.Message, req.ThreadID, priority)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			httpError(w, http.StatusTooManyRequests, "queue_full", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		position, _ := mgr.QueuePosition(msg.ID)
		slog.Info("message submitted", "id", msg.ID, "thread_id", msg.ThreadID, "position", position)
		writeJSON(w, http.StatusAccepted, submitResponse{
			MessageID:     msg.ID,
			ThreadID:      msg.ThreadID,
			State:         msg.State,
			QueuePosition: position,
			CreatedAt:     msg.CreatedAt,
		})
	}
}

type messageStatusResponse struct {
	MessageID     string      `json:"message_id"`
	ThreadID      string      `json:"thread_id"`
	State         queue.State `json:"state"`
	Content       string      `json:"content"`
	Priority      queue.Priority `json:"priority"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Result        string      `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	QueuePosition *int        `json:"queue_position,omitempty"`
}

func messageStatus(mgr *queue.Manager, msg queue.Message) messageStatusResponse {
	resp := messageStatusResponse{
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		State:       msg.State,
		Content:     msg.Content,
		Priority:    msg.Priority,
		CreatedAt:   msg.CreatedAt,
		StartedAt:   msg.StartedAt,
		CompletedAt: msg.CompletedAt,
		Result:      msg.Result,
		Error:       msg.Error,
	}
	if msg.State == queue.StateQueued {
		if position, ok := mgr.QueuePosition(msg.ID); ok {
			resp.QueuePosition = &position
		}
	}
	return resp
}

func handleStatus(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "messageID")
		msg, ok := mgr.GetMessage(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "message not found: %s", id)
			return
		}
		writeJSON(w, http.StatusOK, messageStatus(mgr, msg))
	}
}

func handleCancel(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "messageID")
		err := mgr.Cancel(id)

		var conflict *queue.StateConflictError
		switch {
		case errors.Is(err, queue.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "message not found: %s", id)
		case errors.As(err, &conflict):
			httpError(w, http.StatusConflict, "conflict", "%v", conflict)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "internal_error", "%v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{
				"message":    "message cancelled",
				"message_id": id,
			})
		}
	}
}

func handleSummary(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.Summary())
	}
}

func handleListThreads(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.ListThreads())
	}
}

func handleThreadMetadata(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "threadID")
		meta, ok := mgr.GetThreadMetadata(threadID)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "thread not found: %s", threadID)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

type threadMessagesResponse struct {
	ThreadID      string                  `json:"thread_id"`
	TotalMessages int                     `json:"total_messages"`
	Messages      []messageStatusResponse `json:"messages"`
}

func handleThreadMessages(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "threadID")
		if _, ok := mgr.GetThreadMetadata(threadID); !ok {
			httpError(w, http.StatusNotFound, "not_found", "thread not found: %s", threadID)
			return
		}
		messages := mgr.GetThreadMessages(threadID)
		resp := threadMessagesResponse{
			ThreadID:      threadID,
			TotalMessages: len(messages),
			Messages:      make([]messageStatusResponse, len(messages)),
		}
		for i, msg := range messages {
			resp.Messages[i] = messageStatus(mgr, msg)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
