// Package httpapi exposes the orchestrator over HTTP: turn execution,
// turn event streaming via SSE, and thread teardown.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/db"
	"github.com/docuflow/orchestrator/internal/models"
	"github.com/docuflow/orchestrator/internal/state"
	"github.com/docuflow/orchestrator/internal/streaming"
)

// TurnService is the session surface the API serves. Satisfied by
// session.Service.
type TurnService interface {
	RunTurn(ctx context.Context, threadID, collectionID, query string) (state.ConversationState, error)
	StreamTurn(ctx context.Context, threadID, collectionID, query string) <-chan streaming.Event
	History(ctx context.Context, threadID string, limit int) ([]db.MessageRecord, error)
	DeleteThread(ctx context.Context, threadID, collectionID string) error
}

// Handler serves the turn endpoints.
type Handler struct {
	service TurnService
	streams *streaming.Manager
	logger  *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(service TurnService, streams *streaming.Manager, logger *zap.Logger) *Handler {
	return &Handler{service: service, streams: streams, logger: logger}
}

// RegisterRoutes mounts the API on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/turns", h.handleTurn)
	mux.HandleFunc("/v1/turns/stream", h.handleTurnStream)
	mux.HandleFunc("/v1/threads/", h.handleThread)
	mux.HandleFunc("/stream/sse", h.handleSSE)
}

type turnRequest struct {
	ThreadID     string `json:"thread_id"`
	CollectionID string `json:"collection_id"`
	Query        string `json:"query"`
}

func (r turnRequest) validate() string {
	if strings.TrimSpace(r.ThreadID) == "" {
		return "thread_id required"
	}
	if strings.TrimSpace(r.Query) == "" {
		return "query required"
	}
	return ""
}

// collection resolves the collection id, which defaults to the thread
// id: each conversation owns one vector collection.
func (r turnRequest) collection() string {
	if r.CollectionID != "" {
		return r.CollectionID
	}
	return r.ThreadID
}

type turnResponse struct {
	ThreadID     string            `json:"thread_id"`
	Answer       string            `json:"answer"`
	AnswerType   models.AnswerType `json:"answer_type"`
	Route        models.Route      `json:"route,omitempty"`
	Uncertainty  float64           `json:"uncertainty"`
	Citations    []models.Citation `json:"citations"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// handleTurn runs one turn to completion.
// POST /v1/turns {"thread_id": ..., "collection_id": ..., "query": ...}
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	st, err := h.service.RunTurn(r.Context(), req.ThreadID, req.collection(), req.Query)
	if err != nil {
		h.logger.Error("Turn failed",
			zap.String("thread_id", req.ThreadID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "turn execution failed")
		return
	}

	resp := turnResponse{
		ThreadID:  req.ThreadID,
		Route:     st.Route,
		Citations: []models.Citation{},
	}
	if st.FinalAnswer != nil {
		resp.Answer = st.FinalAnswer.Answer
		resp.AnswerType = st.FinalAnswer.AnswerType
		resp.Uncertainty = st.FinalAnswer.Uncertainty
		if st.FinalAnswer.Citations != nil {
			resp.Citations = st.FinalAnswer.Citations
		}
	}
	resp.ErrorMessage = st.ErrorMessage
	h.writeJSON(w, http.StatusOK, resp)
}

// handleTurnStream runs one turn and streams its events as SSE.
// POST /v1/turns/stream {"thread_id": ..., "query": ...}
func (h *Handler) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	events := h.service.StreamTurn(r.Context(), req.ThreadID, req.collection(), req.Query)
	for ev := range events {
		writeSSE(w, ev)
		flusher.Flush()
	}
}

// handleThread serves per-thread operations.
// GET    /v1/threads/{id}/messages?limit=N
// DELETE /v1/threads/{id}?collection_id=...
func (h *Handler) handleThread(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/threads/")
	threadID, tail, _ := strings.Cut(rest, "/")
	if threadID == "" {
		h.writeError(w, http.StatusBadRequest, "thread id required")
		return
	}

	switch {
	case r.Method == http.MethodGet && tail == "messages":
		limit := 0
		if q := r.URL.Query().Get("limit"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				limit = n
			}
		}
		msgs, err := h.service.History(r.Context(), threadID, limit)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		if msgs == nil {
			msgs = []db.MessageRecord{}
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"thread_id": threadID,
			"messages":  msgs,
		})

	case r.Method == http.MethodDelete && tail == "":
		collectionID := r.URL.Query().Get("collection_id")
		if collectionID == "" {
			collectionID = threadID
		}
		if err := h.service.DeleteThread(r.Context(), threadID, collectionID); err != nil {
			h.writeError(w, http.StatusInternalServerError, "thread deletion incomplete")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": threadID})

	default:
		h.writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]string{"error": message})
}
