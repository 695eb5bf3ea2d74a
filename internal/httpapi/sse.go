package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/orchestrator/internal/streaming"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

// handleSSE attaches to a thread's live event feed, replaying the ring
// buffer past Last-Event-ID first.
// GET /stream/sse?thread_id=<id>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		h.writeError(w, http.StatusBadRequest, "thread_id required")
		return
	}

	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	ch := h.streams.Subscribe(threadID, 256)
	defer h.streams.Unsubscribe(threadID, ch)

	fmt.Fprintf(w, ": connected to thread %s\n\n", threadID)
	flusher.Flush()

	if lastID > 0 {
		for _, ev := range h.streams.ReplaySince(threadID, lastID) {
			writeSSE(w, ev)
		}
		flusher.Flush()
	}

	// Heartbeats keep the connection open through proxies.
	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("thread_id", threadID))
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
