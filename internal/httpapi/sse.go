package httpapi

import (
	"fmt"
	"net/http"
	"time"
)

// handleStream parks the connection for its lifetime: frames arrive on
// the subscriber channel, heartbeats keep proxies from killing the
// socket, and the request context closing is the only disconnect
// signal. Write failures are ignored; a dead socket surfaces as the
// context being done.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "retry: 5000\n")
	fmt.Fprintf(w, ": connected to %s\n\n", channel)
	flusher.Flush()

	client := h.bus.Subscribe(channel)
	defer h.bus.Unsubscribe(channel, client)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-client.Send:
			if !open {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = fmt.Fprint(w, h.bus.RenderText())
}

func (h *Handler) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.bus.Snapshot())
}
