// ABOUTME: Server-Sent Events stream of the caller's notifications
// ABOUTME: A heartbeat comment keeps idle connections from being reaped by proxies

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleNotificationStream handles GET /api/notifications/stream.
func (a *API) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	userID := identity(r).UserID
	events, _ := a.streams.Subscribe(r.Context(), userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"user_id\": %q}\n\n", userID)
	flusher.Flush()

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case n, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				a.logger.Error("failed to marshal notification", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data)
			flusher.Flush()
		}
	}
}
