package viewer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// FormatSSE formats an event for the Server-Sent Events protocol.
func FormatSSE(event Event) ([]byte, error) {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	// event: <type>\ndata: <json>\n\n
	output := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, string(dataJSON))
	return []byte(output), nil
}

// ServeSSE streams events to a read-only viewer. The channels to subscribe
// to are taken from the repeated "input" query parameter.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	v := h.Connect()
	defer h.Disconnect(v)
	for _, name := range r.URL.Query()["input"] {
		v.Activate(name)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.Done():
			return
		case ev := <-v.Events():
			data, err := FormatSSE(ev)
			if err != nil {
				slog.Error("Failed to format SSE event", "viewerID", v.ID, "error", err)
				continue
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
