package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// events streams bus events as NDJSON until the client disconnects or the
// server shuts down. ?origin= restricts the stream to one front-end.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	ch := h.svc.Events(ctx, r.URL.Query().Get("origin"))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	sent := 0
	for {
		select {
		case <-ctx.Done():
			logDebug(r, "events closed", map[string]any{"sent": sent})
			logRequest(r, http.StatusOK, start, nil)
			return
		case e, ok := <-ch:
			if !ok {
				logRequest(r, http.StatusOK, start, nil)
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
			sent++
		}
	}
}
