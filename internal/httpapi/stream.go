package httpapi

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"rostersync.org/internal/stream"
)

// WithEvents enables the sync progress stream.
func WithEvents(s *stream.Stream) Option {
	return func(a *API) { a.events = s }
}

// streamEvents serves sync progress of one integration as Server-Sent Events.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request, id string) {
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if _, err := a.svc.Get(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Long-lived; the server write timeout would cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.events.Subscribe(r.Context(), id)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: sync\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
