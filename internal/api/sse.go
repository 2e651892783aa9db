package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"cellbook/internal/events"
	"cellbook/internal/protocol"
)

// keepaliveInterval is how often an idle SSE stream gets a comment line so
// intermediaries do not reap the connection.
const keepaliveInterval = 15 * time.Second

// handleEvents serves the lifecycle stream as Server-Sent Events. The
// subscription is taken before the snapshot is read, so an event published
// between the two can never be lost; at worst the client sees it twice.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
			return
		}
		log := loggerFrom(r.Context())

		sub := deps.Bus.Subscribe()
		defer deps.Bus.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		nb, err := deps.Repo.Notebook(r.Context())
		if err != nil {
			log.Warn("loading snapshot for event stream", zap.Error(err))
			return
		}
		if !writeSSE(w, flusher, events.NotebookState(nb), log) {
			return
		}

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if !writeSSE(w, flusher, ev, log) {
					return
				}
			case <-keepalive.C:
				if _, err := w.Write(protocol.Keepalive); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// writeSSE encodes and sends one frame, reporting whether the stream is
// still usable.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev events.Event, log *zap.Logger) bool {
	frame, err := protocol.EncodeSSE(ev)
	if err != nil {
		// An unencodable payload drops that one frame, not the stream.
		log.Warn("encoding event frame", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return true
	}
	if _, err := w.Write(frame); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
