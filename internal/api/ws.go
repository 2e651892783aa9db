package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cellbook/internal/events"
	"cellbook/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS serves the same lifecycle stream as the SSE endpoint, framed as
// JSON messages. Client messages carry no meaning; the read loop exists
// only to notice the disconnect.
func handleWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := loggerFrom(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		sub := deps.Bus.Subscribe()
		defer deps.Bus.Unsubscribe(sub)

		nb, err := deps.Repo.Notebook(r.Context())
		if err != nil {
			log.Warn("loading snapshot for websocket", zap.Error(err))
			return
		}
		if err := conn.WriteJSON(protocol.FrameFor(events.NotebookState(nb))); err != nil {
			return
		}

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := conn.WriteJSON(protocol.FrameFor(ev)); err != nil {
					return
				}
			}
		}
	}
}
