package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kinnon13/yalls-foundry/internal/kernel/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	streamWriteTimeout = 10 * time.Second
	streamBufferSize   = 64
)

// streamEvents upgrades the connection and pushes kernel events as JSON
// frames until the client goes away. A slow client drops events rather than
// blocking producers.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var filter events.Filter
	if appID := r.URL.Query().Get("app"); appID != "" {
		filter = func(e events.Event) bool { return e.AppID == appID }
	}

	buffer := make(chan events.Event, streamBufferSize)
	unsubscribe := h.deps.Events.SubscribeFiltered(filter, func(e events.Event) {
		select {
		case buffer <- e:
		default:
		}
	})
	defer unsubscribe()

	// Drain client frames so close handshakes and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event := <-buffer:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
