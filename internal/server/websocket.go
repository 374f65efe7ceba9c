package server

import (
	"net/http"
	"time"

	"tonguekeeper/internal/logging"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is already world-readable; the socket carries the same
	// events as GET /events.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket streams events to one observer: the full history
// snapshot first, then live events as they happen. Snapshot and live
// feed come from one subscription, so no event is lost or duplicated
// across the boundary.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Server("websocket upgrade failed: %v", err)
		return
	}

	snapshot, live, cancel := s.bus.Subscribe()
	defer cancel()
	defer conn.Close()

	logging.Server("websocket observer connected, replaying %d events", len(snapshot))

	for _, ev := range snapshot {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Reader goroutine: the client never sends data, but reading is how
	// close frames and dead peers are detected.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
