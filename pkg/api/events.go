package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/bookingd/pkg/logging"
)

var errEventsDisabled = errors.New("event stream disabled")

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback by default; cross-origin browsers are not a
	// supported client.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams telemetry events over a websocket, one JSON object
// per message. The subscription drops events for slow clients rather than
// stalling tasks.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotFound, errEventsDisabled)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// Reader goroutine: surface client disconnects as context-style exit.
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
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug(logging.CategoryHTTP, "event_stream_closed", err.Error(), nil)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
