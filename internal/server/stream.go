package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handleStream upgrades to a websocket and pushes every event published on the
// stream as a JSON text message. The client only ever sends pongs and close
// frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	stream := r.PathValue("name")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		s.logger.Debug("websocket upgrade failed", "stream", stream, "error", err)
		return
	}
	defer ws.Close()

	sub := s.hub.subscribe(stream)
	defer s.hub.unsubscribe(sub)
	s.logger.Debug("stream subscriber connected", "stream", stream)

	readTimeout := 3 * s.pingInterval
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.writeTimeout))
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-readDone:
			return
		case <-sub.dropped:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "dropped"),
				time.Now().Add(s.writeTimeout))
			return
		case <-r.Context().Done():
			return
		case ev := <-sub.send:
			ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("stream write failed", "stream", stream, "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}
