package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/waste-dispatch/internal/events"
	"github.com/example/waste-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// tokens are checked before the upgrade; any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventsFor limits a socket to the events its user is a party to.
func eventsFor(a models.Actor) func(events.Event) bool {
	return func(e events.Event) bool {
		switch a.Role {
		case models.RoleAdmin:
			return true
		case models.RoleCollector:
			return e.CollectorID == a.ID
		default:
			return e.CustomerID == a.ID
		}
	}
}

// handleWS streams the caller's events and direct notifications until the
// socket closes. The bus subscription lives exactly as long as the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if s.ws == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "websocket stream disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	session := s.ws.Add(a.ID, conn)
	defer s.ws.Remove(a.ID, session)

	if s.bus != nil {
		sub := s.bus.Subscribe(64, eventsFor(a))
		defer sub.Close()
		go func() {
			for e := range sub.C() {
				if err := session.Send(map[string]any{"type": "event", "event": e}); err != nil {
					// reader below notices the broken socket
					return
				}
			}
		}()
	}
	s.logger.Info("websocket connected", "user_id", a.ID, "role", a.Role)

	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read", "user_id", a.ID, "err", err)
			}
			break
		}
	}
	s.logger.Info("websocket disconnected", "user_id", a.ID)
}
