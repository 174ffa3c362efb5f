package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is one connected client socket. Writes are serialized.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the open sessions of each user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[*WSSession]struct{})
	}
	r.sessions[userID][s] = struct{}{}
	return s
}

func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[userID], s)
	if len(r.sessions[userID]) == 0 {
		delete(r.sessions, userID)
	}
}

// Send delivers msg to every open session of the recipient.
func (r *WSRegistry) Send(_ context.Context, to Recipient, msg Message) error {
	r.mu.RLock()
	var targets []*WSSession
	for s := range r.sessions[to.UserID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoAddress
	}
	var firstErr error
	for _, s := range targets {
		if err := s.Send(map[string]any{"type": "notification", "notification": msg}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
