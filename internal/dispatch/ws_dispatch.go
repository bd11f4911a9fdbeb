package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridenow/internal/models"
)

// Notifier pushes trip state snapshots to whoever watches the trip.
type Notifier interface {
	Notify(tripID string, st models.TripState) error
}

const writeWait = 2 * time.Second

// WSSession represents a connected client watching one trip
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(st models.TripState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(st)
}

// WSRegistry holds one session per trip; a new connection replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(tripID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[tripID]
	r.sessions[tripID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session if it still belongs to conn.
func (r *WSRegistry) Remove(tripID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tripID]; ok && s.conn == conn {
		delete(r.sessions, tripID)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Notify sends the state to the trip's session. Trips nobody watches are
// not an error.
func (r *WSRegistry) Notify(tripID string, st models.TripState) error {
	r.mu.RLock()
	s, ok := r.sessions[tripID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := s.Send(st); err != nil {
		r.Remove(tripID, s.conn)
		return err
	}
	return nil
}

// Multi fans a snapshot out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(tripID string, st models.TripState) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(tripID, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
