package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// DriverMessage is what a connected driver app receives.
type DriverMessage struct {
	Type   models.EventType `json:"type"`
	TripID string           `json:"trip_id"`
	Trip   *models.Trip     `json:"trip,omitempty"`
	Urgent bool             `json:"urgent,omitempty"`
	Fare   *float64         `json:"fare,omitempty"`
}

// jsonWriter is the part of *websocket.Conn a session writes through.
type jsonWriter interface {
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession represents a connected driver session
type WSSession struct {
	conn jsonWriter
	mu   sync.Mutex
}

func (s *WSSession) Send(msg DriverMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds driver sessions and delivers driver-addressed events.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for driverID, closing any previous session.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.add(driverID, conn)
}

func (r *WSRegistry) add(driverID string, conn jsonWriter) {
	r.mu.Lock()
	prev := r.sessions[driverID]
	r.sessions[driverID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the session for driverID if it is still backed by conn.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == jsonWriter(conn) {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Send(driverID string, msg DriverMessage) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		return fmt.Errorf("ws send to %s: %w", driverID, err)
	}
	return nil
}

// Notify pushes driver-addressed events to every listed driver with an open
// session. Drivers without a session are reached through the other sinks.
func (r *WSRegistry) Notify(_ context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventOfferSent, models.EventOfferWithdrawn, models.EventTripAssigned, models.EventTripCancelled:
	default:
		return nil
	}
	msg := DriverMessage{Type: ev.Type, TripID: ev.TripID, Urgent: ev.Urgent, Fare: ev.Fare}
	if ev.Type == models.EventOfferSent || ev.Type == models.EventTripAssigned {
		msg.Trip = ev.Trip
	}
	var errs []error
	for _, id := range ev.DriverIDs {
		if err := r.Send(id, msg); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
