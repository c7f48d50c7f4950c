package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore serializes transitions with one mutex per trip; the map lock is
// only held to find the entry.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*tripEntry
}

type tripEntry struct {
	mu   sync.Mutex
	trip *models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*tripEntry)}
}

func (m *MemoryStore) Create(_ context.Context, t *models.Trip) (string, error) {
	if t.ID == "" {
		return "", ErrMissingID
	}
	c := t.Clone()
	c.Status = models.TripPending
	c.AssignedDriver = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trips[c.ID]; exists {
		return "", ErrAlreadyTaken
	}
	m.trips[c.ID] = &tripEntry{trip: c}
	return c.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trip.Clone(), nil
}

func (m *MemoryStore) Offer(_ context.Context, id string, driverIDs []string, at time.Time) (*models.Trip, error) {
	return m.update(id, func(t *models.Trip) error {
		if err := checkOffer(t, driverIDs); err != nil {
			return err
		}
		t.Status = models.TripOffered
		t.OfferedTo = union(t.OfferedTo, driverIDs)
		t.OfferedAt = &at
		return nil
	})
}

func (m *MemoryStore) Accept(_ context.Context, id, driverID string, at time.Time) (*models.Trip, error) {
	return m.update(id, func(t *models.Trip) error {
		if err := checkAccept(t, driverID); err != nil {
			return err
		}
		t.Status = models.TripAccepted
		t.AssignedDriver = &driverID
		t.AcceptedAt = &at
		return nil
	})
}

func (m *MemoryStore) Reject(_ context.Context, id, driverID string, _ time.Time) (*models.Trip, error) {
	return m.update(id, func(t *models.Trip) error {
		if !cancellable(t.Status) {
			return ErrInvalidTransition
		}
		if !t.HasRejected(driverID) {
			t.Rejected = append(t.Rejected, driverID)
		}
		held := len(t.OfferedTo)
		t.OfferedTo = without(t.OfferedTo, driverID)
		switch {
		case t.AssignedDriver != nil && *t.AssignedDriver == driverID:
			t.AssignedDriver = nil
			t.AcceptedAt = nil
			t.Status = models.TripPending
		case t.Status == models.TripOffered && held != len(t.OfferedTo):
			t.Status = models.TripPending
		}
		return nil
	})
}

func (m *MemoryStore) Release(_ context.Context, id string, _ time.Time) (*models.Trip, error) {
	return m.update(id, func(t *models.Trip) error {
		switch t.Status {
		case models.TripPending:
			return nil
		case models.TripOffered:
		default:
			return ErrInvalidTransition
		}
		for _, d := range t.OfferedTo {
			if !t.HasRejected(d) {
				t.Rejected = append(t.Rejected, d)
			}
		}
		t.OfferedTo = nil
		t.Status = models.TripPending
		return nil
	})
}

func (m *MemoryStore) Start(_ context.Context, id, driverID string, at time.Time) (*models.Trip, error) {
	return m.update(id, func(t *models.Trip) error {
		if err := checkAssigned(t, models.TripAccepted, driverID); err != nil {
			return err
		}
		t.Status = models.TripInProgress
		t.StartedAt = &at
		return nil
	})
}

func (m *MemoryStore) Complete(_ context.Context, id, driverID string, s models.Settlement, at time.Time) (*models.Trip, error) {
	return m.update(id, func(t *models.Trip) error {
		if err := checkAssigned(t, models.TripInProgress, driverID); err != nil {
			return err
		}
		t.Status = models.TripCompleted
		t.FinalFare = &s.Fare
		t.Commission = &s.Commission
		t.DistanceM = &s.DistanceM
		t.DurationS = &s.DurationS
		t.CompletedAt = &at
		return nil
	})
}

func (m *MemoryStore) Cancel(_ context.Context, id, actor, reason string, at time.Time) (*models.Trip, error) {
	return m.update(id, func(t *models.Trip) error {
		if !cancellable(t.Status) {
			return ErrInvalidTransition
		}
		t.Status = models.TripCancelled
		t.AssignedDriver = nil
		t.CancelledBy = actor
		t.CancelReason = reason
		t.CancelledAt = &at
		return nil
	})
}

func (m *MemoryStore) CountPending(_ context.Context, city string) (int, error) {
	n := 0
	for _, t := range m.snapshot() {
		if t.City == city && t.Status.Open() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListOpen(_ context.Context) ([]*models.Trip, error) {
	var out []*models.Trip
	for _, t := range m.snapshot() {
		if t.Status.Open() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) entry(id string) (*tripEntry, error) {
	m.mu.RLock()
	e, ok := m.trips[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// update applies fn under the trip's lock. fn works on a copy, so a failed
// transition leaves the stored trip untouched.
func (m *MemoryStore) update(id string, fn func(t *models.Trip) error) (*models.Trip, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.trip.Clone()
	if err := fn(next); err != nil {
		return e.trip.Clone(), err
	}
	e.trip = next
	return next.Clone(), nil
}

func (m *MemoryStore) snapshot() []*models.Trip {
	m.mu.RLock()
	entries := make([]*tripEntry, 0, len(m.trips))
	for _, e := range m.trips {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.Trip, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.trip.Clone())
		e.mu.Unlock()
	}
	return out
}
