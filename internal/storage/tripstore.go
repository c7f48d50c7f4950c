package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("trip not found")
	ErrAlreadyTaken      = errors.New("trip already taken")
	ErrInvalidTransition = errors.New("invalid trip transition")
	ErrDriverExcluded    = errors.New("driver excluded from trip")
	ErrMissingID         = errors.New("trip id is required")
)

// TripStore is the authoritative trip state machine. Every transition is
// atomic per trip id and returns the trip as it is after the transition.
type TripStore interface {
	Create(ctx context.Context, t *models.Trip) (string, error)
	Get(ctx context.Context, id string) (*models.Trip, error)

	// Offer moves a pending trip to offered and adds the drivers to the
	// offeree list. Drivers in the rejection set are refused.
	Offer(ctx context.Context, id string, driverIDs []string, at time.Time) (*models.Trip, error)
	// Accept is the compare-and-set: it only succeeds on a pending or offered
	// trip without an assignee.
	Accept(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error)
	// Reject records the driver in the rejection set. If the driver held the
	// assignment or an offer the trip goes back to pending.
	Reject(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error)
	// Release returns an offered trip to pending after its offer timed out;
	// the unanswered offerees join the rejection set.
	Release(ctx context.Context, id string, at time.Time) (*models.Trip, error)
	Start(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error)
	Complete(ctx context.Context, id, driverID string, s models.Settlement, at time.Time) (*models.Trip, error)
	Cancel(ctx context.Context, id, actor, reason string, at time.Time) (*models.Trip, error)

	// CountPending counts trips of city still waiting for a driver.
	CountPending(ctx context.Context, city string) (int, error)
	// ListOpen returns every pending or offered trip, oldest first.
	ListOpen(ctx context.Context) ([]*models.Trip, error)
}

// checkOffer validates an Offer against the current trip state.
func checkOffer(t *models.Trip, driverIDs []string) error {
	if t.Status != models.TripPending {
		return ErrInvalidTransition
	}
	for _, id := range driverIDs {
		if t.HasRejected(id) {
			return ErrDriverExcluded
		}
	}
	return nil
}

// checkAccept classifies why an accept cannot succeed, or returns nil.
func checkAccept(t *models.Trip, driverID string) error {
	if t.HasRejected(driverID) {
		return ErrDriverExcluded
	}
	if !t.Status.Open() || t.AssignedDriver != nil {
		return ErrAlreadyTaken
	}
	return nil
}

func checkAssigned(t *models.Trip, want models.TripStatus, driverID string) error {
	if t.Status != want || t.AssignedDriver == nil || *t.AssignedDriver != driverID {
		return ErrInvalidTransition
	}
	return nil
}

func cancellable(s models.TripStatus) bool {
	return s == models.TripPending || s == models.TripOffered || s == models.TripAccepted
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func without(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
