package models

import (
	"slices"
	"time"
)

type TripStatus string

const (
	TripPending    TripStatus = "pending"
	TripOffered    TripStatus = "offered"
	TripAccepted   TripStatus = "accepted"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// Open reports whether the trip still waits for a driver.
func (s TripStatus) Open() bool {
	return s == TripPending || s == TripOffered
}

type Trip struct {
	ID             string     `json:"id"`
	RiderID        string     `json:"rider_id"`
	City           string     `json:"city"`
	Pickup         Coord      `json:"pickup"`
	PickupLabel    string     `json:"pickup_label,omitempty"`
	Destination    Coord      `json:"destination"`
	DestLabel      string     `json:"destination_label,omitempty"`
	Class          CarClass   `json:"class"`
	DistanceM      *float64   `json:"distance_m,omitempty"`
	DurationS      *float64   `json:"duration_s,omitempty"`
	Status         TripStatus `json:"status"`
	AssignedDriver *string    `json:"assigned_driver,omitempty"`
	OfferedTo      []string   `json:"offered_to,omitempty"`
	Rejected       []string   `json:"rejected,omitempty"`
	QuotedFare     *float64   `json:"quoted_fare,omitempty"`
	FinalFare      *float64   `json:"final_fare,omitempty"`
	Commission     *float64   `json:"commission,omitempty"`
	Tip            float64    `json:"tip"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	CancelledBy    string     `json:"cancelled_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	OfferedAt      *time.Time `json:"offered_at,omitempty"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// HasRejected reports whether driverID is in the trip's rejection set.
func (t *Trip) HasRejected(driverID string) bool {
	return slices.Contains(t.Rejected, driverID)
}

// HoldsOffer reports whether driverID has a live direct offer for the trip.
func (t *Trip) HoldsOffer(driverID string) bool {
	return slices.Contains(t.OfferedTo, driverID)
}

// AssignedTo reports whether driverID is the trip's assignee.
func (t *Trip) AssignedTo(driverID string) bool {
	return t.AssignedDriver != nil && *t.AssignedDriver == driverID
}

// Excluded returns the rejection set plus the drivers currently holding an offer.
func (t *Trip) Excluded() map[string]struct{} {
	out := make(map[string]struct{}, len(t.Rejected)+len(t.OfferedTo))
	for _, id := range t.Rejected {
		out[id] = struct{}{}
	}
	for _, id := range t.OfferedTo {
		out[id] = struct{}{}
	}
	return out
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	c.OfferedTo = slices.Clone(t.OfferedTo)
	c.Rejected = slices.Clone(t.Rejected)
	c.DistanceM = clonePtr(t.DistanceM)
	c.DurationS = clonePtr(t.DurationS)
	c.AssignedDriver = clonePtr(t.AssignedDriver)
	c.QuotedFare = clonePtr(t.QuotedFare)
	c.FinalFare = clonePtr(t.FinalFare)
	c.Commission = clonePtr(t.Commission)
	c.OfferedAt = clonePtr(t.OfferedAt)
	c.AcceptedAt = clonePtr(t.AcceptedAt)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.CancelledAt = clonePtr(t.CancelledAt)
	return &c
}

// Settlement carries the values recorded when a trip completes.
type Settlement struct {
	Fare       float64 `json:"fare"`
	DistanceM  float64 `json:"distance_m"`
	DurationS  float64 `json:"duration_s"`
	Commission float64 `json:"commission"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
