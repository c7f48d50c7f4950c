package models

import "time"

type EventType string

const (
	EventOfferSent      EventType = "offer_sent"
	EventOfferWithdrawn EventType = "offer_withdrawn"
	EventTripAssigned   EventType = "trip_assigned"
	EventTripBroadcast  EventType = "trip_broadcast"
	EventTripEscalated  EventType = "trip_unclaimed_escalated"
	EventTripDelay      EventType = "trip_delay"
	EventTripCompleted  EventType = "trip_completed"
	EventTripCancelled  EventType = "trip_cancelled"
)

// Event is what the engine hands to notification sinks. Rendering is the
// sink's business; the event only carries the data a message needs.
type Event struct {
	Type      EventType `json:"type"`
	TripID    string    `json:"trip_id"`
	RiderID   string    `json:"rider_id"`
	City      string    `json:"city"`
	DriverIDs []string  `json:"driver_ids,omitempty"`
	Trip      *Trip     `json:"trip,omitempty"`
	Urgent    bool      `json:"urgent,omitempty"`
	Cycle     int       `json:"cycle,omitempty"`
	Fare      *float64  `json:"fare,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
