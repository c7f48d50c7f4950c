package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether c is the zero coordinate, which callers use as "missing".
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Valid reports whether c lies inside the lat/lon ranges.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type CarClass string

const (
	ClassEconomy  CarClass = "economy"
	ClassStandard CarClass = "standard"
	ClassComfort  CarClass = "comfort"
	ClassBusiness CarClass = "business"
)

// Known returns true for the four classes the fleet supports.
func (c CarClass) Known() bool {
	switch c {
	case ClassEconomy, ClassStandard, ClassComfort, ClassBusiness:
		return true
	}
	return false
}

type DriverStatus string

const (
	DriverPending  DriverStatus = "pending"
	DriverApproved DriverStatus = "approved"
	DriverRejected DriverStatus = "rejected"
)

// Location is a driver's last reported position.
type Location struct {
	Coord
	UpdatedAt time.Time `json:"updated_at"`
}

type Driver struct {
	ID       string       `json:"id"`
	UserRef  string       `json:"user_ref,omitempty"`
	City     string       `json:"city"`
	Class    CarClass     `json:"class"`
	Rating   *float64     `json:"rating,omitempty"` // 0..5, nil when unrated
	Online   bool         `json:"online"`
	Status   DriverStatus `json:"status"`
	Location *Location    `json:"location,omitempty"`
}

// Dispatchable is the "approved & online" gate used by the matcher.
func (d Driver) Dispatchable() bool {
	return d.Online && d.Status == DriverApproved
}

// LocationPing is the payload of a driver location update.
type LocationPing struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   *bool     `json:"online,omitempty"`
	At       time.Time `json:"at"`
}
