// Package engine is the surface the chat layer talks to: it validates
// requests, prices trips, runs the trip state machine and hands open trips
// to the dispatch cascade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ratelimit"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidCoordinates = errors.New("pickup and destination are required")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrMissingIdentity    = errors.New("rider or driver id is required")
	ErrNotParticipant     = errors.New("not a participant of this trip")
)

// ActorSystem cancels on behalf of an operator rather than a trip party.
const ActorSystem = "system"

// Rate-limited actions.
const (
	ActionCreateTrip = "create_trip"
	ActionAccept     = "accept"
)

type AcceptResult string

const (
	AcceptSuccess      AcceptResult = "success"
	AcceptAlreadyTaken AcceptResult = "already_taken"
	AcceptNotFound     AcceptResult = "not_found"
)

// Cascade is the part of the dispatch cascade the engine drives.
type Cascade interface {
	Start(ctx context.Context, trip *models.Trip) error
	OnAccepted(ctx context.Context, trip *models.Trip)
	OnRejected(ctx context.Context, trip *models.Trip, driverID string) error
	OnCancelled(ctx context.Context, trip *models.Trip, drivers []string)
}

// LocationPublisher forwards accepted location pings downstream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

type Config struct {
	// Limits are keyed by action; a missing action is not limited.
	Limits map[string]ratelimit.Policy
	// DefaultRoute is used when neither a hint nor a route lookup is available.
	DefaultRoute eta.Route
}

func DefaultConfig() Config {
	return Config{
		Limits: map[string]ratelimit.Policy{
			ActionCreateTrip: {Max: 5, Window: time.Hour},
			ActionAccept:     {Max: 30, Window: time.Minute},
		},
		DefaultRoute: eta.Route{DistanceM: 5000, DurationS: 600},
	}
}

// Deps are the collaborators of a Service. Routes, Limiter, Notifier and
// Locations are optional.
type Deps struct {
	Store     storage.TripStore
	Directory directory.Directory
	Pricing   *pricing.Engine
	Cascade   Cascade
	Routes    eta.Estimator
	Limiter   *ratelimit.Limiter
	Notifier  dispatch.Notifier
	Locations LocationPublisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Service struct {
	Deps
	cfg Config
}

func New(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("component", "engine")
	return &Service{Deps: d, cfg: cfg}
}

type CreateTripRequest struct {
	RiderID     string          `json:"rider_id"`
	City        string          `json:"city"`
	Pickup      models.Coord    `json:"pickup"`
	PickupLabel string          `json:"pickup_label,omitempty"`
	Destination models.Coord    `json:"destination"`
	DestLabel   string          `json:"destination_label,omitempty"`
	Class       models.CarClass `json:"class"`
	// Hints come from the chat layer's own route lookup, when it made one.
	DistanceHintM *float64 `json:"distance_hint_m,omitempty"`
	DurationHintS *float64 `json:"duration_hint_s,omitempty"`
}

// CreateTrip validates and prices the request, stores a pending trip and
// starts its cascade.
func (s *Service) CreateTrip(ctx context.Context, req CreateTripRequest) (*models.Trip, error) {
	if req.RiderID == "" {
		return nil, ErrMissingIdentity
	}
	if !validPoint(req.Pickup) || !validPoint(req.Destination) {
		return nil, ErrInvalidCoordinates
	}
	if req.Class == "" {
		req.Class = models.ClassEconomy
	}
	if !req.Class.Known() {
		return nil, fmt.Errorf("%w: %q", pricing.ErrUnknownClass, req.Class)
	}
	if _, err := s.Pricing.Settings().ActiveTariff(); err != nil {
		return nil, err
	}
	if !s.allow(req.RiderID, ActionCreateTrip) {
		return nil, ErrRateLimited
	}

	route := s.route(ctx, req.Pickup, req.Destination, req.DistanceHintM, req.DurationHintS)
	now := s.Clock.Now()
	q, err := s.Pricing.Quote(req.Class, route.DistanceM, route.DurationS, s.pricingContext(ctx, req.City, now))
	if err != nil {
		return nil, err
	}

	trip := &models.Trip{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		City:        req.City,
		Pickup:      req.Pickup,
		PickupLabel: req.PickupLabel,
		Destination: req.Destination,
		DestLabel:   req.DestLabel,
		Class:       req.Class,
		DistanceM:   &route.DistanceM,
		DurationS:   &route.DurationS,
		QuotedFare:  &q.Amount,
		CreatedAt:   now,
	}
	id, err := s.Store.Create(ctx, trip)
	if err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	observability.TripsCreated.WithLabelValues(string(req.Class)).Inc()
	observability.QuoteMultiplier.Observe(q.Multiplier)
	s.Logger.Info("trip created", "trip_id", id, "rider_id", req.RiderID, "city", req.City, "class", req.Class, "fare", q.Amount)

	stored, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Cascade.Start(ctx, stored); err != nil {
		s.Logger.Error("cascade start failed", "trip_id", id, "error", err)
	}
	return s.Store.Get(ctx, id)
}

// QuotePrice prices a hypothetical trip against the current configuration
// and demand in city.
func (s *Service) QuotePrice(ctx context.Context, class models.CarClass, distanceM, durationS float64, city string) (pricing.Quote, error) {
	if class == "" {
		class = models.ClassEconomy
	}
	q, err := s.Pricing.Quote(class, distanceM, durationS, s.pricingContext(ctx, city, s.Clock.Now()))
	if err != nil {
		return pricing.Quote{}, err
	}
	observability.QuoteMultiplier.Observe(q.Multiplier)
	return q, nil
}

// DriverAccept claims the trip for driverID. Losing the race is a result,
// not an error.
func (s *Service) DriverAccept(ctx context.Context, tripID, driverID string) (AcceptResult, *models.Trip, error) {
	if driverID == "" {
		return "", nil, ErrMissingIdentity
	}
	if !s.allow(driverID, ActionAccept) {
		return "", nil, ErrRateLimited
	}
	trip, err := s.Store.Accept(ctx, tripID, driverID, s.Clock.Now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		observability.AcceptOutcomes.WithLabelValues(string(AcceptNotFound)).Inc()
		return AcceptNotFound, nil, nil
	case errors.Is(err, storage.ErrAlreadyTaken), errors.Is(err, storage.ErrDriverExcluded):
		observability.AcceptOutcomes.WithLabelValues(string(AcceptAlreadyTaken)).Inc()
		s.Logger.Info("accept lost", "trip_id", tripID, "driver_id", driverID, "reason", err)
		return AcceptAlreadyTaken, nil, nil
	case err != nil:
		return "", nil, err
	}
	observability.AcceptOutcomes.WithLabelValues(string(AcceptSuccess)).Inc()
	s.Logger.Info("trip accepted", "trip_id", tripID, "driver_id", driverID)
	s.Cascade.OnAccepted(ctx, trip)
	return AcceptSuccess, trip, nil
}

// DriverReject records the rejection and lets the cascade re-match.
func (s *Service) DriverReject(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	if driverID == "" {
		return nil, ErrMissingIdentity
	}
	cur, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	// a broadcast trip is open to every driver in the city; a direct offer
	// only to its offerees
	if !cur.AssignedTo(driverID) && !cur.HoldsOffer(driverID) && cur.Status != models.TripPending {
		return nil, ErrNotParticipant
	}
	trip, err := s.Store.Reject(ctx, tripID, driverID, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	s.Logger.Info("trip rejected", "trip_id", tripID, "driver_id", driverID, "status", trip.Status)
	if err := s.Cascade.OnRejected(ctx, trip, driverID); err != nil {
		s.Logger.Error("re-match after rejection failed", "trip_id", tripID, "error", err)
	}
	return s.Store.Get(ctx, tripID)
}

func (s *Service) StartTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	trip, err := s.Store.Start(ctx, tripID, driverID, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	s.Logger.Info("trip started", "trip_id", tripID, "driver_id", driverID)
	return trip, nil
}

// CompleteTrip re-prices the trip with the actual distance and duration
// (falling back to the estimates recorded at creation) and the pricing
// context at completion time, then settles it.
func (s *Service) CompleteTrip(ctx context.Context, tripID, driverID string, actualM, actualS *float64) (*models.Trip, error) {
	trip, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != models.TripInProgress || trip.AssignedDriver == nil || *trip.AssignedDriver != driverID {
		return nil, storage.ErrInvalidTransition
	}

	distanceM := pick(actualM, trip.DistanceM, s.cfg.DefaultRoute.DistanceM)
	durationS := pick(actualS, trip.DurationS, s.cfg.DefaultRoute.DurationS)
	now := s.Clock.Now()
	q, err := s.Pricing.Quote(trip.Class, distanceM, durationS, s.pricingContext(ctx, trip.City, now))
	if err != nil {
		return nil, err
	}
	done, err := s.Store.Complete(ctx, tripID, driverID, models.Settlement{
		Fare:       q.Amount,
		DistanceM:  distanceM,
		DurationS:  durationS,
		Commission: q.Commission,
	}, now)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("trip completed", "trip_id", tripID, "driver_id", driverID, "fare", q.Amount, "commission", q.Commission)
	s.notify(ctx, models.Event{
		Type: models.EventTripCompleted, TripID: tripID, RiderID: done.RiderID, City: done.City,
		DriverIDs: []string{driverID}, Trip: done, Fare: done.FinalFare, At: now,
	})
	return done, nil
}

// CancelTrip cancels an open or accepted trip and tells every driver who
// held an offer or the assignment.
// CancelTrip cancels for the trip's rider, its assigned driver or
// ActorSystem.
func (s *Service) CancelTrip(ctx context.Context, tripID, actor, reason string) (*models.Trip, error) {
	if actor == "" {
		return nil, ErrMissingIdentity
	}
	prev, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if actor != ActorSystem && actor != prev.RiderID && !prev.AssignedTo(actor) {
		return nil, ErrNotParticipant
	}
	trip, err := s.Store.Cancel(ctx, tripID, actor, reason, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	drivers := append([]string(nil), prev.OfferedTo...)
	if prev.AssignedDriver != nil {
		drivers = append(drivers, *prev.AssignedDriver)
	}
	s.Logger.Info("trip cancelled", "trip_id", tripID, "actor", actor, "reason", reason)
	s.Cascade.OnCancelled(ctx, trip, drivers)
	return trip, nil
}

func (s *Service) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.Store.Get(ctx, tripID)
}

// ReportLocation applies a driver ping to the directory and forwards it to
// the location stream.
func (s *Service) ReportLocation(ctx context.Context, p models.LocationPing) error {
	if p.DriverID == "" {
		return ErrMissingIdentity
	}
	if p.Loc.IsZero() || !p.Loc.Valid() {
		return ErrInvalidCoordinates
	}
	if p.At.IsZero() {
		p.At = s.Clock.Now()
	}
	if err := s.Directory.UpdateLocation(ctx, p.DriverID, models.Location{Coord: p.Loc, UpdatedAt: p.At}); err != nil {
		return err
	}
	if p.Online != nil {
		if err := s.SetDriverOnline(ctx, p.DriverID, *p.Online); err != nil {
			return err
		}
	}
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(ctx, p); err != nil {
			s.Logger.Warn("location publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	return nil
}

func (s *Service) SetDriverOnline(ctx context.Context, driverID string, online bool) error {
	if err := s.Directory.SetOnline(ctx, driverID, online); err != nil {
		return err
	}
	d, err := s.Directory.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if n, err := s.Directory.CountOnline(ctx, d.City); err == nil {
		observability.DriversOnline.WithLabelValues(d.City).Set(float64(n))
	}
	s.Logger.Info("driver availability changed", "driver_id", driverID, "online", online)
	return nil
}

// ResetRateLimit clears one action, or every action when action is empty.
func (s *Service) ResetRateLimit(identity, action string) {
	if s.Limiter != nil {
		s.Limiter.Reset(identity, action)
	}
}

func (s *Service) allow(identity, action string) bool {
	p, ok := s.cfg.Limits[action]
	if !ok || s.Limiter == nil {
		return true
	}
	if s.Limiter.AllowPolicy(identity, action, p) {
		return true
	}
	observability.RateLimited.WithLabelValues(action).Inc()
	s.Logger.Info("rate limited", "identity", identity, "action", action)
	return false
}

// route prefers caller hints, then the route estimator, then the default.
func (s *Service) route(ctx context.Context, from, to models.Coord, distM, durS *float64) eta.Route {
	if distM != nil && durS != nil {
		return eta.Route{DistanceM: *distM, DurationS: *durS}
	}
	r := s.cfg.DefaultRoute
	if s.Routes != nil {
		if got, err := s.Routes.Route(ctx, from, to); err == nil {
			r = got
		} else {
			observability.RouteFallbacks.Inc()
			s.Logger.Warn("route lookup failed, using default", "error", err)
		}
	}
	if distM != nil {
		r.DistanceM = *distM
	}
	if durS != nil {
		r.DurationS = *durS
	}
	return r
}

// pricingContext snapshots demand in city. Lookup failures degrade to zero
// counts rather than blocking the quote.
func (s *Service) pricingContext(ctx context.Context, city string, now time.Time) pricing.Context {
	pc := pricing.Context{At: now}
	if n, err := s.Directory.CountOnline(ctx, city); err == nil {
		pc.OnlineDrivers = n
	} else {
		s.Logger.Warn("count online drivers", "city", city, "error", err)
	}
	if n, err := s.Store.CountPending(ctx, city); err == nil {
		pc.PendingTrips = n
	} else {
		s.Logger.Warn("count pending trips", "city", city, "error", err)
	}
	return pc
}

func (s *Service) notify(ctx context.Context, ev models.Event) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, ev); err != nil {
		s.Logger.Warn("notification failed", "event", ev.Type, "trip_id", ev.TripID, "error", err)
	}
}

func validPoint(c models.Coord) bool {
	return !c.IsZero() && c.Valid()
}

func pick(actual, estimate *float64, def float64) float64 {
	switch {
	case actual != nil:
		return *actual
	case estimate != nil:
		return *estimate
	}
	return def
}
