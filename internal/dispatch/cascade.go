package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Stage string

const (
	StagePriority  Stage = "priority"
	StageBroadcast Stage = "broadcast"
)

// CancelReasonNoDriver is recorded when the broadcast cycle ceiling is hit.
const CancelReasonNoDriver = "no_driver_found"

type Config struct {
	PriorityTimeout  time.Duration
	BroadcastTimeout time.Duration
	PriorityFanout   int
	// MaxBroadcastCycles cancels a trip after that many unanswered broadcast
	// rounds. Zero keeps re-broadcasting for as long as the trip is open.
	MaxBroadcastCycles int
	NotifyRiderOnDelay bool
}

func DefaultConfig() Config {
	return Config{
		PriorityTimeout:    60 * time.Second,
		BroadcastTimeout:   180 * time.Second,
		PriorityFanout:     5,
		NotifyRiderOnDelay: true,
	}
}

// Matcher is what the cascade needs from the matcher service.
type Matcher interface {
	SelectCandidates(ctx context.Context, trip *models.Trip, exclude map[string]struct{}, limit int) ([]models.Driver, error)
	Nearest(ctx context.Context, trip *models.Trip, exclude map[string]struct{}, limit int) ([]models.Driver, error)
}

// Cascade drives each open trip through offer, timeout, re-offer and
// broadcast. It owns at most one live timer per trip; arming a timer
// replaces the previous one, and every timer handler re-reads the trip
// before acting, so a handler racing a cancel or accept does nothing.
type Cascade struct {
	store    storage.TripStore
	matcher  Matcher
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config

	mu     sync.Mutex
	gen    uint64
	timers map[string]*tripTimer
}

type tripTimer struct {
	timer *clock.Timer
	gen   uint64
	stage Stage
	cycle int
}

func NewCascade(store storage.TripStore, m Matcher, n Notifier, c clock.Clock, logger *slog.Logger, cfg Config) *Cascade {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PriorityTimeout <= 0 {
		cfg.PriorityTimeout = def.PriorityTimeout
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = def.BroadcastTimeout
	}
	if cfg.PriorityFanout <= 0 {
		cfg.PriorityFanout = def.PriorityFanout
	}
	return &Cascade{
		store:    store,
		matcher:  m,
		notifier: n,
		clock:    c,
		logger:   logger.With("component", "cascade"),
		cfg:      cfg,
		timers:   make(map[string]*tripTimer),
	}
}

// Start runs the priority stage for a freshly created trip: offer it to the
// top candidates at once and arm the priority timer. With no candidates the
// trip goes straight to broadcast.
func (c *Cascade) Start(ctx context.Context, trip *models.Trip) error {
	cands, err := c.matcher.SelectCandidates(ctx, trip, trip.Excluded(), c.cfg.PriorityFanout)
	if err != nil {
		c.logger.Warn("candidate selection failed, broadcasting", "trip_id", trip.ID, "error", err)
	}
	if len(cands) == 0 {
		return c.broadcast(ctx, trip, 1, false)
	}
	return c.offer(ctx, trip, driverIDs(cands))
}

// OnAccepted stops the trip's timer and tells the other offerees the trip is gone.
func (c *Cascade) OnAccepted(ctx context.Context, trip *models.Trip) {
	c.disarm(trip.ID)
	if trip.AssignedDriver == nil {
		return
	}
	winner := *trip.AssignedDriver
	var losers []string
	for _, id := range trip.OfferedTo {
		if id != winner {
			losers = append(losers, id)
		}
	}
	now := c.clock.Now()
	if len(losers) > 0 {
		notify(ctx, c.notifier, c.logger, models.Event{Type: models.EventOfferWithdrawn, TripID: trip.ID, City: trip.City, DriverIDs: losers, Reason: "assigned", At: now})
	}
	notify(ctx, c.notifier, c.logger, models.Event{
		Type: models.EventTripAssigned, TripID: trip.ID, RiderID: trip.RiderID, City: trip.City,
		DriverIDs: []string{winner}, Trip: trip, At: now,
	})
}

// OnRejected re-matches after a rejection: one nearest candidate outside the
// exclusion set gets a direct offer; without one the trip is broadcast.
func (c *Cascade) OnRejected(ctx context.Context, trip *models.Trip, driverID string) error {
	if trip.Status != models.TripPending {
		return nil
	}
	near, err := c.matcher.Nearest(ctx, trip, trip.Excluded(), 1)
	if err != nil {
		c.logger.Warn("nearest lookup failed, broadcasting", "trip_id", trip.ID, "error", err)
	}
	if len(near) > 0 {
		c.logger.Info("re-offering after rejection", "trip_id", trip.ID, "rejected_by", driverID, "driver_id", near[0].ID)
		return c.offer(ctx, trip, []string{near[0].ID})
	}
	cycle := 1
	if st, cyc, ok := c.Stage(trip.ID); ok && st == StageBroadcast {
		cycle = cyc
	}
	return c.broadcast(ctx, trip, cycle, false)
}

// OnCancelled disarms the trip's timer and tells drivers who held an offer
// or the assignment.
func (c *Cascade) OnCancelled(ctx context.Context, trip *models.Trip, drivers []string) {
	c.disarm(trip.ID)
	notify(ctx, c.notifier, c.logger, models.Event{
		Type: models.EventTripCancelled, TripID: trip.ID, RiderID: trip.RiderID, City: trip.City,
		DriverIDs: drivers, Reason: trip.CancelReason, At: c.clock.Now(),
	})
}

// Reconcile re-arms trips left open without a live timer, e.g. after a
// restart. Each one is re-announced on the broadcast stage.
func (c *Cascade) Reconcile(ctx context.Context) (int, error) {
	open, err := c.store.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, trip := range open {
		if _, _, live := c.Stage(trip.ID); live {
			continue
		}
		if trip.Status == models.TripOffered {
			released, err := c.store.Release(ctx, trip.ID, c.clock.Now())
			if err != nil {
				c.logger.Warn("reconcile release failed", "trip_id", trip.ID, "error", err)
				continue
			}
			trip = released
		}
		if err := c.broadcast(ctx, trip, 1, false); err != nil {
			c.logger.Warn("reconcile broadcast failed", "trip_id", trip.ID, "error", err)
			continue
		}
		n++
	}
	c.logger.Info("reconciled open trips", "count", n)
	return n, nil
}

// Stage reports the live timer of a trip.
func (c *Cascade) Stage(tripID string) (Stage, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[tripID]
	if !ok {
		return "", 0, false
	}
	return t.stage, t.cycle, true
}

func (c *Cascade) ActiveTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Close stops every timer.
func (c *Cascade) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, id)
	}
	observability.CascadeTimers.Set(0)
}

func (c *Cascade) offer(ctx context.Context, trip *models.Trip, ids []string) error {
	now := c.clock.Now()
	offered, err := c.store.Offer(ctx, trip.ID, ids, now)
	switch {
	case errors.Is(err, storage.ErrInvalidTransition):
		// accepted or cancelled meanwhile
		return nil
	case errors.Is(err, storage.ErrDriverExcluded):
		return c.broadcast(ctx, trip, 1, false)
	case err != nil:
		return err
	}
	observability.OffersSent.Add(float64(len(ids)))
	notify(ctx, c.notifier, c.logger, models.Event{
		Type: models.EventOfferSent, TripID: offered.ID, RiderID: offered.RiderID, City: offered.City,
		DriverIDs: ids, Trip: offered, Fare: offered.QuotedFare, At: now,
	})
	gen := c.arm(offered.ID, StagePriority, 0, c.cfg.PriorityTimeout, func(ctx context.Context) {
		c.onPriorityTimeout(ctx, offered.ID)
	})
	c.disarmIfClosed(ctx, offered.ID, gen)
	c.logger.Info("offer sent", "trip_id", offered.ID, "stage", StagePriority, "drivers", ids)
	return nil
}

func (c *Cascade) onPriorityTimeout(ctx context.Context, tripID string) {
	trip, err := c.store.Get(ctx, tripID)
	if err != nil {
		c.logger.Warn("priority timeout: load trip", "trip_id", tripID, "error", err)
		return
	}
	if !trip.Status.Open() {
		return
	}
	offerees := trip.OfferedTo
	released, err := c.store.Release(ctx, tripID, c.clock.Now())
	if err != nil {
		// lost the race against accept or cancel
		c.logger.Debug("priority timeout: release skipped", "trip_id", tripID, "error", err)
		return
	}
	now := c.clock.Now()
	if len(offerees) > 0 {
		notify(ctx, c.notifier, c.logger, models.Event{Type: models.EventOfferWithdrawn, TripID: tripID, City: trip.City, DriverIDs: offerees, Reason: "timeout", At: now})
	}
	if released, err = c.store.Get(ctx, tripID); err != nil || !released.Status.Open() {
		return
	}
	observability.Escalations.WithLabelValues(string(StageBroadcast)).Inc()
	notify(ctx, c.notifier, c.logger, models.Event{
		Type: models.EventTripEscalated, TripID: tripID, RiderID: released.RiderID, City: released.City, Trip: released, At: now,
	})
	c.logger.Info("priority window expired, escalating", "trip_id", tripID, "stage", StageBroadcast)
	if err := c.broadcast(ctx, released, 1, false); err != nil {
		c.logger.Error("broadcast failed", "trip_id", tripID, "error", err)
	}
}

// broadcast announces the trip to its city and arms the next broadcast
// timer. The trip is re-read first and after arming: a cancel or accept that
// lands in between must not see the trip announced or a timer left behind.
func (c *Cascade) broadcast(ctx context.Context, trip *models.Trip, cycle int, urgent bool) error {
	current, err := c.store.Get(ctx, trip.ID)
	if err != nil {
		return err
	}
	if !current.Status.Open() {
		return nil
	}
	trip = current
	now := c.clock.Now()
	notify(ctx, c.notifier, c.logger, models.Event{
		Type: models.EventTripBroadcast, TripID: trip.ID, RiderID: trip.RiderID, City: trip.City,
		Trip: trip, Fare: trip.QuotedFare, Urgent: urgent, Cycle: cycle, At: now,
	})
	if urgent && c.cfg.NotifyRiderOnDelay {
		notify(ctx, c.notifier, c.logger, models.Event{Type: models.EventTripDelay, TripID: trip.ID, RiderID: trip.RiderID, City: trip.City, Cycle: cycle, At: now})
	}
	gen := c.arm(trip.ID, StageBroadcast, cycle, c.cfg.BroadcastTimeout, func(ctx context.Context) {
		c.onBroadcastTimeout(ctx, trip.ID, cycle)
	})
	c.disarmIfClosed(ctx, trip.ID, gen)
	return nil
}

func (c *Cascade) onBroadcastTimeout(ctx context.Context, tripID string, cycle int) {
	trip, err := c.store.Get(ctx, tripID)
	if err != nil {
		c.logger.Warn("broadcast timeout: load trip", "trip_id", tripID, "error", err)
		return
	}
	if !trip.Status.Open() {
		return
	}
	if trip.Status == models.TripOffered {
		if trip, err = c.store.Release(ctx, tripID, c.clock.Now()); err != nil {
			return
		}
	}
	if c.cfg.MaxBroadcastCycles > 0 && cycle >= c.cfg.MaxBroadcastCycles {
		cancelled, err := c.store.Cancel(ctx, tripID, "system", CancelReasonNoDriver, c.clock.Now())
		if err != nil {
			return
		}
		c.logger.Info("broadcast ceiling reached, cancelling", "trip_id", tripID, "cycles", cycle)
		c.OnCancelled(ctx, cancelled, nil)
		return
	}
	observability.Escalations.WithLabelValues("rebroadcast").Inc()
	c.logger.Info("trip still unclaimed, re-broadcasting", "trip_id", tripID, "cycle", cycle+1)
	if err := c.broadcast(ctx, trip, cycle+1, true); err != nil {
		c.logger.Error("broadcast failed", "trip_id", tripID, "error", err)
	}
}

// arm replaces the trip's timer. The generation check in the callback drops
// fires of a timer that was replaced or disarmed after it was already due.
func (c *Cascade) arm(tripID string, stage Stage, cycle int, d time.Duration, fn func(ctx context.Context)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.timers[tripID]; ok {
		prev.timer.Stop()
	}
	c.gen++
	gen := c.gen
	t := &tripTimer{gen: gen, stage: stage, cycle: cycle}
	t.timer = c.clock.AfterFunc(d, func() { c.fire(tripID, gen, fn) })
	c.timers[tripID] = t
	observability.CascadeTimers.Set(float64(len(c.timers)))
	return gen
}

func (c *Cascade) fire(tripID string, gen uint64, fn func(ctx context.Context)) {
	c.mu.Lock()
	cur, ok := c.timers[tripID]
	if !ok || cur.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.timers, tripID)
	observability.CascadeTimers.Set(float64(len(c.timers)))
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fn(ctx)
}

func (c *Cascade) disarm(tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[tripID]; ok {
		t.timer.Stop()
		delete(c.timers, tripID)
		observability.CascadeTimers.Set(float64(len(c.timers)))
	}
}

// disarmIfClosed drops the timer of generation gen when the trip is no longer
// open. The accept or cancel that closed it may have run its own disarm
// before this timer was armed.
func (c *Cascade) disarmIfClosed(ctx context.Context, tripID string, gen uint64) {
	trip, err := c.store.Get(ctx, tripID)
	if err != nil || trip.Status.Open() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[tripID]; ok && t.gen == gen {
		t.timer.Stop()
		delete(c.timers, tripID)
		observability.CascadeTimers.Set(float64(len(c.timers)))
	}
}

func driverIDs(ds []models.Driver) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
