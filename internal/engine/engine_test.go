package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ratelimit"
	"github.com/example/ride-dispatch/internal/storage"
)

// Tuesday 23:00 UTC: only the night band applies.
var nightTime = time.Date(2026, 2, 10, 23, 0, 0, 0, time.UTC)

var (
	pickup = models.Coord{Lat: 43.2380, Lon: 76.8890}
	dest   = models.Coord{Lat: 43.2567, Lon: 76.9286}
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) of(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type publisherFunc func(ctx context.Context, p models.LocationPing) error

func (f publisherFunc) PublishLocation(ctx context.Context, p models.LocationPing) error {
	return f(ctx, p)
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	dir   *directory.Memory
	clock *clock.FakeClock
	rec   *recorder
}

func scenarioSettings() pricing.Settings {
	s := pricing.DefaultSettings()
	s.Tariffs = []pricing.Tariff{{Name: "scenario", Active: true, Currency: "KZT", BaseFare: 50, PerKm: 8, PerMinute: 1, Minimum: 80, CommissionPercent: 15}}
	s.NightPercent = 50
	s.Demand = pricing.DemandTiers{}
	return s
}

func newFixture(t *testing.T, cascadeCfg dispatch.Config, drivers ...models.Driver) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		dir:   directory.NewMemory(),
		clock: clock.Fake(nightTime),
		rec:   &recorder{},
	}
	ctx := context.Background()
	for _, d := range drivers {
		if err := f.dir.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := dispatch.NewCascade(f.store, matcher.New(f.dir), f.rec, f.clock, logger, cascadeCfg)
	f.svc = New(Deps{
		Store:     f.store,
		Directory: f.dir,
		Pricing:   pricing.NewEngine(scenarioSettings()),
		Cascade:   c,
		Limiter:   ratelimit.New(f.clock),
		Notifier:  f.rec,
		Clock:     f.clock,
		Logger:    logger,
	}, DefaultConfig())
	return f
}

func driver(id string, rating float64, lat, lon float64) models.Driver {
	return models.Driver{
		ID: id, City: "almaty", Class: models.ClassEconomy, Rating: &rating,
		Online: true, Status: models.DriverApproved,
		Location: &models.Location{Coord: models.Coord{Lat: lat, Lon: lon}},
	}
}

func tripRequest(rider string) CreateTripRequest {
	m, s := 5000.0, 600.0
	return CreateTripRequest{RiderID: rider, City: "almaty", Pickup: pickup, Destination: dest, Class: models.ClassEconomy, DistanceHintM: &m, DurationHintS: &s}
}

func (f *fixture) inProgress(t *testing.T, driverID string) *models.Trip {
	t.Helper()
	ctx := context.Background()
	trip, err := f.svc.CreateTrip(ctx, tripRequest("r1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res, _, err := f.svc.DriverAccept(ctx, trip.ID, driverID); err != nil || res != AcceptSuccess {
		t.Fatalf("accept: %v %v", res, err)
	}
	trip, err = f.svc.StartTrip(ctx, trip.ID, driverID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return trip
}

func TestCreateTripValidation(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig())
	ctx := context.Background()

	req := tripRequest("r1")
	req.Destination = models.Coord{}
	if _, err := f.svc.CreateTrip(ctx, req); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("missing destination: got %v", err)
	}

	req = tripRequest("r1")
	req.Pickup = models.Coord{Lat: 120, Lon: 10}
	if _, err := f.svc.CreateTrip(ctx, req); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("out-of-range pickup: got %v", err)
	}

	req = tripRequest("r1")
	req.Class = "limousine"
	if _, err := f.svc.CreateTrip(ctx, req); !errors.Is(err, pricing.ErrUnknownClass) {
		t.Fatalf("bad class: got %v", err)
	}

	s := scenarioSettings()
	s.Tariffs[0].Active = false
	f.svc.Pricing.SetSettings(s)
	if _, err := f.svc.CreateTrip(ctx, tripRequest("r1")); !errors.Is(err, pricing.ErrNoTariffConfigured) {
		t.Fatalf("no tariff: got %v", err)
	}
}

func TestCreateTripPricesAndOffers(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(),
		driver("d1", 5, 43.239, 76.889),
		driver("d2", 4, 43.25, 76.90),
	)
	trip, err := f.svc.CreateTrip(context.Background(), tripRequest("r1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if trip.QuotedFare == nil || *trip.QuotedFare != 150 {
		t.Fatalf("expected quoted fare 150.00, got %v", trip.QuotedFare)
	}
	if trip.Status != models.TripOffered || len(trip.OfferedTo) != 2 {
		t.Fatalf("expected an offer to both drivers, got %s %v", trip.Status, trip.OfferedTo)
	}
	if len(f.rec.of(models.EventOfferSent)) != 1 {
		t.Fatal("offer_sent not emitted")
	}
}

func TestCreateTripRateLimited(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.svc.CreateTrip(ctx, tripRequest("r1")); err != nil {
			t.Fatalf("create %d: %v", i+1, err)
		}
	}
	if _, err := f.svc.CreateTrip(ctx, tripRequest("r1")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("6th create: expected ErrRateLimited, got %v", err)
	}
	if _, err := f.svc.CreateTrip(ctx, tripRequest("r2")); err != nil {
		t.Fatalf("other rider limited: %v", err)
	}

	f.svc.ResetRateLimit("r1", "")
	if _, err := f.svc.CreateTrip(ctx, tripRequest("r1")); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestRejectedCreateDoesNotSpendQuota(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig())
	ctx := context.Background()

	s := scenarioSettings()
	s.Tariffs[0].Active = false
	f.svc.Pricing.SetSettings(s)
	for i := 0; i < 6; i++ {
		if _, err := f.svc.CreateTrip(ctx, tripRequest("r1")); !errors.Is(err, pricing.ErrNoTariffConfigured) {
			t.Fatalf("create %d: expected ErrNoTariffConfigured, got %v", i+1, err)
		}
	}

	f.svc.Pricing.SetSettings(scenarioSettings())
	for i := 0; i < 5; i++ {
		if _, err := f.svc.CreateTrip(ctx, tripRequest("r1")); err != nil {
			t.Fatalf("create %d after restoring the tariff: %v", i+1, err)
		}
	}
}

func TestDriverAcceptOutcomes(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), driver("d1", 5, 43.239, 76.889), driver("d2", 4, 43.25, 76.90))
	ctx := context.Background()
	trip, _ := f.svc.CreateTrip(ctx, tripRequest("r1"))

	res, got, err := f.svc.DriverAccept(ctx, trip.ID, "d2")
	if err != nil || res != AcceptSuccess || *got.AssignedDriver != "d2" {
		t.Fatalf("expected success for d2, got %v %v", res, err)
	}
	if res, _, _ := f.svc.DriverAccept(ctx, trip.ID, "d1"); res != AcceptAlreadyTaken {
		t.Fatalf("second accept: expected already_taken, got %v", res)
	}
	if res, _, _ := f.svc.DriverAccept(ctx, "missing", "d1"); res != AcceptNotFound {
		t.Fatalf("unknown trip: expected not_found, got %v", res)
	}
	if w := f.rec.of(models.EventOfferWithdrawn); len(w) != 1 || w[0].DriverIDs[0] != "d1" {
		t.Fatalf("loser not told: %+v", w)
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig())
	ctx := context.Background()
	trip, _ := f.svc.CreateTrip(ctx, tripRequest("r1"))

	const n = 12
	results := make([]AcceptResult, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], _, _ = f.svc.DriverAccept(ctx, trip.ID, "drv-"+string(rune('a'+i)))
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r == AcceptSuccess {
			wins++
		} else if r != AcceptAlreadyTaken {
			t.Fatalf("unexpected result %q", r)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestDriverRejectReoffersNearest(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.PriorityFanout = 1
	f := newFixture(t, cfg, driver("top", 5, 43.30, 76.95), driver("near", 3, 43.2381, 76.8891))
	ctx := context.Background()
	trip, _ := f.svc.CreateTrip(ctx, tripRequest("r1"))

	after, err := f.svc.DriverReject(ctx, trip.ID, "top")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if after.Status != models.TripOffered || !after.HasRejected("top") || len(after.OfferedTo) != 1 || after.OfferedTo[0] != "near" {
		t.Fatalf("expected a direct re-offer to near, got %+v", after)
	}
	if res, _, _ := f.svc.DriverAccept(ctx, trip.ID, "top"); res != AcceptAlreadyTaken {
		t.Fatalf("rejected driver must not be able to accept, got %v", res)
	}
}

func TestCompleteTripSettles(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), driver("d1", 5, 43.239, 76.889))
	ctx := context.Background()
	trip := f.inProgress(t, "d1")

	if _, err := f.svc.CompleteTrip(ctx, trip.ID, "intruder", nil, nil); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("complete by another driver: got %v", err)
	}

	m, s := 5000.0, 600.0
	done, err := f.svc.CompleteTrip(ctx, trip.ID, "d1", &m, &s)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.TripCompleted || *done.FinalFare != 150 || *done.Commission != 22.5 {
		t.Fatalf("unexpected settlement fare=%v commission=%v", *done.FinalFare, *done.Commission)
	}
	ev := f.rec.of(models.EventTripCompleted)
	if len(ev) != 1 || *ev[0].Fare != 150 || ev[0].RiderID != "r1" {
		t.Fatalf("unexpected completion event %+v", ev)
	}
}

func TestCompleteTripFallsBackToEstimates(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), driver("d1", 5, 43.239, 76.889))
	trip := f.inProgress(t, "d1")

	done, err := f.svc.CompleteTrip(context.Background(), trip.ID, "d1", nil, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if *done.DistanceM != 5000 || *done.DurationS != 600 || *done.FinalFare != 150 {
		t.Fatalf("expected the creation estimates to be used, got %+v", done)
	}
}

func TestCancelTripNotifiesDrivers(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), driver("d1", 5, 43.239, 76.889), driver("d2", 4, 43.25, 76.90))
	ctx := context.Background()
	trip, _ := f.svc.CreateTrip(ctx, tripRequest("r1"))

	cancelled, err := f.svc.CancelTrip(ctx, trip.ID, "r1", "plans changed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.TripCancelled || cancelled.CancelledBy != "r1" {
		t.Fatalf("unexpected trip %+v", cancelled)
	}
	ev := f.rec.of(models.EventTripCancelled)
	if len(ev) != 1 || len(ev[0].DriverIDs) != 2 {
		t.Fatalf("expected both offerees notified, got %+v", ev)
	}
	if _, err := f.svc.CancelTrip(ctx, trip.ID, "r1", ""); err == nil {
		t.Fatal("cancelling a terminal trip must fail")
	}

	f.clock.Advance(time.Hour)
	if len(f.rec.of(models.EventTripEscalated)) != 0 {
		t.Fatal("cancelled trip escalated")
	}
}

func TestOnlyParticipantsMayCancelOrReject(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.PriorityFanout = 1
	f := newFixture(t, cfg, driver("d1", 5, 43.239, 76.889), driver("d2", 3, 43.25, 76.90))
	ctx := context.Background()
	trip, _ := f.svc.CreateTrip(ctx, tripRequest("r1"))

	if _, err := f.svc.CancelTrip(ctx, trip.ID, "r2", "not mine"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger cancel: expected ErrNotParticipant, got %v", err)
	}
	if _, err := f.svc.DriverReject(ctx, trip.ID, "d2"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("reject without an offer: expected ErrNotParticipant, got %v", err)
	}
	cur, _ := f.svc.GetTrip(ctx, trip.ID)
	if cur.Status != models.TripOffered || cur.HasRejected("d2") {
		t.Fatalf("refused calls changed the trip: %+v", cur)
	}

	cancelled, err := f.svc.CancelTrip(ctx, trip.ID, ActorSystem, "operator")
	if err != nil {
		t.Fatalf("system cancel: %v", err)
	}
	if cancelled.CancelledBy != ActorSystem {
		t.Fatalf("expected cancelled_by %q, got %q", ActorSystem, cancelled.CancelledBy)
	}
}

func TestReportLocation(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), models.Driver{ID: "d1", City: "almaty", Status: models.DriverApproved})
	var published []models.LocationPing
	f.svc.Locations = publisherFunc(func(_ context.Context, p models.LocationPing) error {
		published = append(published, p)
		return nil
	})
	ctx := context.Background()
	online := true

	if err := f.svc.ReportLocation(ctx, models.LocationPing{DriverID: "d1", Loc: pickup, Online: &online}); err != nil {
		t.Fatalf("report: %v", err)
	}
	d, _ := f.dir.Get(ctx, "d1")
	if !d.Online || d.Location == nil || d.Location.Coord != pickup || !d.Location.UpdatedAt.Equal(nightTime) {
		t.Fatalf("directory not updated: %+v", d)
	}
	if len(published) != 1 {
		t.Fatalf("expected one published ping, got %d", len(published))
	}
	if err := f.svc.ReportLocation(ctx, models.LocationPing{DriverID: "d1"}); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("empty location: got %v", err)
	}
	if err := f.svc.ReportLocation(ctx, models.LocationPing{DriverID: "ghost", Loc: pickup}); !errors.Is(err, directory.ErrDriverNotFound) {
		t.Fatalf("unknown driver: got %v", err)
	}
}
