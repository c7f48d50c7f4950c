package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTrip(id string) *models.Trip {
	return &models.Trip{
		ID:          id,
		RiderID:     "rider-1",
		City:        "almaty",
		Pickup:      models.Coord{Lat: 43.2389, Lon: 76.8897},
		Destination: models.Coord{Lat: 43.2567, Lon: 76.9286},
		Class:       models.ClassEconomy,
		CreatedAt:   t0,
	}
}

// stores runs fn against the memory store and, when PG_TEST_DSN is set,
// against Postgres.
func stores(t *testing.T, fn func(t *testing.T, s TripStore, id func(string) string)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(), func(s string) string { return s })
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("PG_TEST_DSN")
		if dsn == "" {
			t.Skip("PG_TEST_DSN not set")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		ps := NewPostgresStoreFromDB(db)
		if _, err := ps.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		run := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
		fn(t, ps, func(s string) string { return run + "-" + s })
	})
}

func mustCreate(t *testing.T, s TripStore, id string) {
	t.Helper()
	if _, err := s.Create(context.Background(), newTrip(id)); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	stores(t, func(t *testing.T, s TripStore, id func(string) string) {
		ctx := context.Background()
		tripID := id("race")
		mustCreate(t, s, tripID)
		if _, err := s.Offer(ctx, tripID, []string{"d0", "d1", "d2"}, t0); err != nil {
			t.Fatalf("offer: %v", err)
		}

		const attempts = 16
		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(driver string) {
				defer wg.Done()
				<-start
				_, err := s.Accept(ctx, tripID, driver, t0)
				errs <- err
			}(fmt.Sprintf("d%d", i))
		}
		close(start)
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			if !errors.Is(err, ErrAlreadyTaken) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if success != 1 {
			t.Fatalf("expected exactly 1 success, got %d", success)
		}
		trip, _ := s.Get(ctx, tripID)
		if trip.Status != models.TripAccepted || trip.AssignedDriver == nil {
			t.Fatalf("unexpected final state %s / %v", trip.Status, trip.AssignedDriver)
		}
	})
}

func TestLifecycleHappyPath(t *testing.T) {
	stores(t, func(t *testing.T, s TripStore, id func(string) string) {
		ctx := context.Background()
		tripID := id("happy")
		mustCreate(t, s, tripID)

		trip, err := s.Offer(ctx, tripID, []string{"d1", "d2"}, t0)
		if err != nil || trip.Status != models.TripOffered || len(trip.OfferedTo) != 2 || trip.OfferedAt == nil {
			t.Fatalf("offer: %+v err=%v", trip, err)
		}
		if trip.AssignedDriver != nil {
			t.Fatal("offer must not assign a driver")
		}
		if _, err := s.Offer(ctx, tripID, []string{"d3"}, t0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("offer on an offered trip: expected ErrInvalidTransition, got %v", err)
		}

		if _, err := s.Start(ctx, tripID, "d1", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("start before accept: expected ErrInvalidTransition, got %v", err)
		}
		if trip, err = s.Accept(ctx, tripID, "d1", t0.Add(time.Second)); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if trip.Status != models.TripAccepted || *trip.AssignedDriver != "d1" || trip.AcceptedAt == nil {
			t.Fatalf("unexpected accepted trip %+v", trip)
		}
		if _, err := s.Start(ctx, tripID, "d2", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("start by another driver: expected ErrInvalidTransition, got %v", err)
		}
		if trip, err = s.Start(ctx, tripID, "d1", t0.Add(time.Minute)); err != nil || trip.Status != models.TripInProgress {
			t.Fatalf("start: %+v err=%v", trip, err)
		}
		if _, err := s.Cancel(ctx, tripID, "rider", "changed mind", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("cancel in progress: expected ErrInvalidTransition, got %v", err)
		}

		settle := models.Settlement{Fare: 150, DistanceM: 5000, DurationS: 600, Commission: 22.5}
		trip, err = s.Complete(ctx, tripID, "d1", settle, t0.Add(20*time.Minute))
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if trip.Status != models.TripCompleted || *trip.FinalFare != 150 || *trip.Commission != 22.5 || *trip.DistanceM != 5000 {
			t.Fatalf("settlement not recorded: %+v", trip)
		}

		// terminal trips are immutable
		for name, op := range map[string]func() error{
			"cancel": func() error { _, err := s.Cancel(ctx, tripID, "rider", "late", t0); return err },
			"reject": func() error { _, err := s.Reject(ctx, tripID, "d1", t0); return err },
			"accept": func() error { _, err := s.Accept(ctx, tripID, "d9", t0); return err },
			"offer":  func() error { _, err := s.Offer(ctx, tripID, []string{"d9"}, t0); return err },
		} {
			if err := op(); err == nil {
				t.Fatalf("%s on a completed trip should fail", name)
			}
		}
		after, _ := s.Get(ctx, tripID)
		if after.Status != models.TripCompleted || *after.AssignedDriver != "d1" {
			t.Fatalf("completed trip changed: %+v", after)
		}
	})
}

func TestRejectRevertsAndExcludes(t *testing.T) {
	stores(t, func(t *testing.T, s TripStore, id func(string) string) {
		ctx := context.Background()
		tripID := id("reject")
		mustCreate(t, s, tripID)
		if _, err := s.Offer(ctx, tripID, []string{"d1", "d2"}, t0); err != nil {
			t.Fatalf("offer: %v", err)
		}

		trip, err := s.Reject(ctx, tripID, "d1", t0)
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if trip.Status != models.TripPending || !trip.HasRejected("d1") {
			t.Fatalf("expected pending with d1 rejected, got %+v", trip)
		}
		if len(trip.OfferedTo) != 1 || trip.OfferedTo[0] != "d2" {
			t.Fatalf("remaining offerees should be kept, got %v", trip.OfferedTo)
		}
		if _, err := s.Accept(ctx, tripID, "d1", t0); !errors.Is(err, ErrDriverExcluded) {
			t.Fatalf("rejected driver accept: expected ErrDriverExcluded, got %v", err)
		}
		if _, err := s.Offer(ctx, tripID, []string{"d1"}, t0); !errors.Is(err, ErrDriverExcluded) {
			t.Fatalf("re-offer to rejected driver: expected ErrDriverExcluded, got %v", err)
		}

		// the assignee backing out clears the assignment
		if _, err := s.Accept(ctx, tripID, "d2", t0); err != nil {
			t.Fatalf("accept: %v", err)
		}
		trip, err = s.Reject(ctx, tripID, "d2", t0)
		if err != nil {
			t.Fatalf("reject by assignee: %v", err)
		}
		if trip.Status != models.TripPending || trip.AssignedDriver != nil {
			t.Fatalf("expected pending without assignee, got %s / %v", trip.Status, trip.AssignedDriver)
		}

		// rejecting twice keeps a single record
		trip, _ = s.Reject(ctx, tripID, "d2", t0)
		if len(trip.Rejected) != 2 {
			t.Fatalf("expected 2 rejections, got %v", trip.Rejected)
		}
	})
}

func TestReleaseMovesOffereesToRejections(t *testing.T) {
	stores(t, func(t *testing.T, s TripStore, id func(string) string) {
		ctx := context.Background()
		tripID := id("release")
		mustCreate(t, s, tripID)
		if _, err := s.Offer(ctx, tripID, []string{"d1", "d2"}, t0); err != nil {
			t.Fatalf("offer: %v", err)
		}
		trip, err := s.Release(ctx, tripID, t0.Add(time.Minute))
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if trip.Status != models.TripPending || len(trip.OfferedTo) != 0 {
			t.Fatalf("expected pending with no offerees, got %+v", trip)
		}
		if !trip.HasRejected("d1") || !trip.HasRejected("d2") {
			t.Fatalf("timed-out offerees should be excluded, got %v", trip.Rejected)
		}
		// releasing a pending trip is a no-op
		if _, err := s.Release(ctx, tripID, t0); err != nil {
			t.Fatalf("release pending: %v", err)
		}
	})
}

func TestCancelFromOpenStates(t *testing.T) {
	stores(t, func(t *testing.T, s TripStore, id func(string) string) {
		ctx := context.Background()
		pending, offered, accepted := id("c-pending"), id("c-offered"), id("c-accepted")
		for _, tid := range []string{pending, offered, accepted} {
			mustCreate(t, s, tid)
		}
		_, _ = s.Offer(ctx, offered, []string{"d1"}, t0)
		_, _ = s.Accept(ctx, accepted, "d1", t0)

		for _, tid := range []string{pending, offered, accepted} {
			trip, err := s.Cancel(ctx, tid, "rider", "changed mind", t0)
			if err != nil {
				t.Fatalf("cancel %s: %v", tid, err)
			}
			if trip.Status != models.TripCancelled || trip.AssignedDriver != nil || trip.CancelReason != "changed mind" || trip.CancelledBy != "rider" {
				t.Fatalf("unexpected cancelled trip %+v", trip)
			}
		}
		if _, err := s.Accept(ctx, pending, "d2", t0); !errors.Is(err, ErrAlreadyTaken) {
			t.Fatalf("accept on cancelled trip: expected ErrAlreadyTaken, got %v", err)
		}
	})
}

func TestNotFound(t *testing.T) {
	stores(t, func(t *testing.T, s TripStore, id func(string) string) {
		ctx := context.Background()
		missing := id("missing")
		if _, err := s.Get(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get: expected ErrNotFound, got %v", err)
		}
		if _, err := s.Accept(ctx, missing, "d1", t0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("accept: expected ErrNotFound, got %v", err)
		}
		if _, err := s.Reject(ctx, missing, "d1", t0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("reject: expected ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryCountsAndListOpen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, city := range []string{"almaty", "almaty", "astana"} {
		trip := newTrip(fmt.Sprintf("t%d", i))
		trip.City = city
		trip.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		if _, err := s.Create(ctx, trip); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	_, _ = s.Offer(ctx, "t1", []string{"d1"}, t0)
	_, _ = s.Accept(ctx, "t0", "d2", t0)

	if n, _ := s.CountPending(ctx, "almaty"); n != 1 {
		t.Fatalf("expected 1 open trip in almaty, got %d", n)
	}
	open, _ := s.ListOpen(ctx)
	if len(open) != 2 || open[0].ID != "t1" || open[1].ID != "t2" {
		t.Fatalf("unexpected open trips %v", open)
	}
	if _, err := s.Create(ctx, newTrip("t0")); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("duplicate id: expected ErrAlreadyTaken, got %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	mustCreate(t, s, "t1")
	trip, _ := s.Offer(ctx, "t1", []string{"d1"}, t0)
	trip.OfferedTo[0] = "mallory"
	trip.Status = models.TripCompleted

	again, _ := s.Get(ctx, "t1")
	if again.OfferedTo[0] != "d1" || again.Status != models.TripOffered {
		t.Fatalf("caller mutation leaked into the store: %+v", again)
	}
}
