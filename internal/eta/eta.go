package eta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrUpstreamUnavailable wraps every failure of a routing backend.
var ErrUpstreamUnavailable = errors.New("route upstream unavailable")

// Route is a driving distance and duration between two points.
type Route struct {
	DistanceM float64 `json:"distance_m"`
	DurationS float64 `json:"duration_s"`
}

// Estimator is the interface used by the engine to get routes.
type Estimator interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	clock clock.Clock
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration, c clock.Clock) *Cache {
	if c == nil {
		c = clock.Real()
	}
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, clock: c}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.clock.Now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

func (c *Cache) Set(a, b models.Coord, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: c.clock.Now()}
	c.mu.Unlock()
}

// StraightLine estimates a route as the great-circle distance driven at a
// constant city speed. It never fails.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) Route(_ context.Context, from, to models.Coord) (Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.DistanceMeters(from, to)
	return Route{DistanceM: d, DurationS: d / speed}, nil
}

// Fallback fronts a routing backend with a cache and answers with a fixed
// default route whenever the backend fails. Its Route never returns an error.
type Fallback struct {
	Primary Estimator
	Cache   *Cache
	Default Route
	Logger  *slog.Logger
}

func (f *Fallback) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if f.Cache != nil {
		if r, ok := f.Cache.Get(from, to); ok {
			return r, nil
		}
	}
	if f.Primary != nil {
		r, err := f.Primary.Route(ctx, from, to)
		if err == nil {
			if f.Cache != nil {
				f.Cache.Set(from, to, r)
			}
			return r, nil
		}
		if f.Logger != nil {
			f.Logger.Warn("route lookup failed, using default", "error", err)
		}
	}
	observability.RouteFallbacks.Inc()
	return f.Default, nil
}
