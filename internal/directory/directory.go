// Package directory is the read/write view over driver records used by the
// matcher and the location ingest path.
package directory

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrDriverNotFound = errors.New("driver not found")

// Directory is implemented by the in-memory index and the Redis-backed one.
// Candidates and Nearby return snapshots; callers never hold driver records.
type Directory interface {
	Upsert(ctx context.Context, d models.Driver) error
	Get(ctx context.Context, id string) (models.Driver, error)
	SetOnline(ctx context.Context, id string, online bool) error
	UpdateLocation(ctx context.Context, id string, loc models.Location) error

	// Candidates returns online, approved drivers in city.
	Candidates(ctx context.Context, city string) ([]models.Driver, error)
	// Nearby returns online, approved drivers in city that have a location,
	// closest to c first. limit <= 0 means no limit.
	Nearby(ctx context.Context, city string, c models.Coord, limit int) ([]models.Driver, error)
	CountOnline(ctx context.Context, city string) (int, error)
}
