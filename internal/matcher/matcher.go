package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Directory is the slice of the driver directory the matcher reads.
type Directory interface {
	Candidates(ctx context.Context, city string) ([]models.Driver, error)
	Nearby(ctx context.Context, city string, c models.Coord, limit int) ([]models.Driver, error)
}

// Weights of the priority score.
const (
	RatingWeight    = 20.0
	UnratedScore    = 80.0
	OnlineBonus     = 50.0
	LocationBonus   = 20.0
	DefaultPoolSize = 5
)

var classBonus = map[models.CarClass]float64{
	models.ClassEconomy:  0,
	models.ClassStandard: 10,
	models.ClassComfort:  20,
	models.ClassBusiness: 30,
}

// Service ranks drivers for a trip. It works on directory snapshots and never
// locks driver records.
type Service struct {
	Directory Directory
}

func New(dir Directory) *Service {
	return &Service{Directory: dir}
}

// PriorityScore weighs rating, online state, location availability and class.
func PriorityScore(d models.Driver) float64 {
	score := UnratedScore
	if d.Rating != nil {
		score = *d.Rating * RatingWeight
	}
	if d.Online {
		score += OnlineBonus
	}
	if d.Location != nil {
		score += LocationBonus
	}
	return score + classBonus[d.Class]
}

// SelectCandidates returns up to limit drivers of the trip's city, best score
// first, ties broken by ascending id.
func (s *Service) SelectCandidates(ctx context.Context, trip *models.Trip, exclude map[string]struct{}, limit int) ([]models.Driver, error) {
	if limit <= 0 {
		limit = DefaultPoolSize
	}
	pool, err := s.Directory.Candidates(ctx, trip.City)
	if err != nil {
		return nil, err
	}
	type scored struct {
		d     models.Driver
		score float64
	}
	list := make([]scored, 0, len(pool))
	for _, d := range pool {
		if _, skip := exclude[d.ID]; skip {
			continue
		}
		list = append(list, scored{d, PriorityScore(d)})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].d.ID < list[j].d.ID
	})
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]models.Driver, len(list))
	for i, sc := range list {
		out[i] = sc.d
	}
	return out, nil
}

// Nearest returns up to limit drivers ordered by distance to the pickup.
// Drivers without a known location cannot be ranked and are left out.
func (s *Service) Nearest(ctx context.Context, trip *models.Trip, exclude map[string]struct{}, limit int) ([]models.Driver, error) {
	if limit <= 0 {
		limit = 1
	}
	near, err := s.Directory.Nearby(ctx, trip.City, trip.Pickup, limit+len(exclude))
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, limit)
	for _, d := range near {
		if _, skip := exclude[d.ID]; skip {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
