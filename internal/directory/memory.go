package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Memory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]models.Driver)}
}

func (m *Memory) Upsert(_ context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = copyDriver(d)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return copyDriver(d), nil
}

func (m *Memory) SetOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	d.Online = online
	m.drivers[id] = d
	return nil
}

func (m *Memory) UpdateLocation(_ context.Context, id string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	d.Location = &loc
	m.drivers[id] = d
	return nil
}

func (m *Memory) Candidates(_ context.Context, city string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.City == city && d.Dispatchable() {
			out = append(out, copyDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// naive scan; the Redis directory uses a GEO index instead
func (m *Memory) Nearby(_ context.Context, city string, c models.Coord, limit int) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.City != city || !d.Dispatchable() || d.Location == nil {
			continue
		}
		arr = append(arr, pair{copyDriver(d), geo.DistanceMeters(c, d.Location.Coord)})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	n := len(arr)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

func (m *Memory) CountOnline(_ context.Context, city string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.drivers {
		if d.City == city && d.Dispatchable() {
			n++
		}
	}
	return n, nil
}

func copyDriver(d models.Driver) models.Driver {
	if d.Rating != nil {
		r := *d.Rating
		d.Rating = &r
	}
	if d.Location != nil {
		l := *d.Location
		d.Location = &l
	}
	return d
}
