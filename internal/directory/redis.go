package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Redis keeps one hash per driver, a set of online driver ids per city and a
// GEO index per city holding the last position of online drivers.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "drivers"
	}
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromAddr dials a client the way the location consumer does.
func NewRedisFromAddr(addr, password, prefix string) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix)
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Upsert(ctx context.Context, d models.Driver) error {
	prev, err := r.Get(ctx, d.ID)
	if err != nil && !errors.Is(err, ErrDriverNotFound) {
		return err
	}
	pipe := r.client.TxPipeline()
	if err == nil && prev.City != d.City {
		pipe.SRem(ctx, r.onlineKey(prev.City), d.ID)
		pipe.ZRem(ctx, r.geoKey(prev.City), d.ID)
	}
	pipe.HSet(ctx, r.driverKey(d.ID), encodeDriver(d))
	r.indexPipe(ctx, pipe, d)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(id)).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("load driver %s: %w", id, err)
	}
	d, ok := decodeDriver(m)
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

func (r *Redis) SetOnline(ctx context.Context, id string, online bool) error {
	d, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	d.Online = online
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.driverKey(id), "online", strconv.FormatBool(online))
	r.indexPipe(ctx, pipe, d)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) UpdateLocation(ctx context.Context, id string, loc models.Location) error {
	d, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	d.Location = &loc
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.driverKey(id), encodeLocation(loc))
	r.indexPipe(ctx, pipe, d)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Candidates(ctx context.Context, city string) ([]models.Driver, error) {
	ids, err := r.client.SMembers(ctx, r.onlineKey(city)).Result()
	if err != nil {
		return nil, fmt.Errorf("list online drivers: %w", err)
	}
	sort.Strings(ids)
	return r.loadDispatchable(ctx, city, ids)
}

func (r *Redis) Nearby(ctx context.Context, city string, c models.Coord, limit int) ([]models.Driver, error) {
	// The radius covers the whole globe so the search is an ordering, not a cut-off.
	ids, err := r.client.GeoSearch(ctx, r.geoKey(city), &redis.GeoSearchQuery{
		Longitude:  c.Lon,
		Latitude:   c.Lat,
		Radius:     20038,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	drivers, err := r.loadDispatchable(ctx, city, ids)
	if err != nil {
		return nil, err
	}
	out := drivers[:0]
	for _, d := range drivers {
		if d.Location != nil {
			out = append(out, d)
		}
	}
	// GEO scores are geohash-quantized; re-rank on the exact stored position.
	sort.SliceStable(out, func(i, j int) bool {
		return geo.DistanceMeters(c, out[i].Location.Coord) < geo.DistanceMeters(c, out[j].Location.Coord)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Redis) CountOnline(ctx context.Context, city string) (int, error) {
	drivers, err := r.Candidates(ctx, city)
	if err != nil {
		return 0, err
	}
	return len(drivers), nil
}

func (r *Redis) loadDispatchable(ctx context.Context, city string, ids []string) ([]models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.driverKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load drivers: %w", err)
	}
	out := make([]models.Driver, 0, len(ids))
	for _, cmd := range cmds {
		d, ok := decodeDriver(cmd.Val())
		if !ok || d.City != city || !d.Dispatchable() {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// indexPipe brings the online set and GEO index for d's city in line with d.
func (r *Redis) indexPipe(ctx context.Context, pipe redis.Pipeliner, d models.Driver) {
	if !d.Online {
		pipe.SRem(ctx, r.onlineKey(d.City), d.ID)
		pipe.ZRem(ctx, r.geoKey(d.City), d.ID)
		return
	}
	pipe.SAdd(ctx, r.onlineKey(d.City), d.ID)
	if d.Location != nil {
		pipe.GeoAdd(ctx, r.geoKey(d.City), &redis.GeoLocation{Name: d.ID, Longitude: d.Location.Lon, Latitude: d.Location.Lat})
	}
}

func (r *Redis) driverKey(id string) string   { return r.prefix + ":driver:" + id }
func (r *Redis) onlineKey(city string) string { return r.prefix + ":online:" + city }
func (r *Redis) geoKey(city string) string    { return r.prefix + ":geo:" + city }

func encodeDriver(d models.Driver) map[string]interface{} {
	m := map[string]interface{}{
		"id":       d.ID,
		"user_ref": d.UserRef,
		"city":     d.City,
		"class":    string(d.Class),
		"status":   string(d.Status),
		"online":   strconv.FormatBool(d.Online),
		"rating":   "",
	}
	if d.Rating != nil {
		m["rating"] = strconv.FormatFloat(*d.Rating, 'f', -1, 64)
	}
	if d.Location != nil {
		for k, v := range encodeLocation(*d.Location) {
			m[k] = v
		}
	}
	return m
}

func encodeLocation(loc models.Location) map[string]interface{} {
	return map[string]interface{}{
		"lat":         strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lon":         strconv.FormatFloat(loc.Lon, 'f', -1, 64),
		"loc_updated": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeDriver(m map[string]string) (models.Driver, bool) {
	id := m["id"]
	if id == "" {
		return models.Driver{}, false
	}
	d := models.Driver{
		ID:      id,
		UserRef: m["user_ref"],
		City:    m["city"],
		Class:   models.CarClass(m["class"]),
		Status:  models.DriverStatus(m["status"]),
		Online:  m["online"] == "true",
	}
	if v := m["rating"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = &f
		}
	}
	lat, errLat := strconv.ParseFloat(m["lat"], 64)
	lon, errLon := strconv.ParseFloat(m["lon"], 64)
	if errLat == nil && errLon == nil {
		loc := &models.Location{Coord: models.Coord{Lat: lat, Lon: lon}}
		if ts, err := time.Parse(time.RFC3339Nano, m["loc_updated"]); err == nil {
			loc.UpdatedAt = ts
		}
		d.Location = loc
	}
	return d, true
}
