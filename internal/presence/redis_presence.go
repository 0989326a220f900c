package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore keeps positions in a GEO set and the rest of the presence
// record in a per-driver hash, so Nearby is a single GEOSEARCH.
type RedisStore struct {
	client *redis.Client
	geoKey string
}

func NewRedisStore(addr, password, geoKey string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, geoKey: geoKey}
}

func metaKey(id string) string { return "driver:presence:" + id }

func onlineSetKey() string { return "drivers:online" }

func (r *RedisStore) Get(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrUnknownDriver
	}
	return presenceFromHash(driverID, m), nil
}

func (r *RedisStore) Put(ctx context.Context, p *models.DriverPresence) error {
	fields := map[string]interface{}{
		"online":       strconv.FormatBool(p.Online),
		"approved":     strconv.FormatBool(p.Approved),
		"vehicle_type": p.VehicleType,
		"name":         p.Name,
		"vehicle":      p.Vehicle,
		"rating":       strconv.FormatFloat(p.Rating, 'f', 2, 64),
	}
	if p.Location != nil {
		fields["lat"] = strconv.FormatFloat(p.Location.Lat, 'f', 6, 64)
		fields["lon"] = strconv.FormatFloat(p.Location.Lon, 'f', 6, 64)
	}
	if p.LastLocAt != nil {
		fields["last_location_at"] = p.LastLocAt.UTC().Format(time.RFC3339)
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, metaKey(p.ID), fields)
	if p.Online {
		pipe.SAdd(ctx, onlineSetKey(), p.ID)
	} else {
		pipe.SRem(ctx, onlineSetKey(), p.ID)
	}
	if p.Location != nil {
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
			Name: p.ID, Longitude: p.Location.Lon, Latitude: p.Location.Lat,
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) SetOnline(ctx context.Context, driverID string, online bool) error {
	exists, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrUnknownDriver
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, metaKey(driverID), "online", strconv.FormatBool(online))
	if online {
		pipe.SAdd(ctx, onlineSetKey(), driverID)
	} else {
		pipe.SRem(ctx, onlineSetKey(), driverID)
		// drop from the GEO set so a stale position can never match
		pipe.ZRem(ctx, r.geoKey, driverID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) SetLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	exists, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrUnknownDriver
	}
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: driverID, Longitude: loc.Lon, Latitude: loc.Lat})
	pipe.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"lat":              strconv.FormatFloat(loc.Lat, 'f', 6, 64),
		"lon":              strconv.FormatFloat(loc.Lon, 'f', 6, 64),
		"last_location_at": at.UTC().Format(time.RFC3339),
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]*models.DriverPresence, error) {
	res, err := r.client.GeoSearch(ctx, r.geoKey, &redis.GeoSearchQuery{
		Longitude:  origin.Lon,
		Latitude:   origin.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.DriverPresence, 0, len(res))
	for _, id := range res {
		p, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if !p.Online {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisStore) Online(ctx context.Context) ([]*models.DriverPresence, error) {
	ids, err := r.client.SMembers(ctx, onlineSetKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.DriverPresence, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func presenceFromHash(id string, m map[string]string) *models.DriverPresence {
	p := &models.DriverPresence{ID: id}
	p.Online = m["online"] == "true"
	p.Approved = m["approved"] == "true"
	p.VehicleType = m["vehicle_type"]
	p.Name = m["name"]
	p.Vehicle = m["vehicle"]
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		p.Rating = v
	}
	lat, latErr := strconv.ParseFloat(m["lat"], 64)
	lon, lonErr := strconv.ParseFloat(m["lon"], 64)
	if latErr == nil && lonErr == nil {
		p.Location = &models.Coord{Lat: lat, Lon: lon}
	}
	if t, err := time.Parse(time.RFC3339, m["last_location_at"]); err == nil {
		p.LastLocAt = &t
	}
	return p
}
