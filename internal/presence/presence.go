// Package presence stores live driver state: online/approved flags, vehicle
// class, and the last validated location. Location fields are written only by
// the tracker; Online only via SetOnline.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrUnknownDriver means the driver has no presence record yet.
var ErrUnknownDriver = errors.New("unknown driver")

type Store interface {
	Get(ctx context.Context, driverID string) (*models.DriverPresence, error)
	// Put creates or replaces the full presence record (registration path).
	Put(ctx context.Context, p *models.DriverPresence) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	// SetLocation persists a validated location sample and its timestamp.
	SetLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) error
	// Nearby returns up to limit online drivers within radiusKm, closest first.
	Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]*models.DriverPresence, error)
	// Online lists all currently online drivers (for dispatch fan-out).
	Online(ctx context.Context) ([]*models.DriverPresence, error)
}

// MemoryStore holds presence in a mutex-guarded map with a naive distance
// scan. Suits tests and single-process runs; production uses RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]*models.DriverPresence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]*models.DriverPresence)}
}

func (m *MemoryStore) Get(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, ErrUnknownDriver
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, p *models.DriverPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.drivers[p.ID] = &cp
	return nil
}

func (m *MemoryStore) SetOnline(ctx context.Context, driverID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	p.Online = online
	return nil
}

func (m *MemoryStore) SetLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	l := loc
	t := at
	p.Location = &l
	p.LastLocAt = &t
	return nil
}

func (m *MemoryStore) Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		p    *models.DriverPresence
		dist float64
	}
	var arr []scored
	for _, p := range m.drivers {
		if !p.Online || p.Location == nil {
			continue
		}
		d := geo.DistanceKm(origin, *p.Location)
		if d > radiusKm {
			continue
		}
		cp := *p
		arr = append(arr, scored{&cp, d})
	}
	// partial selection sort for top-N, small N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		min := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[min].dist {
				min = j
			}
		}
		arr[i], arr[min] = arr[min], arr[i]
	}
	out := make([]*models.DriverPresence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out, nil
}

func (m *MemoryStore) Online(ctx context.Context) ([]*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DriverPresence
	for _, p := range m.drivers {
		if !p.Online {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}
