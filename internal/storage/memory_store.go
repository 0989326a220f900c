package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is an in-process RequestStore used in tests and as the no-DSN
// fallback. A single mutex serializes transactions, which gives the same
// observable semantics as the SQL store: at most one writer sees any given
// pre-transaction state.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.Request
	ledgers  map[string]*Ledger

	watchMu  sync.Mutex
	watchers []chan Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.Request),
		ledgers:  make(map[string]*Ledger),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Request) error {
	m.mu.Lock()
	cp := *r
	m.requests[r.ID] = &cp
	m.mu.Unlock()
	m.broadcast(Event{RequestID: r.ID, Status: r.Status, Version: r.Version})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Open(ctx context.Context, vehicleType string) ([]*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Request
	for _, r := range m.requests {
		if r.Status != models.StatusSearching || r.VehicleType != vehicleType {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// memTx stages writes in copies; nothing touches the live maps until fn
// returns nil, so a mid-transaction failure observes neither side effect.
type memTx struct {
	store   *MemoryStore
	staged  map[string]*models.Request
	credits []struct {
		driverID string
		amount   int64
	}
}

func (t *memTx) Get(id string) (*models.Request, error) {
	if r, ok := t.staged[id]; ok {
		cp := *r
		return &cp, nil
	}
	r, ok := t.store.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) Put(r *models.Request) error {
	if _, ok := t.store.requests[r.ID]; !ok {
		if _, staged := t.staged[r.ID]; !staged {
			return ErrNotFound
		}
	}
	cp := *r
	cp.Version++
	t.staged[r.ID] = &cp
	return nil
}

func (t *memTx) CreditDriver(driverID string, amountCents int64) error {
	t.credits = append(t.credits, struct {
		driverID string
		amount   int64
	}{driverID, amountCents})
	return nil
}

func (m *MemoryStore) RunTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	tx := &memTx{store: m, staged: make(map[string]*models.Request)}
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}
	events := make([]Event, 0, len(tx.staged))
	for id, r := range tx.staged {
		m.requests[id] = r
		events = append(events, Event{RequestID: id, Status: r.Status, Version: r.Version})
	}
	for _, c := range tx.credits {
		l, ok := m.ledgers[c.driverID]
		if !ok {
			l = &Ledger{DriverID: c.driverID}
			m.ledgers[c.driverID] = l
		}
		l.BalanceCents += c.amount
		l.Trips++
	}
	m.mu.Unlock()
	for _, e := range events {
		m.broadcast(e)
	}
	return nil
}

func (m *MemoryStore) DriverLedger(ctx context.Context, driverID string) (Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.ledgers[driverID]; ok {
		return *l, nil
	}
	return Ledger{DriverID: driverID}, nil
}

func (m *MemoryStore) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	m.watchMu.Lock()
	m.watchers = append(m.watchers, ch)
	m.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		m.watchMu.Lock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.watchMu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// broadcast never blocks a committer; a watcher with a full buffer misses the
// event and is repaired by the notifier's periodic recompute.
func (m *MemoryStore) broadcast(e Event) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, w := range m.watchers {
		select {
		case w <- e:
		default:
		}
	}
}
