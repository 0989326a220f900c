// Package dedup suppresses repeat "new request" alerts to a driver.
//
// The key is (requestID, driverID, version): a version bump on the request
// deliberately re-arms the alert. This is an optimization layer, not a
// correctness gate — losing entries on restart only risks a duplicate alert,
// never a missed match.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a recorded alert suppresses repeats.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries bounds memory without relying on the TTL sweep;
	// the oldest entry is evicted when the cap is exceeded.
	DefaultMaxEntries = 100
)

type entry struct {
	key       string
	alertedAt time.Time
}

// Deduper is a per-process, TTL-and-capacity-bounded alert suppressor.
type Deduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*entry
	order   []string // FIFO insertion order for capacity eviction
	now     func() time.Time
}

func New(ttl time.Duration, maxEntries int) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Deduper{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func key(requestID, driverID string, version int64) string {
	return fmt.Sprintf("%s|%s|%d", requestID, driverID, version)
}

// ShouldAlert reports whether the driver has not yet been alerted about this
// exact (request, version) within the TTL.
func (d *Deduper) ShouldAlert(requestID, driverID string, version int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key(requestID, driverID, version)]
	if !ok {
		return true
	}
	return d.now().Sub(e.alertedAt) > d.ttl
}

// MarkAlerted records that the alert was delivered. Expired entries are
// evicted lazily here; the FIFO cap is enforced afterwards.
func (d *Deduper) MarkAlerted(requestID, driverID string, version int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evictExpiredLocked(now)

	k := key(requestID, driverID, version)
	if _, ok := d.entries[k]; !ok {
		d.order = append(d.order, k)
	}
	d.entries[k] = &entry{key: k, alertedAt: now}

	for len(d.entries) > d.max && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
}

// Len returns the number of live entries.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Deduper) evictExpiredLocked(now time.Time) {
	if len(d.entries) == 0 {
		return
	}
	kept := d.order[:0]
	for _, k := range d.order {
		e, ok := d.entries[k]
		if !ok {
			continue
		}
		if now.Sub(e.alertedAt) > d.ttl {
			delete(d.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	d.order = kept
}
