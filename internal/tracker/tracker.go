// Package tracker turns raw driver position samples into validated,
// rate-limited presence updates.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// ErrPermissionDenied means the driver's location permission was revoked.
// Non-retryable: tracking stops and the driver is forced offline until they
// explicitly go online again.
var ErrPermissionDenied = errors.New("location permission denied")

// Snapper adjusts a raw sample onto the road network. Best-effort: any error
// falls back to the raw coordinate.
type Snapper interface {
	Snap(ctx context.Context, c models.Coord) (models.Coord, error)
}

const (
	// DefaultMinInterval bounds write amplification: at most one persisted
	// location per driver per interval.
	DefaultMinInterval = 5 * time.Second
	// DefaultRetries is the bounded retry count on transient store failures.
	DefaultRetries = 2
	// DefaultRetryBase scales the linear backoff (attempt × base).
	DefaultRetryBase = time.Second
)

type Tracker struct {
	presence  presence.Store
	snapper   Snapper
	logger    *slog.Logger
	minEvery  time.Duration
	retries   int
	retryBase time.Duration

	mu          sync.Mutex
	lastPersist map[string]time.Time
	halted      map[string]bool

	now   func() time.Time
	sleep func(time.Duration)
}

func New(store presence.Store, snapper Snapper, logger *slog.Logger, minInterval time.Duration, retries int) *Tracker {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if retries < 0 {
		retries = DefaultRetries
	}
	return &Tracker{
		presence:    store,
		snapper:     snapper,
		logger:      logger,
		minEvery:    minInterval,
		retries:     retries,
		retryBase:   DefaultRetryBase,
		lastPersist: make(map[string]time.Time),
		halted:      make(map[string]bool),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Report processes one raw position sample. Offline, unknown, throttled and
// permission-halted samples are dropped without error — a straggler update
// after going offline must not resurrect presence.
func (t *Tracker) Report(ctx context.Context, driverID string, raw models.Coord) error {
	if t.isHalted(driverID) {
		observability.LocationReportsTotal.WithLabelValues("halted").Inc()
		return nil
	}

	p, err := t.presence.Get(ctx, driverID)
	if errors.Is(err, presence.ErrUnknownDriver) {
		observability.LocationReportsTotal.WithLabelValues("unknown").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if !p.Online {
		observability.LocationReportsTotal.WithLabelValues("offline").Inc()
		return nil
	}

	now := t.now()
	if !t.passThrottle(driverID, now) {
		observability.LocationReportsTotal.WithLabelValues("throttled").Inc()
		return nil
	}

	loc := raw
	if t.snapper != nil {
		if snapped, err := t.snapper.Snap(ctx, raw); err == nil {
			loc = snapped
		} else {
			t.logger.Debug("road snap failed; using raw sample", "driver_id", driverID, "error", err)
		}
	}

	if err := t.persistWithRetry(ctx, driverID, loc, now); err != nil {
		observability.LocationReportsTotal.WithLabelValues("error").Inc()
		return err
	}
	t.markPersisted(driverID, now)
	observability.LocationReportsTotal.WithLabelValues("ok").Inc()
	return nil
}

// HandlePermissionDenied latches tracking off for the driver and forces them
// offline. No retries follow a permission-denied signal.
func (t *Tracker) HandlePermissionDenied(ctx context.Context, driverID string) error {
	t.mu.Lock()
	t.halted[driverID] = true
	t.mu.Unlock()
	t.logger.Warn("location permission denied; driver forced offline", "driver_id", driverID)
	if err := t.presence.SetOnline(ctx, driverID, false); err != nil && !errors.Is(err, presence.ErrUnknownDriver) {
		return err
	}
	return nil
}

// Resume clears the permission latch, e.g. when the driver toggles online
// after re-granting access.
func (t *Tracker) Resume(driverID string) {
	t.mu.Lock()
	delete(t.halted, driverID)
	t.mu.Unlock()
}

func (t *Tracker) persistWithRetry(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			t.sleep(time.Duration(attempt) * t.retryBase)
		}
		lastErr = t.presence.SetLocation(ctx, driverID, loc, at)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, presence.ErrUnknownDriver) {
			return nil
		}
	}
	return lastErr
}

func (t *Tracker) isHalted(driverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted[driverID]
}

func (t *Tracker) passThrottle(driverID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastPersist[driverID]
	return !ok || now.Sub(last) >= t.minEvery
}

func (t *Tracker) markPersisted(driverID string, at time.Time) {
	t.mu.Lock()
	t.lastPersist[driverID] = at
	t.mu.Unlock()
}
