// Package lifecycle owns every request status transition after acceptance.
// The adjacency table below is the sole authority for mutation: anything not
// in it fails ErrIllegalTransition and leaves the stored document untouched.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrIllegalTransition means the requested status is not adjacent-forward
// from the current one. It signals a UI bug or a replayed stale action and
// is always logged, even though callers show the user a soft message.
var ErrIllegalTransition = errors.New("illegal status transition")

var allowed = map[models.Status][]models.Status{
	models.StatusSearching: {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:   {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:   {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Settler is invoked after a COMPLETED transition commits, e.g. to capture
// the rider's held payment. Best-effort: the atomic part of settlement is
// the in-transaction ledger credit, not this call.
type Settler interface {
	Settle(ctx context.Context, r *models.Request) error
}

type Engine struct {
	store   storage.RequestStore
	settler Settler
	logger  *slog.Logger
	now     func() time.Time
}

func NewEngine(store storage.RequestStore, settler Settler, logger *slog.Logger) *Engine {
	return &Engine{store: store, settler: settler, logger: logger, now: time.Now}
}

// Arrive marks the driver as arrived at the pickup point.
func (e *Engine) Arrive(ctx context.Context, requestID string) error {
	return e.transition(ctx, requestID, models.StatusArrived, "")
}

// Start marks the trip as underway.
func (e *Engine) Start(ctx context.Context, requestID string) error {
	return e.transition(ctx, requestID, models.StatusStarted, "")
}

// Complete finishes the trip. The assigned driver's settlement balance and
// completed-trip counter are credited in the same transaction as the status
// write, so a crash between the two can never leave them inconsistent.
func (e *Engine) Complete(ctx context.Context, requestID string) error {
	var settled *models.Request
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		r, err := tx.Get(requestID)
		if err != nil {
			return err
		}
		if r.Status == models.StatusCompleted {
			return nil // idempotent re-apply
		}
		if !CanTransition(r.Status, models.StatusCompleted) {
			return e.illegal(r, models.StatusCompleted)
		}
		now := e.now()
		r.Status = models.StatusCompleted
		r.CompletedAt = &now
		if err := tx.Put(r); err != nil {
			return err
		}
		if err := tx.CreditDriver(r.DriverID, r.FareCents); err != nil {
			return err
		}
		settled = r
		return nil
	})
	if err != nil {
		return err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	if settled != nil && e.settler != nil {
		if serr := e.settler.Settle(ctx, settled); serr != nil {
			e.logger.Error("post-completion settlement call failed",
				"request_id", settled.ID, "driver_id", settled.DriverID, "error", serr)
		}
	}
	return nil
}

// Cancel is a terminal write like any other transition; it races against an
// in-flight accept through the store transaction with no special-casing.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) error {
	return e.transition(ctx, requestID, models.StatusCancelled, reason)
}

func (e *Engine) transition(ctx context.Context, requestID string, to models.Status, reason string) error {
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		r, err := tx.Get(requestID)
		if err != nil {
			return err
		}
		if r.Status == to {
			// Re-applying the same transition is a no-op success; the
			// network layer retries after timeouts and must not see an error.
			return nil
		}
		if !CanTransition(r.Status, to) {
			return e.illegal(r, to)
		}
		now := e.now()
		r.Status = to
		switch to {
		case models.StatusArrived:
			r.ArrivedAt = &now
		case models.StatusStarted:
			r.StartedAt = &now
		case models.StatusCancelled:
			r.CancelledAt = &now
			r.CancelReason = reason
		}
		return tx.Put(r)
	})
	if err == nil {
		observability.TransitionsTotal.WithLabelValues(string(to)).Inc()
	}
	return err
}

func (e *Engine) illegal(r *models.Request, to models.Status) error {
	observability.IllegalTransitionsTotal.Inc()
	e.logger.Error("illegal status transition attempted",
		"request_id", r.ID, "from", string(r.Status), "to", string(to))
	return ErrIllegalTransition
}
