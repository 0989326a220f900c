// Package claim executes the atomic acceptance of a request by a driver.
//
// Under N concurrent callers the store's transaction guarantees exactly one
// observes SEARCHING and commits; every other caller sees the post-commit
// state and fails ErrAlreadyTaken. A failed claim is a final, user-facing
// outcome — never retried against the same request.
package claim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrAlreadyTaken means the request was claimed by another driver, cancelled,
// or is pinned to someone else. Surfaced as "taken by another driver".
var ErrAlreadyTaken = errors.New("request already taken")

// Holder places a hold on the rider's fare once the claim commits. Optional
// and best-effort; a hold failure does not roll back the acceptance.
type Holder interface {
	Hold(ctx context.Context, amountCents int64, currency, riderID string) (string, error)
}

type Coordinator struct {
	store  storage.RequestStore
	holder Holder
	logger *slog.Logger
	now    func() time.Time
}

func NewCoordinator(store storage.RequestStore, holder Holder, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, holder: holder, logger: logger, now: time.Now}
}

// Accept claims requestID for driverID. On success the request is ACCEPTED
// with the driver's denormalized snapshot and AcceptedAt stamped, all in one
// transaction with the read-validation. Returns the committed document.
func (c *Coordinator) Accept(ctx context.Context, requestID, driverID string, snap models.DriverSnapshot) (*models.Request, error) {
	var claimed *models.Request
	err := c.store.RunTx(ctx, func(tx storage.Tx) error {
		r, err := tx.Get(requestID)
		if err != nil {
			return err
		}
		if r.Status != models.StatusSearching {
			return ErrAlreadyTaken
		}
		if r.TargetActive(c.now()) && r.TargetDriverID != driverID {
			return ErrAlreadyTaken
		}
		now := c.now()
		r.Status = models.StatusAccepted
		r.DriverID = driverID
		r.Driver = snap
		r.AcceptedAt = &now
		claimed = r
		return tx.Put(r)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyTaken) {
			observability.AcceptsLostTotal.Inc()
		}
		return nil, err
	}
	// Put bumped the stored version at commit; mirror it on the returned copy.
	claimed.Version++
	observability.AcceptsWonTotal.Inc()

	if c.holder != nil {
		ref, herr := c.holder.Hold(ctx, claimed.FareCents, "usd", claimed.RiderID)
		if herr != nil {
			c.logger.Warn("fare hold failed; continuing without hold",
				"request_id", claimed.ID, "error", herr)
		} else {
			c.recordHold(ctx, claimed.ID, ref)
		}
	}
	return claimed, nil
}

// recordHold attaches the payment reference after the claim committed. It
// deliberately does not touch status or driver fields.
func (c *Coordinator) recordHold(ctx context.Context, requestID, ref string) {
	err := c.store.RunTx(ctx, func(tx storage.Tx) error {
		r, err := tx.Get(requestID)
		if err != nil {
			return err
		}
		r.PaymentRef = ref
		return tx.Put(r)
	})
	if err != nil {
		c.logger.Warn("recording payment ref failed", "request_id", requestID, "error", err)
	}
}
