package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound means the request id does not exist in the store.
	ErrNotFound = errors.New("request not found")
	// ErrConflict means a transaction lost a write race and was not applied
	// after the store's bounded internal retries.
	ErrConflict = errors.New("request write conflict")
)

// Event is emitted on every committed state-changing write. Delivery is
// at-least-once and may lag; consumers must re-read authoritative state
// inside a transaction before acting on it.
type Event struct {
	RequestID string
	Status    models.Status
	Version   int64
}

// Tx is the read-validate-write surface available inside RunTx. Everything
// done through a Tx commits or rolls back as one unit.
type Tx interface {
	// Get returns the current row, locked for the duration of the transaction.
	Get(id string) (*models.Request, error)
	// Put stages the full document; the commit bumps Version by one.
	Put(r *models.Request) error
	// CreditDriver adds to the driver's settlement balance and increments
	// their completed-trip counter, atomically with the rest of the Tx.
	CreditDriver(driverID string, amountCents int64) error
}

// Ledger is one driver's settlement row.
type Ledger struct {
	DriverID     string
	BalanceCents int64
	Trips        int64
}

// RequestStore persists request documents and mediates all cross-client
// coordination through RunTx.
type RequestStore interface {
	Create(ctx context.Context, r *models.Request) error
	Get(ctx context.Context, id string) (*models.Request, error)
	// Open returns requests in SEARCHING for the given vehicle class.
	Open(ctx context.Context, vehicleType string) ([]*models.Request, error)
	// RunTx executes fn atomically. An error from fn rolls everything back.
	RunTx(ctx context.Context, fn func(Tx) error) error
	// Watch streams committed change events until ctx is done. The first
	// deliveries may be stale or absent; pair with periodic recomputation.
	Watch(ctx context.Context) (<-chan Event, error)
	DriverLedger(ctx context.Context, driverID string) (Ledger, error)
}
