package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seedRequest(t *testing.T, store *storage.MemoryStore, status models.Status) *models.Request {
	t.Helper()
	r := &models.Request{
		ID:          "r1",
		Kind:        models.KindRide,
		RiderID:     "p1",
		VehicleType: "sedan",
		Status:      models.StatusSearching,
		FareCents:   1500,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if status == models.StatusSearching {
		return r
	}
	// walk the request forward through legal transitions
	err := store.RunTx(context.Background(), func(tx storage.Tx) error {
		cur, err := tx.Get(r.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		cur.Status = status
		if status != models.StatusCancelled {
			cur.DriverID = "d1"
			cur.AcceptedAt = &now
		}
		return tx.Put(cur)
	})
	if err != nil {
		t.Fatalf("seed status: %v", err)
	}
	return r
}

func TestTransitionLegalityGrid(t *testing.T) {
	all := []models.Status{
		models.StatusSearching, models.StatusAccepted, models.StatusArrived,
		models.StatusStarted, models.StatusCompleted, models.StatusCancelled,
	}
	legal := map[models.Status]map[models.Status]bool{
		models.StatusSearching: {models.StatusAccepted: true, models.StatusCancelled: true},
		models.StatusAccepted:  {models.StatusArrived: true, models.StatusCancelled: true},
		models.StatusArrived:   {models.StatusStarted: true, models.StatusCancelled: true},
		models.StatusStarted:   {models.StatusCompleted: true, models.StatusCancelled: true},
	}
	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)
			want := legal[from][to]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil, discardLogger())
	r := seedRequest(t, store, models.StatusAccepted)

	// ACCEPTED -> STARTED skips ARRIVED
	if err := engine.Start(ctx, r.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusAccepted {
		t.Fatalf("status changed by illegal transition: %s", got.Status)
	}
	if got.StartedAt != nil {
		t.Fatalf("StartedAt stamped by illegal transition")
	}
}

func TestNoTransitionsOutOfTerminalStates(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		store := storage.NewMemoryStore()
		engine := NewEngine(store, nil, discardLogger())
		r := seedRequest(t, store, terminal)

		if err := engine.Cancel(ctx, r.ID, "late"); terminal != models.StatusCancelled && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("cancel out of %s: expected ErrIllegalTransition, got %v", terminal, err)
		}
		if err := engine.Arrive(ctx, r.ID); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("arrive out of %s: expected ErrIllegalTransition, got %v", terminal, err)
		}
	}
}

func TestIdempotentReapply(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil, discardLogger())
	r := seedRequest(t, store, models.StatusAccepted)

	if err := engine.Arrive(ctx, r.ID); err != nil {
		t.Fatalf("first arrive: %v", err)
	}
	first, _ := store.Get(ctx, r.ID)
	if first.ArrivedAt == nil {
		t.Fatal("ArrivedAt not stamped")
	}

	// the network layer retries after a timeout; the re-apply must succeed
	// without touching the timestamp
	if err := engine.Arrive(ctx, r.ID); err != nil {
		t.Fatalf("idempotent arrive: %v", err)
	}
	second, _ := store.Get(ctx, r.ID)
	if !second.ArrivedAt.Equal(*first.ArrivedAt) {
		t.Fatalf("timestamp mutated on re-apply: %v vs %v", second.ArrivedAt, first.ArrivedAt)
	}
	if second.Version != first.Version {
		t.Fatalf("version bumped on no-op re-apply: %d vs %d", second.Version, first.Version)
	}
}

func TestCompleteCreditsDriverAtomically(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil, discardLogger())
	r := seedRequest(t, store, models.StatusStarted)

	if err := engine.Complete(ctx, r.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := store.Get(ctx, r.ID)
	if got.Status != models.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected request state: %s", got.Status)
	}
	l, err := store.DriverLedger(ctx, "d1")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if l.BalanceCents != 1500 || l.Trips != 1 {
		t.Fatalf("ledger = %+v, want balance 1500 trips 1", l)
	}

	// idempotent re-complete must not double-credit
	if err := engine.Complete(ctx, r.ID); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	l, _ = store.DriverLedger(ctx, "d1")
	if l.BalanceCents != 1500 || l.Trips != 1 {
		t.Fatalf("ledger double-credited: %+v", l)
	}
}

// failingLedgerStore injects a ledger failure inside the completion
// transaction.
type failingLedgerStore struct {
	*storage.MemoryStore
}

type failingLedgerTx struct {
	storage.Tx
}

var errLedgerDown = errors.New("ledger write failed")

func (s *failingLedgerStore) RunTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.MemoryStore.RunTx(ctx, func(tx storage.Tx) error {
		return fn(&failingLedgerTx{Tx: tx})
	})
}

func (t *failingLedgerTx) CreditDriver(driverID string, amountCents int64) error {
	return errLedgerDown
}

func TestSettlementAtomicityOnLedgerFailure(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := &failingLedgerStore{MemoryStore: mem}
	engine := NewEngine(store, nil, discardLogger())
	r := seedRequest(t, mem, models.StatusStarted)

	err := engine.Complete(ctx, r.ID)
	if !errors.Is(err, errLedgerDown) {
		t.Fatalf("expected ledger error, got %v", err)
	}

	// all-or-nothing: the status write must have rolled back with the credit
	got, _ := mem.Get(ctx, r.ID)
	if got.Status != models.StatusStarted {
		t.Fatalf("status leaked through failed transaction: %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Fatal("CompletedAt leaked through failed transaction")
	}
	l, _ := mem.DriverLedger(ctx, "d1")
	if l.BalanceCents != 0 || l.Trips != 0 {
		t.Fatalf("partial ledger state observed: %+v", l)
	}
}

type recordingSettler struct {
	calls int
	last  *models.Request
}

func (s *recordingSettler) Settle(ctx context.Context, r *models.Request) error {
	s.calls++
	s.last = r
	return nil
}

func TestSettlerInvokedAfterCompletion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	settler := &recordingSettler{}
	engine := NewEngine(store, settler, discardLogger())
	r := seedRequest(t, store, models.StatusStarted)

	if err := engine.Complete(ctx, r.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if settler.calls != 1 {
		t.Fatalf("settler calls = %d, want 1", settler.calls)
	}
	if settler.last.ID != r.ID {
		t.Fatalf("settler saw wrong request: %s", settler.last.ID)
	}
}

func TestCancelRecordsReason(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, nil, discardLogger())
	r := seedRequest(t, store, models.StatusAccepted)

	if err := engine.Cancel(ctx, r.ID, "rider_no_show"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != models.StatusCancelled || got.CancelReason != "rider_no_show" || got.CancelledAt == nil {
		t.Fatalf("unexpected cancel state: %+v", got)
	}
}
