package tracker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

type fakePresence struct {
	*presence.MemoryStore
	failSets int // number of SetLocation calls to fail before succeeding
	setCalls int
	sets     []models.Coord
}

func newFakePresence() *fakePresence {
	return &fakePresence{MemoryStore: presence.NewMemoryStore()}
}

func (f *fakePresence) SetLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	f.setCalls++
	if f.setCalls <= f.failSets {
		return errors.New("presence store hiccup")
	}
	f.sets = append(f.sets, loc)
	return f.MemoryStore.SetLocation(ctx, driverID, loc, at)
}

type fakeSnapper struct {
	out  models.Coord
	err  error
	seen []models.Coord
}

func (s *fakeSnapper) Snap(ctx context.Context, c models.Coord) (models.Coord, error) {
	s.seen = append(s.seen, c)
	if s.err != nil {
		return c, s.err
	}
	return s.out, nil
}

func newTestTracker(store presence.Store, snapper Snapper) (*Tracker, *time.Time, *[]time.Duration) {
	logger := slog.New(slog.DiscardHandler)
	tr := New(store, snapper, logger, 5*time.Second, 2)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	var slept []time.Duration
	tr.sleep = func(d time.Duration) { slept = append(slept, d) }
	return tr, &now, &slept
}

func onlineDriver(t *testing.T, store presence.Store, id string) {
	t.Helper()
	err := store.Put(context.Background(), &models.DriverPresence{
		ID: id, Online: true, Approved: true, VehicleType: "sedan",
	})
	if err != nil {
		t.Fatalf("put presence: %v", err)
	}
}

func TestReportPersistsLocation(t *testing.T) {
	ctx := context.Background()
	store := newFakePresence()
	tr, _, _ := newTestTracker(store, nil)
	onlineDriver(t, store, "d1")

	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 2}); err != nil {
		t.Fatalf("report: %v", err)
	}
	p, _ := store.Get(ctx, "d1")
	if p.Location == nil || p.Location.Lat != 1 || p.Location.Lon != 2 {
		t.Fatalf("location not persisted: %+v", p.Location)
	}
	if p.LastLocAt == nil {
		t.Fatal("LastLocAt not stamped")
	}
}

func TestOfflineReportIsSilentNoop(t *testing.T) {
	ctx := context.Background()
	store := newFakePresence()
	tr, _, _ := newTestTracker(store, nil)
	onlineDriver(t, store, "d1")
	if err := store.SetOnline(ctx, "d1", false); err != nil {
		t.Fatalf("set offline: %v", err)
	}

	// a straggler update after going offline must not resurrect presence
	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 2}); err != nil {
		t.Fatalf("offline report must be a no-op, got %v", err)
	}
	p, _ := store.Get(ctx, "d1")
	if p.Location != nil || p.Online {
		t.Fatalf("offline presence mutated: %+v", p)
	}
}

func TestUnknownDriverIsSilentNoop(t *testing.T) {
	store := newFakePresence()
	tr, _, _ := newTestTracker(store, nil)
	if err := tr.Report(context.Background(), "ghost", models.Coord{}); err != nil {
		t.Fatalf("unknown driver must be a no-op, got %v", err)
	}
}

func TestThrottleSkipsRapidReports(t *testing.T) {
	ctx := context.Background()
	store := newFakePresence()
	tr, now, _ := newTestTracker(store, nil)
	onlineDriver(t, store, "d1")

	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("report: %v", err)
	}
	*now = now.Add(2 * time.Second)
	if err := tr.Report(ctx, "d1", models.Coord{Lat: 2, Lon: 2}); err != nil {
		t.Fatalf("throttled report: %v", err)
	}
	if len(store.sets) != 1 {
		t.Fatalf("throttle failed: %d persists", len(store.sets))
	}

	*now = now.Add(3 * time.Second) // 5s since first persist
	if err := tr.Report(ctx, "d1", models.Coord{Lat: 3, Lon: 3}); err != nil {
		t.Fatalf("post-throttle report: %v", err)
	}
	if len(store.sets) != 2 {
		t.Fatalf("expected second persist after interval, got %d", len(store.sets))
	}
}

func TestSnapAppliedAndFallsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newFakePresence()
	snapper := &fakeSnapper{out: models.Coord{Lat: 9, Lon: 9}}
	tr, now, _ := newTestTracker(store, snapper)
	onlineDriver(t, store, "d1")

	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if store.sets[0] != (models.Coord{Lat: 9, Lon: 9}) {
		t.Fatalf("snapped coordinate not used: %+v", store.sets[0])
	}

	snapper.err = errors.New("roads api down")
	*now = now.Add(10 * time.Second)
	if err := tr.Report(ctx, "d1", models.Coord{Lat: 2, Lon: 2}); err != nil {
		t.Fatalf("report with failing snapper: %v", err)
	}
	if store.sets[1] != (models.Coord{Lat: 2, Lon: 2}) {
		t.Fatalf("raw coordinate fallback not used: %+v", store.sets[1])
	}
}

func TestTransientFailureRetriedWithBackoff(t *testing.T) {
	ctx := context.Background()
	store := newFakePresence()
	store.failSets = 2
	tr, _, slept := newTestTracker(store, nil)
	onlineDriver(t, store, "d1")

	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("report should succeed on final retry: %v", err)
	}
	if store.setCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.setCalls)
	}
	// backoff is attempt × base
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("unexpected backoff schedule: %v", *slept)
	}
}

func TestRetriesExhaustedSurfacesError(t *testing.T) {
	ctx := context.Background()
	store := newFakePresence()
	store.failSets = 10
	tr, _, _ := newTestTracker(store, nil)
	onlineDriver(t, store, "d1")

	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 1}); err == nil {
		t.Fatal("expected error after bounded retries")
	}
	if store.setCalls != 3 {
		t.Fatalf("retries not bounded: %d attempts", store.setCalls)
	}
}

func TestPermissionDeniedStopsTrackingAndForcesOffline(t *testing.T) {
	ctx := context.Background()
	store := newFakePresence()
	tr, _, _ := newTestTracker(store, nil)
	onlineDriver(t, store, "d1")

	if err := tr.HandlePermissionDenied(ctx, "d1"); err != nil {
		t.Fatalf("permission denied handling: %v", err)
	}
	p, _ := store.Get(ctx, "d1")
	if p.Online {
		t.Fatal("driver not forced offline")
	}

	// no retries, no persistence after the terminal signal
	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("halted report must be a no-op, got %v", err)
	}
	if store.setCalls != 0 {
		t.Fatalf("tracking continued after permission denial: %d calls", store.setCalls)
	}

	// going online again re-arms tracking
	tr.Resume("d1")
	if err := store.SetOnline(ctx, "d1", true); err != nil {
		t.Fatalf("set online: %v", err)
	}
	if err := tr.Report(ctx, "d1", models.Coord{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("post-resume report: %v", err)
	}
	if store.setCalls != 1 {
		t.Fatalf("expected tracking resumed, got %d calls", store.setCalls)
	}
}
