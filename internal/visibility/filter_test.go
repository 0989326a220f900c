package visibility

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// pickup at Union Square, NYC
	pickup = models.Coord{Lat: 40.7359, Lon: -73.9911}
	// ~1km away
	nearLoc = models.Coord{Lat: 40.7420, Lon: -73.9870}
	// ~6km away, outside the 5km radius
	farLoc = models.Coord{Lat: 40.7898, Lon: -73.9911}
)

func testFilter() *Filter {
	f := NewFilter(5)
	f.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func driver(id string, loc *models.Coord) *models.DriverPresence {
	return &models.DriverPresence{
		ID: id, Online: true, Approved: true, VehicleType: "sedan", Location: loc,
	}
}

func openRequest(id string) *models.Request {
	return &models.Request{
		ID: id, Status: models.StatusSearching, VehicleType: "sedan",
		Pickup: pickup, CreatedAt: time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
	}
}

func TestOpenMarketWithinRadius(t *testing.T) {
	f := testFilter()
	loc := nearLoc
	got := f.Eligible(driver("d1", &loc), []*models.Request{openRequest("r1")})
	if len(got) != 1 || got[0].Request.ID != "r1" || got[0].Targeted {
		t.Fatalf("expected one open-market candidate, got %+v", got)
	}
	if got[0].DistanceKm <= 0 || got[0].DistanceKm > 5 {
		t.Fatalf("unexpected distance %f", got[0].DistanceKm)
	}
}

func TestOpenMarketBeyondRadiusExcluded(t *testing.T) {
	f := testFilter()
	loc := farLoc
	got := f.Eligible(driver("d1", &loc), []*models.Request{openRequest("r1")})
	if len(got) != 0 {
		t.Fatalf("driver 6km out must not see open-market request, got %+v", got)
	}
}

func TestTargetedBypassesProximity(t *testing.T) {
	f := testFilter()
	loc := farLoc
	r := openRequest("r1")
	r.TargetDriverID = "d1"
	r.TargetExpires = f.Now().Add(time.Minute)

	got := f.Eligible(driver("d1", &loc), []*models.Request{r})
	if len(got) != 1 || !got[0].Targeted {
		t.Fatalf("targeted request must bypass proximity, got %+v", got)
	}
}

func TestTargetedForOtherDriverHidden(t *testing.T) {
	f := testFilter()
	loc := nearLoc
	r := openRequest("r1")
	r.TargetDriverID = "d2"
	r.TargetExpires = f.Now().Add(time.Minute)

	got := f.Eligible(driver("d1", &loc), []*models.Request{r})
	if len(got) != 0 {
		t.Fatalf("pinned request must be invisible to other drivers, got %+v", got)
	}
}

func TestExpiredPinFallsBackToOpenMarket(t *testing.T) {
	f := testFilter()
	loc := nearLoc
	r := openRequest("r1")
	r.TargetDriverID = "d2"
	r.TargetExpires = f.Now().Add(-time.Second)

	got := f.Eligible(driver("d1", &loc), []*models.Request{r})
	if len(got) != 1 || got[0].Targeted {
		t.Fatalf("expired pin must fall back to open market, got %+v", got)
	}
}

func TestNoLocationShowsOnlyTargeted(t *testing.T) {
	f := testFilter()
	targeted := openRequest("r1")
	targeted.TargetDriverID = "d1"
	targeted.TargetExpires = f.Now().Add(time.Minute)
	market := openRequest("r2")

	got := f.Eligible(driver("d1", nil), []*models.Request{targeted, market})
	if len(got) != 1 || got[0].Request.ID != "r1" {
		t.Fatalf("locationless driver must only see targeted requests, got %+v", got)
	}
}

func TestTargetedWinsTie(t *testing.T) {
	f := testFilter()
	loc := nearLoc
	targeted := openRequest("r1")
	targeted.TargetDriverID = "d1"
	targeted.TargetExpires = f.Now().Add(time.Minute)
	market := openRequest("r2")

	got := f.Eligible(driver("d1", &loc), []*models.Request{market, targeted})
	if len(got) != 2 {
		t.Fatalf("expected both candidates, got %d", len(got))
	}
	if got[0].Request.ID != "r1" || !got[0].Targeted {
		t.Fatalf("targeted match must rank first, got %+v", got[0])
	}
}

func TestOpenMarketOrderedByDistance(t *testing.T) {
	f := testFilter()
	loc := models.Coord{Lat: 40.7359, Lon: -73.9911}
	near := openRequest("near")
	far := openRequest("far")
	far.Pickup = models.Coord{Lat: 40.7600, Lon: -73.9911} // ~2.7km
	near.Pickup = models.Coord{Lat: 40.7400, Lon: -73.9911}

	got := f.Eligible(driver("d1", &loc), []*models.Request{far, near})
	if len(got) != 2 || got[0].Request.ID != "near" {
		t.Fatalf("expected nearest first, got %+v", got)
	}
}

func TestVehicleClassMismatchExcluded(t *testing.T) {
	f := testFilter()
	loc := nearLoc
	r := openRequest("r1")
	r.VehicleType = "van"
	got := f.Eligible(driver("d1", &loc), []*models.Request{r})
	if len(got) != 0 {
		t.Fatalf("vehicle class mismatch must be excluded, got %+v", got)
	}
}

func TestOfflineOrUnapprovedSeesNothing(t *testing.T) {
	f := testFilter()
	loc := nearLoc

	offline := driver("d1", &loc)
	offline.Online = false
	if got := f.Eligible(offline, []*models.Request{openRequest("r1")}); len(got) != 0 {
		t.Fatalf("offline driver must see nothing, got %+v", got)
	}

	unapproved := driver("d1", &loc)
	unapproved.Approved = false
	if got := f.Eligible(unapproved, []*models.Request{openRequest("r1")}); len(got) != 0 {
		t.Fatalf("unapproved driver must see nothing, got %+v", got)
	}
}

func TestNonSearchingRequestsIgnored(t *testing.T) {
	f := testFilter()
	loc := nearLoc
	r := openRequest("r1")
	r.Status = models.StatusAccepted
	if got := f.Eligible(driver("d1", &loc), []*models.Request{r}); len(got) != 0 {
		t.Fatalf("non-SEARCHING request leaked through, got %+v", got)
	}
}
