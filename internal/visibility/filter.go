// Package visibility decides which open requests a driver is allowed to see.
// It is a pure function over (presence, open-request set), recomputed on
// every store event; no state is owned here.
package visibility

import (
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultRadiusKm is how close an open-market pickup must be to the driver.
const DefaultRadiusKm = 5.0

// Candidate is one request a driver is eligible to see.
type Candidate struct {
	Request    *models.Request
	Targeted   bool
	DistanceKm float64 // 0 when the driver has no known location
}

type Filter struct {
	RadiusKm float64
	Now      func() time.Time
}

func NewFilter(radiusKm float64) *Filter {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Filter{RadiusKm: radiusKm, Now: time.Now}
}

// Eligible returns the ordered candidate list for one driver: targeted
// matches first (a direct offer bypasses proximity), then open-market
// matches by ascending pickup distance. The single-slot driver UI shows the
// head of the list, so a targeted match winning a tie falls out of the
// ordering. Unapproved or offline drivers see nothing; vehicle-class
// filtering is expected to have happened in the store query but is
// re-checked here because the input set may be a cached snapshot.
func (f *Filter) Eligible(driver *models.DriverPresence, open []*models.Request) []Candidate {
	if driver == nil || !driver.Online || !driver.Approved {
		return nil
	}
	now := f.Now()

	var targeted, market []Candidate
	for _, r := range open {
		if r.Status != models.StatusSearching || r.VehicleType != driver.VehicleType {
			continue
		}
		if r.TargetActive(now) {
			if r.TargetDriverID != driver.ID {
				continue
			}
			c := Candidate{Request: r, Targeted: true}
			if driver.Location != nil {
				c.DistanceKm = geo.DistanceKm(*driver.Location, r.Pickup)
			}
			targeted = append(targeted, c)
			continue
		}
		// Open market: without a location proximity cannot be evaluated,
		// so the request is not shown.
		if driver.Location == nil {
			continue
		}
		d := geo.DistanceKm(*driver.Location, r.Pickup)
		if d > f.RadiusKm {
			continue
		}
		market = append(market, Candidate{Request: r, DistanceKm: d})
	}

	sort.Slice(targeted, func(i, j int) bool {
		return targeted[i].Request.CreatedAt.Before(targeted[j].Request.CreatedAt)
	})
	sort.Slice(market, func(i, j int) bool {
		return market[i].DistanceKm < market[j].DistanceKm
	})
	return append(targeted, market...)
}
