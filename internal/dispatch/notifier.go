// Package dispatch fans out "new request to evaluate" events to drivers.
//
// The notifier consumes the store's change feed, recomputes each online
// driver's visible queue, and gates delivery through the deduper so a driver
// sees at most one alert per (request, version). Ordering across the feed and
// concurrent accepts is not assumed anywhere: the accept path re-reads
// authoritative state inside its own transaction.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/dedup"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/visibility"
)

type Notifier struct {
	Store    storage.RequestStore
	Presence presence.Store
	Filter   *visibility.Filter
	Deduper  *dedup.Deduper
	Offers   Offerer
	Logger   *slog.Logger

	// ETAClient and ETACache decorate offers with a pickup ETA; both optional.
	ETAClient       eta.Client
	ETACache        *eta.Cache
	DefaultSpeedMps float64

	// Tick repairs missed feed events; feed delivery is at-least-once but a
	// full watcher buffer can drop.
	Tick time.Duration
}

// Run blocks until ctx is done, recomputing on every feed event that leaves a
// request in SEARCHING, and on every tick.
func (n *Notifier) Run(ctx context.Context) error {
	events, err := n.Store.Watch(ctx)
	if err != nil {
		return err
	}
	tick := n.Tick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Status != models.StatusSearching {
				continue
			}
			n.recompute(ctx)
		case <-ticker.C:
			n.recompute(ctx)
		}
	}
}

// recompute pushes the head of each online driver's visible queue. The
// single-slot driver UI evaluates one request at a time, so only the top
// candidate is offered.
func (n *Notifier) recompute(ctx context.Context) {
	drivers, err := n.Presence.Online(ctx)
	if err != nil {
		n.Logger.Error("listing online drivers failed", "error", err)
		return
	}

	// open sets are shared across drivers of the same vehicle class
	openByType := make(map[string][]*models.Request)

	for _, d := range drivers {
		open, ok := openByType[d.VehicleType]
		if !ok {
			open, err = n.Store.Open(ctx, d.VehicleType)
			if err != nil {
				n.Logger.Error("loading open requests failed", "vehicle_type", d.VehicleType, "error", err)
				continue
			}
			openByType[d.VehicleType] = open
		}

		cands := n.Filter.Eligible(d, open)
		if len(cands) == 0 {
			continue
		}
		top := cands[0]
		r := top.Request

		if !n.Deduper.ShouldAlert(r.ID, d.ID, r.Version) {
			observability.OffersSuppressedTotal.Inc()
			continue
		}

		offer := models.RequestOffer{
			RequestID:  r.ID,
			Version:    r.Version,
			Kind:       string(r.Kind),
			Pickup:     r.Pickup,
			Dropoff:    r.Dropoff,
			PickupAddr: r.PickupAddr,
			FareCents:  r.FareCents,
			Targeted:   top.Targeted,
			DistanceKm: top.DistanceKm,
		}
		if d.Location != nil {
			offer.PickupETA = n.pickupETA(*d.Location, r.Pickup)
		}

		if err := n.Offers.Offer(d.ID, offer); err != nil {
			// not marked alerted: the driver never saw it
			n.Logger.Debug("offer delivery failed", "driver_id", d.ID, "request_id", r.ID, "error", err)
			continue
		}
		n.Deduper.MarkAlerted(r.ID, d.ID, r.Version)
		observability.OffersSentTotal.Inc()
	}
}

func (n *Notifier) pickupETA(from, to models.Coord) float64 {
	if n.ETACache != nil {
		if v, ok := n.ETACache.Get(from, to); ok {
			return v
		}
	}
	if n.ETAClient != nil {
		if v, err := n.ETAClient.EstimateSeconds(from, to); err == nil {
			if n.ETACache != nil {
				n.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, n.DefaultSpeedMps)
}
