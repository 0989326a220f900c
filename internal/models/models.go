package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Status is the lifecycle state of a request. Transitions are owned by
// the lifecycle engine; nothing else writes Status directly.
type Status string

const (
	StatusSearching Status = "SEARCHING"
	StatusAccepted  Status = "ACCEPTED"
	StatusArrived   Status = "ARRIVED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type RequestKind string

const (
	KindRide     RequestKind = "ride"
	KindDelivery RequestKind = "delivery"
)

// DriverSnapshot is the denormalized copy of driver display fields taken at
// accept time. It is a copy, not a reference: later profile edits must not
// change what the rider saw when the driver accepted.
type DriverSnapshot struct {
	Name    string  `json:"name"`
	Vehicle string  `json:"vehicle"`
	Rating  float64 `json:"rating"`
}

// Request is a ride or delivery request document. DriverID is non-empty iff
// Status is ACCEPTED, ARRIVED, STARTED or COMPLETED. Version increases on
// every state-changing write. Requests are never deleted; terminal states are
// kept for history and settlement.
type Request struct {
	ID          string      `json:"id"`
	Kind        RequestKind `json:"kind"`
	RiderID     string      `json:"rider_id"`
	Pickup      Coord       `json:"pickup"`
	Dropoff     Coord       `json:"dropoff"`
	PickupAddr  string      `json:"pickup_addr"`
	DropoffAddr string      `json:"dropoff_addr"`
	VehicleType string      `json:"vehicle_type"`

	// TargetDriverID pins the request to one driver (a direct offer).
	// While the pin is unexpired, only that driver may see or accept it;
	// after TargetExpires the request falls back to open-market visibility.
	TargetDriverID string    `json:"target_driver_id,omitempty"`
	TargetExpires  time.Time `json:"target_expires,omitempty"`

	Status   Status         `json:"status"`
	Version  int64          `json:"version"`
	DriverID string         `json:"driver_id,omitempty"`
	Driver   DriverSnapshot `json:"driver,omitempty"`

	// FareCents is locked at creation; COMPLETED settles exactly this amount.
	FareCents int64 `json:"fare_cents"`

	// PaymentRef holds the external hold reference once the fare is held.
	PaymentRef string `json:"payment_ref,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`
}

// TargetActive reports whether the request is still pinned to a specific
// driver at time now.
func (r *Request) TargetActive(now time.Time) bool {
	return r.TargetDriverID != "" && now.Before(r.TargetExpires)
}

// DriverPresence is the live state of one driver. Location fields are written
// only by the location tracker; Online only by the driver's own toggle.
// Approved is an external onboarding gate: an unapproved driver is invisible
// to dispatch regardless of Online.
type DriverPresence struct {
	ID          string     `json:"id"`
	Online      bool       `json:"online"`
	Approved    bool       `json:"approved"`
	VehicleType string     `json:"vehicle_type"`
	Name        string     `json:"name"`
	Vehicle     string     `json:"vehicle"`
	Rating      float64    `json:"rating"`
	Location    *Coord     `json:"location,omitempty"`
	LastLocAt   *time.Time `json:"last_location_at,omitempty"`
}

// Snapshot returns the denormalized display copy used at accept time.
func (p *DriverPresence) Snapshot() DriverSnapshot {
	return DriverSnapshot{Name: p.Name, Vehicle: p.Vehicle, Rating: p.Rating}
}

// RequestOffer is the payload pushed to a driver when a request becomes
// visible to them.
type RequestOffer struct {
	RequestID  string  `json:"request_id"`
	Version    int64   `json:"version"`
	Kind       string  `json:"kind"`
	Pickup     Coord   `json:"pickup"`
	Dropoff    Coord   `json:"dropoff"`
	PickupAddr string  `json:"pickup_addr"`
	FareCents  int64   `json:"fare_cents"`
	Targeted   bool    `json:"targeted"`
	DistanceKm float64 `json:"distance_km"`
	PickupETA  float64 `json:"pickup_eta_seconds,omitempty"`
}

// LocationSample is one raw position report from a driver client, as
// published on the ingest topic.
type LocationSample struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	SentAt   time.Time `json:"sent_at"`
}
