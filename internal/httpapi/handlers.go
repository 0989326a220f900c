package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/claim"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracker"
	"github.com/example/ride-dispatch/internal/visibility"
)

// Releaser undoes a fare hold when an accepted request is cancelled.
type Releaser interface {
	Release(ctx context.Context, r *models.Request) error
}

// Deps is everything the API server needs; wiring happens in cmd/server.
type Deps struct {
	Logger    *slog.Logger
	Store     storage.RequestStore
	Presence  presence.Store
	Tracker   *tracker.Tracker
	Claims    *claim.Coordinator
	Lifecycle *lifecycle.Engine
	Filter    *visibility.Filter
	WSReg     *dispatch.WSRegistry
	Kafka     *ingest.KafkaProducer // optional: nil publishes nothing
	Releaser  Releaser              // optional
	PinTTL    time.Duration
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
	now    func() time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: deps.Logger, mux: mux.NewRouter(), now: time.Now}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleLocationReport).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/arrive", s.transitionHandler(models.StatusArrived)).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/start", s.transitionHandler(models.StatusStarted)).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/complete", s.transitionHandler(models.StatusCompleted)).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers", s.handleRegisterDriver).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}/status", s.handleDriverStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}/location-denied", s.handleLocationDenied).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}/feed", s.handleDriverFeed).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{id}/ledger", s.handleDriverLedger).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleLocationReport(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sample.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	sample.SentAt = s.now()

	// When kafka is configured the consumer process owns the tracker path;
	// otherwise the sample is handled inline.
	if s.deps.Kafka != nil {
		if err := s.deps.Kafka.PublishSample(sample); err != nil {
			s.logger.Error("publishing location sample failed", "driver_id", sample.DriverID, "error", err)
			http.Error(w, "ingest unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.deps.Tracker.Report(r.Context(), sample.DriverID, sample.Loc); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRequestBody struct {
	Kind           string       `json:"kind"`
	RiderID        string       `json:"rider_id"`
	Pickup         models.Coord `json:"pickup"`
	Dropoff        models.Coord `json:"dropoff"`
	PickupAddr     string       `json:"pickup_addr"`
	DropoffAddr    string       `json:"dropoff_addr"`
	VehicleType    string       `json:"vehicle_type"`
	FareCents      int64        `json:"fare_cents"`
	TargetDriverID string       `json:"target_driver_id"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.RiderID == "" || body.VehicleType == "" {
		http.Error(w, "rider_id and vehicle_type required", http.StatusBadRequest)
		return
	}
	kind := models.RequestKind(body.Kind)
	if kind != models.KindRide && kind != models.KindDelivery {
		kind = models.KindRide
	}

	now := s.now()
	req := &models.Request{
		ID:          newID(),
		Kind:        kind,
		RiderID:     body.RiderID,
		Pickup:      body.Pickup,
		Dropoff:     body.Dropoff,
		PickupAddr:  body.PickupAddr,
		DropoffAddr: body.DropoffAddr,
		VehicleType: body.VehicleType,
		Status:      models.StatusSearching,
		FareCents:   body.FareCents,
		CreatedAt:   now,
	}
	if body.TargetDriverID != "" {
		req.TargetDriverID = body.TargetDriverID
		req.TargetExpires = now.Add(s.deps.PinTTL)
	}
	if err := s.deps.Store.Create(r.Context(), req); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	p, err := s.deps.Presence.Get(r.Context(), body.DriverID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	req, err := s.deps.Claims.Accept(r.Context(), mux.Vars(r)["id"], body.DriverID, p.Snapshot())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) transitionHandler(to models.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var err error
		switch to {
		case models.StatusArrived:
			err = s.deps.Lifecycle.Arrive(r.Context(), id)
		case models.StatusStarted:
			err = s.deps.Lifecycle.Start(r.Context(), id)
		case models.StatusCompleted:
			err = s.deps.Lifecycle.Complete(r.Context(), id)
		}
		if err != nil {
			s.writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id := mux.Vars(r)["id"]
	if err := s.deps.Lifecycle.Cancel(r.Context(), id, body.Reason); err != nil {
		s.writeErr(w, err)
		return
	}
	if s.deps.Releaser != nil {
		if req, err := s.deps.Store.Get(r.Context(), id); err == nil && req.PaymentRef != "" {
			if rerr := s.deps.Releaser.Release(r.Context(), req); rerr != nil {
				s.logger.Warn("releasing fare hold failed", "request_id", id, "error", rerr)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ID == "" {
		http.Error(w, "driver presence with id required", http.StatusBadRequest)
		return
	}
	// registration never carries tracker-owned fields
	p.Location = nil
	p.LastLocAt = nil
	if err := s.deps.Presence.Put(r.Context(), &p); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Presence.SetOnline(r.Context(), id, body.Online); err != nil {
		s.writeErr(w, err)
		return
	}
	if body.Online {
		s.deps.Tracker.Resume(id)
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocationDenied(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tracker.HandlePermissionDenied(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverFeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.deps.Presence.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	open, err := s.deps.Store.Open(r.Context(), p.VehicleType)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	cands := s.deps.Filter.Eligible(p, open)
	type feedItem struct {
		Request    *models.Request `json:"request"`
		Targeted   bool            `json:"targeted"`
		DistanceKm float64         `json:"distance_km"`
	}
	items := make([]feedItem, 0, len(cands))
	for _, c := range cands {
		items = append(items, feedItem{Request: c.Request, Targeted: c.Targeted, DistanceKm: c.DistanceKm})
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDriverLedger(w http.ResponseWriter, r *http.Request) {
	l, err := s.deps.Store.DriverLedger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.deps.WSReg.Add(id, conn)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response failed", "error", err)
	}
}

// writeErr maps the domain error taxonomy onto HTTP statuses and the
// user-facing phrasing each one carries.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, presence.ErrUnknownDriver):
		http.Error(w, "no longer available", http.StatusNotFound)
	case errors.Is(err, claim.ErrAlreadyTaken):
		http.Error(w, "taken by another driver", http.StatusConflict)
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		http.Error(w, "please refresh", http.StatusConflict)
	case errors.Is(err, tracker.ErrPermissionDenied):
		http.Error(w, "location access revoked", http.StatusForbidden)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
