package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
)

// Engine is the dispatch engine as the HTTP layer uses it.
type Engine interface {
	CreateTrip(ctx context.Context, req engine.CreateTripRequest) (*models.Trip, error)
	QuotePrice(ctx context.Context, class models.CarClass, distanceM, durationS float64, city string) (pricing.Quote, error)
	GetTrip(ctx context.Context, tripID string) (*models.Trip, error)
	DriverAccept(ctx context.Context, tripID, driverID string) (engine.AcceptResult, *models.Trip, error)
	DriverReject(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	StartTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	CompleteTrip(ctx context.Context, tripID, driverID string, actualM, actualS *float64) (*models.Trip, error)
	CancelTrip(ctx context.Context, tripID, actor, reason string) (*models.Trip, error)
	ReportLocation(ctx context.Context, p models.LocationPing) error
	SetDriverOnline(ctx context.Context, driverID string, online bool) error
	ResetRateLimit(identity, action string)
}

type Server struct {
	Engine Engine
	WSReg  *dispatch.WSRegistry
	auth   *Authenticator
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(eng Engine, ws *dispatch.WSRegistry, auth *Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Engine: eng, WSReg: ws, auth: auth, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/trips/{id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/trips/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/trips/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancel).Methods("POST")
	api.Handle("/chat/events", requireRole(RoleService)(http.HandlerFunc(s.handleChatEvent))).Methods("POST")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/driver/locations", s.handleDriverLocation).Methods("POST")
	internal.HandleFunc("/driver/{id}/online", s.handleDriverOnline).Methods("POST")
	internal.Handle("/ratelimit/{identity}", requireRole(RoleService)(http.HandlerFunc(s.handleRateLimitReset))).Methods("DELETE")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type quoteRequest struct {
	Class     models.CarClass `json:"class"`
	DistanceM float64         `json:"distance_m"`
	DurationS float64         `json:"duration_s"`
	City      string          `json:"city"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decode(w, r, &req) {
		return
	}
	q, err := s.Engine.QuotePrice(r.Context(), req.Class, req.DistanceM, req.DurationS, req.City)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateTripRequest
	if !decode(w, r, &req) {
		return
	}
	if p := principalFromContext(r.Context()); p.Role == RoleDriver {
		writeError(w, http.StatusForbidden, errForbidden.Error())
		return
	}
	rider, err := actingAs(r.Context(), req.RiderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.RiderID = rider
	trip, err := s.Engine.CreateTrip(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.Engine.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !canView(principalFromContext(r.Context()), trip) {
		s.fail(w, r, errForbidden)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// canView lets a rider see their own trips and a driver see trips offered or
// assigned to them, plus any trip still open for broadcast.
func canView(p Principal, trip *models.Trip) bool {
	switch p.Role {
	case RoleService:
		return true
	case RoleRider:
		return p.ID == trip.RiderID
	case RoleDriver:
		return trip.AssignedTo(p.ID) || trip.HoldsOffer(p.ID) || trip.Status == models.TripPending
	}
	return false
}

// actorRequest is the optional body of the driver and cancel actions. Only
// the service role may name the actor.
type actorRequest struct {
	DriverID string `json:"driver_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// complete only
	ActualDistanceM *float64 `json:"actual_distance_m,omitempty"`
	ActualDurationS *float64 `json:"actual_duration_s,omitempty"`
}

func (s *Server) driverAction(w http.ResponseWriter, r *http.Request) (string, actorRequest, bool) {
	var req actorRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return "", req, false
	}
	if p := principalFromContext(r.Context()); p.Role == RoleRider {
		writeError(w, http.StatusForbidden, errForbidden.Error())
		return "", req, false
	}
	driverID, err := actingAs(r.Context(), req.DriverID)
	if err != nil {
		s.fail(w, r, err)
		return "", req, false
	}
	return driverID, req, true
}

type acceptResponse struct {
	Result engine.AcceptResult `json:"result"`
	Trip   *models.Trip        `json:"trip,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, _, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	res, trip, err := s.Engine.DriverAccept(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	switch res {
	case engine.AcceptAlreadyTaken:
		status = http.StatusConflict
	case engine.AcceptNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, acceptResponse{Result: res, Trip: trip})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	driverID, _, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	if _, err := s.Engine.DriverReject(r.Context(), mux.Vars(r)["id"], driverID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	driverID, _, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	trip, err := s.Engine.StartTrip(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	driverID, req, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	trip, err := s.Engine.CompleteTrip(r.Context(), mux.Vars(r)["id"], driverID, req.ActualDistanceM, req.ActualDurationS)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	actor, err := actingAs(r.Context(), req.Actor)
	switch {
	case errors.Is(err, errMissingActor):
		// a service caller without an actor cancels as operator
		actor = engine.ActorSystem
	case err != nil:
		s.fail(w, r, err)
		return
	}
	trip, err := s.Engine.CancelTrip(r.Context(), mux.Vars(r)["id"], actor, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type chatResponse struct {
	Action string              `json:"action"`
	TripID string              `json:"trip_id"`
	Result engine.AcceptResult `json:"result,omitempty"`
	Trip   *models.Trip        `json:"trip,omitempty"`
}

// handleChatEvent routes a chat update to the matching engine operation on
// behalf of its sender.
func (s *Server) handleChatEvent(w http.ResponseWriter, r *http.Request) {
	var in Inbound
	if !decode(w, r, &in) {
		return
	}
	verb, tripID, err := in.Action()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if in.UserID == engine.ActorSystem {
		s.fail(w, r, errForbidden)
		return
	}
	ctx := r.Context()
	resp := chatResponse{Action: verb, TripID: tripID}
	switch verb {
	case "accept":
		resp.Result, resp.Trip, err = s.Engine.DriverAccept(ctx, tripID, in.UserID)
	case "reject":
		resp.Trip, err = s.Engine.DriverReject(ctx, tripID, in.UserID)
	case "start":
		resp.Trip, err = s.Engine.StartTrip(ctx, tripID, in.UserID)
	case "complete":
		resp.Trip, err = s.Engine.CompleteTrip(ctx, tripID, in.UserID, nil, nil)
	case "cancel":
		resp.Trip, err = s.Engine.CancelTrip(ctx, tripID, in.UserID, "cancelled via "+string(in.Kind))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPing
	if !decode(w, r, &p) {
		return
	}
	driverID, err := actingAs(r.Context(), p.DriverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p.DriverID = driverID
	if err := s.Engine.ReportLocation(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if !decode(w, r, &body) {
		return
	}
	driverID, err := actingAs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Engine.SetDriverOnline(r.Context(), driverID, body.Online); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	s.Engine.ResetRateLimit(mux.Vars(r)["identity"], r.URL.Query().Get("action"))
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a driver session open until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := actingAs(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		return
	}
	s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
	}()
	s.logger.Info("driver connected", "driver_id", id)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.logger.Info("driver disconnected", "driver_id", id)
			return
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
