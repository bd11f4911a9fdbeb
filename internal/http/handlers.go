package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridenow/internal/auth"
	"github.com/example/ridenow/internal/dispatch"
	"github.com/example/ridenow/internal/geo"
	"github.com/example/ridenow/internal/logging"
	"github.com/example/ridenow/internal/models"
	"github.com/example/ridenow/internal/storage"
	"github.com/example/ridenow/internal/trip"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultNearbyLimit  = 10
	maxBodyBytes        = 64 << 10
)

type Options struct {
	Trips    *trip.Manager
	Store    storage.TripStore
	Tracker  geo.Tracker
	WSReg    *dispatch.WSRegistry
	Verifier *auth.Verifier
	Logger   *slog.Logger

	// RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustProxy keys rate limits on X-Forwarded-For instead of the peer address.
	TrustProxy bool
}

type Server struct {
	Trips    *trip.Manager
	Store    storage.TripStore
	Tracker  geo.Tracker
	WSReg    *dispatch.WSRegistry
	Verifier *auth.Verifier

	limiter    *ipLimiter
	trustProxy bool
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = auth.NewVerifier("")
	}
	wsreg := opts.WSReg
	if wsreg == nil {
		wsreg = dispatch.NewWSRegistry()
	}
	s := &Server{
		Trips:      opts.Trips,
		Store:      opts.Store,
		Tracker:    opts.Tracker,
		WSReg:      wsreg,
		Verifier:   verifier,
		trustProxy: opts.TrustProxy,
		logger:     logger.With("component", "http"),
		mux:        mux.NewRouter(),
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware, s.authMiddleware)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}", s.handleDeleteTrip).Methods("DELETE")
	api.HandleFunc("/trips/{id}/route", s.handleSetRoute).Methods("POST")
	api.HandleFunc("/trips/{id}/confirm", s.tripAction(func(e *trip.Engine, _ *http.Request) error { return e.ConfirmRide() })).Methods("POST")
	api.HandleFunc("/trips/{id}/reject", s.tripAction(func(e *trip.Engine, _ *http.Request) error { return e.RejectOffer() })).Methods("POST")
	api.HandleFunc("/trips/{id}/accept", s.tripAction(func(e *trip.Engine, _ *http.Request) error { return e.AcceptOffer() })).Methods("POST")
	api.HandleFunc("/trips/{id}/pay", s.tripAction(func(e *trip.Engine, r *http.Request) error { return e.Pay(r.Context()) })).Methods("POST")
	api.HandleFunc("/trips/{id}/defer", s.tripAction(func(e *trip.Engine, _ *http.Request) error { return e.DeferPayment() })).Methods("POST")
	api.HandleFunc("/trips/{id}/reset", s.tripAction(func(e *trip.Engine, _ *http.Request) error { e.Reset(); return nil })).Methods("POST")
	api.HandleFunc("/trips/{id}/rating", s.handleRating).Methods("POST")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/trips/{id}", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())
	e, err := s.Trips.Create(session)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("trip created", "trip_id", e.ID(), "rider_id", session.RiderID)
	writeJSON(w, http.StatusCreated, e.State())
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

func (s *Server) handleDeleteTrip(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	s.Trips.Remove(e.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req trip.RouteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, e, e.SetRoute(r.Context(), req))
}

type ratingRequest struct {
	Score   int     `json:"score"`
	Comment *string `json:"comment"`
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req ratingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, e, e.SubmitRating(r.Context(), req.Score, req.Comment))
}

// tripAction adapts a body-less engine operation into a handler that returns
// the resulting state.
func (s *Server) tripAction(op func(*trip.Engine, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := s.engineFor(w, r)
		if !ok {
			return
		}
		s.respond(w, e, op(e, r))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	trips, err := s.Store.ListTrips(r.Context(), session.RiderID, limit)
	if err != nil {
		s.logger.Error("list trips", "rider_id", session.RiderID, "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if trips == nil {
		trips = []models.CompletedTripRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	limit, err := queryInt(r, "limit", defaultNearbyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	drivers := []geo.TrackedDriver{}
	if s.Tracker != nil {
		drivers = append(drivers, s.Tracker.Nearby(r.Context(), lat, lon, limit)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "trip_id", e.ID(), "error", err)
		return
	}
	s.WSReg.Add(e.ID(), conn)
	if err := s.WSReg.Notify(e.ID(), e.State()); err != nil {
		s.logger.Warn("websocket initial state", "trip_id", e.ID(), "error", err)
	}
	go func() {
		defer conn.Close()
		defer s.WSReg.Remove(e.ID(), conn)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

// engineFor resolves the trip in the path and checks that the caller owns it.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*trip.Engine, bool) {
	id := mux.Vars(r)["id"]
	e, ok := s.Trips.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "trip not found")
		return nil, false
	}
	session, _ := auth.FromContext(r.Context())
	if e.Session().RiderID != session.RiderID {
		writeError(w, http.StatusForbidden, "trip belongs to another rider")
		return nil, false
	}
	return e, true
}

func (s *Server) respond(w http.ResponseWriter, e *trip.Engine, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			s.logger.Error("trip operation failed", "trip_id", e.ID(), "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e.State())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, trip.ErrMissingLocation), errors.Is(err, trip.ErrInvalidRating), errors.Is(err, trip.ErrCommentTooLong):
		return http.StatusBadRequest
	case errors.Is(err, trip.ErrNoRoute):
		return http.StatusUnprocessableEntity
	case errors.Is(err, trip.ErrInvalidTransition), errors.Is(err, trip.ErrTripReset):
		return http.StatusConflict
	case errors.Is(err, trip.ErrTooManyTrips):
		return http.StatusTooManyRequests
	default:
		// engine operations only fail otherwise when a collaborator did
		return http.StatusBadGateway
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
