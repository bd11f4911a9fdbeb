// Package trip runs the simulated ride lifecycle for one rider: route, driver
// search, offer negotiation, animated transit, payment and rating.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/example/ridenow/internal/auth"
	"github.com/example/ridenow/internal/dispatch"
	"github.com/example/ridenow/internal/events"
	"github.com/example/ridenow/internal/fare"
	"github.com/example/ridenow/internal/geo"
	"github.com/example/ridenow/internal/logging"
	"github.com/example/ridenow/internal/models"
	"github.com/example/ridenow/internal/observability"
	"github.com/example/ridenow/internal/offer"
	"github.com/example/ridenow/internal/payments"
	"github.com/example/ridenow/internal/routing"
	"github.com/example/ridenow/internal/storage"
)

var (
	ErrMissingLocation   = errors.New("origin and destination are required")
	ErrNoRoute           = errors.New("no route available")
	ErrInvalidTransition = errors.New("operation not allowed in current phase")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrTripReset         = errors.New("trip was reset")
	ErrCommentTooLong    = fmt.Errorf("rating comment must be at most %d characters", MaxCommentLength)
)

const MaxCommentLength = 500

const (
	outboxSize     = 128
	subscriberSize = 16
	publishTimeout = 2 * time.Second
)

type Config struct {
	SearchDelay    time.Duration
	RejectDelay    time.Duration
	StepInterval   time.Duration
	PaymentDelay   time.Duration
	PersistTimeout time.Duration
	Currency       string

	// IdleTTL is how long a trip may sit untouched before the manager evicts
	// it. MaxTripsPerRider bounds live trips per session.
	IdleTTL          time.Duration
	MaxTripsPerRider int
}

func DefaultConfig() Config {
	return Config{
		SearchDelay:      3 * time.Second,
		RejectDelay:      1500 * time.Millisecond,
		StepInterval:     300 * time.Millisecond,
		PaymentDelay:     1400 * time.Millisecond,
		PersistTimeout:   5 * time.Second,
		Currency:         "NGN",
		IdleTTL:          30 * time.Minute,
		MaxTripsPerRider: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SearchDelay <= 0 {
		c.SearchDelay = d.SearchDelay
	}
	if c.RejectDelay <= 0 {
		c.RejectDelay = d.RejectDelay
	}
	if c.StepInterval <= 0 {
		c.StepInterval = d.StepInterval
	}
	if c.PaymentDelay <= 0 {
		c.PaymentDelay = d.PaymentDelay
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.MaxTripsPerRider <= 0 {
		c.MaxTripsPerRider = d.MaxTripsPerRider
	}
	return c
}

// Deps are the collaborators shared by every engine. Tracker and Notifier are
// optional.
type Deps struct {
	Router   routing.Router
	Store    storage.TripStore
	Gateway  payments.Gateway
	Tracker  geo.Tracker
	Events   events.Publisher
	Notifier dispatch.Notifier
	Fares    *fare.Model
	Offers   *offer.Generator
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Router == nil {
		d.Router = routing.StraightLine{}
	}
	if d.Store == nil {
		d.Store = storage.NewMemoryStore()
	}
	if d.Gateway == nil {
		d.Gateway = payments.Simulated{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Fares == nil {
		d.Fares = fare.New(fare.DefaultConfig(), nil)
	}
	if d.Offers == nil {
		d.Offers = offer.NewGenerator(nil)
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return d
}

// RouteRequest carries the rider's picked places. Estimate is a flat fare used
// when the route has no distance.
type RouteRequest struct {
	Origin      *models.Place `json:"origin"`
	Destination *models.Place `json:"destination"`
	Estimate    float64       `json:"estimate"`
}

type update struct {
	typ   models.EventType
	state models.TripState
}

// Engine owns one TripState. Every delayed continuation captures the
// generation and the trip context; Reset bumps one and cancels the other, so
// late continuations are dropped.
type Engine struct {
	id      string
	session auth.Session
	cfg     Config
	deps    Deps
	log     *slog.Logger

	mu       sync.Mutex
	state    models.TripState
	gen      uint64
	routeSeq uint64
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool

	// outbound snapshots in mutation order, drained by run
	qMu     sync.Mutex
	queue   []update
	wake    chan struct{}
	done    chan struct{}
	touched atomic.Int64

	subMu   sync.Mutex
	subs    map[int]chan models.TripState
	nextSub int
}

func NewEngine(id string, session auth.Session, cfg Config, deps Deps) *Engine {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:      id,
		session: session,
		cfg:     cfg.withDefaults(),
		deps:    deps,
		log:     deps.Logger.With("component", "trip", "trip_id", id, "rider_id", session.RiderID),
		state:   initialState(id),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		subs:    make(map[int]chan models.TripState),
	}
	e.touch()
	go e.run()
	return e
}

func initialState(id string) models.TripState {
	return models.TripState{
		TripID:        id,
		Phase:         models.PhaseIdle,
		PaymentStatus: models.PaymentNone,
		UpdatedAt:     time.Now().UTC(),
	}
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) touch() { e.touched.Store(time.Now().UnixNano()) }

// lastActive is the later of the last state change and the last lookup. A
// trip with a charge in flight reports busy and is never evicted.
func (e *Engine) lastActive() (at time.Time, busy bool) {
	e.mu.Lock()
	updated, busy := e.state.UpdatedAt, e.state.PaymentStatus == models.PaymentProcessing
	e.mu.Unlock()
	if t := time.Unix(0, e.touched.Load()); t.After(updated) {
		return t, busy
	}
	return updated, busy
}

func (e *Engine) Session() auth.Session { return e.session }

func (e *Engine) State() models.TripState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// SetRoute asks the router for a path between the two places. Router failures
// degrade to an empty route with a zero fare range and are not returned.
func (e *Engine) SetRoute(ctx context.Context, req RouteRequest) error {
	if req.Origin == nil || req.Destination == nil {
		return ErrMissingLocation
	}
	origin, dest := *req.Origin, *req.Destination

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTripReset
	}
	if !e.bookableLocked() {
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	e.routeSeq++
	gen, seq := e.gen, e.routeSeq
	e.mu.Unlock()

	route := e.lookupRoute(ctx, origin.Coordinate, dest.Coordinate)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.closed {
		return ErrTripReset
	}
	if seq != e.routeSeq {
		// a newer request owns the route now
		return nil
	}
	if !e.bookableLocked() {
		return ErrInvalidTransition
	}

	e.state.Origin = &origin
	e.state.Destination = &dest
	e.state.Route = &route
	e.state.Estimate = req.Estimate
	if route.Available() {
		rng := e.deps.Fares.Range(e.deps.Fares.Base(route.DistanceKm, req.Estimate))
		region := geo.FitRegion(origin.Coordinate, dest.Coordinate, geo.DefaultMinDelta, geo.DefaultMaxDelta)
		e.state.FareRange = &rng
		e.state.Viewport = &region
	} else {
		e.state.FareRange = &models.FareRange{}
		e.state.Viewport = nil
	}
	e.setPhaseLocked(models.PhaseRouteReady)
	e.emitLocked(models.EventRouteSet)
	return nil
}

func (e *Engine) lookupRoute(ctx context.Context, from, to models.Coordinate) models.Route {
	start := time.Now()
	route, err := e.deps.Router.Route(ctx, from, to)
	observability.RouteLatency.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		observability.RouteLookups.WithLabelValues("error").Inc()
		e.log.Warn("route lookup failed", "error", err)
		return models.Route{}
	case !route.Available():
		observability.RouteLookups.WithLabelValues("empty").Inc()
		e.log.Warn("router returned no waypoints")
		return models.Route{}
	}
	observability.RouteLookups.WithLabelValues("ok").Inc()
	return route
}

func (e *Engine) bookableLocked() bool {
	return e.state.Phase == models.PhaseIdle || e.state.Phase == models.PhaseRouteReady
}

// ConfirmRide starts the driver search. Repeat calls while searching or in
// transit are ignored.
func (e *Engine) ConfirmRide() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTripReset
	}
	switch e.state.Phase {
	case models.PhaseSearchingDriver, models.PhaseTransiting:
		return nil
	case models.PhaseIdle, models.PhaseRouteReady:
		if !e.state.Route.Available() {
			return ErrNoRoute
		}
	default:
		return ErrInvalidTransition
	}
	e.setPhaseLocked(models.PhaseSearchingDriver)
	e.emitLocked(models.EventSearchStarted)
	go e.search(e.ctx, e.gen)
	return nil
}

func (e *Engine) search(ctx context.Context, gen uint64) {
	if !sleep(ctx, e.cfg.SearchDelay) {
		return
	}
	o := e.deps.Offers.Generate()

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state.Phase != models.PhaseSearchingDriver {
		return
	}
	e.state.Offer = &o
	e.setPhaseLocked(models.PhaseOfferPending)
	e.emitLocked(models.EventOfferPresented)
}

// RejectOffer replaces the current offer after RejectDelay. A reject while
// the replacement is loading is ignored.
func (e *Engine) RejectOffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTripReset
	}
	if e.state.Phase != models.PhaseOfferPending {
		return ErrInvalidTransition
	}
	if e.state.LoadingAnother {
		return nil
	}
	e.state.LoadingAnother = true
	e.emitLocked(models.EventOfferRejected)
	go e.regenerate(e.ctx, e.gen)
	return nil
}

func (e *Engine) regenerate(ctx context.Context, gen uint64) {
	if !sleep(ctx, e.cfg.RejectDelay) {
		return
	}
	o := e.deps.Offers.Generate()

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state.Phase != models.PhaseOfferPending {
		return
	}
	e.state.Offer = &o
	e.state.LoadingAnother = false
	e.emitLocked(models.EventOfferPresented)
}

// AcceptOffer locks the fare and starts driving. Without a route it does
// nothing.
func (e *Engine) AcceptOffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTripReset
	}
	if !e.state.Route.Available() {
		return nil
	}
	switch {
	case e.state.Phase == models.PhaseTransiting:
		return nil
	case e.state.Phase != models.PhaseOfferPending, e.state.LoadingAnother:
		return ErrInvalidTransition
	}

	if e.state.FareRange.Valid() {
		locked := e.deps.Fares.Lock(*e.state.FareRange)
		e.state.LockedFare = &locked
	} else {
		e.state.LockedFare = nil
	}

	waypoints := append([]models.Coordinate(nil), e.state.Route.Waypoints...)
	start := e.state.Origin.Coordinate
	heading := 0.0
	if len(waypoints) >= 2 {
		heading = geo.Bearing(start, waypoints[1])
	}
	e.state.DriverPosition = &start
	e.state.HeadingDegrees = heading
	e.state.DisplayHeading = geo.NormalizeAngle(heading)
	e.setPhaseLocked(models.PhaseTransiting)
	e.emitLocked(models.EventOfferAccepted)
	go e.animate(e.ctx, e.gen, waypoints)
	return nil
}

// animate walks the driver through the waypoints one step per StepInterval
// and hands the trip over to payment at the end.
func (e *Engine) animate(ctx context.Context, gen uint64, waypoints []models.Coordinate) {
	for i := 0; i < len(waypoints)-1; i++ {
		if !e.step(gen, waypoints[i], waypoints[i+1]) {
			return
		}
		if !sleep(ctx, e.cfg.StepInterval) {
			return
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state.Phase != models.PhaseTransiting {
		return
	}
	last := waypoints[len(waypoints)-1]
	e.state.DriverPosition = &last
	e.setPhaseLocked(models.PhaseArrived)
	e.emitLocked(models.EventDriverArrived)
	e.setPhaseLocked(models.PhasePaymentPending)
	e.emitLocked(models.EventPaymentPending)
}

func (e *Engine) step(gen uint64, cur, next models.Coordinate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state.Phase != models.PhaseTransiting {
		return false
	}
	heading := geo.ShortestRotation(e.state.HeadingDegrees, geo.Bearing(cur, next))
	e.state.HeadingDegrees = heading
	e.state.DisplayHeading = geo.NormalizeAngle(heading)
	e.state.DriverPosition = &cur
	e.emitLocked(models.EventDriverMoved)
	return true
}

// Pay charges the locked fare, or the base fare when none was locked, and
// records the completed trip. A call while a payment is processing is
// ignored. Gateway failures put the trip back to awaiting payment; store
// failures are only logged. A reset during the delay cancels the payment, but
// once the charge is under way it runs to the end and a captured charge is
// always recorded.
func (e *Engine) Pay(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTripReset
	}
	if e.state.PaymentStatus == models.PaymentProcessing {
		e.mu.Unlock()
		return nil
	}
	if e.state.Phase != models.PhasePaymentPending {
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	e.state.PaymentStatus = models.PaymentProcessing
	e.emitLocked(models.EventPaymentProcessing)
	gen, runCtx := e.gen, e.ctx
	amount := e.chargeAmountLocked()
	rec := e.recordLocked(amount)
	e.mu.Unlock()

	delayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	if !sleep(delayCtx, e.cfg.PaymentDelay) {
		if runCtx.Err() != nil {
			return ErrTripReset
		}
		e.restorePayment(gen)
		return ctx.Err()
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return ErrTripReset
	}
	e.mu.Unlock()

	receipt := payments.Receipt{Method: "none"}
	if amount > 0 {
		var err error
		receipt, err = e.deps.Gateway.Charge(context.WithoutCancel(ctx), payments.ChargeRequest{
			Amount:   amount,
			Currency: e.cfg.Currency,
			TripID:   e.id,
			RiderID:  e.session.RiderID,
		})
		if err != nil {
			e.log.Warn("payment failed", "amount", amount, "error", err)
			if !e.restorePayment(gen) {
				return ErrTripReset
			}
			return fmt.Errorf("charge trip %s: %w", e.id, err)
		}
	}
	rec.PaymentMethod = receipt.Method
	rec.PaymentReference = receipt.Reference
	rec.PaidAt = time.Now().UTC()

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancelPersist()
	id, err := e.deps.Store.CreateTrip(persistCtx, rec)
	if err != nil {
		observability.PersistenceErrors.WithLabelValues("create").Inc()
		e.log.Error("persist completed trip", "reference", receipt.Reference, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	observability.TripsCompleted.WithLabelValues(string(models.PaymentPaid)).Inc()
	if gen != e.gen {
		e.log.Warn("trip reset while charging; paid trip recorded", "record_id", id, "reference", receipt.Reference)
		return ErrTripReset
	}
	e.state.RecordID = id
	e.state.PaymentStatus = models.PaymentPaid
	e.setPhaseLocked(models.PhaseCompleted)
	e.emitLocked(models.EventTripPaid)
	return nil
}

// restorePayment reports false when the trip was reset in the meantime.
func (e *Engine) restorePayment(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return false
	}
	if e.state.PaymentStatus == models.PaymentProcessing {
		e.state.PaymentStatus = models.PaymentNone
		e.emitLocked(models.EventPaymentPending)
	}
	return true
}

func (e *Engine) chargeAmountLocked() float64 {
	if e.state.LockedFare != nil {
		return *e.state.LockedFare
	}
	var km float64
	if e.state.Route != nil {
		km = e.state.Route.DistanceKm
	}
	return e.deps.Fares.Base(km, e.state.Estimate)
}

// recordLocked snapshots the trip as it is when payment starts.
func (e *Engine) recordLocked(amount float64) models.CompletedTripRecord {
	rec := models.CompletedTripRecord{
		RiderID:       e.session.RiderID,
		RiderEmail:    e.session.Email,
		PricePerKm:    e.deps.Fares.Config().PricePerKm,
		Price:         amount,
		Currency:      e.cfg.Currency,
		PaymentStatus: models.PaymentPaid,
		CreatedAt:     time.Now().UTC(),
	}
	if e.state.Origin != nil {
		rec.Origin = *e.state.Origin
	}
	if e.state.Destination != nil {
		rec.Destination = *e.state.Destination
	}
	if e.state.Route != nil {
		rec.DistanceKm = e.state.Route.DistanceKm
	}
	if e.state.FareRange != nil {
		rec.FareMin, rec.FareMax = e.state.FareRange.Min, e.state.FareRange.Max
	}
	if o := e.state.Offer; o != nil {
		rec.DriverName, rec.CarModel, rec.CarYear, rec.PlateNumber = o.DriverName, o.CarModel, o.CarYear, o.PlateNumber
	}
	return rec
}

// DeferPayment completes the trip unpaid. Nothing is persisted.
func (e *Engine) DeferPayment() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTripReset
	}
	if e.state.PaymentStatus == models.PaymentProcessing {
		return nil
	}
	if e.state.Phase != models.PhasePaymentPending {
		return ErrInvalidTransition
	}
	e.state.PaymentStatus = models.PaymentDeferred
	e.setPhaseLocked(models.PhaseCompleted)
	e.emitLocked(models.EventPaymentDeferred)
	observability.TripsCompleted.WithLabelValues(string(models.PaymentDeferred)).Inc()
	return nil
}

// SubmitRating attaches a 1-5 score to the persisted trip. Trips without a
// record are silently skipped; store failures are logged.
func (e *Engine) SubmitRating(ctx context.Context, score int, comment *string) error {
	if score < 1 || score > 5 {
		return ErrInvalidRating
	}
	if comment != nil {
		c := strings.TrimSpace(*comment)
		if utf8.RuneCountInString(c) > MaxCommentLength {
			return ErrCommentTooLong
		}
		comment = &c
		if c == "" {
			comment = nil
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTripReset
	}
	recordID := e.state.RecordID
	if recordID == "" {
		e.mu.Unlock()
		return nil
	}
	e.state.RatingScore = &score
	e.state.RatingComment = comment
	e.emitLocked(models.EventTripRated)
	e.mu.Unlock()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	upd := models.TripUpdate{RatingScore: score, RatingComment: comment, RatedAt: time.Now().UTC()}
	if err := e.deps.Store.UpdateTrip(persistCtx, recordID, upd); err != nil {
		observability.PersistenceErrors.WithLabelValues("update").Inc()
		e.log.Error("persist rating", "record_id", recordID, "error", err)
	}
	return nil
}

// Reset returns the trip to idle from any phase. Pending delays are canceled
// and the animation stops before its next step.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.gen++
	e.routeSeq++
	e.cancel()
	e.ctx, e.cancel = context.WithCancel(context.Background())
	prev := e.state.Phase
	e.state = initialState(e.id)
	if prev != models.PhaseIdle {
		observability.PhaseTransitions.WithLabelValues(string(models.PhaseIdle)).Inc()
	}
	e.emitLocked(models.EventTripReset)
}

// Subscribe returns a channel of state snapshots. Slow readers miss updates
// rather than stall the trip. The channel closes when the engine does.
func (e *Engine) Subscribe() (<-chan models.TripState, func()) {
	ch := make(chan models.TripState, subscriberSize)
	e.subMu.Lock()
	if e.subs == nil {
		e.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// Close stops the engine for good and drops the tracked driver position.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.gen++
	e.cancel()
	close(e.done)
	e.mu.Unlock()

	if e.deps.Tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := e.deps.Tracker.Remove(ctx, e.id); err != nil {
			e.log.Warn("remove tracked driver", "error", err)
		}
	}
}

func (e *Engine) setPhaseLocked(p models.Phase) {
	if e.state.Phase == p {
		return
	}
	e.state.Phase = p
	observability.PhaseTransitions.WithLabelValues(string(p)).Inc()
}

// emitLocked queues a snapshot for delivery. Delivery happens on the run
// goroutine, outside the state lock, in mutation order. Once outboxSize
// updates are waiting, driver_moved snapshots are dropped and back-to-back
// resets collapse into one; every other update is kept.
func (e *Engine) emitLocked(typ models.EventType) {
	e.state.UpdatedAt = time.Now().UTC()
	u := update{typ: typ, state: e.state.Clone()}

	e.qMu.Lock()
	if n := len(e.queue); n >= outboxSize {
		switch {
		case typ == models.EventDriverMoved:
			e.qMu.Unlock()
			e.log.Warn("trip outbox full, dropping update", "type", typ)
			return
		case typ == models.EventTripReset && e.queue[n-1].typ == models.EventTripReset:
			e.queue[n-1] = u
			e.qMu.Unlock()
			return
		}
	}
	e.queue = append(e.queue, u)
	e.qMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) pop() (update, bool) {
	e.qMu.Lock()
	defer e.qMu.Unlock()
	if len(e.queue) == 0 {
		return update{}, false
	}
	u := e.queue[0]
	e.queue[0] = update{}
	e.queue = e.queue[1:]
	return u, true
}

func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			e.closeSubscribers()
			return
		case <-e.wake:
		}
		for {
			select {
			case <-e.done:
				e.closeSubscribers()
				return
			default:
			}
			u, ok := e.pop()
			if !ok {
				break
			}
			e.deliver(u)
		}
	}
}

func (e *Engine) deliver(u update) {
	e.subMu.Lock()
	for _, ch := range e.subs {
		select {
		case ch <- u.state:
		default:
		}
	}
	e.subMu.Unlock()

	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.Notify(e.id, u.state); err != nil {
			e.log.Warn("notify trip state", "type", u.typ, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	evt := models.TripEvent{Type: u.typ, TripID: e.id, RiderID: e.session.RiderID, Phase: u.state.Phase, At: u.state.UpdatedAt, State: u.state}
	if err := e.deps.Events.Publish(ctx, evt); err != nil {
		e.log.Warn("publish trip event", "type", u.typ, "error", err)
	}

	if e.deps.Tracker == nil {
		return
	}
	var err error
	switch u.typ {
	case models.EventOfferAccepted, models.EventDriverMoved, models.EventDriverArrived:
		if u.state.DriverPosition != nil {
			err = e.deps.Tracker.Track(ctx, e.id, *u.state.DriverPosition, u.state.DisplayHeading)
		}
	case models.EventTripPaid, models.EventPaymentDeferred, models.EventTripReset:
		err = e.deps.Tracker.Remove(ctx, e.id)
	}
	if err != nil {
		e.log.Warn("track driver position", "type", u.typ, "error", err)
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.subs = nil
}

// sleep waits for d and reports whether it elapsed before ctx was done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
