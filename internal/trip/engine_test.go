package trip

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ridenow/internal/auth"
	"github.com/example/ridenow/internal/events"
	"github.com/example/ridenow/internal/fare"
	"github.com/example/ridenow/internal/geo"
	"github.com/example/ridenow/internal/models"
	"github.com/example/ridenow/internal/offer"
	"github.com/example/ridenow/internal/payments"
	"github.com/example/ridenow/internal/storage"
)

type fakeRouter struct {
	route models.Route
	err   error
	calls atomic.Int32

	// when set, Route signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func (f *fakeRouter) Route(ctx context.Context, _, _ models.Coordinate) (models.Route, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return models.Route{}, f.err
	}
	return f.route, nil
}

type fakeStore struct {
	*storage.MemoryStore
	createErr error
	updateErr error
	creates   atomic.Int32
	updates   atomic.Int32
}

func newFakeStore() *fakeStore { return &fakeStore{MemoryStore: storage.NewMemoryStore()} }

func (s *fakeStore) CreateTrip(ctx context.Context, rec models.CompletedTripRecord) (string, error) {
	s.creates.Add(1)
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.MemoryStore.CreateTrip(ctx, rec)
}

func (s *fakeStore) UpdateTrip(ctx context.Context, id string, upd models.TripUpdate) error {
	s.updates.Add(1)
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.MemoryStore.UpdateTrip(ctx, id, upd)
}

type fakeGateway struct {
	mu      sync.Mutex
	err     error
	charges []payments.ChargeRequest

	// when set, Charge signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func (g *fakeGateway) Charge(_ context.Context, req payments.ChargeRequest) (payments.Receipt, error) {
	if g.started != nil {
		g.started <- struct{}{}
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return payments.Receipt{}, g.err
	}
	g.charges = append(g.charges, req)
	return payments.Receipt{Reference: "ref_1", Method: "test"}, nil
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(string, models.TripState) error {
	c.n.Add(1)
	return nil
}

var (
	lagos   = models.Place{Name: "Yaba", Coordinate: models.Coordinate{Latitude: 6.5, Longitude: 3.3}}
	ikeja   = models.Place{Name: "Ikeja", Coordinate: models.Coordinate{Latitude: 6.6, Longitude: 3.4}}
	threeWP = models.Route{
		Waypoints: []models.Coordinate{
			{Latitude: 6.5, Longitude: 3.3},
			{Latitude: 6.55, Longitude: 3.35},
			{Latitude: 6.6, Longitude: 3.4},
		},
		DistanceKm: 12,
	}
)

func fastConfig() Config {
	return Config{
		SearchDelay:    5 * time.Millisecond,
		RejectDelay:    5 * time.Millisecond,
		StepInterval:   2 * time.Millisecond,
		PaymentDelay:   5 * time.Millisecond,
		PersistTimeout: time.Second,
		Currency:       "NGN",
	}
}

type harness struct {
	router  *fakeRouter
	store   *fakeStore
	gateway *fakeGateway
	events  *events.Recorder
	deps    Deps
}

func newHarness() *harness {
	h := &harness{
		router:  &fakeRouter{route: threeWP},
		store:   newFakeStore(),
		gateway: &fakeGateway{},
		events:  &events.Recorder{},
	}
	h.deps = Deps{
		Router:  h.router,
		Store:   h.store,
		Gateway: h.gateway,
		Events:  h.events,
		Fares:   fare.New(fare.DefaultConfig(), rand.New(rand.NewPCG(1, 2))),
		Offers:  offer.NewGenerator(rand.New(rand.NewPCG(3, 4))),
	}
	return h
}

func (h *harness) engine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := NewEngine("trip-1", auth.Session{RiderID: "r1", Email: "ada@example.com"}, cfg, h.deps)
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, e *Engine, what string, cond func(models.TripState) bool) models.TripState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := e.State()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state phase=%s loading=%v", what, st.Phase, st.LoadingAnother)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitEvents(t *testing.T, rec *events.Recorder, n int) []models.EventType {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Events()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %v", n, rec.Types())
		}
		time.Sleep(time.Millisecond)
	}
	return rec.Types()
}

func phaseIs(p models.Phase) func(models.TripState) bool {
	return func(st models.TripState) bool { return st.Phase == p && !st.LoadingAnother }
}

func toOffer(t *testing.T, e *Engine) models.TripState {
	t.Helper()
	o, d := lagos, ikeja
	if err := e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d}); err != nil {
		t.Fatalf("set route: %v", err)
	}
	if err := e.ConfirmRide(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return waitFor(t, e, "offer", phaseIs(models.PhaseOfferPending))
}

func toPayment(t *testing.T, e *Engine) models.TripState {
	t.Helper()
	toOffer(t, e)
	if err := e.AcceptOffer(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return waitFor(t, e, "payment", phaseIs(models.PhasePaymentPending))
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestEndToEndPaidTrip(t *testing.T) {
	h := newHarness()
	e := h.engine(t, fastConfig())

	o, d := lagos, ikeja
	if err := e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d}); err != nil {
		t.Fatalf("set route: %v", err)
	}
	st := e.State()
	if st.Phase != models.PhaseRouteReady || st.FareRange == nil {
		t.Fatalf("expected route_ready with fare range, got %+v", st)
	}
	if !near(st.FareRange.Min, 5280) || !near(st.FareRange.Max, 6720) {
		t.Fatalf("expected range 5280..6720, got %+v", *st.FareRange)
	}
	if st.Viewport == nil || !near(st.Viewport.Center.Latitude, 6.55) {
		t.Fatalf("expected fitted viewport, got %+v", st.Viewport)
	}

	if err := e.ConfirmRide(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	st = waitFor(t, e, "offer", phaseIs(models.PhaseOfferPending))
	if st.Offer == nil {
		t.Fatalf("expected an offer")
	}
	if err := e.AcceptOffer(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	st = e.State()
	if st.LockedFare == nil || *st.LockedFare < st.FareRange.Min || *st.LockedFare > st.FareRange.Max {
		t.Fatalf("locked fare out of range: %v", st.LockedFare)
	}
	if math.Mod(*st.LockedFare, 50) != 0 {
		t.Fatalf("locked fare %v is not a multiple of 50", *st.LockedFare)
	}
	locked := *st.LockedFare

	st = waitFor(t, e, "payment", phaseIs(models.PhasePaymentPending))
	if st.DriverPosition == nil || *st.DriverPosition != threeWP.Waypoints[2] {
		t.Fatalf("driver should rest on the last waypoint, got %+v", st.DriverPosition)
	}

	if err := e.Pay(context.Background()); err != nil {
		t.Fatalf("pay: %v", err)
	}
	st = e.State()
	if st.Phase != models.PhaseCompleted || st.PaymentStatus != models.PaymentPaid || st.RecordID == "" {
		t.Fatalf("expected completed+paid with record, got %+v", st)
	}
	rec, ok := h.store.Get(st.RecordID)
	if !ok {
		t.Fatalf("record %s not stored", st.RecordID)
	}
	if rec.Price != locked || rec.PaymentStatus != models.PaymentPaid {
		t.Fatalf("expected price %v paid, got %+v", locked, rec)
	}
	if rec.RiderID != "r1" || rec.RiderEmail != "ada@example.com" || rec.DriverName != st.Offer.DriverName || rec.DistanceKm != 12 {
		t.Fatalf("record missing trip details: %+v", rec)
	}
	if rec.PaymentReference != "ref_1" || rec.Currency != "NGN" || rec.Origin.Name != "Yaba" {
		t.Fatalf("record missing payment details: %+v", rec)
	}
	if len(h.gateway.charges) != 1 || h.gateway.charges[0].Amount != locked {
		t.Fatalf("expected one charge of %v, got %+v", locked, h.gateway.charges)
	}

	want := []models.EventType{
		models.EventRouteSet, models.EventSearchStarted, models.EventOfferPresented,
		models.EventOfferAccepted, models.EventDriverMoved, models.EventDriverMoved,
		models.EventDriverArrived, models.EventPaymentPending, models.EventPaymentProcessing,
		models.EventTripPaid,
	}
	got := waitEvents(t, h.events, len(want))
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %v", i, want[i], got)
		}
	}
}

func TestRejectOfferAnyNumberOfTimes(t *testing.T) {
	for n := 0; n <= 4; n++ {
		h := newHarness()
		e := h.engine(t, fastConfig())
		toOffer(t, e)
		for i := 0; i < n; i++ {
			if err := e.RejectOffer(); err != nil {
				t.Fatalf("reject %d: %v", i, err)
			}
			if !e.State().LoadingAnother {
				t.Fatalf("expected loadingAnother after reject")
			}
			waitFor(t, e, "replacement offer", phaseIs(models.PhaseOfferPending))
		}
		st := e.State()
		if st.Phase != models.PhaseOfferPending || st.Offer == nil || st.LoadingAnother {
			t.Fatalf("n=%d: expected one settled offer, got %+v", n, st)
		}
	}
}

func TestRejectWhileLoadingIsIgnored(t *testing.T) {
	h := newHarness()
	cfg := fastConfig()
	cfg.RejectDelay = 30 * time.Millisecond
	e := h.engine(t, cfg)
	toOffer(t, e)

	if err := e.RejectOffer(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := e.RejectOffer(); err != nil {
		t.Fatalf("second reject should be ignored, got %v", err)
	}
	if err := e.AcceptOffer(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accept while loading: expected ErrInvalidTransition, got %v", err)
	}
	waitFor(t, e, "replacement offer", phaseIs(models.PhaseOfferPending))

	rejected := 0
	for _, typ := range h.events.Types() {
		if typ == models.EventOfferRejected {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("expected one rejection, got %d", rejected)
	}
}

func assertIdle(t *testing.T, st models.TripState) {
	t.Helper()
	if st.Phase != models.PhaseIdle || st.PaymentStatus != models.PaymentNone {
		t.Fatalf("expected idle/none, got %s/%s", st.Phase, st.PaymentStatus)
	}
	if st.Origin != nil || st.Destination != nil || st.Route != nil || st.FareRange != nil || st.Viewport != nil {
		t.Fatalf("route fields not cleared: %+v", st)
	}
	if st.LockedFare != nil || st.Offer != nil || st.DriverPosition != nil || st.LoadingAnother {
		t.Fatalf("offer/driver fields not cleared: %+v", st)
	}
	if st.HeadingDegrees != 0 || st.DisplayHeading != 0 || st.RatingScore != nil || st.RecordID != "" {
		t.Fatalf("heading/rating fields not cleared: %+v", st)
	}
}

func TestResetFromEveryPhase(t *testing.T) {
	steps := map[string]func(t *testing.T, e *Engine){
		"idle": func(*testing.T, *Engine) {},
		"route_ready": func(t *testing.T, e *Engine) {
			o, d := lagos, ikeja
			_ = e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d})
		},
		"searching": func(t *testing.T, e *Engine) {
			o, d := lagos, ikeja
			_ = e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d})
			_ = e.ConfirmRide()
		},
		"offer_pending": func(t *testing.T, e *Engine) { toOffer(t, e) },
		"loading_another": func(t *testing.T, e *Engine) {
			toOffer(t, e)
			_ = e.RejectOffer()
		},
		"transiting": func(t *testing.T, e *Engine) {
			toOffer(t, e)
			_ = e.AcceptOffer()
		},
		"payment_pending": func(t *testing.T, e *Engine) { toPayment(t, e) },
		"paid": func(t *testing.T, e *Engine) {
			toPayment(t, e)
			_ = e.Pay(context.Background())
			_ = e.SubmitRating(context.Background(), 5, nil)
		},
		"deferred": func(t *testing.T, e *Engine) {
			toPayment(t, e)
			_ = e.DeferPayment()
		},
	}
	for name, drive := range steps {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			e := h.engine(t, fastConfig())
			drive(t, e)
			e.Reset()
			assertIdle(t, e.State())
			// late continuations must not resurrect the trip
			time.Sleep(40 * time.Millisecond)
			assertIdle(t, e.State())
		})
	}
}

func TestConfirmTwiceRunsOneSearch(t *testing.T) {
	h := newHarness()
	e := h.engine(t, fastConfig())
	o, d := lagos, ikeja
	_ = e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d})

	if err := e.ConfirmRide(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := e.ConfirmRide(); err != nil {
		t.Fatalf("second confirm should be ignored, got %v", err)
	}
	waitFor(t, e, "offer", phaseIs(models.PhaseOfferPending))
	time.Sleep(30 * time.Millisecond)

	var searches, offers int
	for _, typ := range h.events.Types() {
		switch typ {
		case models.EventSearchStarted:
			searches++
		case models.EventOfferPresented:
			offers++
		}
	}
	if searches != 1 || offers != 1 {
		t.Fatalf("expected one search and one offer, got %d/%d", searches, offers)
	}
}

func TestConfirmWithoutRoute(t *testing.T) {
	h := newHarness()
	e := h.engine(t, fastConfig())
	if err := e.ConfirmRide(); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if err := e.AcceptOffer(); err != nil {
		t.Fatalf("accept without route should be a no-op, got %v", err)
	}
	if e.State().Phase != models.PhaseIdle {
		t.Fatalf("no transition expected")
	}
}

func TestRoutingFailureDegradesToEmptyRoute(t *testing.T) {
	for name, r := range map[string]*fakeRouter{
		"error": {err: errors.New("osrm down")},
		"empty": {route: models.Route{}},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.deps.Router = r
			e := h.engine(t, fastConfig())
			o, d := lagos, ikeja
			if err := e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d, Estimate: 3000}); err != nil {
				t.Fatalf("routing failure must not surface, got %v", err)
			}
			st := e.State()
			if st.Phase != models.PhaseRouteReady || st.Route == nil || len(st.Route.Waypoints) != 0 {
				t.Fatalf("expected empty route, got %+v", st.Route)
			}
			if st.FareRange == nil || st.FareRange.Min != 0 || st.FareRange.Max != 0 {
				t.Fatalf("expected zero fare range, got %+v", st.FareRange)
			}
			if err := e.ConfirmRide(); !errors.Is(err, ErrNoRoute) {
				t.Fatalf("expected ErrNoRoute, got %v", err)
			}
			if r.calls.Load() != 1 {
				t.Fatalf("router should be called once, got %d", r.calls.Load())
			}
		})
	}
}

func TestSetRouteGuards(t *testing.T) {
	h := newHarness()
	e := h.engine(t, fastConfig())
	o := lagos
	if err := e.SetRoute(context.Background(), RouteRequest{Origin: &o}); !errors.Is(err, ErrMissingLocation) {
		t.Fatalf("expected ErrMissingLocation, got %v", err)
	}
	if h.router.calls.Load() != 0 {
		t.Fatalf("router must not be called without both places")
	}
	toOffer(t, e)
	d := ikeja
	if err := e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after booking, got %v", err)
	}
}

func TestSetRouteFallsBackToEstimate(t *testing.T) {
	h := newHarness()
	h.router.route = models.Route{Waypoints: threeWP.Waypoints}
	e := h.engine(t, fastConfig())
	o, d := lagos, ikeja
	_ = e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d, Estimate: 2000})
	st := e.State()
	if st.FareRange == nil || !near(st.FareRange.Min, 1760) || !near(st.FareRange.Max, 2240) {
		t.Fatalf("expected range from estimate, got %+v", st.FareRange)
	}
}

func TestResetDuringRouteLookupDiscardsResult(t *testing.T) {
	h := newHarness()
	h.router.started = make(chan struct{})
	h.router.release = make(chan struct{})
	e := h.engine(t, fastConfig())

	errc := make(chan error, 1)
	go func() {
		o, d := lagos, ikeja
		errc <- e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d})
	}()
	<-h.router.started
	e.Reset()
	close(h.router.release)

	if err := <-errc; !errors.Is(err, ErrTripReset) {
		t.Fatalf("expected ErrTripReset, got %v", err)
	}
	assertIdle(t, e.State())
}

func TestResetHaltsAnimation(t *testing.T) {
	h := newHarness()
	wps := make([]models.Coordinate, 12)
	for i := range wps {
		wps[i] = models.Coordinate{Latitude: 6.5 + float64(i)*0.01, Longitude: 3.3}
	}
	h.router.route = models.Route{Waypoints: wps, DistanceKm: 12}
	cfg := fastConfig()
	cfg.StepInterval = 15 * time.Millisecond
	e := h.engine(t, cfg)

	toOffer(t, e)
	if err := e.AcceptOffer(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, e, "first step", func(st models.TripState) bool {
		return st.DriverPosition != nil && st.DriverPosition.Latitude > 6.5
	})
	e.Reset()
	time.Sleep(60 * time.Millisecond)
	assertIdle(t, e.State())

	types := h.events.Types()
	if types[len(types)-1] != models.EventTripReset {
		t.Fatalf("animation kept emitting after reset: %v", types)
	}
}

func TestHeadingStaysContinuousAcrossNorth(t *testing.T) {
	h := newHarness()
	// first leg heads about 350 degrees, second about 10
	h.router.route = models.Route{
		Waypoints: []models.Coordinate{
			{Latitude: 0, Longitude: 0},
			{Latitude: 1, Longitude: -0.176},
			{Latitude: 2, Longitude: 0},
		},
		DistanceKm: 222,
	}
	e := h.engine(t, fastConfig())
	o := models.Place{Coordinate: models.Coordinate{Latitude: 0, Longitude: 0}}
	d := models.Place{Coordinate: models.Coordinate{Latitude: 2, Longitude: 0}}
	_ = e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d})
	_ = e.ConfirmRide()
	waitFor(t, e, "offer", phaseIs(models.PhaseOfferPending))
	_ = e.AcceptOffer()
	if hd := e.State().HeadingDegrees; hd < 349 || hd > 351 {
		t.Fatalf("initial heading should face the second waypoint, got %v", hd)
	}
	st := waitFor(t, e, "payment", phaseIs(models.PhasePaymentPending))

	if st.HeadingDegrees <= 360 || st.HeadingDegrees > 371 {
		t.Fatalf("expected raw heading just past 360, got %v", st.HeadingDegrees)
	}
	if st.DisplayHeading < 0 || st.DisplayHeading >= 360 || !near(st.DisplayHeading, geo.NormalizeAngle(st.HeadingDegrees)) {
		t.Fatalf("display heading %v does not match raw %v", st.DisplayHeading, st.HeadingDegrees)
	}
}

func TestPayGuards(t *testing.T) {
	h := newHarness()
	e := h.engine(t, fastConfig())
	if err := e.Pay(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := e.DeferPayment(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentPayCreatesOneRecord(t *testing.T) {
	h := newHarness()
	cfg := fastConfig()
	cfg.PaymentDelay = 30 * time.Millisecond
	e := h.engine(t, cfg)
	toPayment(t, e)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Pay(context.Background()); err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("pay: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := h.store.creates.Load(); n != 1 {
		t.Fatalf("expected exactly one record, got %d", n)
	}
	if e.State().PaymentStatus != models.PaymentPaid {
		t.Fatalf("expected paid")
	}
}

func TestGatewayFailureRestoresPayment(t *testing.T) {
	h := newHarness()
	gwErr := errors.New("card declined")
	h.gateway.setErr(gwErr)
	e := h.engine(t, fastConfig())
	toPayment(t, e)

	err := e.Pay(context.Background())
	if !errors.Is(err, gwErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	st := e.State()
	if st.Phase != models.PhasePaymentPending || st.PaymentStatus != models.PaymentNone {
		t.Fatalf("expected retryable payment, got %s/%s", st.Phase, st.PaymentStatus)
	}
	if h.store.creates.Load() != 0 {
		t.Fatalf("no record expected after failed charge")
	}

	h.gateway.setErr(nil)
	if err := e.Pay(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.State().PaymentStatus != models.PaymentPaid {
		t.Fatalf("expected paid after retry")
	}
}

func TestResetDuringPayment(t *testing.T) {
	h := newHarness()
	cfg := fastConfig()
	cfg.PaymentDelay = 200 * time.Millisecond
	e := h.engine(t, cfg)
	toPayment(t, e)

	errc := make(chan error, 1)
	go func() { errc <- e.Pay(context.Background()) }()
	waitFor(t, e, "processing", func(st models.TripState) bool { return st.PaymentStatus == models.PaymentProcessing })
	e.Reset()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTripReset) {
			t.Fatalf("expected ErrTripReset, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pay did not return after reset")
	}
	if h.store.creates.Load() != 0 || len(h.gateway.charges) != 0 {
		t.Fatalf("reset payment must not charge or persist")
	}
	assertIdle(t, e.State())
}

func TestResetWhileChargingStillRecordsTrip(t *testing.T) {
	h := newHarness()
	h.gateway.started = make(chan struct{})
	h.gateway.release = make(chan struct{})
	e := h.engine(t, fastConfig())
	locked := *toPayment(t, e).LockedFare

	errc := make(chan error, 1)
	go func() { errc <- e.Pay(context.Background()) }()
	<-h.gateway.started
	e.Reset()
	close(h.gateway.release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTripReset) {
			t.Fatalf("expected ErrTripReset, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pay did not return")
	}
	if len(h.gateway.charges) != 1 || h.store.creates.Load() != 1 {
		t.Fatalf("captured charge must be recorded, charges=%d creates=%d", len(h.gateway.charges), h.store.creates.Load())
	}
	recs, err := h.store.ListTrips(context.Background(), "r1", 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one stored trip, got %v err=%v", recs, err)
	}
	if r := recs[0]; r.Price != locked || r.PaymentReference != "ref_1" || r.DriverName == "" || r.Origin.Name != lagos.Name {
		t.Fatalf("record lost trip details: %+v", r)
	}
	assertIdle(t, e.State())
}

func TestPersistenceFailureStillCompletes(t *testing.T) {
	h := newHarness()
	h.store.createErr = errors.New("db down")
	e := h.engine(t, fastConfig())
	toPayment(t, e)

	if err := e.Pay(context.Background()); err != nil {
		t.Fatalf("persistence failure must not surface, got %v", err)
	}
	st := e.State()
	if st.Phase != models.PhaseCompleted || st.PaymentStatus != models.PaymentPaid || st.RecordID != "" {
		t.Fatalf("expected completed without record, got %+v", st)
	}
	if err := e.SubmitRating(context.Background(), 5, nil); err != nil {
		t.Fatalf("rating without record should be a no-op, got %v", err)
	}
	if h.store.updates.Load() != 0 || e.State().RatingScore != nil {
		t.Fatalf("rating without a record must not touch the store")
	}
}

func TestDeferPaymentWritesNothing(t *testing.T) {
	h := newHarness()
	e := h.engine(t, fastConfig())
	toPayment(t, e)

	if err := e.DeferPayment(); err != nil {
		t.Fatalf("defer: %v", err)
	}
	st := e.State()
	if st.Phase != models.PhaseCompleted || st.PaymentStatus != models.PaymentDeferred {
		t.Fatalf("expected completed/deferred, got %s/%s", st.Phase, st.PaymentStatus)
	}
	if h.store.creates.Load() != 0 || len(h.gateway.charges) != 0 {
		t.Fatalf("deferred trips are not charged or persisted")
	}
	if err := e.Pay(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pay after defer: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSubmitRating(t *testing.T) {
	h := newHarness()
	e := h.engine(t, fastConfig())
	toPayment(t, e)
	if err := e.Pay(context.Background()); err != nil {
		t.Fatalf("pay: %v", err)
	}

	for _, bad := range []int{0, 6, -1} {
		if err := e.SubmitRating(context.Background(), bad, nil); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("score %d: expected ErrInvalidRating, got %v", bad, err)
		}
	}
	long := strings.Repeat("é", MaxCommentLength+1)
	if err := e.SubmitRating(context.Background(), 4, &long); !errors.Is(err, ErrCommentTooLong) {
		t.Fatalf("expected ErrCommentTooLong, got %v", err)
	}
	if e.State().RatingScore != nil || h.store.updates.Load() != 0 {
		t.Fatalf("rejected comment must not be stored")
	}
	fits := " " + strings.Repeat("é", MaxCommentLength) + " "
	if err := e.SubmitRating(context.Background(), 3, &fits); err != nil {
		t.Fatalf("comment at the limit should be accepted: %v", err)
	}

	comment := "  lovely driver "
	if err := e.SubmitRating(context.Background(), 4, &comment); err != nil {
		t.Fatalf("rate: %v", err)
	}
	st := e.State()
	if st.RatingScore == nil || *st.RatingScore != 4 || st.RatingComment == nil || *st.RatingComment != "lovely driver" {
		t.Fatalf("rating not reflected in state: %+v", st)
	}
	rec, _ := h.store.Get(st.RecordID)
	if rec.RatingScore == nil || *rec.RatingScore != 4 || rec.RatedAt == nil {
		t.Fatalf("rating not persisted: %+v", rec)
	}

	if err := e.SubmitRating(context.Background(), 5, nil); err != nil {
		t.Fatalf("second rating: %v", err)
	}
	rec, _ = h.store.Get(st.RecordID)
	if *rec.RatingScore != 5 {
		t.Fatalf("expected rating to be replaced, got %d", *rec.RatingScore)
	}
}

func TestRatingUpdateFailureIsSwallowed(t *testing.T) {
	h := newHarness()
	h.store.updateErr = errors.New("db down")
	e := h.engine(t, fastConfig())
	toPayment(t, e)
	_ = e.Pay(context.Background())
	if err := e.SubmitRating(context.Background(), 3, nil); err != nil {
		t.Fatalf("update failure must not surface, got %v", err)
	}
	if h.store.updates.Load() != 1 {
		t.Fatalf("expected one update attempt")
	}
}

func TestSubscribeTrackerAndNotifier(t *testing.T) {
	h := newHarness()
	idx := geo.NewIndex()
	notifier := &countingNotifier{}
	h.deps.Tracker = idx
	h.deps.Notifier = notifier
	e := h.engine(t, fastConfig())

	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()

	o, d := lagos, ikeja
	_ = e.SetRoute(context.Background(), RouteRequest{Origin: &o, Destination: &d})
	select {
	case st := <-ch:
		if st.Phase != models.PhaseRouteReady {
			t.Fatalf("expected route_ready snapshot, got %s", st.Phase)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}

	_ = e.ConfirmRide()
	waitFor(t, e, "offer", phaseIs(models.PhaseOfferPending))
	_ = e.AcceptOffer()
	deadline := time.Now().Add(time.Second)
	for len(idx.Nearby(context.Background(), 6.5, 3.3, 0)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("driver position never tracked")
		}
		time.Sleep(time.Millisecond)
	}

	waitFor(t, e, "payment", phaseIs(models.PhasePaymentPending))
	_ = e.DeferPayment()
	deadline = time.Now().Add(time.Second)
	for len(idx.Nearby(context.Background(), 6.5, 3.3, 0)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tracked driver not removed after completion")
		}
		time.Sleep(time.Millisecond)
	}
	if notifier.n.Load() == 0 {
		t.Fatalf("notifier never called")
	}
}

func TestCloseEndsSubscriptionsAndOperations(t *testing.T) {
	h := newHarness()
	e := NewEngine("trip-x", auth.Session{RiderID: "r1"}, fastConfig(), h.deps)
	ch, unsubscribe := e.Subscribe()
	e.Close()
	e.Close()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed")
	}
	unsubscribe()
	if err := e.ConfirmRide(); !errors.Is(err, ErrTripReset) {
		t.Fatalf("expected ErrTripReset after close, got %v", err)
	}
}

// stallingNotifier blocks its first call until released.
type stallingNotifier struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *stallingNotifier) Notify(string, models.TripState) error {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return nil
}

func TestBackloggedOutboxKeepsTerminalEvents(t *testing.T) {
	h := newHarness()
	n := &stallingNotifier{started: make(chan struct{}), release: make(chan struct{})}
	h.deps.Notifier = n
	e := h.engine(t, fastConfig())

	e.Reset()
	<-n.started

	e.mu.Lock()
	for i := 0; i < 3*outboxSize; i++ {
		e.emitLocked(models.EventDriverMoved)
	}
	for i := 0; i < 3*outboxSize; i++ {
		e.emitLocked(models.EventTripReset)
	}
	e.emitLocked(models.EventTripPaid)
	e.mu.Unlock()

	e.qMu.Lock()
	queued := len(e.queue)
	e.qMu.Unlock()
	if queued > outboxSize+2 {
		t.Fatalf("backlog should stay bounded, got %d queued", queued)
	}

	close(n.release)
	types := waitEvents(t, h.events, queued+1)
	if last := types[len(types)-1]; last != models.EventTripPaid {
		t.Fatalf("terminal update must be delivered last, got %s", last)
	}
	var resets int
	for _, typ := range types[1:] {
		if typ == models.EventTripReset {
			resets++
		}
	}
	if resets != 1 {
		t.Fatalf("queued resets should collapse into one, got %d", resets)
	}
}
