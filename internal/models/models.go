package models

import "time"

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place is a coordinate with the display name the rider picked it under.
type Place struct {
	Name       string     `json:"name"`
	Coordinate Coordinate `json:"coordinate"`
}

type Route struct {
	Waypoints  []Coordinate `json:"waypoints"`
	DistanceKm float64      `json:"distance_km"`
}

// Available reports whether the route can be driven. An empty route is what
// the router degrades to on failure.
func (r *Route) Available() bool {
	return r != nil && len(r.Waypoints) > 0
}

// Region is a camera framing: a center and a span in degrees.
type Region struct {
	Center         Coordinate `json:"center"`
	LatitudeDelta  float64    `json:"latitude_delta"`
	LongitudeDelta float64    `json:"longitude_delta"`
}

type FareRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Valid reports whether the range can be used to lock a fare.
func (f *FareRange) Valid() bool {
	return f != nil && f.Max > 0 && f.Min >= 0 && f.Max >= f.Min
}

type DriverOffer struct {
	DriverName  string `json:"driver_name"`
	CarModel    string `json:"car_model"`
	CarYear     int    `json:"car_year"`
	PlateNumber string `json:"plate_number"`
}

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseRouteReady      Phase = "route_ready"
	PhaseSearchingDriver Phase = "searching_driver"
	PhaseOfferPending    Phase = "offer_pending"
	PhaseTransiting      Phase = "transiting"
	PhaseArrived         Phase = "arrived"
	PhasePaymentPending  Phase = "payment_pending"
	PhaseCompleted       Phase = "completed"
)

type PaymentStatus string

const (
	PaymentNone       PaymentStatus = "none"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentDeferred   PaymentStatus = "deferred"
)

// TripState is the state of one rider's trip. HeadingDegrees is the raw
// accumulated heading used for shortest-path rotation and may leave [0,360);
// DisplayHeading is the same angle normalized.
type TripState struct {
	TripID         string        `json:"trip_id"`
	Phase          Phase         `json:"phase"`
	Origin         *Place        `json:"origin"`
	Destination    *Place        `json:"destination"`
	Route          *Route        `json:"route"`
	Viewport       *Region       `json:"viewport"`
	FareRange      *FareRange    `json:"fare_range"`
	Estimate       float64       `json:"estimate"`
	LockedFare     *float64      `json:"locked_fare"`
	Offer          *DriverOffer  `json:"offer"`
	LoadingAnother bool          `json:"loading_another"`
	DriverPosition *Coordinate   `json:"driver_position"`
	HeadingDegrees float64       `json:"heading_degrees"`
	DisplayHeading float64       `json:"display_heading"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	RatingScore    *int          `json:"rating_score"`
	RatingComment  *string       `json:"rating_comment"`
	RecordID       string        `json:"record_id,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of the engine.
func (s TripState) Clone() TripState {
	out := s
	if s.Origin != nil {
		p := *s.Origin
		out.Origin = &p
	}
	if s.Destination != nil {
		p := *s.Destination
		out.Destination = &p
	}
	if s.Route != nil {
		r := Route{DistanceKm: s.Route.DistanceKm, Waypoints: append([]Coordinate(nil), s.Route.Waypoints...)}
		out.Route = &r
	}
	if s.Viewport != nil {
		v := *s.Viewport
		out.Viewport = &v
	}
	if s.FareRange != nil {
		f := *s.FareRange
		out.FareRange = &f
	}
	if s.LockedFare != nil {
		f := *s.LockedFare
		out.LockedFare = &f
	}
	if s.Offer != nil {
		o := *s.Offer
		out.Offer = &o
	}
	if s.DriverPosition != nil {
		c := *s.DriverPosition
		out.DriverPosition = &c
	}
	if s.RatingScore != nil {
		v := *s.RatingScore
		out.RatingScore = &v
	}
	if s.RatingComment != nil {
		v := *s.RatingComment
		out.RatingComment = &v
	}
	return out
}

// CompletedTripRecord is the persisted snapshot of a paid trip.
type CompletedTripRecord struct {
	ID               string        `json:"id"`
	RiderID          string        `json:"rider_id"`
	RiderEmail       string        `json:"rider_email,omitempty"`
	Origin           Place         `json:"origin"`
	Destination      Place         `json:"destination"`
	DriverName       string        `json:"driver_name"`
	CarModel         string        `json:"car_model"`
	CarYear          int           `json:"car_year"`
	PlateNumber      string        `json:"plate_number"`
	DistanceKm       float64       `json:"distance_km"`
	PricePerKm       float64       `json:"price_per_km"`
	FareMin          float64       `json:"fare_min"`
	FareMax          float64       `json:"fare_max"`
	Price            float64       `json:"price"`
	Currency         string        `json:"currency"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	PaymentMethod    string        `json:"payment_method"`
	PaymentReference string        `json:"payment_reference"`
	PaidAt           time.Time     `json:"paid_at"`
	RatingScore      *int          `json:"rating_score"`
	RatingComment    *string       `json:"rating_comment"`
	RatedAt          *time.Time    `json:"rated_at"`
	CreatedAt        time.Time     `json:"created_at"`
}

// TripUpdate carries the fields attached to a record after rating.
type TripUpdate struct {
	RatingScore   int
	RatingComment *string
	RatedAt       time.Time
}

type EventType string

const (
	EventRouteSet          EventType = "route_set"
	EventSearchStarted     EventType = "search_started"
	EventOfferPresented    EventType = "offer_presented"
	EventOfferRejected     EventType = "offer_rejected"
	EventOfferAccepted     EventType = "offer_accepted"
	EventDriverMoved       EventType = "driver_moved"
	EventDriverArrived     EventType = "driver_arrived"
	EventPaymentPending    EventType = "payment_pending"
	EventPaymentProcessing EventType = "payment_processing"
	EventTripPaid          EventType = "trip_paid"
	EventPaymentDeferred   EventType = "payment_deferred"
	EventTripRated         EventType = "trip_rated"
	EventTripReset         EventType = "trip_reset"
)

type TripEvent struct {
	Type    EventType `json:"type"`
	TripID  string    `json:"trip_id"`
	RiderID string    `json:"rider_id"`
	Phase   Phase     `json:"phase"`
	At      time.Time `json:"at"`
	State   TripState `json:"state"`
}
