package payments

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
)

var ErrInvalidAmount = errors.New("payment amount must be positive")

type ChargeRequest struct {
	Amount   float64
	Currency string
	TripID   string
	RiderID  string
}

type Receipt struct {
	Reference string
	Method    string
}

// Gateway charges the rider for a finished trip.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
}

// Simulated approves every charge with a positive amount. Latency is
// simulated by the trip engine, not here.
type Simulated struct{}

func (Simulated) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if req.Amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	return Receipt{Reference: "sim_" + uuid.New().String(), Method: "simulated"}, nil
}

// MinorUnits converts a major-unit amount into the integer minor units
// payment processors expect.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
