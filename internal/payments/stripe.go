package payments

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	// PaymentMethod confirms the intent on creation when set, e.g. "pm_card_visa" in test mode.
	PaymentMethod string
}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey, paymentMethod string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{PaymentMethod: paymentMethod}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, tripID, riderID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	if s.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(s.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	params.AddMetadata("trip_id", tripID)
	params.AddMetadata("rider_id", riderID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Charge implements Gateway as hold then capture. A failed capture releases
// the hold.
func (s *StripeClient) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if req.Amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	id, err := s.Hold(ctx, MinorUnits(req.Amount), req.Currency, req.TripID, req.RiderID)
	if err != nil {
		return Receipt{}, fmt.Errorf("stripe hold: %w", err)
	}
	if err := s.Capture(ctx, id); err != nil {
		_ = s.Cancel(context.Background(), id)
		return Receipt{}, fmt.Errorf("stripe capture: %w", err)
	}
	return Receipt{Reference: id, Method: "card"}, nil
}
