// Package payments drives the card fare lifecycle against Stripe: hold
// the fare when an offer is accepted, capture on trip completion, release
// the hold on cancellation or a lost acceptance.
package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

type StripeClient struct {
	intents *paymentintent.Client
}

// NewStripeClient reads STRIPE_API_KEY and builds a dedicated payment
// intent client, keeping the key out of the package-global stripe state.
func NewStripeClient() *StripeClient {
	return &StripeClient{
		intents: &paymentintent.Client{
			B:   stripe.GetBackend(stripe.APIBackend),
			Key: os.Getenv("STRIPE_API_KEY"),
		},
	}
}

// Hold creates a manual-capture PaymentIntent for the fare and returns
// its id.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	pi, err := s.intents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentID string) error {
	_, err := s.intents.Capture(paymentID, &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	})
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentID string) error {
	_, err := s.intents.Cancel(paymentID, &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	return err
}
