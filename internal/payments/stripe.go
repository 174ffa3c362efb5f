// Package payments holds and settles customer payments for collections.
package payments

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway places a hold when a collection is assigned, captures it on
// completion and releases it on cancellation. Amounts are whole KES.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, requestID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	pi *paymentintent.Client
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{pi: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

// Hold creates a PaymentIntent with manual capture and returns its id.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, requestID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount * 100), // minor units
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("request_id", requestID)
	pi, err := s.pi.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.pi.Capture(paymentIntentID, params)
	return err
}

func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.pi.Cancel(paymentIntentID, params)
	return err
}

// Noop is used when no payment provider is configured.
type Noop struct{}

func (Noop) Hold(context.Context, int64, string, string) (string, error) { return "", nil }
func (Noop) Capture(context.Context, string) error                       { return nil }
func (Noop) Cancel(context.Context, string) error                        { return nil }
