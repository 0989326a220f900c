package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient wraps stripe-go for the fare hold/capture/cancel flow: hold at
// acceptance, capture after completion commits, cancel when a held request is
// cancelled. All calls are best-effort external collaborators; the atomic
// part of settlement is the in-store ledger credit.
type StripeClient struct{}

func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a manual-capture PaymentIntent for the fare and returns its ID.
func (s *StripeClient) Hold(ctx context.Context, amountCents int64, currency, riderID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Settle captures the hold recorded on a completed request.
func (s *StripeClient) Settle(ctx context.Context, r *models.Request) error {
	if r.PaymentRef == "" {
		return nil
	}
	_, err := paymentintent.Capture(r.PaymentRef, nil)
	return err
}

// Release cancels the hold on a request that was cancelled after acceptance.
func (s *StripeClient) Release(ctx context.Context, r *models.Request) error {
	if r.PaymentRef == "" {
		return nil
	}
	_, err := paymentintent.Cancel(r.PaymentRef, nil)
	return err
}
