package gateway

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

// StripeGateway settles card charges through Stripe PaymentIntents. Amounts
// are already integer cents, matching Stripe's smallest-unit convention.
type StripeGateway struct {
	currency string
}

func NewStripeGateway(secretKey, currency string) *StripeGateway {
	stripe.Key = secretKey
	if currency == "" {
		currency = "inr"
	}
	return &StripeGateway{currency: currency}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount.Cents()),
		Currency: stripe.String(g.currency),
		Confirm:  stripe.Bool(true),
		Metadata: map[string]string{
			"bill_id": fmt.Sprintf("%d", req.BillID),
			"method":  string(req.Method),
		},
	}
	params.Context = ctx
	// Stripe deduplicates on the same key we use for our own payments table,
	// so a retried settlement can never double-charge.
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := paymentintent.New(params)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("stripe charge: %w", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return ChargeResult{}, fmt.Errorf("stripe charge not settled: status %s", intent.Status)
	}
	return ChargeResult{TransactionID: intent.ID}, nil
}
