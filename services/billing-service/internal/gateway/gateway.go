// Package gateway abstracts the external payment processor. The simulated
// gateway is the default; Stripe is the production option.
package gateway

import (
	"context"
	"time"

	"github.com/medhasoft/hospital-platform/libs/idgen"
	"github.com/medhasoft/hospital-platform/libs/money"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
)

type ChargeRequest struct {
	BillID         int64
	Amount         money.Amount
	Method         model.PaymentMethod
	IdempotencyKey string
}

type ChargeResult struct {
	TransactionID string
}

// Gateway settles a charge with the processor. A returned error means the
// charge did not happen; the settlement records a failed payment and emits
// the compensating event.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// SimulatedGateway approves every charge after a short processing delay,
// mimicking an acquirer round trip.
type SimulatedGateway struct {
	ids   idgen.Generator
	delay time.Duration
}

func NewSimulatedGateway(ids idgen.Generator, delay time.Duration) *SimulatedGateway {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &SimulatedGateway{ids: ids, delay: delay}
}

func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	t := time.NewTimer(g.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ChargeResult{}, ctx.Err()
	case <-t.C:
	}
	return ChargeResult{TransactionID: g.ids.TransactionID()}, nil
}
