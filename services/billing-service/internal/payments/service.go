// Package payments implements settlement: one transaction per attempt,
// serialized per bill, with an idempotency key guarding against retries.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medhasoft/hospital-platform/libs/events"
	"github.com/medhasoft/hospital-platform/libs/idgen"
	"github.com/medhasoft/hospital-platform/libs/money"
	"github.com/medhasoft/hospital-platform/libs/reliable"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/gateway"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/ledger"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/storage"
)

var ErrValidation = errors.New("invalid payment request")

type Store interface {
	Begin(ctx context.Context) (storage.Tx, error)
	GetBillForUpdate(ctx context.Context, tx storage.Tx, id int64) (model.Bill, error)
	FindPaymentByKey(ctx context.Context, tx storage.Tx, key string) (model.Payment, bool, error)
	InsertPayment(ctx context.Context, tx storage.Tx, payment *model.Payment) (model.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (model.Payment, error)
}

// Ledger applies a settled amount to the bill inside the settlement's
// transaction, under the row lock taken by GetBillForUpdate.
type Ledger interface {
	ApplyPayment(ctx context.Context, tx storage.Tx, billID int64, amount money.Amount) (model.Bill, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt reliable.Event) error
}

type Service struct {
	store     Store
	ledger    Ledger
	gateway   gateway.Gateway
	publisher Publisher
	ids       idgen.Generator
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, ldg Ledger, gw gateway.Gateway, publisher Publisher, ids idgen.Generator, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ldg,
		gateway:   gw,
		publisher: publisher,
		ids:       ids,
		logger:    logger,
		now:       time.Now,
	}
}

type ProcessPaymentRequest struct {
	BillID         int64
	Amount         money.Amount
	Method         model.PaymentMethod
	IdempotencyKey string
}

// ProcessPayment settles one charge against a bill. Retried requests with
// the same idempotency key surface the original payment via
// storage.ErrDuplicatePayment instead of charging again. A declined charge
// records a failed payment, leaves the ledger untouched, and emits
// payment.failed; the settlement call itself still succeeds.
func (s *Service) ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (model.Payment, error) {
	if err := s.validate(req); err != nil {
		return model.Payment{}, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Payment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the bill row before the idempotency lookup. A concurrent retry
	// with the same key blocks here and sees the winner's committed payment
	// instead of reaching the gateway a second time.
	bill, err := s.store.GetBillForUpdate(ctx, tx, req.BillID)
	if err != nil {
		return model.Payment{}, err
	}
	if existing, found, err := s.store.FindPaymentByKey(ctx, tx, req.IdempotencyKey); err != nil {
		return model.Payment{}, err
	} else if found {
		return existing, storage.ErrDuplicatePayment
	}
	switch bill.Status() {
	case model.BillCancelled:
		return model.Payment{}, fmt.Errorf("%w: %s", ledger.ErrBillCancelled, bill.BillNumber)
	case model.BillPaid:
		return model.Payment{}, fmt.Errorf("%w: %s", ledger.ErrAlreadyPaid, bill.BillNumber)
	}
	if req.Amount > bill.DueAmount() {
		return model.Payment{}, fmt.Errorf("%w: %s due %s", ledger.ErrAmountExceedsDue, req.Amount, bill.DueAmount())
	}

	payment := &model.Payment{
		PaymentReference: s.ids.Number("PAY"),
		BillID:           req.BillID,
		Amount:           req.Amount,
		Method:           req.Method,
		IdempotencyKey:   req.IdempotencyKey,
	}

	result, chargeErr := s.gateway.Charge(ctx, gateway.ChargeRequest{
		BillID:         req.BillID,
		Amount:         req.Amount,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
	})
	if chargeErr != nil {
		return s.recordFailure(ctx, tx, payment, bill, chargeErr)
	}

	payment.Status = model.PaymentCompleted
	payment.TransactionID = result.TransactionID
	inserted, err := s.store.InsertPayment(ctx, tx, payment)
	if err != nil {
		return model.Payment{}, err
	}
	settledBill, err := s.ledger.ApplyPayment(ctx, tx, req.BillID, req.Amount)
	if err != nil {
		return model.Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Payment{}, err
	}

	s.emitCompleted(ctx, inserted, settledBill)
	return inserted, nil
}

func (s *Service) GetPayment(ctx context.Context, reference string) (model.Payment, error) {
	return s.store.GetPaymentByReference(ctx, reference)
}

func (s *Service) validate(req ProcessPaymentRequest) error {
	if req.BillID <= 0 {
		return fmt.Errorf("%w: bill id is required", ErrValidation)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if _, ok := model.ParsePaymentMethod(string(req.Method)); !ok {
		return fmt.Errorf("%w: unknown payment method %q", ErrValidation, req.Method)
	}
	return nil
}

// recordFailure persists the declined attempt and emits the compensating
// payment.failed event. The bill's amounts are not touched.
func (s *Service) recordFailure(ctx context.Context, tx storage.Tx, payment *model.Payment, bill model.Bill, chargeErr error) (model.Payment, error) {
	payment.Status = model.PaymentFailed
	payment.FailureReason = chargeErr.Error()

	inserted, err := s.store.InsertPayment(ctx, tx, payment)
	if err != nil {
		return model.Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Payment{}, err
	}

	s.logger.Warn("payment declined",
		"bill", bill.BillNumber, "payment", inserted.PaymentReference, "err", chargeErr)
	s.emitFailed(ctx, inserted)
	return inserted, nil
}

func (s *Service) emitCompleted(ctx context.Context, payment model.Payment, bill model.Bill) {
	payload := events.PaymentCompleted{
		EventID:          s.ids.EventID(),
		PaymentReference: payment.PaymentReference,
		BillID:           bill.ID,
		BillNumber:       bill.BillNumber,
		Amount:           payment.Amount,
		PaymentMethod:    string(payment.Method),
		EventTimestamp:   events.FormatTime(s.now()),
	}
	value, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal payment.completed failed", "payment", payment.PaymentReference, "err", err)
		return
	}
	err = s.publisher.Publish(ctx, reliable.Event{
		Topic:   events.TopicPaymentCompleted,
		Key:     payment.PaymentReference,
		EventID: payload.EventID,
		Value:   value,
	})
	if err != nil {
		s.logger.Error("payment.completed delivery failed", "payment", payment.PaymentReference, "err", err)
	}
}

func (s *Service) emitFailed(ctx context.Context, payment model.Payment) {
	payload := events.PaymentFailed{
		EventID:        s.ids.EventID(),
		BillID:         payment.BillID,
		Amount:         payment.Amount,
		Reason:         payment.FailureReason,
		EventTimestamp: events.FormatTime(s.now()),
	}
	value, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal payment.failed failed", "payment", payment.PaymentReference, "err", err)
		return
	}
	err = s.publisher.Publish(ctx, reliable.Event{
		Topic:   events.TopicPaymentFailed,
		Key:     payload.EventID,
		EventID: payload.EventID,
		Value:   value,
	})
	if err != nil {
		s.logger.Error("payment.failed delivery failed", "payment", payment.PaymentReference, "err", err)
	}
}
