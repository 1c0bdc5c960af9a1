// Package ledger owns the bill lifecycle: idempotent creation from booking
// events and linearized payment application.
package ledger

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
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/storage"
)

var (
	ErrValidation       = errors.New("invalid bill request")
	ErrAlreadyPaid      = errors.New("bill already paid in full")
	ErrBillCancelled    = errors.New("bill is cancelled")
	ErrAmountExceedsDue = errors.New("amount exceeds due amount")
)

type Store interface {
	Begin(ctx context.Context) (storage.Tx, error)
	CreateBill(ctx context.Context, tx storage.Tx, bill *model.Bill) (model.Bill, error)
	GetBill(ctx context.Context, id int64) (model.Bill, error)
	GetBillForUpdate(ctx context.Context, tx storage.Tx, id int64) (model.Bill, error)
	UpdateBillPayment(ctx context.Context, tx storage.Tx, bill model.Bill) (model.Bill, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt reliable.Event) error
}

type Service struct {
	store     Store
	publisher Publisher
	ids       idgen.Generator
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, publisher Publisher, ids idgen.Generator, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		ids:       ids,
		logger:    logger,
		now:       time.Now,
	}
}

type CreateBillRequest struct {
	AppointmentID   int64
	PatientID       int64
	ConsultationFee money.Amount
	LabCharges      money.Amount
	PharmacyCharges money.Amount
}

// CreateBill creates exactly one bill per appointment. A second call for the
// same appointment returns storage.ErrDuplicateBill and leaves the existing
// bill untouched.
func (s *Service) CreateBill(ctx context.Context, req CreateBillRequest) (model.Bill, error) {
	if req.AppointmentID <= 0 || req.PatientID <= 0 {
		return model.Bill{}, fmt.Errorf("%w: appointment and patient are required", ErrValidation)
	}
	if req.ConsultationFee.IsNegative() || req.LabCharges.IsNegative() || req.PharmacyCharges.IsNegative() {
		return model.Bill{}, fmt.Errorf("%w: charges cannot be negative", ErrValidation)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Bill{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bill := &model.Bill{
		BillNumber:      s.ids.Number("BILL"),
		AppointmentID:   req.AppointmentID,
		PatientID:       req.PatientID,
		ConsultationFee: req.ConsultationFee,
		LabCharges:      req.LabCharges,
		PharmacyCharges: req.PharmacyCharges,
	}
	created, err := s.store.CreateBill(ctx, tx, bill)
	if err != nil {
		return model.Bill{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Bill{}, err
	}

	s.emitBillGenerated(ctx, created)
	return created, nil
}

// ApplyPayment increments the bill's paid amount inside the caller's
// transaction. The caller must hold the bill's row lock for the whole
// settlement; loading FOR UPDATE here is idempotent under that lock.
func (s *Service) ApplyPayment(ctx context.Context, tx storage.Tx, billID int64, amount money.Amount) (model.Bill, error) {
	if amount <= 0 {
		return model.Bill{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	bill, err := s.store.GetBillForUpdate(ctx, tx, billID)
	if err != nil {
		return model.Bill{}, err
	}

	switch bill.Status() {
	case model.BillCancelled:
		return model.Bill{}, fmt.Errorf("%w: %s", ErrBillCancelled, bill.BillNumber)
	case model.BillPaid:
		return model.Bill{}, fmt.Errorf("%w: %s", ErrAlreadyPaid, bill.BillNumber)
	}
	if amount > bill.DueAmount() {
		return model.Bill{}, fmt.Errorf("%w: %s due %s", ErrAmountExceedsDue, amount, bill.DueAmount())
	}

	bill.PaidAmount = bill.PaidAmount.Add(amount)
	return s.store.UpdateBillPayment(ctx, tx, bill)
}

func (s *Service) GetBill(ctx context.Context, id int64) (model.Bill, error) {
	return s.store.GetBill(ctx, id)
}

func (s *Service) emitBillGenerated(ctx context.Context, bill model.Bill) {
	payload := events.BillGenerated{
		EventID:        s.ids.EventID(),
		BillNumber:     bill.BillNumber,
		BillID:         bill.ID,
		AppointmentID:  bill.AppointmentID,
		PatientID:      bill.PatientID,
		TotalAmount:    bill.TotalAmount(),
		EventTimestamp: events.FormatTime(s.now()),
	}
	value, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal bill.generated failed", "bill", bill.BillNumber, "err", err)
		return
	}
	err = s.publisher.Publish(ctx, reliable.Event{
		Topic:   events.TopicBillGenerated,
		Key:     bill.BillNumber,
		EventID: payload.EventID,
		Value:   value,
	})
	if err != nil {
		s.logger.Error("bill.generated delivery failed", "bill", bill.BillNumber, "err", err)
	}
}
