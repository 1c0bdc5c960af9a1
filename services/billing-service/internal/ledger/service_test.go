package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/medhasoft/hospital-platform/libs/money"
	"github.com/medhasoft/hospital-platform/libs/reliable"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/storage"
)

type fakeTx struct {
	committed bool
}

func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeStore struct {
	nextID        int64
	byID          map[int64]model.Bill
	byAppointment map[int64]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:          make(map[int64]model.Bill),
		byAppointment: make(map[int64]int64),
	}
}

func (s *fakeStore) Begin(ctx context.Context) (storage.Tx, error) { return &fakeTx{}, nil }

func (s *fakeStore) CreateBill(ctx context.Context, tx storage.Tx, bill *model.Bill) (model.Bill, error) {
	if _, exists := s.byAppointment[bill.AppointmentID]; exists {
		return model.Bill{}, storage.ErrDuplicateBill
	}
	s.nextID++
	created := *bill
	created.ID = s.nextID
	s.byID[created.ID] = created
	s.byAppointment[created.AppointmentID] = created.ID
	return created, nil
}

func (s *fakeStore) GetBill(ctx context.Context, id int64) (model.Bill, error) {
	bill, ok := s.byID[id]
	if !ok {
		return model.Bill{}, storage.ErrBillNotFound
	}
	return bill, nil
}

func (s *fakeStore) GetBillForUpdate(ctx context.Context, tx storage.Tx, id int64) (model.Bill, error) {
	return s.GetBill(ctx, id)
}

func (s *fakeStore) UpdateBillPayment(ctx context.Context, tx storage.Tx, bill model.Bill) (model.Bill, error) {
	if _, ok := s.byID[bill.ID]; !ok {
		return model.Bill{}, storage.ErrBillNotFound
	}
	bill.Version++
	s.byID[bill.ID] = bill
	return bill, nil
}

type fakePublisher struct {
	err    error
	events []reliable.Event
}

func (p *fakePublisher) Publish(ctx context.Context, evt reliable.Event) error {
	p.events = append(p.events, evt)
	return p.err
}

type fakeIDs struct {
	n int
}

func (g *fakeIDs) EventID() string { g.n++; return fmt.Sprintf("evt-%d", g.n) }

func (g *fakeIDs) Number(prefix string) string {
	g.n++
	return fmt.Sprintf("%s-2026-%08X", prefix, g.n)
}

func (g *fakeIDs) TransactionID() string { g.n++; return fmt.Sprintf("TXN-%012X", g.n) }

func newTestService(store *fakeStore, pub *fakePublisher) *Service {
	s := NewService(store, pub, &fakeIDs{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, time.March, 10, 11, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateBillEmitsEvent(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newTestService(store, pub)

	bill, err := svc.CreateBill(context.Background(), CreateBillRequest{
		AppointmentID:   42,
		PatientID:       101,
		ConsultationFee: money.FromCents(50000),
	})
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}
	if bill.Status() != model.BillPending {
		t.Fatalf("status = %s", bill.Status())
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events", len(pub.events))
	}
	evt := pub.events[0]
	if evt.Topic != "bill.generated" {
		t.Fatalf("topic = %q", evt.Topic)
	}
	if evt.Key != bill.BillNumber {
		t.Fatalf("key = %q", evt.Key)
	}
	var payload map[string]any
	if err := json.Unmarshal(evt.Value, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["totalAmount"] != 500.0 {
		t.Fatalf("totalAmount = %v", payload["totalAmount"])
	}
	if payload["appointmentId"] != 42.0 {
		t.Fatalf("appointmentId = %v", payload["appointmentId"])
	}
}

func TestCreateBillDuplicateAppointment(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newTestService(store, pub)

	req := CreateBillRequest{AppointmentID: 42, PatientID: 101, ConsultationFee: money.FromCents(50000)}
	if _, err := svc.CreateBill(context.Background(), req); err != nil {
		t.Fatalf("first CreateBill: %v", err)
	}
	if _, err := svc.CreateBill(context.Background(), req); !errors.Is(err, storage.ErrDuplicateBill) {
		t.Fatalf("expected ErrDuplicateBill, got %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("duplicate must not emit a second event, got %d", len(pub.events))
	}
}

func TestCreateBillValidation(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakePublisher{})
	_, err := svc.CreateBill(context.Background(), CreateBillRequest{
		AppointmentID:   42,
		PatientID:       101,
		ConsultationFee: money.FromCents(-1),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func seedBill(t *testing.T, svc *Service, feeCents int64) model.Bill {
	t.Helper()
	bill, err := svc.CreateBill(context.Background(), CreateBillRequest{
		AppointmentID:   42,
		PatientID:       101,
		ConsultationFee: money.FromCents(feeCents),
	})
	if err != nil {
		t.Fatalf("seed bill: %v", err)
	}
	return bill
}

func TestApplyPaymentPartialThenFull(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakePublisher{})
	bill := seedBill(t, svc, 50000)

	updated, err := svc.ApplyPayment(context.Background(), &fakeTx{}, bill.ID, money.FromCents(20000))
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if updated.Status() != model.BillPartiallyPaid {
		t.Fatalf("status = %s", updated.Status())
	}
	if updated.DueAmount() != money.FromCents(30000) {
		t.Fatalf("due = %s", updated.DueAmount())
	}

	updated, err = svc.ApplyPayment(context.Background(), &fakeTx{}, bill.ID, money.FromCents(30000))
	if err != nil {
		t.Fatalf("second ApplyPayment: %v", err)
	}
	if updated.Status() != model.BillPaid {
		t.Fatalf("status = %s", updated.Status())
	}
	if !updated.DueAmount().IsZero() {
		t.Fatalf("due = %s", updated.DueAmount())
	}
}

func TestApplyPaymentGuards(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakePublisher{})
	bill := seedBill(t, svc, 50000)

	if _, err := svc.ApplyPayment(context.Background(), &fakeTx{}, bill.ID, money.FromCents(60000)); !errors.Is(err, ErrAmountExceedsDue) {
		t.Fatalf("expected ErrAmountExceedsDue, got %v", err)
	}

	if _, err := svc.ApplyPayment(context.Background(), &fakeTx{}, bill.ID, money.FromCents(50000)); err != nil {
		t.Fatalf("settle in full: %v", err)
	}
	if _, err := svc.ApplyPayment(context.Background(), &fakeTx{}, bill.ID, money.FromCents(1)); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}

	if _, err := svc.ApplyPayment(context.Background(), &fakeTx{}, 999, money.FromCents(1)); !errors.Is(err, storage.ErrBillNotFound) {
		t.Fatalf("expected ErrBillNotFound, got %v", err)
	}
}

func TestApplyPaymentCancelledBill(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakePublisher{})
	bill := seedBill(t, svc, 50000)

	now := time.Now()
	stored := store.byID[bill.ID]
	stored.CancelledAt = &now
	store.byID[bill.ID] = stored

	if _, err := svc.ApplyPayment(context.Background(), &fakeTx{}, bill.ID, money.FromCents(1)); !errors.Is(err, ErrBillCancelled) {
		t.Fatalf("expected ErrBillCancelled, got %v", err)
	}
}
