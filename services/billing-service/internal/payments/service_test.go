package payments

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
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/gateway"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/ledger"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/storage"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

type fakeStore struct {
	bills    map[int64]model.Bill
	payments map[string]model.Payment // by idempotency key
	nextID   int64
	lastTx   *fakeTx
	calls    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bills:    make(map[int64]model.Bill),
		payments: make(map[string]model.Payment),
	}
}

func (s *fakeStore) Begin(ctx context.Context) (storage.Tx, error) {
	s.lastTx = &fakeTx{}
	return s.lastTx, nil
}

func (s *fakeStore) GetBillForUpdate(ctx context.Context, tx storage.Tx, id int64) (model.Bill, error) {
	s.calls = append(s.calls, "lock")
	bill, ok := s.bills[id]
	if !ok {
		return model.Bill{}, storage.ErrBillNotFound
	}
	return bill, nil
}

func (s *fakeStore) FindPaymentByKey(ctx context.Context, tx storage.Tx, key string) (model.Payment, bool, error) {
	s.calls = append(s.calls, "findKey")
	payment, ok := s.payments[key]
	return payment, ok, nil
}

func (s *fakeStore) InsertPayment(ctx context.Context, tx storage.Tx, payment *model.Payment) (model.Payment, error) {
	if _, exists := s.payments[payment.IdempotencyKey]; exists {
		return model.Payment{}, storage.ErrDuplicatePayment
	}
	s.nextID++
	inserted := *payment
	inserted.ID = s.nextID
	s.payments[payment.IdempotencyKey] = inserted
	return inserted, nil
}

func (s *fakeStore) GetPaymentByReference(ctx context.Context, reference string) (model.Payment, error) {
	for _, p := range s.payments {
		if p.PaymentReference == reference {
			return p, nil
		}
	}
	return model.Payment{}, storage.ErrPaymentNotFound
}

type fakeLedger struct {
	applied []money.Amount
	store   *fakeStore
}

func (l *fakeLedger) ApplyPayment(ctx context.Context, tx storage.Tx, billID int64, amount money.Amount) (model.Bill, error) {
	bill, ok := l.store.bills[billID]
	if !ok {
		return model.Bill{}, storage.ErrBillNotFound
	}
	bill.PaidAmount = bill.PaidAmount.Add(amount)
	l.store.bills[billID] = bill
	l.applied = append(l.applied, amount)
	return bill, nil
}

type fakeGateway struct {
	err     error
	charges []gateway.ChargeRequest
}

func (g *fakeGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.charges = append(g.charges, req)
	if g.err != nil {
		return gateway.ChargeResult{}, g.err
	}
	return gateway.ChargeResult{TransactionID: "TXN-00000000000A"}, nil
}

type fakePublisher struct {
	events []reliable.Event
}

func (p *fakePublisher) Publish(ctx context.Context, evt reliable.Event) error {
	p.events = append(p.events, evt)
	return nil
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

type fixture struct {
	svc   *Service
	store *fakeStore
	ldg   *fakeLedger
	gw    *fakeGateway
	pub   *fakePublisher
}

func newFixture() *fixture {
	store := newFakeStore()
	store.bills[1] = model.Bill{
		ID:              1,
		BillNumber:      "BILL-2026-000000AA",
		AppointmentID:   42,
		PatientID:       101,
		ConsultationFee: money.FromCents(50000),
	}
	ldg := &fakeLedger{store: store}
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	svc := NewService(store, ldg, gw, pub, &fakeIDs{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2026, time.March, 10, 11, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, store: store, ldg: ldg, gw: gw, pub: pub}
}

func request() ProcessPaymentRequest {
	return ProcessPaymentRequest{
		BillID:         1,
		Amount:         money.FromCents(20000),
		Method:         model.MethodUPI,
		IdempotencyKey: "key-1",
	}
}

func TestProcessPaymentSettles(t *testing.T) {
	f := newFixture()

	payment, err := f.svc.ProcessPayment(context.Background(), request())
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if payment.Status != model.PaymentCompleted {
		t.Fatalf("status = %s", payment.Status)
	}
	if payment.TransactionID == "" {
		t.Fatal("missing transaction id")
	}
	if len(f.ldg.applied) != 1 || f.ldg.applied[0] != money.FromCents(20000) {
		t.Fatalf("ledger applied %v", f.ldg.applied)
	}
	if !f.store.lastTx.committed {
		t.Fatal("transaction not committed")
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Topic != "payment.completed" {
		t.Fatalf("events = %+v", f.pub.events)
	}
	var payload map[string]any
	if err := json.Unmarshal(f.pub.events[0].Value, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["paymentReference"] != payment.PaymentReference {
		t.Fatalf("paymentReference = %v", payload["paymentReference"])
	}
	if payload["amount"] != 200.0 {
		t.Fatalf("amount = %v", payload["amount"])
	}
}

func TestProcessPaymentDuplicateKey(t *testing.T) {
	f := newFixture()

	first, err := f.svc.ProcessPayment(context.Background(), request())
	if err != nil {
		t.Fatalf("first ProcessPayment: %v", err)
	}

	second, err := f.svc.ProcessPayment(context.Background(), request())
	if !errors.Is(err, storage.ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
	if second.PaymentReference != first.PaymentReference {
		t.Fatalf("duplicate returned %q, want original %q", second.PaymentReference, first.PaymentReference)
	}
	if len(f.gw.charges) != 1 {
		t.Fatalf("gateway charged %d times", len(f.gw.charges))
	}
	if len(f.ldg.applied) != 1 {
		t.Fatalf("ledger applied %d times", len(f.ldg.applied))
	}
}

// The idempotency lookup must run under the bill's row lock. Checked before
// the lock, a concurrent retry with the same key passes the lookup, waits on
// the lock, and charges the gateway a second time.
func TestProcessPaymentLocksBillBeforeKeyLookup(t *testing.T) {
	f := newFixture()

	if _, err := f.svc.ProcessPayment(context.Background(), request()); err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}

	if len(f.store.calls) < 2 || f.store.calls[0] != "lock" || f.store.calls[1] != "findKey" {
		t.Fatalf("call order = %v, want lock before findKey", f.store.calls)
	}
}

// A retry of the payment that settled the bill in full must still surface the
// original payment, not an already-paid rejection.
func TestProcessPaymentDuplicateKeyAfterBillPaid(t *testing.T) {
	f := newFixture()

	req := request()
	req.Amount = money.FromCents(50000)
	first, err := f.svc.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("first ProcessPayment: %v", err)
	}
	if f.store.bills[1].Status() != model.BillPaid {
		t.Fatalf("bill status = %s, want PAID", f.store.bills[1].Status())
	}

	second, err := f.svc.ProcessPayment(context.Background(), req)
	if !errors.Is(err, storage.ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
	if second.PaymentReference != first.PaymentReference {
		t.Fatalf("retry returned %q, want original %q", second.PaymentReference, first.PaymentReference)
	}
	if len(f.gw.charges) != 1 {
		t.Fatalf("gateway charged %d times", len(f.gw.charges))
	}
}

func TestProcessPaymentAmountExceedsDue(t *testing.T) {
	f := newFixture()
	req := request()
	req.Amount = money.FromCents(60000)

	if _, err := f.svc.ProcessPayment(context.Background(), req); !errors.Is(err, ledger.ErrAmountExceedsDue) {
		t.Fatalf("expected ErrAmountExceedsDue, got %v", err)
	}
	if len(f.gw.charges) != 0 {
		t.Fatal("gateway must not be called for an invalid amount")
	}
}

func TestProcessPaymentBillNotFound(t *testing.T) {
	f := newFixture()
	req := request()
	req.BillID = 999

	if _, err := f.svc.ProcessPayment(context.Background(), req); !errors.Is(err, storage.ErrBillNotFound) {
		t.Fatalf("expected ErrBillNotFound, got %v", err)
	}
}

func TestProcessPaymentAlreadyPaidBill(t *testing.T) {
	f := newFixture()
	bill := f.store.bills[1]
	bill.PaidAmount = bill.TotalAmount()
	f.store.bills[1] = bill

	if _, err := f.svc.ProcessPayment(context.Background(), request()); !errors.Is(err, ledger.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestProcessPaymentDeclinedCompensates(t *testing.T) {
	f := newFixture()
	f.gw.err = errors.New("insufficient funds")

	payment, err := f.svc.ProcessPayment(context.Background(), request())
	if err != nil {
		t.Fatalf("a declined charge still records the attempt: %v", err)
	}
	if payment.Status != model.PaymentFailed {
		t.Fatalf("status = %s", payment.Status)
	}
	if payment.FailureReason != "insufficient funds" {
		t.Fatalf("failure reason = %q", payment.FailureReason)
	}
	if len(f.ldg.applied) != 0 {
		t.Fatal("ledger must not change on a declined charge")
	}
	if !f.store.lastTx.committed {
		t.Fatal("failed payment record must be committed")
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Topic != "payment.failed" {
		t.Fatalf("events = %+v", f.pub.events)
	}
	var payload map[string]any
	if err := json.Unmarshal(f.pub.events[0].Value, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["reason"] != "insufficient funds" {
		t.Fatalf("reason = %v", payload["reason"])
	}
}

func TestProcessPaymentValidation(t *testing.T) {
	f := newFixture()
	cases := []struct {
		name   string
		mutate func(*ProcessPaymentRequest)
	}{
		{"zero amount", func(r *ProcessPaymentRequest) { r.Amount = 0 }},
		{"missing key", func(r *ProcessPaymentRequest) { r.IdempotencyKey = "" }},
		{"missing bill", func(r *ProcessPaymentRequest) { r.BillID = 0 }},
		{"bad method", func(r *ProcessPaymentRequest) { r.Method = "BARTER" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := request()
			tc.mutate(&req)
			if _, err := f.svc.ProcessPayment(context.Background(), req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}
