package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medhasoft/hospital-platform/libs/db"
	"github.com/medhasoft/hospital-platform/libs/money"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
)

var (
	ErrDuplicateBill    = errors.New("bill already exists for appointment")
	ErrBillNotFound     = errors.New("bill not found")
	ErrDuplicatePayment = errors.New("payment already processed for idempotency key")
	ErrPaymentNotFound  = errors.New("payment not found")
)

// Tx is the narrow transaction surface the billing services depend on.
// pgx.Tx satisfies it directly.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	return r.pool.Begin(ctx)
}

func pgxTx(tx Tx) pgx.Tx {
	return tx.(pgx.Tx)
}

const billColumns = `
	id, bill_number, appointment_id, patient_id,
	consultation_fee_cents, lab_charges_cents, pharmacy_charges_cents, paid_amount_cents,
	cancelled_at, version, created_at, updated_at`

// CreateBill inserts the bill unless one already exists for the appointment.
// The unique appointment_id constraint makes duplicate appointment.booked
// deliveries collapse into ErrDuplicateBill.
func (r *Repository) CreateBill(ctx context.Context, tx Tx, bill *model.Bill) (model.Bill, error) {
	row := pgxTx(tx).QueryRow(ctx, `
		INSERT INTO bills
			(bill_number, appointment_id, patient_id,
			consultation_fee_cents, lab_charges_cents, pharmacy_charges_cents, paid_amount_cents,
			total_amount_cents, due_amount_cents, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7, $8, 0)
		ON CONFLICT (appointment_id) DO NOTHING
		RETURNING `+billColumns+`
	`, bill.BillNumber, bill.AppointmentID, bill.PatientID,
		bill.ConsultationFee.Cents(), bill.LabCharges.Cents(), bill.PharmacyCharges.Cents(),
		bill.TotalAmount().Cents(), string(bill.Status()))

	created, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bill{}, ErrDuplicateBill
	}
	return created, err
}

func (r *Repository) GetBill(ctx context.Context, id int64) (model.Bill, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE id = $1
	`, id)
	bill, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bill{}, ErrBillNotFound
	}
	return bill, err
}

// GetBillForUpdate row-locks the bill, serializing concurrent settlements
// per bill for the lifetime of the caller's transaction.
func (r *Repository) GetBillForUpdate(ctx context.Context, tx Tx, id int64) (model.Bill, error) {
	row := pgxTx(tx).QueryRow(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE id = $1
		FOR UPDATE
	`, id)
	bill, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bill{}, ErrBillNotFound
	}
	return bill, err
}

// UpdateBillPayment persists the bill's monetary state. The stored totals and
// status are recomputed from the model so the derived columns can never
// drift from the amounts.
func (r *Repository) UpdateBillPayment(ctx context.Context, tx Tx, bill model.Bill) (model.Bill, error) {
	row := pgxTx(tx).QueryRow(ctx, `
		UPDATE bills
		SET paid_amount_cents = $2,
			total_amount_cents = $3,
			due_amount_cents = $4,
			status = $5,
			version = version + 1,
			updated_at = now()
		WHERE id = $1
		RETURNING `+billColumns+`
	`, bill.ID, bill.PaidAmount.Cents(), bill.TotalAmount().Cents(), bill.DueAmount().Cents(), string(bill.Status()))
	updated, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bill{}, ErrBillNotFound
	}
	return updated, err
}

const paymentColumns = `
	id, payment_reference, bill_id, amount_cents, method, status,
	COALESCE(transaction_id, ''), idempotency_key, COALESCE(failure_reason, ''), created_at`

// FindPaymentByKey returns the payment previously recorded under the
// idempotency key, if any.
func (r *Repository) FindPaymentByKey(ctx context.Context, tx Tx, key string) (model.Payment, bool, error) {
	row := pgxTx(tx).QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE idempotency_key = $1
	`, key)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Payment{}, false, nil
	}
	if err != nil {
		return model.Payment{}, false, err
	}
	return payment, true, nil
}

// InsertPayment records the settlement attempt. The unique idempotency_key
// constraint backstops the pre-check race between concurrent requests with
// the same key.
func (r *Repository) InsertPayment(ctx context.Context, tx Tx, payment *model.Payment) (model.Payment, error) {
	row := pgxTx(tx).QueryRow(ctx, `
		INSERT INTO payments
			(payment_reference, bill_id, amount_cents, method, status,
			transaction_id, idempotency_key, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+paymentColumns+`
	`, payment.PaymentReference, payment.BillID, payment.Amount.Cents(), string(payment.Method),
		string(payment.Status), payment.TransactionID, payment.IdempotencyKey, payment.FailureReason)
	inserted, err := scanPayment(row)
	if isUniqueViolation(err) {
		return model.Payment{}, ErrDuplicatePayment
	}
	return inserted, err
}

func (r *Repository) GetPaymentByReference(ctx context.Context, reference string) (model.Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE payment_reference = $1
	`, reference)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Payment{}, ErrPaymentNotFound
	}
	return payment, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanBill(row pgx.Row) (model.Bill, error) {
	var bill model.Bill
	var fee, lab, pharmacy, paid int64
	err := row.Scan(
		&bill.ID,
		&bill.BillNumber,
		&bill.AppointmentID,
		&bill.PatientID,
		&fee,
		&lab,
		&pharmacy,
		&paid,
		&bill.CancelledAt,
		&bill.Version,
		&bill.CreatedAt,
		&bill.UpdatedAt,
	)
	if err != nil {
		return model.Bill{}, err
	}
	bill.ConsultationFee = money.FromCents(fee)
	bill.LabCharges = money.FromCents(lab)
	bill.PharmacyCharges = money.FromCents(pharmacy)
	bill.PaidAmount = money.FromCents(paid)
	return bill, nil
}

func scanPayment(row pgx.Row) (model.Payment, error) {
	var payment model.Payment
	var amount int64
	var method, status string
	err := row.Scan(
		&payment.ID,
		&payment.PaymentReference,
		&payment.BillID,
		&amount,
		&method,
		&status,
		&payment.TransactionID,
		&payment.IdempotencyKey,
		&payment.FailureReason,
		&payment.CreatedAt,
	)
	if err != nil {
		return model.Payment{}, err
	}
	payment.Amount = money.FromCents(amount)
	payment.Method = model.PaymentMethod(method)
	payment.Status = model.PaymentStatus(status)
	return payment, nil
}
