package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medhasoft/hospital-platform/libs/db"
	"github.com/medhasoft/hospital-platform/libs/money"
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/model"
)

var (
	ErrConflict          = errors.New("appointment slot conflict")
	ErrNotFound          = errors.New("appointment not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const appointmentColumns = `
	id, appointment_number, patient_id, patient_name, doctor_id, doctor_name,
	department, appointment_time, duration_minutes, status, consultation_fee_cents,
	COALESCE(reason_for_visit, ''), COALESCE(notes, ''), COALESCE(cancellation_reason, ''),
	cancelled_at, checked_in_at, completed_at, created_by, COALESCE(updated_by, ''),
	version, created_at, updated_at`

// Reserve atomically checks the doctor's calendar and inserts the new
// appointment. All reservations for one doctor serialize on a transaction
// advisory lock, so the check-then-insert pair cannot interleave with a
// concurrent booking for the same doctor.
func (r *Repository) Reserve(ctx context.Context, appt *model.Appointment) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		SELECT pg_advisory_xact_lock(hashtextextended('appointments:doctor:' || $1::text, 0))
	`, appt.DoctorID)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("acquire doctor lock: %w", err)
	}

	newStart := appt.AppointmentTime
	newEnd := appt.EndTime()
	candidates, err := r.listCandidates(ctx, tx, appt.DoctorID, newEnd)
	if err != nil {
		return model.Appointment{}, err
	}
	if conflict, found := FirstConflict(candidates, newStart, newEnd); found {
		return model.Appointment{}, fmt.Errorf("%w: overlaps %s", ErrConflict, conflict.AppointmentNumber)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(appointment_number, patient_id, patient_name, doctor_id, doctor_name,
			department, appointment_time, duration_minutes, status, consultation_fee_cents,
			reason_for_visit, notes, created_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0)
		RETURNING `+appointmentColumns+`
	`, appt.AppointmentNumber, appt.PatientID, appt.PatientName, appt.DoctorID, appt.DoctorName,
		appt.Department, appt.AppointmentTime, appt.DurationMinutes, string(appt.Status), appt.ConsultationFee.Cents(),
		appt.ReasonForVisit, appt.Notes, appt.CreatedBy)

	created, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return created, nil
}

// listCandidates scans a bounded window of the doctor's schedule. The window
// is coarse on purpose; the exact half-open overlap check runs in Go.
func (r *Repository) listCandidates(ctx context.Context, tx pgx.Tx, doctorID int64, newEnd time.Time) ([]Interval, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, appointment_number, appointment_time, duration_minutes
		FROM appointments
		WHERE doctor_id = $1
			AND status <> 'CANCELLED'
			AND deleted = FALSE
			AND appointment_time < $2
			AND appointment_time >= $3
	`, doctorID, newEnd, newEnd.Add(-candidateWindow))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Interval
	for rows.Next() {
		var iv Interval
		var minutes int
		if err := rows.Scan(&iv.AppointmentID, &iv.AppointmentNumber, &iv.Start, &minutes); err != nil {
			return nil, err
		}
		iv.End = iv.Start.Add(time.Duration(minutes) * time.Minute)
		candidates = append(candidates, iv)
	}
	return candidates, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id int64) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND deleted = FALSE
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	return appt, err
}

// Cancel releases the slot. Cancelling an already cancelled appointment is a
// no-op that returns the current row.
func (r *Repository) Cancel(ctx context.Context, id int64, reason, updatedBy string) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := r.getForUpdate(ctx, tx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status == model.StatusCancelled {
		return appt, tx.Commit(ctx)
	}
	if !model.CanTransition(appt.Status, model.StatusCancelled) {
		return model.Appointment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, model.StatusCancelled)
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
			cancellation_reason = $3,
			cancelled_at = now(),
			updated_by = $4,
			version = version + 1,
			updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, string(model.StatusCancelled), reason, updatedBy)
	cancelled, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, err
	}
	return cancelled, tx.Commit(ctx)
}

func (r *Repository) UpdateStatus(ctx context.Context, id int64, next model.Status, updatedBy string) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := r.getForUpdate(ctx, tx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if !model.CanTransition(appt.Status, next) {
		return model.Appointment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, next)
	}

	var stampColumn string
	switch next {
	case model.StatusCheckedIn:
		stampColumn = "checked_in_at"
	case model.StatusCompleted:
		stampColumn = "completed_at"
	case model.StatusCancelled:
		stampColumn = "cancelled_at"
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
			`+stampColumn+` = now(),
			updated_by = $3,
			version = version + 1,
			updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, string(next), updatedBy)
	updated, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, err
	}
	return updated, tx.Commit(ctx)
}

func (r *Repository) getForUpdate(ctx context.Context, tx pgx.Tx, id int64) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND deleted = FALSE
		FOR UPDATE
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	return appt, err
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var feeCents int64
	var status string
	err := row.Scan(
		&appt.ID,
		&appt.AppointmentNumber,
		&appt.PatientID,
		&appt.PatientName,
		&appt.DoctorID,
		&appt.DoctorName,
		&appt.Department,
		&appt.AppointmentTime,
		&appt.DurationMinutes,
		&status,
		&feeCents,
		&appt.ReasonForVisit,
		&appt.Notes,
		&appt.CancellationReason,
		&appt.CancelledAt,
		&appt.CheckedInAt,
		&appt.CompletedAt,
		&appt.CreatedBy,
		&appt.UpdatedBy,
		&appt.Version,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = model.Status(status)
	appt.ConsultationFee = money.FromCents(feeCents)
	return appt, nil
}
