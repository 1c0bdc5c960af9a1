// Package booking implements the reservation rules: request validation,
// conflict-free slot reservation, and the appointment.booked event.
package booking

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
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/model"
)

var ErrValidation = errors.New("invalid booking request")

// Clinic hours. Appointments must start inside [opening, closing).
const (
	openingHour = 8
	closingHour = 18
)

// Duration bounds. The upper bound keeps every appointment inside the
// conflict scan's candidate window; without it a long enough booking could
// slip past the overlap check entirely.
const (
	minDurationMinutes = 15
	maxDurationMinutes = 180
)

type Repository interface {
	Reserve(ctx context.Context, appt *model.Appointment) (model.Appointment, error)
	Get(ctx context.Context, id int64) (model.Appointment, error)
	Cancel(ctx context.Context, id int64, reason, updatedBy string) (model.Appointment, error)
	UpdateStatus(ctx context.Context, id int64, next model.Status, updatedBy string) (model.Appointment, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt reliable.Event) error
}

type Service struct {
	repo      Repository
	publisher Publisher
	ids       idgen.Generator
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo Repository, publisher Publisher, ids idgen.Generator, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		ids:       ids,
		logger:    logger,
		now:       time.Now,
	}
}

type BookRequest struct {
	PatientID       int64
	PatientName     string
	DoctorID        int64
	DoctorName      string
	Department      string
	AppointmentTime time.Time
	DurationMinutes int
	ConsultationFee money.Amount
	ReasonForVisit  string
	Notes           string
}

// Book validates the request, reserves the slot, and emits
// appointment.booked. A reservation is never rolled back because the event
// could not be delivered; by then the event is parked in the dead-letter
// topic and the booking stands.
func (s *Service) Book(ctx context.Context, req BookRequest, createdBy string) (model.Appointment, error) {
	if err := s.validate(req); err != nil {
		return model.Appointment{}, err
	}

	appt := &model.Appointment{
		AppointmentNumber: s.ids.Number("APT"),
		PatientID:         req.PatientID,
		PatientName:       req.PatientName,
		DoctorID:          req.DoctorID,
		DoctorName:        req.DoctorName,
		Department:        req.Department,
		AppointmentTime:   req.AppointmentTime.UTC(),
		DurationMinutes:   req.DurationMinutes,
		Status:            model.StatusBooked,
		ConsultationFee:   req.ConsultationFee,
		ReasonForVisit:    req.ReasonForVisit,
		Notes:             req.Notes,
		CreatedBy:         createdBy,
	}

	created, err := s.repo.Reserve(ctx, appt)
	if err != nil {
		return model.Appointment{}, err
	}

	s.emitBooked(ctx, created)
	return created, nil
}

func (s *Service) validate(req BookRequest) error {
	if req.PatientID <= 0 || req.DoctorID <= 0 {
		return fmt.Errorf("%w: patient and doctor are required", ErrValidation)
	}
	if req.PatientName == "" || req.DoctorName == "" {
		return fmt.Errorf("%w: patient and doctor names are required", ErrValidation)
	}
	if req.DurationMinutes < minDurationMinutes || req.DurationMinutes > maxDurationMinutes {
		return fmt.Errorf("%w: duration must be between %d and %d minutes", ErrValidation, minDurationMinutes, maxDurationMinutes)
	}
	if req.ConsultationFee.IsNegative() {
		return fmt.Errorf("%w: consultation fee cannot be negative", ErrValidation)
	}
	if !req.AppointmentTime.After(s.now()) {
		return fmt.Errorf("%w: appointment time is in the past", ErrValidation)
	}
	hour := req.AppointmentTime.Hour()
	if hour < openingHour || hour >= closingHour {
		return fmt.Errorf("%w: appointments start between %02d:00 and %02d:00", ErrValidation, openingHour, closingHour)
	}
	return nil
}

func (s *Service) emitBooked(ctx context.Context, appt model.Appointment) {
	payload := events.AppointmentBooked{
		EventID:           s.ids.EventID(),
		AppointmentNumber: appt.AppointmentNumber,
		AppointmentID:     appt.ID,
		PatientID:         appt.PatientID,
		PatientName:       appt.PatientName,
		DoctorID:          appt.DoctorID,
		DoctorName:        appt.DoctorName,
		Department:        appt.Department,
		AppointmentTime:   events.FormatTime(appt.AppointmentTime),
		ConsultationFee:   appt.ConsultationFee,
		ReasonForVisit:    appt.ReasonForVisit,
		EventTimestamp:    events.FormatTime(s.now()),
		CreatedBy:         appt.CreatedBy,
	}
	value, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal appointment.booked failed", "appointment", appt.AppointmentNumber, "err", err)
		return
	}
	err = s.publisher.Publish(ctx, reliable.Event{
		Topic:   events.TopicAppointmentBooked,
		Key:     appt.AppointmentNumber,
		EventID: payload.EventID,
		Value:   value,
	})
	if err != nil {
		s.logger.Error("appointment.booked delivery failed", "appointment", appt.AppointmentNumber, "err", err)
	}
}

func (s *Service) Get(ctx context.Context, id int64) (model.Appointment, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id int64, reason, updatedBy string) (model.Appointment, error) {
	return s.repo.Cancel(ctx, id, reason, updatedBy)
}

func (s *Service) UpdateStatus(ctx context.Context, id int64, next model.Status, updatedBy string) (model.Appointment, error) {
	return s.repo.UpdateStatus(ctx, id, next, updatedBy)
}
