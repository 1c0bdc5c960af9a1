package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medhasoft/hospital-platform/libs/idgen"
	"github.com/medhasoft/hospital-platform/libs/reliable"
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/booking"
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/storage"
)

type fakeRepo struct {
	reserveErr error
	getErr     error
	appt       model.Appointment
}

func (r *fakeRepo) Reserve(ctx context.Context, appt *model.Appointment) (model.Appointment, error) {
	if r.reserveErr != nil {
		return model.Appointment{}, r.reserveErr
	}
	out := *appt
	out.ID = 1
	return out, nil
}

func (r *fakeRepo) Get(ctx context.Context, id int64) (model.Appointment, error) {
	if r.getErr != nil {
		return model.Appointment{}, r.getErr
	}
	return r.appt, nil
}

func (r *fakeRepo) Cancel(ctx context.Context, id int64, reason, updatedBy string) (model.Appointment, error) {
	return r.appt, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id int64, next model.Status, updatedBy string) (model.Appointment, error) {
	return r.appt, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, evt reliable.Event) error { return nil }

func newHandler(repo *fakeRepo) *AppointmentHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := booking.NewService(repo, noopPublisher{}, idgen.New(), logger)
	return NewAppointmentHandler(svc, logger)
}

const bookBody = `{
	"patientId": 101,
	"patientName": "Asha Verma",
	"doctorId": 7,
	"doctorName": "Dr. Rao",
	"department": "Cardiology",
	"appointmentTime": "2031-03-10T10:00:00Z",
	"durationMinutes": 30,
	"consultationFee": 500.00,
	"reasonForVisit": "Follow-up"
}`

func TestBookCreated(t *testing.T) {
	h := newHandler(&fakeRepo{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(bookBody))
	rec := httptest.NewRecorder()

	h.Book(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp["status"] != "BOOKED" {
		t.Fatalf("status field = %v", resp["status"])
	}
	if resp["consultationFee"] != 500.0 {
		t.Fatalf("consultationFee = %v", resp["consultationFee"])
	}
	if resp["createdBy"] != "system" {
		t.Fatalf("createdBy = %v", resp["createdBy"])
	}
}

func TestBookConflictMapsTo409(t *testing.T) {
	h := newHandler(&fakeRepo{reserveErr: storage.ErrConflict})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(bookBody))
	rec := httptest.NewRecorder()

	h.Book(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBookValidationMapsTo400(t *testing.T) {
	h := newHandler(&fakeRepo{})
	body := strings.Replace(bookBody, `"durationMinutes": 30`, `"durationMinutes": 0`, 1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Book(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBookRejectsBadJSON(t *testing.T) {
	h := newHandler(&fakeRepo{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader("{"))
	rec := httptest.NewRecorder()

	h.Book(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetNotFound(t *testing.T) {
	h := newHandler(&fakeRepo{getErr: storage.ErrNotFound})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments?id=9", nil)
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
