package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/medhasoft/hospital-platform/libs/auth"
	"github.com/medhasoft/hospital-platform/libs/money"
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/booking"
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/appointment-service/internal/storage"
)

type AppointmentHandler struct {
	svc    *booking.Service
	logger *slog.Logger
}

func NewAppointmentHandler(svc *booking.Service, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

func (h *AppointmentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/appointments", h.appointments)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/appointments/status", h.UpdateStatus)
}

type bookRequest struct {
	PatientID       int64        `json:"patientId"`
	PatientName     string       `json:"patientName"`
	DoctorID        int64        `json:"doctorId"`
	DoctorName      string       `json:"doctorName"`
	Department      string       `json:"department"`
	AppointmentTime string       `json:"appointmentTime"`
	DurationMinutes int          `json:"durationMinutes"`
	ConsultationFee money.Amount `json:"consultationFee"`
	ReasonForVisit  string       `json:"reasonForVisit"`
	Notes           string       `json:"notes"`
}

type appointmentResponse struct {
	ID                 int64        `json:"id"`
	AppointmentNumber  string       `json:"appointmentNumber"`
	PatientID          int64        `json:"patientId"`
	PatientName        string       `json:"patientName"`
	DoctorID           int64        `json:"doctorId"`
	DoctorName         string       `json:"doctorName"`
	Department         string       `json:"department"`
	AppointmentTime    string       `json:"appointmentTime"`
	DurationMinutes    int          `json:"durationMinutes"`
	Status             string       `json:"status"`
	ConsultationFee    money.Amount `json:"consultationFee"`
	ReasonForVisit     string       `json:"reasonForVisit,omitempty"`
	Notes              string       `json:"notes,omitempty"`
	CancellationReason string       `json:"cancellationReason,omitempty"`
	CancelledAt        string       `json:"cancelledAt,omitempty"`
	CreatedBy          string       `json:"createdBy"`
	Version            int          `json:"version"`
	CreatedAt          string       `json:"createdAt"`
}

func toResponse(appt model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:                 appt.ID,
		AppointmentNumber:  appt.AppointmentNumber,
		PatientID:          appt.PatientID,
		PatientName:        appt.PatientName,
		DoctorID:           appt.DoctorID,
		DoctorName:         appt.DoctorName,
		Department:         appt.Department,
		AppointmentTime:    appt.AppointmentTime.UTC().Format(time.RFC3339),
		DurationMinutes:    appt.DurationMinutes,
		Status:             string(appt.Status),
		ConsultationFee:    appt.ConsultationFee,
		ReasonForVisit:     appt.ReasonForVisit,
		Notes:              appt.Notes,
		CancellationReason: appt.CancellationReason,
		CreatedBy:          appt.CreatedBy,
		Version:            appt.Version,
		CreatedAt:          appt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if appt.CancelledAt != nil {
		resp.CancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *AppointmentHandler) appointments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Book(w, r)
	case http.MethodGet:
		h.Get(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AppointmentHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	appointmentTime, err := time.Parse(time.RFC3339, strings.TrimSpace(req.AppointmentTime))
	if err != nil {
		http.Error(w, "invalid appointmentTime", http.StatusBadRequest)
		return
	}

	createdBy, err := auth.CallerIdentity(r, "system")
	if err != nil {
		http.Error(w, "invalid authorization token", http.StatusUnauthorized)
		return
	}

	appt, err := h.svc.Book(r.Context(), booking.BookRequest{
		PatientID:       req.PatientID,
		PatientName:     strings.TrimSpace(req.PatientName),
		DoctorID:        req.DoctorID,
		DoctorName:      strings.TrimSpace(req.DoctorName),
		Department:      strings.TrimSpace(req.Department),
		AppointmentTime: appointmentTime,
		DurationMinutes: req.DurationMinutes,
		ConsultationFee: req.ConsultationFee,
		ReasonForVisit:  strings.TrimSpace(req.ReasonForVisit),
		Notes:           strings.TrimSpace(req.Notes),
	}, createdBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}
	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

type cancelRequest struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.ID <= 0 {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	updatedBy, err := auth.CallerIdentity(r, "system")
	if err != nil {
		http.Error(w, "invalid authorization token", http.StatusUnauthorized)
		return
	}

	appt, err := h.svc.Cancel(r.Context(), req.ID, strings.TrimSpace(req.Reason), updatedBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

type updateStatusRequest struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func (h *AppointmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.ID <= 0 {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	next, ok := model.ParseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !ok {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	updatedBy, err := auth.CallerIdentity(r, "system")
	if err != nil {
		http.Error(w, "invalid authorization token", http.StatusUnauthorized)
		return
	}

	appt, err := h.svc.UpdateStatus(r.Context(), req.ID, next, updatedBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "appointment not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("appointment request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
