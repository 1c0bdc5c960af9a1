package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/medhasoft/hospital-platform/libs/money"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/ledger"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/payments"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/storage"
)

type BillingHandler struct {
	ledger   *ledger.Service
	payments *payments.Service
	logger   *slog.Logger
}

func NewBillingHandler(ldg *ledger.Service, pay *payments.Service, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{ledger: ldg, payments: pay, logger: logger}
}

func (h *BillingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/bills", h.bills)
	mux.HandleFunc("/api/v1/payments", h.payRoutes)
}

type createBillRequest struct {
	AppointmentID   int64        `json:"appointmentId"`
	PatientID       int64        `json:"patientId"`
	ConsultationFee money.Amount `json:"consultationFee"`
	LabCharges      money.Amount `json:"labCharges"`
	PharmacyCharges money.Amount `json:"pharmacyCharges"`
}

type billResponse struct {
	ID              int64        `json:"id"`
	BillNumber      string       `json:"billNumber"`
	AppointmentID   int64        `json:"appointmentId"`
	PatientID       int64        `json:"patientId"`
	ConsultationFee money.Amount `json:"consultationFee"`
	LabCharges      money.Amount `json:"labCharges"`
	PharmacyCharges money.Amount `json:"pharmacyCharges"`
	TotalAmount     money.Amount `json:"totalAmount"`
	PaidAmount      money.Amount `json:"paidAmount"`
	DueAmount       money.Amount `json:"dueAmount"`
	Status          string       `json:"status"`
	Version         int          `json:"version"`
	CreatedAt       string       `json:"createdAt"`
}

func toBillResponse(bill model.Bill) billResponse {
	return billResponse{
		ID:              bill.ID,
		BillNumber:      bill.BillNumber,
		AppointmentID:   bill.AppointmentID,
		PatientID:       bill.PatientID,
		ConsultationFee: bill.ConsultationFee,
		LabCharges:      bill.LabCharges,
		PharmacyCharges: bill.PharmacyCharges,
		TotalAmount:     bill.TotalAmount(),
		PaidAmount:      bill.PaidAmount,
		DueAmount:       bill.DueAmount(),
		Status:          string(bill.Status()),
		Version:         bill.Version,
		CreatedAt:       bill.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type paymentResponse struct {
	ID               int64        `json:"id"`
	PaymentReference string       `json:"paymentReference"`
	BillID           int64        `json:"billId"`
	Amount           money.Amount `json:"amount"`
	Method           string       `json:"paymentMethod"`
	Status           string       `json:"status"`
	TransactionID    string       `json:"transactionId,omitempty"`
	FailureReason    string       `json:"failureReason,omitempty"`
	CreatedAt        string       `json:"createdAt"`
}

func toPaymentResponse(payment model.Payment) paymentResponse {
	return paymentResponse{
		ID:               payment.ID,
		PaymentReference: payment.PaymentReference,
		BillID:           payment.BillID,
		Amount:           payment.Amount,
		Method:           string(payment.Method),
		Status:           string(payment.Status),
		TransactionID:    payment.TransactionID,
		FailureReason:    payment.FailureReason,
		CreatedAt:        payment.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *BillingHandler) bills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.CreateBill(w, r)
	case http.MethodGet:
		h.GetBill(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BillingHandler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	bill, err := h.ledger.CreateBill(r.Context(), ledger.CreateBillRequest{
		AppointmentID:   req.AppointmentID,
		PatientID:       req.PatientID,
		ConsultationFee: req.ConsultationFee,
		LabCharges:      req.LabCharges,
		PharmacyCharges: req.PharmacyCharges,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillResponse(bill))
}

func (h *BillingHandler) GetBill(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}
	bill, err := h.ledger.GetBill(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillResponse(bill))
}

type processPaymentRequest struct {
	BillID         int64        `json:"billId"`
	Amount         money.Amount `json:"amount"`
	Method         string       `json:"paymentMethod"`
	IdempotencyKey string       `json:"idempotencyKey"`
}

func (h *BillingHandler) payRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.ProcessPayment(w, r)
	case http.MethodGet:
		h.GetPayment(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BillingHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req processPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	// The header wins over the body field when both are present.
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	payment, err := h.payments.ProcessPayment(r.Context(), payments.ProcessPaymentRequest{
		BillID:         req.BillID,
		Amount:         req.Amount,
		Method:         model.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.Method))),
		IdempotencyKey: key,
	})
	if errors.Is(err, storage.ErrDuplicatePayment) {
		// Replay of a processed request: return the original outcome.
		writeJSON(w, http.StatusOK, toPaymentResponse(payment))
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	if payment.Status == model.PaymentFailed {
		writeJSON(w, http.StatusPaymentRequired, toPaymentResponse(payment))
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(payment))
}

func (h *BillingHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	reference := strings.TrimSpace(r.URL.Query().Get("reference"))
	if reference == "" {
		http.Error(w, "missing reference", http.StatusBadRequest)
		return
	}
	payment, err := h.payments.GetPayment(r.Context(), reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *BillingHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, payments.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrDuplicateBill):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrAlreadyPaid), errors.Is(err, ledger.ErrBillCancelled), errors.Is(err, ledger.ErrAmountExceedsDue):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrBillNotFound), errors.Is(err, storage.ErrPaymentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("billing request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
