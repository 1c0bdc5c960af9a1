package model

import (
	"time"

	"github.com/medhasoft/hospital-platform/libs/money"
)

type BillStatus string

const (
	BillPending       BillStatus = "PENDING"
	BillPartiallyPaid BillStatus = "PARTIALLY_PAID"
	BillPaid          BillStatus = "PAID"
	BillCancelled     BillStatus = "CANCELLED"
)

type Bill struct {
	ID              int64
	BillNumber      string
	AppointmentID   int64
	PatientID       int64
	ConsultationFee money.Amount
	LabCharges      money.Amount
	PharmacyCharges money.Amount
	PaidAmount      money.Amount
	CancelledAt     *time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (b Bill) TotalAmount() money.Amount {
	return b.ConsultationFee.Add(b.LabCharges).Add(b.PharmacyCharges)
}

func (b Bill) DueAmount() money.Amount {
	return b.TotalAmount().Sub(b.PaidAmount)
}

// Status is always derived from the amounts and the cancellation marker.
// The persisted status column is a query convenience rewritten from this
// value on every mutation, never an independent source of truth.
func (b Bill) Status() BillStatus {
	if b.CancelledAt != nil {
		return BillCancelled
	}
	switch {
	case b.PaidAmount.IsZero() && !b.TotalAmount().IsZero():
		return BillPending
	case b.DueAmount() > 0:
		return BillPartiallyPaid
	default:
		return BillPaid
	}
}
