// Package events defines the domain event contracts shared by the services.
// Field names are the stable wire contract; changing one is a breaking change
// for every consumer.
package events

import (
	"time"

	"github.com/medhasoft/hospital-platform/libs/money"
)

// Topic names. Each topic has a matching dead-letter destination at
// "<topic>.dlt".
const (
	TopicAppointmentBooked = "appointment.booked"
	TopicBillGenerated     = "bill.generated"
	TopicPaymentCompleted  = "payment.completed"
	TopicPaymentFailed     = "payment.failed"
)

const timeLayout = time.RFC3339

// FormatTime renders event timestamps in the platform's canonical form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type AppointmentBooked struct {
	EventID           string       `json:"eventId"`
	AppointmentNumber string       `json:"appointmentNumber"`
	AppointmentID     int64        `json:"appointmentId"`
	PatientID         int64        `json:"patientId"`
	PatientName       string       `json:"patientName"`
	DoctorID          int64        `json:"doctorId"`
	DoctorName        string       `json:"doctorName"`
	Department        string       `json:"department"`
	AppointmentTime   string       `json:"appointmentTime"`
	ConsultationFee   money.Amount `json:"consultationFee"`
	ReasonForVisit    string       `json:"reasonForVisit"`
	EventTimestamp    string       `json:"eventTimestamp"`
	CreatedBy         string       `json:"createdBy"`
}

type BillGenerated struct {
	EventID        string       `json:"eventId"`
	BillNumber     string       `json:"billNumber"`
	BillID         int64        `json:"billId"`
	AppointmentID  int64        `json:"appointmentId"`
	PatientID      int64        `json:"patientId"`
	TotalAmount    money.Amount `json:"totalAmount"`
	EventTimestamp string       `json:"eventTimestamp"`
}

type PaymentCompleted struct {
	EventID          string       `json:"eventId"`
	PaymentReference string       `json:"paymentReference"`
	BillID           int64        `json:"billId"`
	BillNumber       string       `json:"billNumber"`
	Amount           money.Amount `json:"amount"`
	PaymentMethod    string       `json:"paymentMethod"`
	EventTimestamp   string       `json:"eventTimestamp"`
}

type PaymentFailed struct {
	EventID        string       `json:"eventId"`
	BillID         int64        `json:"billId"`
	Amount         money.Amount `json:"amount"`
	Reason         string       `json:"reason"`
	EventTimestamp string       `json:"eventTimestamp"`
}
