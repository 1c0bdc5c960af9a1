package model

import (
	"time"

	"github.com/medhasoft/hospital-platform/libs/money"
)

type Status string

const (
	StatusBooked    Status = "BOOKED"
	StatusCheckedIn Status = "CHECKED_IN"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusBooked, StatusCheckedIn, StatusCompleted, StatusCancelled:
		return Status(raw), true
	}
	return "", false
}

// CanTransition reports whether an appointment may move from one status to
// another. Cancellation is allowed until the visit is completed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusBooked:
		return to == StatusCheckedIn || to == StatusCancelled
	case StatusCheckedIn:
		return to == StatusCompleted || to == StatusCancelled
	default:
		return false
	}
}

type Appointment struct {
	ID                 int64
	AppointmentNumber  string
	PatientID          int64
	PatientName        string
	DoctorID           int64
	DoctorName         string
	Department         string
	AppointmentTime    time.Time
	DurationMinutes    int
	Status             Status
	ConsultationFee    money.Amount
	ReasonForVisit     string
	Notes              string
	CancellationReason string
	CancelledAt        *time.Time
	CheckedInAt        *time.Time
	CompletedAt        *time.Time
	CreatedBy          string
	UpdatedBy          string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EndTime is the exclusive end of the reserved slot.
func (a Appointment) EndTime() time.Time {
	return a.AppointmentTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}
