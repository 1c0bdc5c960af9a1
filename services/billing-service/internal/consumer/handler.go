// Package consumer turns appointment.booked deliveries into bills.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/medhasoft/hospital-platform/libs/events"
	"github.com/medhasoft/hospital-platform/libs/reliable"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/ledger"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/model"
	"github.com/medhasoft/hospital-platform/services/billing-service/internal/storage"
)

type BillCreator interface {
	CreateBill(ctx context.Context, req ledger.CreateBillRequest) (model.Bill, error)
}

// AppointmentBooked handles one appointment.booked delivery. Lab and
// pharmacy charges start at zero; only the consultation fee is billed on
// booking. Error classification drives the dispatcher: a bill that already
// exists is a benign redelivery, a payload that cannot ever produce a bill
// is permanent, anything else is retried.
func AppointmentBooked(creator BillCreator, logger *slog.Logger) reliable.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt events.AppointmentBooked
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return reliable.Permanent(fmt.Errorf("decode appointment.booked: %w", err))
		}

		bill, err := creator.CreateBill(ctx, ledger.CreateBillRequest{
			AppointmentID:   evt.AppointmentID,
			PatientID:       evt.PatientID,
			ConsultationFee: evt.ConsultationFee,
		})
		switch {
		case errors.Is(err, storage.ErrDuplicateBill):
			return fmt.Errorf("%w: appointment %d", reliable.ErrDuplicate, evt.AppointmentID)
		case errors.Is(err, ledger.ErrValidation):
			return reliable.Permanent(err)
		case err != nil:
			return err
		}

		logger.Info("bill generated from booking",
			"bill", bill.BillNumber, "appointment", evt.AppointmentNumber, "event_id", evt.EventID)
		return nil
	}
}
