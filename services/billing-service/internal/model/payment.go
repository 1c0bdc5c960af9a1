package model

import (
	"time"

	"github.com/medhasoft/hospital-platform/libs/money"
)

type PaymentMethod string

const (
	MethodCash       PaymentMethod = "CASH"
	MethodCard       PaymentMethod = "CARD"
	MethodUPI        PaymentMethod = "UPI"
	MethodNetBanking PaymentMethod = "NET_BANKING"
)

func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch PaymentMethod(raw) {
	case MethodCash, MethodCard, MethodUPI, MethodNetBanking:
		return PaymentMethod(raw), true
	}
	return "", false
}

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type Payment struct {
	ID               int64
	PaymentReference string
	BillID           int64
	Amount           money.Amount
	Method           PaymentMethod
	Status           PaymentStatus
	TransactionID    string
	IdempotencyKey   string
	FailureReason    string
	CreatedAt        time.Time
}
