package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventTypePaymentInfo  = "payment.info"
	EventTypePaymentError = "payment.error"
)

// PaymentInfoEvent is posted when a payment succeeds
type PaymentInfoEvent struct {
	AccountID     uuid.UUID       `json:"account_id"`
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	AttemptID     uuid.UUID       `json:"attempt_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentNumber int64           `json:"payment_number"`
	Status        Status          `json:"status"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	UserToken     uuid.UUID       `json:"user_token"`
	EffectiveDate time.Time       `json:"effective_date"`
}

func (e *PaymentInfoEvent) EventType() string { return EventTypePaymentInfo }
func (e *PaymentInfoEvent) EventKey() string  { return e.AccountID.String() }

// PaymentErrorEvent is posted once for every attempt that did not succeed
type PaymentErrorEvent struct {
	AccountID           uuid.UUID `json:"account_id"`
	InvoiceID           uuid.UUID `json:"invoice_id"`
	PaymentID           uuid.UUID `json:"payment_id"`
	AttemptID           uuid.UUID `json:"attempt_id"`
	GatewayErrorMessage string    `json:"gateway_error_message"`
	UserToken           uuid.UUID `json:"user_token"`
}

func (e *PaymentErrorEvent) EventType() string { return EventTypePaymentError }
func (e *PaymentErrorEvent) EventKey() string  { return e.AccountID.String() }
