package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the processing status of a payment or attempt
type Status string

const (
	StatusUnknown               Status = "UNKNOWN"
	StatusSuccess               Status = "SUCCESS"
	StatusAutoPayOff            Status = "AUTO_PAY_OFF"
	StatusPaymentSystemOff      Status = "PAYMENT_SYSTEM_OFF"
	StatusPaymentFailure        Status = "PAYMENT_FAILURE"
	StatusPaymentFailureAborted Status = "PAYMENT_FAILURE_ABORTED"
	StatusPluginFailure         Status = "PLUGIN_FAILURE"
	StatusPluginFailureAborted  Status = "PLUGIN_FAILURE_ABORTED"

	// StatusTimedOut is only reported to callers; it is never persisted.
	StatusTimedOut Status = "TIMEDOUT"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusPaymentFailureAborted, StatusPluginFailureAborted:
		return true
	}
	return false
}

func (s Status) in(states []Status) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

var (
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrTerminalPayment is returned by stores when updating a payment in a terminal status
	ErrTerminalPayment = errors.New("payment is in a terminal status")
)

// Payment is a charge against one invoice
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	EffectiveDate time.Time       `json:"effective_date"`
	// PaymentNumber is assigned by the store and increases per account
	PaymentNumber int64     `json:"payment_number"`
	PluginName    string    `json:"plugin_name"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Attempt is one processing cycle of a payment. Attempts are append-only.
type Attempt struct {
	ID                  uuid.UUID       `json:"id"`
	PaymentID           uuid.UUID       `json:"payment_id"`
	AccountID           uuid.UUID       `json:"account_id"`
	InvoiceID           uuid.UUID       `json:"invoice_id"`
	EffectiveDate       time.Time       `json:"effective_date"`
	RequestedAmount     decimal.Decimal `json:"requested_amount"`
	GatewayErrorCode    string          `json:"gateway_error_code,omitempty"`
	GatewayErrorMessage string          `json:"gateway_error_message,omitempty"`
	Status              Status          `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
}

// StatusUpdate sets the outcome of an attempt and the resulting payment status
type StatusUpdate struct {
	PaymentID           uuid.UUID
	AttemptID           uuid.UUID
	Status              Status
	PaidAmount          decimal.Decimal
	GatewayErrorCode    string
	GatewayErrorMessage string
}

// Store persists payments and attempts
type Store interface {
	// InsertPaymentWithAttempt atomically writes a new payment and its first attempt,
	// assigning PaymentNumber and CreatedAt.
	InsertPaymentWithAttempt(ctx context.Context, payment *Payment, attempt *Attempt) error
	InsertNewAttemptForPayment(ctx context.Context, paymentID uuid.UUID, attempt *Attempt) error
	// UpdateStatusForPaymentWithAttempt returns ErrTerminalPayment when the payment
	// is already terminal.
	UpdateStatusForPaymentWithAttempt(ctx context.Context, update StatusUpdate) error
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	// GetAttemptsForPayment returns attempts in creation order
	GetAttemptsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error)
	GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Payment, error)
	GetPaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	// GetPaymentsInStatus returns payments whose current status is one of statuses
	GetPaymentsInStatus(ctx context.Context, statuses ...Status) ([]*Payment, error)
}

// RetryScheduler durably schedules a retry; false means the attempt limit is reached
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, paymentID uuid.UUID, attemptNumber int) (bool, error)
}

type userTokenKey struct{}

// WithUserToken attaches the token of the user who triggered the payment
func WithUserToken(ctx context.Context, token uuid.UUID) context.Context {
	return context.WithValue(ctx, userTokenKey{}, token)
}

// UserToken returns the token set by WithUserToken, or uuid.Nil
func UserToken(ctx context.Context) uuid.UUID {
	if token, ok := ctx.Value(userTokenKey{}).(uuid.UUID); ok {
		return token
	}
	return uuid.Nil
}
