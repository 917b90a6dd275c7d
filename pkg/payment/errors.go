package payment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode classifies a PaymentAPIError
type ErrorCode string

const (
	CodeNullInvoice     ErrorCode = "PAYMENT_NULL_INVOICE"
	CodeAmountDenied    ErrorCode = "PAYMENT_AMOUNT_DENIED"
	CodeInternal        ErrorCode = "PAYMENT_INTERNAL_ERROR"
	CodePaymentDeclined ErrorCode = "PAYMENT_CREATE_PAYMENT"
	CodePluginFailure   ErrorCode = "PAYMENT_PLUGIN_EXCEPTION"
	CodePluginTimeout   ErrorCode = "PAYMENT_PLUGIN_TIMEOUT"
	CodeNoSuchPlugin    ErrorCode = "PAYMENT_NO_SUCH_PAYMENT_PLUGIN"
	CodeMigration       ErrorCode = "PAYMENT_MIGRATION_INVOICE"
)

var (
	ErrNullInvoice     = errors.New("invoice has no positive balance")
	ErrAmountDenied    = errors.New("payment amount exceeds invoice balance")
	ErrInternal        = errors.New("internal payment error")
	ErrPaymentDeclined = errors.New("payment declined")
	ErrPluginFailure   = errors.New("payment plugin failure")
	ErrPluginTimeout   = errors.New("payment plugin timed out")
	ErrNoSuchPlugin    = errors.New("no such payment plugin")
	ErrMigration       = errors.New("migration invoices are not payable")
)

var codeSentinels = map[ErrorCode]error{
	CodeNullInvoice:     ErrNullInvoice,
	CodeAmountDenied:    ErrAmountDenied,
	CodeInternal:        ErrInternal,
	CodePaymentDeclined: ErrPaymentDeclined,
	CodePluginFailure:   ErrPluginFailure,
	CodePluginTimeout:   ErrPluginTimeout,
	CodeNoSuchPlugin:    ErrNoSuchPlugin,
	CodeMigration:       ErrMigration,
}

// PaymentAPIError is returned to callers of the Processor.
// errors.Is matches the sentinel for its Code as well as the wrapped cause.
type PaymentAPIError struct {
	Code      ErrorCode
	Message   string
	PaymentID uuid.UUID
	Err       error
}

func newAPIError(code ErrorCode, paymentID uuid.UUID, err error, format string, args ...interface{}) *PaymentAPIError {
	return &PaymentAPIError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		PaymentID: paymentID,
		Err:       err,
	}
}

func (e *PaymentAPIError) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentAPIError) Unwrap() []error {
	var errs []error
	if sentinel, ok := codeSentinels[e.Code]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// PluginAPIError is a fault raised by a payment plugin
type PluginAPIError struct {
	Plugin string
	Err    error
}

func (e *PluginAPIError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

func (e *PluginAPIError) Unwrap() error {
	return e.Err
}
