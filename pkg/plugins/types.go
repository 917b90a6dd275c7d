package plugins

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the provider's verdict on a charge
type Status string

const (
	// StatusProcessed means the provider captured the funds.
	StatusProcessed Status = "PROCESSED"
	// StatusError means the provider declined the charge.
	StatusError Status = "ERROR"
)

// PaymentRequest describes a single charge
type PaymentRequest struct {
	AccountKey         string
	ProviderCustomerID string
	PaymentMethodID    string
	PaymentID          uuid.UUID
	// AttemptID is unique per attempt and is used as the provider idempotency key.
	AttemptID   uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// PaymentInfo is the provider's answer to a charge
type PaymentInfo struct {
	Status           Status
	Amount           decimal.Decimal
	ReferenceID      string
	GatewayErrorCode string
	GatewayError     string
	EffectiveDate    time.Time
}

// PaymentPlugin charges an account through one provider.
type PaymentPlugin interface {
	Name() string
	// ProcessPayment returns an error only for faults: unreachable provider, protocol
	// errors, timeouts. Declines are reported as PaymentInfo with StatusError.
	ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentInfo, error)
}
