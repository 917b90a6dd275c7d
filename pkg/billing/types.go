package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// Account is the billing account a payment is charged to
type Account struct {
	ID          uuid.UUID `json:"id"`
	ExternalKey string    `json:"external_key"`
	Name        string    `json:"name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Currency    string    `json:"currency"`
	// PaymentProviderName selects the payment plugin. Empty means the default plugin.
	PaymentProviderName string `json:"payment_provider_name,omitempty"`
	// ProviderCustomerID and PaymentMethodID identify the stored payment method on the
	// provider side.
	ProviderCustomerID string    `json:"provider_customer_id,omitempty"`
	PaymentMethodID    string    `json:"payment_method_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Invoice is a billed amount owed by an account
type Invoice struct {
	ID         uuid.UUID       `json:"id"`
	AccountID  uuid.UUID       `json:"account_id"`
	Number     int64           `json:"invoice_number"`
	Currency   string          `json:"currency"`
	TargetDate time.Time       `json:"target_date"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	// Balance is Amount minus PaidAmount.
	Balance decimal.Decimal `json:"balance"`
	// IsMigrationInvoice marks invoices imported from a previous system. They are
	// never charged.
	IsMigrationInvoice bool      `json:"is_migration_invoice"`
	CreatedAt          time.Time `json:"created_at"`
}

// InvoicePayment records a payment applied to an invoice
type InvoicePayment struct {
	ID               uuid.UUID       `json:"id"`
	InvoiceID        uuid.UUID       `json:"invoice_id"`
	PaymentAttemptID uuid.UUID       `json:"payment_attempt_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	EffectiveDate    time.Time       `json:"effective_date"`
	CreatedAt        time.Time       `json:"created_at"`
}

// AccountLookup resolves accounts
type AccountLookup interface {
	GetAccountByKey(ctx context.Context, externalKey string) (*Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
}

// InvoiceLookup resolves invoices and records payments made against them
type InvoiceLookup interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	NotifyOfPaymentAttempt(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal,
		currency string, attemptID uuid.UUID, effectiveDate time.Time) error
}

// Service is the full billing collaborator
type Service interface {
	AccountLookup
	InvoiceLookup
	CreateAccount(ctx context.Context, account *Account) error
	CreateInvoice(ctx context.Context, invoice *Invoice) error
	ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]*InvoicePayment, error)
}
