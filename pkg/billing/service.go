package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

const accountColumns = `id, external_key, name, email, currency, payment_provider_name,
		       provider_customer_id, payment_method_id, created_at, updated_at`

// CreateAccount inserts an account. A zero ID is replaced with a new one.
func (s *PostgresService) CreateAccount(ctx context.Context, account *Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}

	query := `
		INSERT INTO accounts (id, external_key, name, email, currency, payment_provider_name,
		                      provider_customer_id, payment_method_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		account.ID, account.ExternalKey, account.Name, account.Email, account.Currency,
		nullString(account.PaymentProviderName), nullString(account.ProviderCustomerID),
		nullString(account.PaymentMethodID),
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccountByKey implements AccountLookup
func (s *PostgresService) GetAccountByKey(ctx context.Context, externalKey string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE external_key = $1`
	return s.scanAccount(s.db.QueryRowContext(ctx, query, externalKey))
}

// GetAccountByID implements AccountLookup
func (s *PostgresService) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return s.scanAccount(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresService) scanAccount(row *sql.Row) (*Account, error) {
	account := &Account{}
	var provider, customerID, methodID sql.NullString
	err := row.Scan(
		&account.ID, &account.ExternalKey, &account.Name, &account.Email, &account.Currency,
		&provider, &customerID, &methodID, &account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account.PaymentProviderName = provider.String
	account.ProviderCustomerID = customerID.String
	account.PaymentMethodID = methodID.String
	return account, nil
}

// CreateInvoice inserts an invoice and assigns its number
func (s *PostgresService) CreateInvoice(ctx context.Context, invoice *Invoice) error {
	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}

	query := `
		INSERT INTO invoices (id, account_id, currency, target_date, amount, is_migration_invoice)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING invoice_number, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		invoice.ID, invoice.AccountID, invoice.Currency, invoice.TargetDate,
		invoice.Amount, invoice.IsMigrationInvoice,
	).Scan(&invoice.Number, &invoice.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	invoice.PaidAmount = decimal.Zero
	invoice.Balance = invoice.Amount
	return nil
}

// GetInvoice implements InvoiceLookup. The balance accounts for every recorded payment.
func (s *PostgresService) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	query := `
		SELECT i.id, i.account_id, i.invoice_number, i.currency, i.target_date, i.amount,
		       COALESCE((SELECT SUM(p.amount) FROM invoice_payments p WHERE p.invoice_id = i.id), 0),
		       i.is_migration_invoice, i.created_at
		FROM invoices i
		WHERE i.id = $1
	`
	invoice := &Invoice{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&invoice.ID, &invoice.AccountID, &invoice.Number, &invoice.Currency, &invoice.TargetDate,
		&invoice.Amount, &invoice.PaidAmount, &invoice.IsMigrationInvoice, &invoice.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	invoice.Balance = invoice.Amount.Sub(invoice.PaidAmount)
	return invoice, nil
}

// NotifyOfPaymentAttempt implements InvoiceLookup. Recording the same attempt twice is a no-op.
func (s *PostgresService) NotifyOfPaymentAttempt(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal,
	currency string, attemptID uuid.UUID, effectiveDate time.Time) error {

	query := `
		INSERT INTO invoice_payments (id, invoice_id, payment_attempt_id, amount, currency, effective_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_attempt_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, uuid.New(), invoiceID, attemptID, amount, currency, effectiveDate)
	if err != nil {
		return fmt.Errorf("failed to record invoice payment: %w", err)
	}

	return nil
}

// ListInvoicePayments lists the payments applied to an invoice
func (s *PostgresService) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]*InvoicePayment, error) {
	query := `
		SELECT id, invoice_id, payment_attempt_id, amount, currency, effective_date, created_at
		FROM invoice_payments
		WHERE invoice_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice payments: %w", err)
	}
	defer rows.Close()

	var payments []*InvoicePayment
	for rows.Next() {
		p := &InvoicePayment{}
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.PaymentAttemptID, &p.Amount, &p.Currency,
			&p.EffectiveDate, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice payment: %w", err)
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
