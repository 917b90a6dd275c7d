package billing

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresService(db), mock
}

var accountRowColumns = []string{
	"id", "external_key", "name", "email", "currency", "payment_provider_name",
	"provider_customer_id", "payment_method_id", "created_at", "updated_at",
}

func TestPostgresService_GetAccountByKey(t *testing.T) {
	svc, mock := newMockService(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE external_key = \\$1").
		WithArgs("acme-1").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow(id.String(), "acme-1", "Acme", "ops@acme.test", "USD", "stripe", "cus_1", nil, now, now))

	account, err := svc.GetAccountByKey(context.Background(), "acme-1")
	require.NoError(t, err)
	assert.Equal(t, id, account.ID)
	assert.Equal(t, "stripe", account.PaymentProviderName)
	assert.Equal(t, "cus_1", account.ProviderCustomerID)
	assert.Empty(t, account.PaymentMethodID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetAccountByID_NotFound(t *testing.T) {
	svc, mock := newMockService(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(accountRowColumns))

	_, err := svc.GetAccountByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostgresService_CreateAccount(t *testing.T) {
	svc, mock := newMockService(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs(sqlmock.AnyArg(), "acme-1", "Acme", "", "USD", "stripe", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	account := &Account{ExternalKey: "acme-1", Name: "Acme", Currency: "USD", PaymentProviderName: "stripe"}
	require.NoError(t, svc.CreateAccount(context.Background(), account))
	assert.NotEqual(t, uuid.Nil, account.ID)
	assert.Equal(t, now, account.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetInvoice_ComputesBalance(t *testing.T) {
	svc, mock := newMockService(t)
	id, accountID := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM invoices i WHERE i.id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "invoice_number", "currency", "target_date", "amount", "paid", "is_migration_invoice", "created_at",
		}).AddRow(id.String(), accountID.String(), 7, "USD", now, "100.00", "40.00", false, now))

	invoice, err := svc.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), invoice.Number)
	assert.True(t, invoice.Balance.Equal(decimal.NewFromInt(60)), "balance was %s", invoice.Balance)
	assert.False(t, invoice.IsMigrationInvoice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetInvoice_Errors(t *testing.T) {
	svc, mock := newMockService(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM invoices").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := svc.GetInvoice(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvoiceNotFound)

	mock.ExpectQuery("SELECT (.+) FROM invoices").
		WithArgs(id).
		WillReturnError(errors.New("db down"))
	_, err = svc.GetInvoice(context.Background(), id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvoiceNotFound)
}

func TestPostgresService_NotifyOfPaymentAttempt(t *testing.T) {
	svc, mock := newMockService(t)
	invoiceID, attemptID := uuid.New(), uuid.New()
	now := time.Now()
	amount := decimal.RequireFromString("12.50")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invoice_payments")).
		WithArgs(sqlmock.AnyArg(), invoiceID, attemptID, amount, "EUR", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.NotifyOfPaymentAttempt(context.Background(), invoiceID, amount, "EUR", attemptID, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_ListInvoicePayments(t *testing.T) {
	svc, mock := newMockService(t)
	invoiceID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM invoice_payments").
		WithArgs(invoiceID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_id", "payment_attempt_id", "amount", "currency", "effective_date", "created_at",
		}).
			AddRow(uuid.NewString(), invoiceID.String(), uuid.NewString(), "5", "USD", now, now).
			AddRow(uuid.NewString(), invoiceID.String(), uuid.NewString(), "7.25", "USD", now, now))

	payments, err := svc.ListInvoicePayments(context.Background(), invoiceID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "7.25", payments[1].Amount.String())
}
