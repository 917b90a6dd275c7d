package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryService_InvoiceBalance(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()

	account := &Account{ExternalKey: "a1", Currency: "USD"}
	require.NoError(t, svc.CreateAccount(ctx, account))

	invoice := &Invoice{AccountID: account.ID, Currency: "USD", Amount: decimal.NewFromInt(100)}
	require.NoError(t, svc.CreateInvoice(ctx, invoice))
	assert.Equal(t, int64(1), invoice.Number)

	attemptID := uuid.New()
	require.NoError(t, svc.NotifyOfPaymentAttempt(ctx, invoice.ID, decimal.NewFromInt(30), "USD", attemptID, time.Now()))
	// duplicate notification is ignored
	require.NoError(t, svc.NotifyOfPaymentAttempt(ctx, invoice.ID, decimal.NewFromInt(30), "USD", attemptID, time.Now()))

	got, err := svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(70)))

	payments, err := svc.ListInvoicePayments(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestMemoryService_NotFound(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()

	_, err := svc.GetAccountByKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = svc.GetAccountByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = svc.GetInvoice(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
	err = svc.NotifyOfPaymentAttempt(ctx, uuid.New(), decimal.NewFromInt(1), "USD", uuid.New(), time.Now())
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestMemoryService_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	account := &Account{ExternalKey: "a1", Currency: "USD"}
	require.NoError(t, svc.CreateAccount(ctx, account))

	got, err := svc.GetAccountByKey(ctx, "a1")
	require.NoError(t, err)
	got.Currency = "EUR"

	again, err := svc.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "USD", again.Currency)
}
