//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/billing"
	"github.com/platinummonkey/paycore/pkg/payment"
	"github.com/platinummonkey/paycore/pkg/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("paycore_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	applied, err := Migrate(ctx, db)
	require.NoError(t, err)
	require.Len(t, applied, 2)

	t.Cleanup(func() {
		db.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})
	return db
}

func TestIntegration_PaymentLifecycle(t *testing.T) {
	db := setupPostgresTestDB(t)
	ctx := context.Background()

	again, err := Migrate(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, again)

	svc := billing.NewPostgresService(db)
	account := &billing.Account{ExternalKey: "acct-1", Name: "Ada", Email: "ada@example.com", Currency: "USD"}
	require.NoError(t, svc.CreateAccount(ctx, account))
	invoice := &billing.Invoice{
		AccountID:  account.ID,
		Currency:   "USD",
		TargetDate: time.Now().UTC(),
		Amount:     decimal.RequireFromString("25.00"),
	}
	require.NoError(t, svc.CreateInvoice(ctx, invoice))

	store := NewPaymentStore(Single(db))
	now := time.Now().UTC()
	p := &payment.Payment{
		ID:            uuid.New(),
		AccountID:     account.ID,
		InvoiceID:     invoice.ID,
		Currency:      "USD",
		Amount:        invoice.Balance,
		PaidAmount:    decimal.Zero,
		EffectiveDate: now,
		PluginName:    "simulated",
		Status:        payment.StatusUnknown,
	}
	first := &payment.Attempt{ID: uuid.New(), PaymentID: p.ID, AccountID: account.ID, InvoiceID: invoice.ID,
		EffectiveDate: now, RequestedAmount: p.Amount, Status: payment.StatusUnknown}
	require.NoError(t, store.InsertPaymentWithAttempt(ctx, p, first))
	assert.Positive(t, p.PaymentNumber)

	require.NoError(t, store.UpdateStatusForPaymentWithAttempt(ctx, payment.StatusUpdate{
		PaymentID:           p.ID,
		AttemptID:           first.ID,
		Status:              payment.StatusPaymentFailure,
		PaidAmount:          decimal.Zero,
		GatewayErrorCode:    "card_declined",
		GatewayErrorMessage: "insufficient funds",
	}))

	// a resolved attempt cannot be resolved again
	err = store.UpdateStatusForPaymentWithAttempt(ctx, payment.StatusUpdate{
		PaymentID: p.ID, AttemptID: first.ID, Status: payment.StatusSuccess,
	})
	assert.Error(t, err)

	second := &payment.Attempt{ID: uuid.New(), AccountID: account.ID, InvoiceID: invoice.ID,
		EffectiveDate: now, RequestedAmount: p.Amount, Status: payment.StatusUnknown}
	require.NoError(t, store.InsertNewAttemptForPayment(ctx, p.ID, second))
	require.NoError(t, store.UpdateStatusForPaymentWithAttempt(ctx, payment.StatusUpdate{
		PaymentID: p.ID, AttemptID: second.ID, Status: payment.StatusSuccess, PaidAmount: p.Amount,
	}))
	require.NoError(t, svc.NotifyOfPaymentAttempt(ctx, invoice.ID, p.Amount, "USD", second.ID, now))

	third := &payment.Attempt{ID: uuid.New(), AccountID: account.ID, InvoiceID: invoice.ID,
		EffectiveDate: now, RequestedAmount: p.Amount, Status: payment.StatusUnknown}
	assert.ErrorIs(t, store.InsertNewAttemptForPayment(ctx, p.ID, third), payment.ErrTerminalPayment)

	got, err := store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, got.Status)
	assert.True(t, p.Amount.Equal(got.PaidAmount))

	attempts, err := store.GetAttemptsForPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, first.ID, attempts[0].ID)
	assert.Equal(t, "insufficient funds", attempts[0].GatewayErrorMessage)
	assert.Equal(t, payment.StatusSuccess, attempts[1].Status)

	byInvoice, err := store.GetPaymentsForInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Len(t, byInvoice, 1)

	paid, err := svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, paid.Balance.IsZero())
}

func TestIntegration_RetryQueue(t *testing.T) {
	db := setupPostgresTestDB(t)
	ctx := context.Background()
	q := NewRetryQueue(db, time.Minute)
	now := time.Now().UTC().Truncate(time.Microsecond)

	due := retry.NewNotification(retry.TrackPaymentFailure, uuid.New(), 1, now.Add(-time.Second))
	later := retry.NewNotification(retry.TrackPluginFailure, uuid.New(), 1, now.Add(time.Hour))
	require.NoError(t, q.Enqueue(ctx, due))
	require.NoError(t, q.Enqueue(ctx, later))

	claimed, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Deliveries)

	// leased items are not handed out again until the lease expires
	claimed, err = q.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	claimed, err = q.Claim(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Deliveries)

	require.NoError(t, q.Release(ctx, due.ID, now.Add(time.Hour), assert.AnError))
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending[retry.TrackPaymentFailure])
	assert.Equal(t, 1, pending[retry.TrackPluginFailure])

	require.NoError(t, q.Complete(ctx, due.ID))
	assert.ErrorIs(t, q.Complete(ctx, due.ID), retry.ErrNotificationNotFound)
}
