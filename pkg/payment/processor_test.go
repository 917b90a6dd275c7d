package payment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/async"
	"github.com/platinummonkey/paycore/pkg/billing"
	"github.com/platinummonkey/paycore/pkg/events"
	"github.com/platinummonkey/paycore/pkg/locker"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/payment"
	"github.com/platinummonkey/paycore/pkg/plugins"
	"github.com/platinummonkey/paycore/pkg/retry"
	"github.com/platinummonkey/paycore/pkg/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type respondFunc func(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error)

// scriptedPlugin answers every charge through respond and records the requests
type scriptedPlugin struct {
	mu      sync.Mutex
	calls   []*plugins.PaymentRequest
	respond respondFunc
}

func (p *scriptedPlugin) Name() string { return "scripted" }

func (p *scriptedPlugin) ProcessPayment(ctx context.Context, req *plugins.PaymentRequest) (*plugins.PaymentInfo, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	call := len(p.calls)
	respond := p.respond
	p.mu.Unlock()
	return respond(ctx, req, call)
}

func (p *scriptedPlugin) setRespond(fn respondFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = fn
}

func (p *scriptedPlugin) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func processed(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
	return &plugins.PaymentInfo{
		Status:        plugins.StatusProcessed,
		Amount:        req.Amount,
		ReferenceID:   "ch_" + req.AttemptID.String(),
		EffectiveDate: time.Now(),
	}, nil
}

func declined(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
	return &plugins.PaymentInfo{
		Status:           plugins.StatusError,
		Amount:           req.Amount,
		GatewayErrorCode: "card_declined",
		GatewayError:     "insufficient funds",
	}, nil
}

func faulted(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
	return nil, errors.New("connection reset by provider")
}

// recordingScheduler captures the attempt numbers it was asked to schedule
type recordingScheduler struct {
	*retry.Scheduler
	mu       sync.Mutex
	attempts []int
}

func (s *recordingScheduler) ScheduleRetry(ctx context.Context, paymentID uuid.UUID, attemptNumber int) (bool, error) {
	s.mu.Lock()
	s.attempts = append(s.attempts, attemptNumber)
	s.mu.Unlock()
	return s.Scheduler.ScheduleRetry(ctx, paymentID, attemptNumber)
}

func (s *recordingScheduler) calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.attempts...)
}

// faultyStore fails the next failUpdates status writes
type faultyStore struct {
	*memory.Store
	failUpdates atomic.Int32
}

func (s *faultyStore) UpdateStatusForPaymentWithAttempt(ctx context.Context, u payment.StatusUpdate) error {
	for {
		n := s.failUpdates.Load()
		if n <= 0 {
			return s.Store.UpdateStatusForPaymentWithAttempt(ctx, u)
		}
		if s.failUpdates.CompareAndSwap(n, n-1) {
			return errors.New("database unavailable")
		}
	}
}

type brokenQueue struct {
	*retry.MemoryQueue
}

func (q brokenQueue) Enqueue(ctx context.Context, n *retry.Notification) error {
	return errors.New("queue unavailable")
}

type fixture struct {
	billing       *billing.MemoryService
	store         *memory.Store
	faults        *faultyStore
	plugin        *scriptedPlugin
	locker        *locker.MemoryLocker
	bus           *events.MemoryBus
	metrics       *observability.Metrics
	businessQueue *retry.MemoryQueue
	pluginQueue   *retry.MemoryQueue
	business      *recordingScheduler
	pluginRetry   *recordingScheduler
	processor     *payment.Processor
	account       *billing.Account
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	config        payment.Config
	businessQueue retry.Queue
	lockOpts      []locker.Option
}

func withPluginTimeout(d time.Duration) fixtureOption {
	return func(c *fixtureConfig) { c.config.PluginTimeout = d }
}

func withLockTries(n int, b func() backoff.BackOff) fixtureOption {
	return func(c *fixtureConfig) {
		c.config.LockMaxTries = n
		c.lockOpts = append(c.lockOpts, locker.WithBackOff(b))
	}
}

func withBusinessQueue(q retry.Queue) fixtureOption {
	return func(c *fixtureConfig) { c.businessQueue = q }
}

func newFixture(t *testing.T, respond respondFunc, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		billing:       billing.NewMemoryService(),
		store:         memory.NewStore(),
		plugin:        &scriptedPlugin{respond: respond},
		locker:        locker.NewMemoryLocker(),
		bus:           events.NewMemoryBus(),
		metrics:       observability.NewMetrics(prometheus.NewRegistry()),
		businessQueue: retry.NewMemoryQueue(),
		pluginQueue:   retry.NewMemoryQueue(),
	}

	f.faults = &faultyStore{Store: f.store}

	cfg := fixtureConfig{config: payment.Config{PluginTimeout: 5 * time.Second}, businessQueue: f.businessQueue}
	for _, opt := range opts {
		opt(&cfg)
	}

	f.business = &recordingScheduler{Scheduler: retry.NewScheduler(retry.TrackPaymentFailure, cfg.businessQueue,
		&retry.DaysPolicy{RetryDays: []int{8, 8}}, retry.WithSchedulerMetrics(f.metrics))}
	f.pluginRetry = &recordingScheduler{Scheduler: retry.NewScheduler(retry.TrackPluginFailure, f.pluginQueue,
		retry.NewBackoffPolicy(retry.BackoffConfig{MaxAttempts: 3}))}

	registry := plugins.NewRegistry("scripted", nil)
	require.NoError(t, registry.Register(f.plugin))

	dispatcher := async.NewDispatcher(8, 16, nil)
	t.Cleanup(func() { dispatcher.Shutdown(5 * time.Second) })

	processor, err := payment.NewProcessor(payment.Dependencies{
		Accounts:      f.billing,
		Invoices:      f.billing,
		Store:         f.faults,
		Plugins:       registry,
		Locker:        f.locker,
		Dispatcher:    dispatcher,
		BusinessRetry: f.business,
		PluginRetry:   f.pluginRetry,
		Bus:           f.bus,
		Metrics:       f.metrics,
	}, cfg.config,
		payment.WithLockOptions(cfg.lockOpts...),
		payment.WithStoreBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	require.NoError(t, err)
	f.processor = processor

	f.account = &billing.Account{ExternalKey: "acct-" + uuid.NewString()[:8], Currency: "USD"}
	require.NoError(t, f.billing.CreateAccount(ctx, f.account))
	return f
}

func (f *fixture) invoice(t *testing.T, amount string) *billing.Invoice {
	t.Helper()
	inv := &billing.Invoice{
		AccountID:  f.account.ID,
		Currency:   "USD",
		TargetDate: time.Now(),
		Amount:     decimal.RequireFromString(amount),
	}
	require.NoError(t, f.billing.CreateInvoice(context.Background(), inv))
	return inv
}

func (f *fixture) onlyPayment(t *testing.T, invoiceID uuid.UUID) *payment.Payment {
	t.Helper()
	payments, err := f.processor.GetPaymentsForInvoice(context.Background(), invoiceID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	return payments[0]
}

func (f *fixture) eventTypes() []string {
	var types []string
	for _, evt := range f.bus.Events() {
		types = append(types, evt.EventType())
	}
	return types
}

func apiCode(t *testing.T, err error) payment.ErrorCode {
	t.Helper()
	var apiErr *payment.PaymentAPIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Code
}

func TestCreatePayment_AmountAboveBalanceDenied(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")

	p, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.NewFromInt(150), true)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, payment.ErrAmountDenied)
	assert.Equal(t, payment.CodeAmountDenied, apiCode(t, err))

	payments, err := f.processor.GetPaymentsForInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Zero(t, f.plugin.callCount())
	assert.Empty(t, f.bus.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PaymentErrorsTotal.WithLabelValues(string(payment.CodeAmountDenied))))
}

func TestCreatePayment_NegativeAmountDenied(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")

	_, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.NewFromInt(-5), true)
	assert.ErrorIs(t, err, payment.ErrAmountDenied)
}

func TestCreatePayment_Success(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	p, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, payment.StatusSuccess, p.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(p.PaidAmount))
	assert.Equal(t, int64(1), p.PaymentNumber)

	attempts, err := f.processor.GetAttempts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, payment.StatusSuccess, attempts[0].Status)

	require.Len(t, f.bus.Events(), 1)
	info, ok := f.bus.Events()[0].(*payment.PaymentInfoEvent)
	require.True(t, ok)
	assert.Equal(t, p.ID, info.PaymentID)
	assert.Equal(t, attempts[0].ID, info.AttemptID)
	assert.Equal(t, "ch_"+attempts[0].ID.String(), info.ReferenceID)

	recorded, err := f.billing.ListInvoicePayments(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, attempts[0].ID, recorded[0].PaymentAttemptID)

	after, err := f.billing.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.IsZero())

	assert.Empty(t, f.business.calls())
	assert.Empty(t, f.pluginRetry.calls())
	assert.False(t, f.locker.IsHeld(locker.Name(locker.AccountNamespace, f.account.ExternalKey)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PaymentsTotal.WithLabelValues("scripted", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LockAcquireTotal.WithLabelValues("acquired")))
}

func TestCreatePayment_DeclineSchedulesBusinessRetry(t *testing.T) {
	f := newFixture(t, declined)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	p, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, payment.ErrPaymentDeclined)

	stored := f.onlyPayment(t, inv.ID)
	assert.Equal(t, payment.StatusPaymentFailure, stored.Status)
	assert.True(t, stored.PaidAmount.IsZero())

	var apiErr *payment.PaymentAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, stored.ID, apiErr.PaymentID)

	assert.Equal(t, []int{1}, f.business.calls())
	assert.Empty(t, f.pluginRetry.calls())
	pending := f.businessQueue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, stored.ID, pending[0].PaymentID)
	assert.Equal(t, 1, pending[0].Attempt)

	attempts, err := f.processor.GetAttempts(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "card_declined", attempts[0].GatewayErrorCode)
	assert.Equal(t, "insufficient funds", attempts[0].GatewayErrorMessage)

	require.Len(t, f.bus.Events(), 1)
	errEvt, ok := f.bus.Events()[0].(*payment.PaymentErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "insufficient funds", errEvt.GatewayErrorMessage)

	recorded, err := f.billing.ListInvoicePayments(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestRetryFailedPayment_AbortsAtMaxAttempts(t *testing.T) {
	f := newFixture(t, declined)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	require.ErrorIs(t, err, payment.ErrPaymentDeclined)
	id := f.onlyPayment(t, inv.ID).ID

	require.NoError(t, f.processor.RetryFailedPayment(ctx, id))
	got, err := f.processor.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaymentFailure, got.Status)

	require.NoError(t, f.processor.RetryFailedPayment(ctx, id))
	got, err = f.processor.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaymentFailureAborted, got.Status)

	assert.Equal(t, []int{1, 2, 3}, f.business.calls())
	assert.Len(t, f.businessQueue.Pending(), 2)

	attempts, err := f.processor.GetAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, payment.StatusPaymentFailure, attempts[0].Status)
	assert.Equal(t, payment.StatusPaymentFailure, attempts[1].Status)
	assert.Equal(t, payment.StatusPaymentFailureAborted, attempts[2].Status)
	assert.Equal(t, []string{payment.EventTypePaymentError, payment.EventTypePaymentError, payment.EventTypePaymentError},
		f.eventTypes())

	// nothing changes once aborted
	require.NoError(t, f.processor.RetryFailedPayment(ctx, id))
	assert.Equal(t, 3, f.plugin.callCount())
}

func TestRetryFailedPayment_AlreadySucceededIsNoop(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	p, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	require.NoError(t, err)

	require.NoError(t, f.processor.RetryFailedPayment(ctx, p.ID))
	require.NoError(t, f.processor.RetryPluginFailure(ctx, p.ID))

	attempts, err := f.processor.GetAttempts(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.Equal(t, 1, f.plugin.callCount())
	assert.Len(t, f.bus.Events(), 1)
}

func TestRetry_UnknownPaymentIsDropped(t *testing.T) {
	f := newFixture(t, processed)
	assert.NoError(t, f.processor.RetryFailedPayment(context.Background(), uuid.New()))
	assert.Zero(t, f.plugin.callCount())
}

func TestCreatePayment_InstantTimeoutCompletesInBackground(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
		<-release
		return processed(ctx, req, call)
	}, withPluginTimeout(50*time.Millisecond))
	inv := f.invoice(t, "100")
	ctx := context.Background()

	p, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, true)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, payment.ErrPluginTimeout)
	assert.ErrorIs(t, err, async.ErrTimeout)
	assert.Contains(t, err.Error(), string(payment.StatusTimedOut))

	stored := f.onlyPayment(t, inv.ID)
	assert.Equal(t, payment.StatusUnknown, stored.Status)

	close(release)
	assert.Eventually(t, func() bool {
		got, err := f.processor.GetPayment(ctx, stored.ID)
		return err == nil && got.Status == payment.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(f.bus.Events()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, payment.EventTypePaymentInfo, f.bus.Events()[0].EventType())
}

func TestCreatePayment_BackgroundTimeoutReturnsNothing(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, func(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
		<-release
		return processed(ctx, req, call)
	}, withPluginTimeout(20*time.Millisecond))
	inv := f.invoice(t, "100")

	p, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, false)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestCreatePayment_InstantPartialAmount(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	p, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.NewFromInt(40), true)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(p.Amount))

	after, err := f.billing.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(60).Equal(after.Balance))
}

func TestCreatePayment_InstantDeclineNeverRetries(t *testing.T) {
	f := newFixture(t, declined)
	inv := f.invoice(t, "100")

	_, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, true)
	assert.ErrorIs(t, err, payment.ErrPaymentDeclined)
	assert.Equal(t, payment.StatusPaymentFailureAborted, f.onlyPayment(t, inv.ID).Status)
	assert.Empty(t, f.business.calls())
	assert.Empty(t, f.businessQueue.Pending())
}

func TestCreatePayment_PluginFaultThenRetry(t *testing.T) {
	f := newFixture(t, faulted)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	assert.ErrorIs(t, err, payment.ErrPluginFailure)
	var perr *payment.PluginAPIError
	assert.ErrorAs(t, err, &perr)

	stored := f.onlyPayment(t, inv.ID)
	assert.Equal(t, payment.StatusPluginFailure, stored.Status)
	assert.Equal(t, []int{1}, f.pluginRetry.calls())
	assert.Empty(t, f.business.calls())
	assert.Len(t, f.pluginQueue.Pending(), 1)

	errEvt, ok := f.bus.Events()[0].(*payment.PaymentErrorEvent)
	require.True(t, ok)
	assert.Contains(t, errEvt.GatewayErrorMessage, "connection reset by provider")

	// a business retry does not touch a plugin failure
	require.NoError(t, f.processor.RetryFailedPayment(ctx, stored.ID))
	assert.Equal(t, 1, f.plugin.callCount())

	f.plugin.setRespond(processed)
	require.NoError(t, f.processor.RetryPluginFailure(ctx, stored.ID))

	got, err := f.processor.GetPayment(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, got.Status)

	n, err := f.processor.GetNumberAttemptsInState(ctx, stored.ID, payment.StatusUnknown, payment.StatusPluginFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreatePayment_PluginPanicIsAFault(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
		panic("provider client bug")
	})
	inv := f.invoice(t, "100")

	_, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, false)
	assert.ErrorIs(t, err, payment.ErrPluginFailure)
	assert.Equal(t, payment.StatusPluginFailure, f.onlyPayment(t, inv.ID).Status)
	assert.False(t, f.locker.IsHeld(locker.Name(locker.AccountNamespace, f.account.ExternalKey)))
}

func TestCreatePayment_NilInfoIsAFault(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
		return nil, nil
	})
	inv := f.invoice(t, "100")

	_, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, false)
	assert.ErrorIs(t, err, payment.ErrPluginFailure)
}

func TestCreatePayment_MixedTracksCountIndependently(t *testing.T) {
	f := newFixture(t, faulted)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	require.ErrorIs(t, err, payment.ErrPluginFailure)
	id := f.onlyPayment(t, inv.ID).ID

	f.plugin.setRespond(declined)
	require.NoError(t, f.processor.RetryPluginFailure(ctx, id))

	got, err := f.processor.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaymentFailure, got.Status)
	assert.Equal(t, []int{1}, f.business.calls())
	assert.Equal(t, []int{1}, f.pluginRetry.calls())

	n, err := f.processor.GetNumberAttemptsInState(ctx, id, payment.StatusPaymentFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.processor.GetNumberAttemptsInState(ctx, id, payment.StatusPluginFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreatePayment_SchedulingErrorAborts(t *testing.T) {
	f := newFixture(t, declined, withBusinessQueue(brokenQueue{retry.NewMemoryQueue()}))
	inv := f.invoice(t, "100")

	_, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, false)
	assert.ErrorIs(t, err, payment.ErrPaymentDeclined)
	assert.Equal(t, payment.StatusPaymentFailureAborted, f.onlyPayment(t, inv.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RetriesScheduledTotal.WithLabelValues("payment_failure", "error")))
}

func TestCreatePayment_InvoiceChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("missing invoice", func(t *testing.T) {
		f := newFixture(t, processed)
		_, err := f.processor.CreatePayment(ctx, f.account, uuid.New(), decimal.Zero, false)
		assert.ErrorIs(t, err, payment.ErrNullInvoice)
		assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
	})

	t.Run("nothing owed", func(t *testing.T) {
		f := newFixture(t, processed)
		inv := f.invoice(t, "0")
		_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
		assert.ErrorIs(t, err, payment.ErrNullInvoice)
		assert.Zero(t, f.plugin.callCount())
	})

	t.Run("migration invoice is refused", func(t *testing.T) {
		f := newFixture(t, processed)
		inv := &billing.Invoice{AccountID: f.account.ID, Currency: "USD", Amount: decimal.NewFromInt(10),
			IsMigrationInvoice: true}
		require.NoError(t, f.billing.CreateInvoice(ctx, inv))

		p, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
		assert.ErrorIs(t, err, payment.ErrMigration)
		assert.Nil(t, p)
		assert.Zero(t, f.plugin.callCount())

		payments, err := f.processor.GetPaymentsForInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)
	})
}

func TestCreatePayment_NoSuchPlugin(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")
	account := *f.account
	account.PaymentProviderName = "missing"

	_, err := f.processor.CreatePayment(context.Background(), &account, inv.ID, decimal.Zero, false)
	assert.ErrorIs(t, err, payment.ErrNoSuchPlugin)
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)
}

func TestCreatePayment_AccountLockBusy(t *testing.T) {
	f := newFixture(t, processed, withLockTries(2, func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	inv := f.invoice(t, "100")
	ctx := context.Background()

	held, err := f.locker.TryLock(ctx, locker.Name(locker.AccountNamespace, f.account.ExternalKey))
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	assert.ErrorIs(t, err, payment.ErrInternal)
	assert.ErrorIs(t, err, locker.ErrLockFailed)
	assert.Zero(t, f.plugin.callCount())

	payments, err := f.processor.GetPaymentsForInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LockAcquireTotal.WithLabelValues("failed")))
}

func TestCreatePayment_SerializedPerAccount(t *testing.T) {
	var active, maxActive int32
	f := newFixture(t, func(ctx context.Context, req *plugins.PaymentRequest, call int) (*plugins.PaymentInfo, error) {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return processed(ctx, req, call)
	}, withLockTries(100, func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }))

	const n = 5
	invoices := make([]*billing.Invoice, n)
	for i := range invoices {
		invoices[i] = f.invoice(t, "10")
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.processor.CreatePayment(context.Background(), f.account, invoices[i].ID, decimal.Zero, false)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))

	payments, err := f.processor.GetPaymentsForAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.Len(t, payments, n)
	for i, p := range payments {
		assert.Equal(t, int64(i+1), p.PaymentNumber)
	}
}

func TestRetryFailedPayment_InvoicePaidElsewhere(t *testing.T) {
	f := newFixture(t, declined)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	require.ErrorIs(t, err, payment.ErrPaymentDeclined)
	id := f.onlyPayment(t, inv.ID).ID

	require.NoError(t, f.billing.NotifyOfPaymentAttempt(ctx, inv.ID, inv.Amount, "USD", uuid.New(), time.Now()))
	require.NoError(t, f.processor.RetryFailedPayment(ctx, id))

	attempts, err := f.processor.GetAttempts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.Equal(t, 1, f.plugin.callCount())
}

func TestCreatePayment_UserTokenOnEvents(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")
	token := uuid.New()

	ctx := payment.WithUserToken(context.Background(), token)
	_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	require.NoError(t, err)

	info, ok := f.bus.Events()[0].(*payment.PaymentInfoEvent)
	require.True(t, ok)
	assert.Equal(t, token, info.UserToken)
}

func TestCreatePayment_EventBusFailureDoesNotFailPayment(t *testing.T) {
	f := newFixture(t, processed)
	f.bus.Subscribe("", func(ctx context.Context, evt events.Event) error {
		return errors.New("subscriber down")
	})
	inv := f.invoice(t, "100")

	p, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, false)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, p.Status)
}

func TestNewProcessor_RequiresDependencies(t *testing.T) {
	_, err := payment.NewProcessor(payment.Dependencies{}, payment.DefaultConfig())
	assert.Error(t, err)
}

// historyStore serves a fixed attempt history
type historyStore struct {
	*memory.Store
	history []*payment.Attempt
}

func (s *historyStore) GetAttemptsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*payment.Attempt, error) {
	return s.history, nil
}

func TestGetNumberAttemptsInState_StopsAtTerminal(t *testing.T) {
	store := &historyStore{Store: memory.NewStore(), history: []*payment.Attempt{
		{Status: payment.StatusPaymentFailure},
		{Status: payment.StatusPaymentFailure},
		{Status: payment.StatusPaymentFailureAborted},
		{Status: payment.StatusPaymentFailure},
		{Status: payment.StatusUnknown},
	}}
	scheduler := retry.NewScheduler(retry.TrackPaymentFailure, retry.NewMemoryQueue(), retry.DefaultDaysPolicy())
	dispatcher := async.NewDispatcher(1, 1, nil)
	defer dispatcher.Shutdown(time.Second)

	processor, err := payment.NewProcessor(payment.Dependencies{
		Accounts:      billing.NewMemoryService(),
		Invoices:      billing.NewMemoryService(),
		Store:         store,
		Plugins:       plugins.NewRegistry("", nil),
		Locker:        locker.NewMemoryLocker(),
		Dispatcher:    dispatcher,
		BusinessRetry: scheduler,
		PluginRetry:   scheduler,
		Bus:           events.NewMemoryBus(),
	}, payment.DefaultConfig())
	require.NoError(t, err)

	n, err := processor.GetNumberAttemptsInState(context.Background(), uuid.New(),
		payment.StatusUnknown, payment.StatusPaymentFailure)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = processor.GetNumberAttemptsInState(context.Background(), uuid.New(), payment.StatusPaymentFailureAborted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreatePayment_TransientStoreFailureIsRetried(t *testing.T) {
	f := newFixture(t, processed)
	inv := f.invoice(t, "100")
	f.faults.failUpdates.Store(2)

	p, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, false)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, p.Status)
	assert.Zero(t, f.faults.failUpdates.Load())

	attempts, err := f.processor.GetAttempts(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, payment.StatusSuccess, attempts[0].Status)
	assert.Empty(t, f.business.calls())
	assert.Empty(t, f.pluginRetry.calls())
}

func TestCreatePayment_UnrecordedDeclineIsResolvedByPluginRetry(t *testing.T) {
	f := newFixture(t, declined)
	inv := f.invoice(t, "100")
	ctx := context.Background()
	f.faults.failUpdates.Store(10)

	_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	assert.ErrorIs(t, err, payment.ErrInternal)
	assert.Equal(t, int32(7), f.faults.failUpdates.Load(), "three tries of the status write")

	p := f.onlyPayment(t, inv.ID)
	assert.Equal(t, payment.StatusUnknown, p.Status)
	assert.Equal(t, []int{1}, f.business.calls())
	assert.Equal(t, []int{1}, f.pluginRetry.calls())
	require.Len(t, f.pluginQueue.Pending(), 1)
	assert.Equal(t, []string{payment.EventTypePaymentError}, f.eventTypes())

	f.faults.failUpdates.Store(0)
	f.plugin.setRespond(processed)
	require.NoError(t, f.processor.RetryPluginFailure(ctx, p.ID))

	attempts, err := f.processor.GetAttempts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, payment.StatusPluginFailure, attempts[0].Status)
	assert.Equal(t, "attempt outcome was not recorded", attempts[0].GatewayErrorMessage)
	assert.Equal(t, payment.StatusSuccess, attempts[1].Status)

	paid, err := f.processor.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, paid.Status)

	// the business retry queued before the write failed finds nothing left to do
	require.NoError(t, f.processor.RetryFailedPayment(ctx, p.ID))
	assert.Equal(t, 2, f.plugin.callCount())
}

func TestCreatePayment_UnrecordedInstantPaymentIsNotRetried(t *testing.T) {
	f := newFixture(t, faulted)
	inv := f.invoice(t, "100")
	f.faults.failUpdates.Store(3)

	_, err := f.processor.CreatePayment(context.Background(), f.account, inv.ID, decimal.Zero, true)
	assert.ErrorIs(t, err, payment.ErrInternal)

	p := f.onlyPayment(t, inv.ID)
	assert.Equal(t, payment.StatusUnknown, p.Status)
	assert.Empty(t, f.pluginRetry.calls())
	assert.Empty(t, f.pluginQueue.Pending())
}

func TestRetryPluginFailure_AdoptsUnrecordedAttempt(t *testing.T) {
	f := newFixture(t, declined)
	inv := f.invoice(t, "100")
	ctx := context.Background()

	_, err := f.processor.CreatePayment(ctx, f.account, inv.ID, decimal.Zero, false)
	require.ErrorIs(t, err, payment.ErrPaymentDeclined)
	p := f.onlyPayment(t, inv.ID)
	require.Equal(t, payment.StatusPaymentFailure, p.Status)

	// the business retry hits a plugin fault whose outcome cannot be written
	f.plugin.setRespond(faulted)
	f.faults.failUpdates.Store(3)
	require.NoError(t, f.processor.RetryFailedPayment(ctx, p.ID))
	assert.Equal(t, []int{1}, f.pluginRetry.calls())

	stuck, err := f.processor.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaymentFailure, stuck.Status)

	f.plugin.setRespond(processed)
	require.NoError(t, f.processor.RetryPluginFailure(ctx, p.ID))

	attempts, err := f.processor.GetAttempts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, payment.StatusPaymentFailure, attempts[0].Status)
	assert.Equal(t, payment.StatusPluginFailure, attempts[1].Status)
	assert.Equal(t, payment.StatusSuccess, attempts[2].Status)
}
