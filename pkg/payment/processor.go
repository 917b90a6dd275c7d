package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/async"
	"github.com/platinummonkey/paycore/pkg/billing"
	"github.com/platinummonkey/paycore/pkg/events"
	"github.com/platinummonkey/paycore/pkg/locker"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/plugins"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/platinummonkey/paycore/pkg/payment"

var (
	businessRetryStatuses = []Status{StatusUnknown, StatusPaymentFailure}
	pluginRetryStatuses   = []Status{StatusUnknown, StatusPluginFailure}
)

// storeRetries bounds the extra tries of a store write after the plugin answered
const storeRetries = 2

const unrecordedMessage = "attempt outcome was not recorded"

var (
	// errUnrecorded marks an attempt whose outcome could not be stored
	errUnrecorded = errors.New("attempt outcome not recorded")
	// errRecoveryQueued marks an unrecorded attempt handed to the plugin retry track
	errRecoveryQueued = errors.New("plugin retry queued to resolve attempt")
)

// Config tunes the Processor
type Config struct {
	// PluginTimeout bounds how long a caller waits for the locked plugin call
	PluginTimeout time.Duration
	// LockMaxTries bounds account lock acquisition attempts
	LockMaxTries int
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() Config {
	return Config{
		PluginTimeout: 30 * time.Second,
		LockMaxTries:  5,
	}
}

// Dependencies are the collaborators a Processor needs. Metrics is optional.
type Dependencies struct {
	Accounts      billing.AccountLookup
	Invoices      billing.InvoiceLookup
	Store         Store
	Plugins       *plugins.Registry
	Locker        locker.Locker
	Dispatcher    *async.Dispatcher
	BusinessRetry RetryScheduler
	PluginRetry   RetryScheduler
	Bus           events.Bus
	Logger        *observability.Logger
	Metrics       *observability.Metrics
}

// Option configures a Processor
type Option func(*Processor)

// WithLockOptions passes options to every account lock acquisition
func WithLockOptions(opts ...locker.Option) Option {
	return func(p *Processor) {
		p.lockOpts = append(p.lockOpts, opts...)
	}
}

// WithStoreBackOff sets the delays between tries of a store write made after the
// plugin answered.
func WithStoreBackOff(fn func() backoff.BackOff) Option {
	return func(p *Processor) {
		p.storeBackOff = fn
	}
}

func defaultStoreBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

// Processor is the payment state machine
type Processor struct {
	Dependencies
	config       Config
	tracer       trace.Tracer
	lockOpts     []locker.Option
	storeBackOff func() backoff.BackOff
}

// NewProcessor validates deps and creates a Processor
func NewProcessor(deps Dependencies, config Config, opts ...Option) (*Processor, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("payment processor requires an account lookup")
	case deps.Invoices == nil:
		return nil, errors.New("payment processor requires an invoice lookup")
	case deps.Store == nil:
		return nil, errors.New("payment processor requires a store")
	case deps.Plugins == nil:
		return nil, errors.New("payment processor requires a plugin registry")
	case deps.Locker == nil:
		return nil, errors.New("payment processor requires a locker")
	case deps.Dispatcher == nil:
		return nil, errors.New("payment processor requires a dispatcher")
	case deps.BusinessRetry == nil || deps.PluginRetry == nil:
		return nil, errors.New("payment processor requires both retry schedulers")
	case deps.Bus == nil:
		return nil, errors.New("payment processor requires an event bus")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	def := DefaultConfig()
	if config.PluginTimeout <= 0 {
		config.PluginTimeout = def.PluginTimeout
	}
	if config.LockMaxTries <= 0 {
		config.LockMaxTries = def.LockMaxTries
	}

	p := &Processor{
		Dependencies: deps,
		config:       config,
		tracer:       otel.Tracer(tracerName),
		storeBackOff: defaultStoreBackOff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// CreatePayment charges invoiceID for account.
//
// Instant payments charge amount, or the invoice balance when amount is zero, and
// never schedule retries. Other payments charge the invoice balance. A migration
// invoice is refused with CodeMigration. A background payment whose plugin call
// outlives the timeout returns (nil, nil).
func (p *Processor) CreatePayment(ctx context.Context, account *billing.Account, invoiceID uuid.UUID,
	amount decimal.Decimal, isInstant bool) (*Payment, error) {

	ctx, span := p.tracer.Start(ctx, "payment.CreatePayment", trace.WithAttributes(
		attribute.String("account.key", account.ExternalKey),
		attribute.String("invoice.id", invoiceID.String()),
		attribute.Bool("payment.instant", isInstant),
	))
	defer span.End()

	logger := p.Logger.WithContext(ctx).WithFields(map[string]interface{}{
		"account_key": account.ExternalKey,
		"invoice_id":  invoiceID.String(),
		"instant":     isInstant,
	})
	ctx = observability.WithLogger(ctx, logger)

	invoice, err := p.Invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			return nil, p.fail(span, newAPIError(CodeNullInvoice, uuid.Nil, err, "invoice %s", invoiceID))
		}
		return nil, p.fail(span, newAPIError(CodeInternal, uuid.Nil, err, "failed to fetch invoice %s", invoiceID))
	}

	if invoice.IsMigrationInvoice {
		return nil, p.fail(span, newAPIError(CodeMigration, uuid.Nil, nil, "invoice %s is a migration invoice", invoiceID))
	}
	if !invoice.Balance.IsPositive() {
		return nil, p.fail(span, newAPIError(CodeNullInvoice, uuid.Nil, nil,
			"invoice %s has balance %s", invoiceID, invoice.Balance))
	}

	requested := invoice.Balance
	if isInstant && !amount.IsZero() {
		if amount.IsNegative() || amount.GreaterThan(invoice.Balance) {
			return nil, p.fail(span, newAPIError(CodeAmountDenied, uuid.Nil, nil,
				"amount %s for invoice %s with balance %s", amount, invoiceID, invoice.Balance))
		}
		requested = amount
	}

	plugin, err := p.Plugins.Resolve(account.PaymentProviderName)
	if err != nil {
		return nil, p.fail(span, newAPIError(CodeNoSuchPlugin, uuid.Nil, err,
			"provider %q for account %s", account.PaymentProviderName, account.ExternalKey))
	}

	payment, err := async.Dispatch(ctx, p.Dispatcher, p.config.PluginTimeout, func(ctx context.Context) (*Payment, error) {
		return p.withAccountLock(ctx, account, func(ctx context.Context) (*Payment, error) {
			payment, attempt, err := p.insertPaymentWithAttempt(ctx, account, invoice, requested, plugin.Name())
			if err != nil {
				return nil, err
			}
			return p.processAttempt(ctx, account, plugin, payment, attempt, isInstant)
		})
	})
	if err != nil {
		return nil, p.fail(span, p.dispatchError(ctx, err, isInstant))
	}
	return payment, nil
}

// RetryFailedPayment re-charges a payment after a business decline.
// It is a no-op unless the payment is UNKNOWN or PAYMENT_FAILURE.
func (p *Processor) RetryFailedPayment(ctx context.Context, paymentID uuid.UUID) error {
	return p.retry(ctx, "payment_failure", paymentID, businessRetryStatuses, false)
}

// RetryPluginFailure re-charges a payment after a plugin fault.
// It is a no-op unless the payment is UNKNOWN or PLUGIN_FAILURE, or is not terminal
// and has an attempt whose outcome was never recorded.
func (p *Processor) RetryPluginFailure(ctx context.Context, paymentID uuid.UUID) error {
	return p.retry(ctx, "plugin_failure", paymentID, pluginRetryStatuses, true)
}

// retry returns nil once the attempt outcome is persisted, whatever it was.
// Errors are returned only when nothing was persisted, so the delivery is retried.
func (p *Processor) retry(ctx context.Context, track string, paymentID uuid.UUID, expected []Status,
	adoptUnrecorded bool) error {
	ctx, span := p.tracer.Start(ctx, "payment.Retry", trace.WithAttributes(
		attribute.String("payment.id", paymentID.String()),
		attribute.String("retry.track", track),
	))
	defer span.End()

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"payment_id": paymentID.String(),
		"track":      track,
	})
	ctx = observability.WithLogger(ctx, logger)

	payment, err := p.Store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			logger.Error("Retry for unknown payment, dropping")
			return nil
		}
		return p.failErr(span, fmt.Errorf("failed to fetch payment %s: %w", paymentID, err))
	}
	due, err := p.dueForRetry(ctx, payment, expected, adoptUnrecorded)
	if err != nil {
		return p.failErr(span, err)
	}
	if !due {
		logger.WithField("status", string(payment.Status)).Info("Payment no longer needs this retry, skipping")
		return nil
	}

	account, err := p.Accounts.GetAccountByID(ctx, payment.AccountID)
	if err != nil {
		return p.failErr(span, fmt.Errorf("failed to fetch account %s: %w", payment.AccountID, err))
	}
	plugin, err := p.Plugins.Resolve(account.PaymentProviderName)
	if err != nil {
		return p.failErr(span, fmt.Errorf("failed to resolve plugin for account %s: %w", account.ExternalKey, err))
	}
	logger = logger.WithField("account_key", account.ExternalKey)
	ctx = observability.WithLogger(ctx, logger)

	_, err = async.Dispatch(ctx, p.Dispatcher, p.config.PluginTimeout, func(ctx context.Context) (*Payment, error) {
		return p.withAccountLock(ctx, account, func(ctx context.Context) (*Payment, error) {
			payment, err := p.Store.GetPayment(ctx, paymentID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch payment %s: %w", paymentID, err)
			}
			due, err := p.dueForRetry(ctx, payment, expected, adoptUnrecorded)
			if err != nil {
				return nil, err
			}
			if !due {
				logger.WithField("status", string(payment.Status)).Info("Payment changed before retry acquired the lock, skipping")
				return nil, nil
			}
			if err := p.resolveUnrecorded(ctx, payment); err != nil {
				return nil, err
			}

			invoice, err := p.Invoices.GetInvoice(ctx, payment.InvoiceID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch invoice %s: %w", payment.InvoiceID, err)
			}
			if invoice.IsMigrationInvoice {
				logger.Warn("Refusing to retry a payment on a migration invoice")
				return nil, nil
			}
			if !invoice.Balance.IsPositive() {
				logger.WithField("balance", invoice.Balance.String()).Info("Invoice already paid, skipping retry")
				return nil, nil
			}

			attempt := newAttempt(payment, invoice.Balance)
			if err := p.Store.InsertNewAttemptForPayment(ctx, payment.ID, attempt); err != nil {
				return nil, fmt.Errorf("failed to insert attempt for payment %s: %w", payment.ID, err)
			}
			return p.processAttempt(ctx, account, plugin, payment, attempt, false)
		})
	})
	if err == nil {
		return nil
	}

	var apiErr *PaymentAPIError
	switch {
	case errors.Is(err, async.ErrTimeout):
		logger.Warn("Retry plugin call still running after timeout, its completion will update the payment")
		return nil
	case errors.Is(err, errRecoveryQueued):
		logger.WithError(err).Warn("Retry outcome not recorded, a plugin retry will resolve it")
		return nil
	case errors.As(err, &apiErr) && (apiErr.Code == CodePaymentDeclined || apiErr.Code == CodePluginFailure):
		logger.WithError(err).Info("Retry attempt failed")
		return nil
	default:
		return p.failErr(span, err)
	}
}

// GetNumberAttemptsInState counts attempts whose status is one of states.
// Counting stops at the first terminal attempt.
func (p *Processor) GetNumberAttemptsInState(ctx context.Context, paymentID uuid.UUID, states ...Status) (int, error) {
	attempts, err := p.Store.GetAttemptsForPayment(ctx, paymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch attempts for payment %s: %w", paymentID, err)
	}

	count := 0
	for _, a := range attempts {
		if a.Status.in(states) {
			count++
		}
		if a.Status.IsTerminal() {
			break
		}
	}
	return count, nil
}

// GetPayment returns the payment with id, or ErrPaymentNotFound
func (p *Processor) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return p.Store.GetPayment(ctx, id)
}

// GetAttempts lists the attempts of a payment in creation order
func (p *Processor) GetAttempts(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error) {
	return p.Store.GetAttemptsForPayment(ctx, paymentID)
}

// GetPaymentsForAccount lists the payments of an account by payment number
func (p *Processor) GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Payment, error) {
	return p.Store.GetPaymentsForAccount(ctx, accountID)
}

// GetPaymentsForInvoice lists the payments made against an invoice by payment number
func (p *Processor) GetPaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	return p.Store.GetPaymentsForInvoice(ctx, invoiceID)
}

// GetPaymentsInStatus lists payments currently in one of statuses, for operators
// looking for payments that are still failing or were never resolved.
func (p *Processor) GetPaymentsInStatus(ctx context.Context, statuses ...Status) ([]*Payment, error) {
	return p.Store.GetPaymentsInStatus(ctx, statuses...)
}

func (p *Processor) withAccountLock(ctx context.Context, account *billing.Account,
	fn func(context.Context) (*Payment, error)) (*Payment, error) {

	payment, err := locker.WithLock(ctx, p.Locker, locker.AccountNamespace, account.ExternalKey, p.config.LockMaxTries,
		func(ctx context.Context) (*Payment, error) {
			p.recordLock("acquired")
			return fn(ctx)
		}, p.lockOpts...)
	if errors.Is(err, locker.ErrLockFailed) {
		p.recordLock("failed")
	}
	return payment, err
}

func (p *Processor) insertPaymentWithAttempt(ctx context.Context, account *billing.Account, invoice *billing.Invoice,
	requested decimal.Decimal, pluginName string) (*Payment, *Attempt, error) {

	now := time.Now().UTC()
	payment := &Payment{
		ID:            uuid.New(),
		AccountID:     account.ID,
		InvoiceID:     invoice.ID,
		Currency:      invoice.Currency,
		Amount:        requested,
		PaidAmount:    decimal.Zero,
		EffectiveDate: now,
		PluginName:    pluginName,
		Status:        StatusUnknown,
	}
	attempt := newAttempt(payment, requested)

	if err := p.Store.InsertPaymentWithAttempt(ctx, payment, attempt); err != nil {
		return nil, nil, fmt.Errorf("failed to insert payment for invoice %s: %w", invoice.ID, err)
	}
	return payment, attempt, nil
}

func newAttempt(payment *Payment, requested decimal.Decimal) *Attempt {
	return &Attempt{
		ID:              uuid.New(),
		PaymentID:       payment.ID,
		AccountID:       payment.AccountID,
		InvoiceID:       payment.InvoiceID,
		EffectiveDate:   time.Now().UTC(),
		RequestedAmount: requested,
		Status:          StatusUnknown,
	}
}

// processAttempt calls the plugin for a freshly inserted attempt and persists the
// outcome. Exactly one event is posted per call.
func (p *Processor) processAttempt(ctx context.Context, account *billing.Account, plugin plugins.PaymentPlugin,
	payment *Payment, attempt *Attempt, isInstant bool) (result *Payment, err error) {

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"payment_id": payment.ID.String(),
		"attempt_id": attempt.ID.String(),
		"plugin":     plugin.Name(),
	})
	ctx = observability.WithLogger(ctx, logger)

	start := time.Now()
	var evt events.Event
	gatewayMessage := ""
	defer func() {
		if evt == nil {
			if gatewayMessage == "" && err != nil {
				gatewayMessage = err.Error()
			}
			evt = &PaymentErrorEvent{
				AccountID:           payment.AccountID,
				InvoiceID:           payment.InvoiceID,
				PaymentID:           payment.ID,
				AttemptID:           attempt.ID,
				GatewayErrorMessage: gatewayMessage,
				UserToken:           UserToken(ctx),
			}
		}
		p.post(ctx, evt)
		if p.Metrics != nil {
			p.Metrics.PaymentDuration.WithLabelValues(plugin.Name()).Observe(time.Since(start).Seconds())
		}
	}()

	info, callErr := p.callPlugin(ctx, plugin, &plugins.PaymentRequest{
		AccountKey:         account.ExternalKey,
		ProviderCustomerID: account.ProviderCustomerID,
		PaymentMethodID:    account.PaymentMethodID,
		PaymentID:          payment.ID,
		AttemptID:          attempt.ID,
		Amount:             attempt.RequestedAmount,
		Currency:           payment.Currency,
		Description:        fmt.Sprintf("Invoice %s", payment.InvoiceID),
	})
	outcome := Classify(plugin.Name(), info, callErr)

	switch outcome.Kind {
	case OutcomeSuccess:
		info := outcome.Info
		update := StatusUpdate{
			PaymentID:           payment.ID,
			AttemptID:           attempt.ID,
			Status:              StatusSuccess,
			PaidAmount:          attempt.RequestedAmount,
			GatewayErrorCode:    info.GatewayErrorCode,
			GatewayErrorMessage: info.GatewayError,
		}
		err := p.withStoreRetry(ctx, func() error {
			return p.Store.UpdateStatusForPaymentWithAttempt(ctx, update)
		})
		if err != nil {
			logger.WithError(err).Error("Charge succeeded but its status could not be persisted")
			return nil, fmt.Errorf("failed to persist successful payment %s: %w", payment.ID, err)
		}
		payment.Status = StatusSuccess
		payment.PaidAmount = attempt.RequestedAmount
		attempt.Status = StatusSuccess
		p.recordPayment(plugin.Name(), StatusSuccess)

		if err := p.Invoices.NotifyOfPaymentAttempt(ctx, payment.InvoiceID, attempt.RequestedAmount,
			payment.Currency, attempt.ID, attempt.EffectiveDate); err != nil {
			logger.WithError(err).Error("Failed to notify invoice of successful payment")
		}

		evt = &PaymentInfoEvent{
			AccountID:     payment.AccountID,
			InvoiceID:     payment.InvoiceID,
			PaymentID:     payment.ID,
			AttemptID:     attempt.ID,
			Amount:        attempt.RequestedAmount,
			PaymentNumber: payment.PaymentNumber,
			Status:        StatusSuccess,
			ReferenceID:   info.ReferenceID,
			UserToken:     UserToken(ctx),
			EffectiveDate: attempt.EffectiveDate,
		}
		logger.Info("Payment succeeded")
		return payment, nil

	case OutcomeDeclined:
		info := outcome.Info
		gatewayMessage = info.GatewayError
		status, err := p.failureStatus(ctx, payment.ID, isInstant, p.BusinessRetry,
			businessRetryStatuses, StatusPaymentFailure, StatusPaymentFailureAborted)
		if err == nil {
			err = p.persistFailure(ctx, payment, attempt, status, info.GatewayErrorCode, info.GatewayError)
		}
		if err != nil {
			return nil, p.recoverUnrecorded(ctx, payment, isInstant, status, err)
		}
		p.recordPayment(plugin.Name(), status)
		logger.WithFields(map[string]interface{}{
			"status":             string(status),
			"gateway_error_code": info.GatewayErrorCode,
		}).Warn("Payment declined")
		return nil, newAPIError(CodePaymentDeclined, payment.ID, nil,
			"payment %s declined: %s", payment.ID, info.GatewayError)

	default:
		gatewayMessage = outcome.Err.Error()
		status, err := p.failureStatus(ctx, payment.ID, isInstant, p.PluginRetry,
			pluginRetryStatuses, StatusPluginFailure, StatusPluginFailureAborted)
		if err == nil {
			err = p.persistFailure(ctx, payment, attempt, status, "", gatewayMessage)
		}
		if err != nil {
			return nil, p.recoverUnrecorded(ctx, payment, isInstant, status, err)
		}
		p.recordPayment(plugin.Name(), status)
		logger.WithField("status", string(status)).WithError(outcome.Err).Error("Payment plugin failed")
		return nil, newAPIError(CodePluginFailure, payment.ID, outcome.Err, "payment %s", payment.ID)
	}
}

// failureStatus decides between the retryable status and the aborted one.
// A scheduling error is logged and treated as not scheduled.
func (p *Processor) failureStatus(ctx context.Context, paymentID uuid.UUID, isInstant bool, scheduler RetryScheduler,
	counted []Status, retryable, aborted Status) (Status, error) {

	if isInstant {
		return aborted, nil
	}

	var n int
	err := p.withStoreRetry(ctx, func() (err error) {
		n, err = p.GetNumberAttemptsInState(ctx, paymentID, counted...)
		return err
	})
	if err != nil {
		return "", err
	}

	scheduled, err := scheduler.ScheduleRetry(ctx, paymentID, n)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("Failed to schedule retry, aborting payment")
		return aborted, nil
	}
	if scheduled {
		return retryable, nil
	}
	return aborted, nil
}

func (p *Processor) persistFailure(ctx context.Context, payment *Payment, attempt *Attempt, status Status,
	gatewayCode, gatewayMessage string) error {

	update := StatusUpdate{
		PaymentID:           payment.ID,
		AttemptID:           attempt.ID,
		Status:              status,
		PaidAmount:          decimal.Zero,
		GatewayErrorCode:    gatewayCode,
		GatewayErrorMessage: gatewayMessage,
	}
	err := p.withStoreRetry(ctx, func() error {
		return p.Store.UpdateStatusForPaymentWithAttempt(ctx, update)
	})
	if err != nil {
		return fmt.Errorf("failed to persist status %s for payment %s: %w", status, payment.ID, err)
	}
	payment.Status = status
	attempt.Status = status
	attempt.GatewayErrorCode = gatewayCode
	attempt.GatewayErrorMessage = gatewayMessage
	return nil
}

// withStoreRetry runs a store operation, trying again after transient failures.
// Missing and terminal payments are not retried.
func (p *Processor) withStoreRetry(ctx context.Context, op func() error) error {
	try := func() error {
		err := op()
		if errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrTerminalPayment) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.storeBackOff(), storeRetries), ctx)
	return backoff.Retry(try, b)
}

// recoverUnrecorded handles an attempt whose outcome could not be stored after the
// plugin answered. Unless a plugin retry is already queued, one is scheduled; that
// retry resolves the attempt as a plugin failure before charging again. Instant
// payments are never retried, so their attempt stays UNKNOWN.
func (p *Processor) recoverUnrecorded(ctx context.Context, payment *Payment, isInstant bool,
	decided Status, cause error) error {

	logger := observability.FromContext(ctx).WithError(cause)
	err := fmt.Errorf("payment %s: %w: %w", payment.ID, errUnrecorded, cause)

	if isInstant {
		logger.Error("Instant payment outcome was not recorded, attempt left UNKNOWN")
		return err
	}
	if decided == StatusPluginFailure {
		logger.Error("Payment outcome was not recorded, the queued plugin retry will resolve it")
		return fmt.Errorf("%w: %w", errRecoveryQueued, err)
	}

	var n int
	countErr := p.withStoreRetry(ctx, func() (err error) {
		n, err = p.GetNumberAttemptsInState(ctx, payment.ID, pluginRetryStatuses...)
		return err
	})
	if countErr != nil {
		logger.WithField("count_error", countErr.Error()).Error("Payment outcome was not recorded and no retry could be scheduled")
		return err
	}
	scheduled, schedErr := p.PluginRetry.ScheduleRetry(ctx, payment.ID, n)
	if schedErr != nil || !scheduled {
		logger.WithField("attempts", n).Error("Payment outcome was not recorded and no retry could be scheduled")
		return err
	}
	logger.WithField("attempts", n).Warn("Payment outcome was not recorded, plugin retry scheduled")
	return fmt.Errorf("%w: %w", errRecoveryQueued, err)
}

// dueForRetry reports whether a retry on this track should charge payment again.
// With adoptUnrecorded, a non-terminal payment holding an attempt whose outcome was
// never recorded is also due.
func (p *Processor) dueForRetry(ctx context.Context, payment *Payment, expected []Status,
	adoptUnrecorded bool) (bool, error) {

	if payment.Status.in(expected) {
		return true, nil
	}
	if !adoptUnrecorded || payment.Status.IsTerminal() {
		return false, nil
	}
	attempts, err := p.Store.GetAttemptsForPayment(ctx, payment.ID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch attempts for payment %s: %w", payment.ID, err)
	}
	for _, a := range attempts {
		if a.Status == StatusUnknown {
			return true, nil
		}
	}
	return false, nil
}

// resolveUnrecorded marks attempts left UNKNOWN by an earlier run as plugin
// failures. It runs under the account lock, so none of them is still in flight.
func (p *Processor) resolveUnrecorded(ctx context.Context, payment *Payment) error {
	attempts, err := p.Store.GetAttemptsForPayment(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch attempts for payment %s: %w", payment.ID, err)
	}
	for _, a := range attempts {
		if a.Status != StatusUnknown {
			continue
		}
		err := p.Store.UpdateStatusForPaymentWithAttempt(ctx, StatusUpdate{
			PaymentID:           payment.ID,
			AttemptID:           a.ID,
			Status:              StatusPluginFailure,
			PaidAmount:          decimal.Zero,
			GatewayErrorMessage: unrecordedMessage,
		})
		if err != nil {
			return fmt.Errorf("failed to resolve attempt %s: %w", a.ID, err)
		}
		payment.Status = StatusPluginFailure
		observability.FromContext(ctx).WithField("attempt_id", a.ID.String()).
			Warn("Resolved unrecorded attempt as a plugin failure")
	}
	return nil
}

// callPlugin invokes the plugin, converting a panic into an error
func (p *Processor) callPlugin(ctx context.Context, plugin plugins.PaymentPlugin,
	req *plugins.PaymentRequest) (info *plugins.PaymentInfo, err error) {

	ctx, span := p.tracer.Start(ctx, "payment.plugin.ProcessPayment", trace.WithAttributes(
		attribute.String("plugin.name", plugin.Name()),
		attribute.String("attempt.id", req.AttemptID.String()),
	))
	start := time.Now()
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			info, err = nil, perr
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.Metrics != nil {
			p.Metrics.PluginCallDuration.WithLabelValues(plugin.Name(), outcome).Observe(time.Since(start).Seconds())
		}
		span.End()
	}()

	return plugin.ProcessPayment(ctx, req)
}

// dispatchError maps a failed dispatch of the locked body to the caller's error
func (p *Processor) dispatchError(ctx context.Context, err error, isInstant bool) error {
	logger := observability.FromContext(ctx)

	var apiErr *PaymentAPIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, async.ErrTimeout):
		if !isInstant {
			logger.Warn("Payment plugin call still running after timeout, its completion will update the payment")
			return nil
		}
		return newAPIError(CodePluginTimeout, uuid.Nil, err,
			"no answer within %s, status %s", p.config.PluginTimeout, StatusTimedOut)
	case errors.Is(err, locker.ErrLockFailed):
		return newAPIError(CodeInternal, uuid.Nil, err, "account is busy")
	case errors.Is(err, async.ErrSaturated), errors.Is(err, async.ErrShutdown):
		return newAPIError(CodeInternal, uuid.Nil, err, "payment workers unavailable")
	default:
		return newAPIError(CodeInternal, uuid.Nil, err, "payment processing failed")
	}
}

func (p *Processor) post(ctx context.Context, evt events.Event) {
	if err := p.Bus.Post(ctx, evt); err != nil {
		observability.FromContext(ctx).
			WithField("event_type", evt.EventType()).
			WithError(err).
			Error("Failed to post payment event")
	}
}

// fail records a caller-visible error on the span and in metrics. A nil error passes through.
func (p *Processor) fail(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *PaymentAPIError
	if p.Metrics != nil && errors.As(err, &apiErr) {
		p.Metrics.PaymentErrorsTotal.WithLabelValues(string(apiErr.Code)).Inc()
	}
	return p.failErr(span, err)
}

func (p *Processor) failErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (p *Processor) recordPayment(plugin string, status Status) {
	if p.Metrics != nil {
		p.Metrics.PaymentsTotal.WithLabelValues(plugin, string(status)).Inc()
	}
}

func (p *Processor) recordLock(result string) {
	if p.Metrics != nil {
		p.Metrics.LockAcquireTotal.WithLabelValues(result).Inc()
	}
}
