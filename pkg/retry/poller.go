package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/async"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/robfig/cron/v3"
)

// Handler re-runs a payment; a non-nil error triggers redelivery
type Handler func(ctx context.Context, paymentID uuid.UUID) error

// PollerConfig configures a Poller
type PollerConfig struct {
	// Schedule is a cron spec, e.g. "@every 30s"
	Schedule        string
	BatchSize       int
	Workers         int
	RedeliveryDelay time.Duration
	// HandlerTimeout bounds a single delivery
	HandlerTimeout time.Duration
}

// DefaultPollerConfig returns the default poller configuration
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Schedule:        "@every 30s",
		BatchSize:       100,
		Workers:         4,
		RedeliveryDelay: time.Minute,
		HandlerTimeout:  2 * time.Minute,
	}
}

// Poller claims due notifications and delivers them to per-track handlers
type Poller struct {
	queue    Queue
	config   PollerConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	cron     *cron.Cron
	mu       sync.RWMutex
	handlers map[Track]Handler
}

// NewPoller creates a poller over queue
func NewPoller(queue Queue, config PollerConfig, logger *observability.Logger, metrics *observability.Metrics) *Poller {
	def := DefaultPollerConfig()
	if config.Schedule == "" {
		config.Schedule = def.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.RedeliveryDelay <= 0 {
		config.RedeliveryDelay = def.RedeliveryDelay
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = def.HandlerTimeout
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	return &Poller{
		queue:    queue,
		config:   config,
		logger:   logger.WithField("component", "retry_poller"),
		metrics:  metrics,
		now:      time.Now,
		handlers: make(map[Track]Handler),
	}
}

// Handle registers the handler for a track
func (p *Poller) Handle(track Track, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[track] = h
}

// Start schedules polling; overlapping runs are skipped
func (p *Poller) Start(ctx context.Context) error {
	logger := cronLogger{p.logger}
	p.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := p.cron.AddFunc(p.config.Schedule, func() {
		if _, err := p.PollOnce(ctx); err != nil {
			p.logger.WithError(err).Error("Retry poll failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.config.Schedule, err)
	}

	p.cron.Start()
	p.logger.Infof("Retry poller started with schedule %s", p.config.Schedule)
	return nil
}

// Stop stops scheduling and waits for a running poll to finish or ctx to expire
func (p *Poller) Stop(ctx context.Context) error {
	if p.cron == nil {
		return nil
	}
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollOnce claims one batch of due notifications and delivers it.
// It returns the number of notifications delivered successfully.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	batch, err := p.queue.Claim(ctx, p.now(), p.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	errs := async.Batch(ctx, batch, p.config.Workers, p.deliver)
	return len(batch) - len(errs), errors.Join(errs...)
}

func (p *Poller) deliver(ctx context.Context, n *Notification) error {
	logger := p.logger.WithFields(map[string]interface{}{
		"notification_id": n.ID.String(),
		"payment_id":      n.PaymentID.String(),
		"track":           string(n.Track),
		"deliveries":      n.Deliveries,
	})

	p.mu.RLock()
	h, ok := p.handlers[n.Track]
	p.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("no handler for track %q", n.Track)
		p.release(ctx, n, err, logger)
		return err
	}

	hctx := observability.WithCorrelationID(observability.WithLogger(ctx, logger), "retry-"+n.ID.String())
	hctx, cancel := context.WithTimeout(hctx, p.config.HandlerTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if perr := observability.MustRecover(recover()); perr != nil {
				err = perr
			}
		}()
		return h(hctx, n.PaymentID)
	}()
	if err != nil {
		logger.WithError(err).Warn("Retry delivery failed, releasing for redelivery")
		p.release(ctx, n, err, logger)
		return err
	}

	if err := p.queue.Complete(ctx, n.ID); err != nil {
		logger.WithError(err).Error("Failed to complete retry notification")
		p.recordDelivery(n.Track, "complete_error")
		return err
	}
	p.recordDelivery(n.Track, "delivered")
	return nil
}

func (p *Poller) release(ctx context.Context, n *Notification, cause error, logger *observability.Logger) {
	p.recordDelivery(n.Track, "failed")
	if err := p.queue.Release(ctx, n.ID, p.now().Add(p.config.RedeliveryDelay), cause); err != nil {
		logger.WithError(err).Error("Failed to release retry notification")
	}
}

func (p *Poller) recordDelivery(track Track, result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.RetryDeliveriesTotal.WithLabelValues(string(track), result).Inc()
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
