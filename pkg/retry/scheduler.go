package retry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/observability"
)

// Scheduler durably schedules retries for a single track
type Scheduler struct {
	track   Track
	queue   Queue
	policy  atomic.Pointer[policyHolder]
	metrics *observability.Metrics
	now     func() time.Time
}

type policyHolder struct {
	Policy
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerMetrics records scheduling decisions
func WithSchedulerMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock overrides the time source used to compute fire times
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler for track backed by queue
func NewScheduler(track Track, queue Queue, policy Policy, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		track: track,
		queue: queue,
		now:   time.Now,
	}
	s.policy.Store(&policyHolder{policy})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track returns the track this scheduler serves
func (s *Scheduler) Track() Track {
	return s.track
}

// Policy returns the active policy
func (s *Scheduler) Policy() Policy {
	return s.policy.Load().Policy
}

// SetPolicy swaps the policy; in-flight calls finish with the old one
func (s *Scheduler) SetPolicy(p Policy) {
	s.policy.Store(&policyHolder{p})
}

// ScheduleRetry enqueues a retry for paymentID after attemptNumber failed attempts.
// It returns false without enqueueing once attemptNumber reaches the policy maximum.
// An enqueue failure returns false with the error.
func (s *Scheduler) ScheduleRetry(ctx context.Context, paymentID uuid.UUID, attemptNumber int) (bool, error) {
	policy := s.Policy()
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"track":      string(s.track),
		"payment_id": paymentID.String(),
		"attempt":    attemptNumber,
	})

	if attemptNumber >= policy.MaxAttempts() {
		logger.Infof("Max attempts %d reached, not scheduling retry", policy.MaxAttempts())
		s.record("exhausted")
		return false, nil
	}

	fireAt := s.now().Add(policy.NextRetryDelay(attemptNumber))
	n := NewNotification(s.track, paymentID, attemptNumber, fireAt)
	if err := s.queue.Enqueue(ctx, n); err != nil {
		s.record("error")
		return false, fmt.Errorf("failed to schedule %s retry for payment %s: %w", s.track, paymentID, err)
	}

	logger.WithField("fire_at", fireAt.Format(time.RFC3339)).Info("Scheduled payment retry")
	s.record("scheduled")
	return true, nil
}

func (s *Scheduler) record(decision string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RetriesScheduledTotal.WithLabelValues(string(s.track), decision).Inc()
}
