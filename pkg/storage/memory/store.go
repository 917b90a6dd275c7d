// Package memory provides an in-process payment.Store for local mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/payment"
)

// Store is a mutex-guarded payment.Store. Values are copied in and out, so
// callers never share state with the store.
type Store struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]*payment.Payment
	attempts map[uuid.UUID][]*payment.Attempt
	next     int64
	now      func() time.Time
}

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{
		payments: make(map[uuid.UUID]*payment.Payment),
		attempts: make(map[uuid.UUID][]*payment.Attempt),
		now:      time.Now,
	}
}

func (s *Store) InsertPaymentWithAttempt(ctx context.Context, p *payment.Payment, a *payment.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}

	now := s.now()
	s.next++
	p.PaymentNumber = s.next
	p.CreatedAt = now
	p.UpdatedAt = now
	a.PaymentID = p.ID
	a.CreatedAt = now

	stored := *p
	s.payments[p.ID] = &stored
	attempt := *a
	s.attempts[p.ID] = []*payment.Attempt{&attempt}
	return nil
}

func (s *Store) InsertNewAttemptForPayment(ctx context.Context, paymentID uuid.UUID, a *payment.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.mutable(paymentID)
	if err != nil {
		return err
	}

	a.PaymentID = p.ID
	a.CreatedAt = s.now()
	attempt := *a
	s.attempts[p.ID] = append(s.attempts[p.ID], &attempt)
	return nil
}

func (s *Store) UpdateStatusForPaymentWithAttempt(ctx context.Context, u payment.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.mutable(u.PaymentID)
	if err != nil {
		return err
	}

	var target *payment.Attempt
	for _, a := range s.attempts[p.ID] {
		if a.ID == u.AttemptID {
			target = a
			break
		}
	}
	if target == nil || target.Status != payment.StatusUnknown {
		return fmt.Errorf("attempt %s of payment %s is unknown or already resolved", u.AttemptID, u.PaymentID)
	}

	p.Status = u.Status
	p.PaidAmount = u.PaidAmount
	p.UpdatedAt = s.now()
	target.Status = u.Status
	target.GatewayErrorCode = u.GatewayErrorCode
	target.GatewayErrorMessage = u.GatewayErrorMessage
	return nil
}

// mutable returns the stored payment when it can still change. Callers hold mu.
func (s *Store) mutable(id uuid.UUID) (*payment.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("payment %s is %s: %w", id, p.Status, payment.ErrTerminalPayment)
	}
	return p, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetAttemptsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*payment.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*payment.Attempt, 0, len(s.attempts[paymentID]))
	for _, a := range s.attempts[paymentID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*payment.Payment, error) {
	return s.filter(func(p *payment.Payment) bool { return p.AccountID == accountID }), nil
}

func (s *Store) GetPaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*payment.Payment, error) {
	return s.filter(func(p *payment.Payment) bool { return p.InvoiceID == invoiceID }), nil
}

// GetPaymentsInStatus lists payments whose current status is one of statuses
func (s *Store) GetPaymentsInStatus(ctx context.Context, statuses ...payment.Status) ([]*payment.Payment, error) {
	return s.filter(func(p *payment.Payment) bool {
		for _, st := range statuses {
			if p.Status == st {
				return true
			}
		}
		return false
	}), nil
}

// filter returns copies of the matching payments ordered by payment number
func (s *Store) filter(match func(*payment.Payment) bool) []*payment.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*payment.Payment
	for _, p := range s.payments {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentNumber < out[j].PaymentNumber })
	return out
}
