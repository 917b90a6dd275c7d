package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryService is an in-process Service
type MemoryService struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
	byKey    map[string]uuid.UUID
	invoices map[uuid.UUID]*Invoice
	payments map[uuid.UUID][]*InvoicePayment
	nextNum  int64
}

// NewMemoryService creates an empty in-memory billing service
func NewMemoryService() *MemoryService {
	return &MemoryService{
		accounts: make(map[uuid.UUID]*Account),
		byKey:    make(map[string]uuid.UUID),
		invoices: make(map[uuid.UUID]*Invoice),
		payments: make(map[uuid.UUID][]*InvoicePayment),
	}
}

func (m *MemoryService) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now()
	account.CreatedAt, account.UpdatedAt = now, now

	stored := *account
	m.accounts[account.ID] = &stored
	m.byKey[account.ExternalKey] = account.ID
	return nil
}

func (m *MemoryService) GetAccountByKey(ctx context.Context, externalKey string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[externalKey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	account := *m.accounts[id]
	return &account, nil
}

func (m *MemoryService) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	account := *stored
	return &account, nil
}

func (m *MemoryService) CreateInvoice(ctx context.Context, invoice *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	m.nextNum++
	invoice.Number = m.nextNum
	invoice.CreatedAt = time.Now()
	invoice.PaidAmount = decimal.Zero
	invoice.Balance = invoice.Amount

	stored := *invoice
	m.invoices[invoice.ID] = &stored
	return nil
}

func (m *MemoryService) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	invoice := *stored
	invoice.PaidAmount = decimal.Zero
	for _, p := range m.payments[id] {
		invoice.PaidAmount = invoice.PaidAmount.Add(p.Amount)
	}
	invoice.Balance = invoice.Amount.Sub(invoice.PaidAmount)
	return &invoice, nil
}

func (m *MemoryService) NotifyOfPaymentAttempt(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal,
	currency string, attemptID uuid.UUID, effectiveDate time.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[invoiceID]; !ok {
		return ErrInvoiceNotFound
	}
	for _, p := range m.payments[invoiceID] {
		if p.PaymentAttemptID == attemptID {
			return nil
		}
	}
	m.payments[invoiceID] = append(m.payments[invoiceID], &InvoicePayment{
		ID:               uuid.New(),
		InvoiceID:        invoiceID,
		PaymentAttemptID: attemptID,
		Amount:           amount,
		Currency:         currency,
		EffectiveDate:    effectiveDate,
		CreatedAt:        time.Now(),
	})
	return nil
}

func (m *MemoryService) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]*InvoicePayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*InvoicePayment, 0, len(m.payments[invoiceID]))
	for _, p := range m.payments[invoiceID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}
