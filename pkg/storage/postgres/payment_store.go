package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/platinummonkey/paycore/pkg/payment"
)

// ErrDuplicate is returned when an insert collides with an existing row
var ErrDuplicate = errors.New("duplicate row")

const uniqueViolation = "23505"

const paymentColumns = `id, account_id, invoice_id, payment_number, currency, amount, paid_amount,
		       effective_date, plugin_name, status, created_at, updated_at`

const attemptColumns = `id, payment_id, account_id, invoice_id, effective_date, requested_amount,
		       gateway_error_code, gateway_error_message, status, created_at`

// PaymentStore implements payment.Store on PostgreSQL.
// Reads that drive state decisions use the primary; listings may use a replica.
type PaymentStore struct {
	db DB
}

// NewPaymentStore creates a PaymentStore
func NewPaymentStore(db DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func (s *PaymentStore) InsertPaymentWithAttempt(ctx context.Context, p *payment.Payment, a *payment.Attempt) error {
	tx, err := s.db.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO payments (id, account_id, invoice_id, currency, amount, paid_amount,
		                      effective_date, plugin_name, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING payment_number, created_at, updated_at
	`, p.ID, p.AccountID, p.InvoiceID, p.Currency, p.Amount, p.PaidAmount,
		p.EffectiveDate, p.PluginName, string(p.Status),
	).Scan(&p.PaymentNumber, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return wrapInsertError("payment", err)
	}

	if err := insertAttempt(ctx, tx, a); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}
	return nil
}

// InsertNewAttemptForPayment appends an attempt. Attempts cannot be added to a
// terminal payment.
func (s *PaymentStore) InsertNewAttemptForPayment(ctx context.Context, paymentID uuid.UUID, a *payment.Attempt) error {
	tx, err := s.db.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := lockPaymentStatus(ctx, tx, paymentID); err != nil {
		return err
	}

	a.PaymentID = paymentID
	if err := insertAttempt(ctx, tx, a); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt: %w", err)
	}
	return nil
}

// UpdateStatusForPaymentWithAttempt sets the payment status and resolves the
// attempt. An attempt is resolved only once.
func (s *PaymentStore) UpdateStatusForPaymentWithAttempt(ctx context.Context, u payment.StatusUpdate) error {
	tx, err := s.db.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := lockPaymentStatus(ctx, tx, u.PaymentID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = $2, paid_amount = $3, updated_at = NOW()
		WHERE id = $1
	`, u.PaymentID, string(u.Status), u.PaidAmount)
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", u.PaymentID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_attempts
		SET status = $3, gateway_error_code = $4, gateway_error_message = $5
		WHERE id = $1 AND payment_id = $2 AND status = $6
	`, u.AttemptID, u.PaymentID, string(u.Status),
		nullString(u.GatewayErrorCode), nullString(u.GatewayErrorMessage), string(payment.StatusUnknown))
	if err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", u.AttemptID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", u.AttemptID, err)
	} else if n == 0 {
		return fmt.Errorf("attempt %s of payment %s is unknown or already resolved", u.AttemptID, u.PaymentID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

func (s *PaymentStore) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	row := s.db.Primary().QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %s: %w", id, err)
	}
	return p, nil
}

func (s *PaymentStore) GetAttemptsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*payment.Attempt, error) {
	rows, err := s.db.Primary().QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for payment %s: %w", paymentID, err)
	}
	defer rows.Close()

	var attempts []*payment.Attempt
	for rows.Next() {
		var a payment.Attempt
		var code, message sql.NullString
		var status string
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.AccountID, &a.InvoiceID, &a.EffectiveDate,
			&a.RequestedAmount, &code, &message, &status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.GatewayErrorCode = code.String
		a.GatewayErrorMessage = message.String
		a.Status = payment.Status(status)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (s *PaymentStore) GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*payment.Payment, error) {
	return s.listPayments(ctx, `WHERE account_id = $1 ORDER BY payment_number`, accountID)
}

func (s *PaymentStore) GetPaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*payment.Payment, error) {
	return s.listPayments(ctx, `WHERE invoice_id = $1 ORDER BY payment_number`, invoiceID)
}

// GetPaymentsInStatus lists payments whose current status is one of statuses
func (s *PaymentStore) GetPaymentsInStatus(ctx context.Context, statuses ...payment.Status) ([]*payment.Payment, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	return s.listPayments(ctx, `WHERE status = ANY($1) ORDER BY payment_number`, pq.Array(values))
}

func (s *PaymentStore) listPayments(ctx context.Context, where string, arg interface{}) ([]*payment.Payment, error) {
	rows, err := s.db.Replica().QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (*payment.Payment, error) {
	var p payment.Payment
	var status string
	err := row.Scan(&p.ID, &p.AccountID, &p.InvoiceID, &p.PaymentNumber, &p.Currency, &p.Amount,
		&p.PaidAmount, &p.EffectiveDate, &p.PluginName, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = payment.Status(status)
	return &p, nil
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a *payment.Attempt) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO payment_attempts (id, payment_id, account_id, invoice_id, effective_date,
		                              requested_amount, gateway_error_code, gateway_error_message, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, a.ID, a.PaymentID, a.AccountID, a.InvoiceID, a.EffectiveDate, a.RequestedAmount,
		nullString(a.GatewayErrorCode), nullString(a.GatewayErrorMessage), string(a.Status),
	).Scan(&a.CreatedAt)
	if err != nil {
		return wrapInsertError("attempt", err)
	}
	return nil
}

// lockPaymentStatus locks the payment row for the rest of tx and rejects terminal payments
func lockPaymentStatus(ctx context.Context, tx *sql.Tx, paymentID uuid.UUID) (payment.Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM payments WHERE id = $1 FOR UPDATE`, paymentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", payment.ErrPaymentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock payment %s: %w", paymentID, err)
	}
	st := payment.Status(status)
	if st.IsTerminal() {
		return st, fmt.Errorf("payment %s is %s: %w", paymentID, st, payment.ErrTerminalPayment)
	}
	return st, nil
}

func wrapInsertError(what string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("failed to insert %s: %w: %s", what, ErrDuplicate, pqErr.Constraint)
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
