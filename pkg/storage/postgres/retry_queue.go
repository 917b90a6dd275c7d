package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/retry"
)

// RetryQueue implements retry.Queue on the retry_notifications table.
// Claims take a lease with FOR UPDATE SKIP LOCKED so concurrent pollers never
// receive the same notification.
type RetryQueue struct {
	db    *sql.DB
	lease time.Duration
}

// NewRetryQueue creates a RetryQueue
func NewRetryQueue(db *sql.DB, lease time.Duration) *RetryQueue {
	if lease <= 0 {
		lease = retry.DefaultLease
	}
	return &RetryQueue{db: db, lease: lease}
}

func (q *RetryQueue) Enqueue(ctx context.Context, n *retry.Notification) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO retry_notifications (id, payment_id, track, attempt, fire_at, deliveries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.PaymentID, string(n.Track), n.Attempt, n.FireAt, n.Deliveries, n.CreatedAt)
	if err != nil {
		return wrapInsertError("retry notification", err)
	}
	return nil
}

func (q *RetryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]*retry.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, `
		UPDATE retry_notifications
		SET claimed_until = $2, deliveries = deliveries + 1
		WHERE id IN (
			SELECT id FROM retry_notifications
			WHERE fire_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY fire_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payment_id, track, attempt, fire_at, deliveries, last_error, created_at
	`, now, now.Add(q.lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim retry notifications: %w", err)
	}
	defer rows.Close()

	var out []*retry.Notification
	for rows.Next() {
		var n retry.Notification
		var track string
		var lastError sql.NullString
		if err := rows.Scan(&n.ID, &n.PaymentID, &track, &n.Attempt, &n.FireAt, &n.Deliveries,
			&lastError, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry notification: %w", err)
		}
		n.Track = retry.Track(track)
		n.LastError = lastError.String
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (q *RetryQueue) Complete(ctx context.Context, id uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM retry_notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete retry notification %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (q *RetryQueue) Release(ctx context.Context, id uuid.UUID, fireAt time.Time, cause error) error {
	var lastError sql.NullString
	if cause != nil {
		lastError = sql.NullString{String: cause.Error(), Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE retry_notifications
		SET fire_at = $2, claimed_until = NULL, last_error = COALESCE($3, last_error)
		WHERE id = $1
	`, id, fireAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to release retry notification %s: %w", id, err)
	}
	return expectOneRow(res)
}

// Pending counts queued notifications per track
func (q *RetryQueue) Pending(ctx context.Context) (map[retry.Track]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT track, COUNT(*) FROM retry_notifications GROUP BY track`)
	if err != nil {
		return nil, fmt.Errorf("failed to count retry notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[retry.Track]int)
	for rows.Next() {
		var track string
		var n int
		if err := rows.Scan(&track, &n); err != nil {
			return nil, fmt.Errorf("failed to scan retry count: %w", err)
		}
		counts[retry.Track(track)] = n
	}
	return counts, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return retry.ErrNotificationNotFound
	}
	return nil
}
