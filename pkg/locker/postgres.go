package locker

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLocker implements Locker with session-level advisory locks. Each held lock
// pins one pooled connection until released.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker creates an advisory-lock based locker
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// TryLock implements Locker
func (p *PostgresLocker) TryLock(ctx context.Context, name string) (Lock, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, ErrLockHeld
	}

	return &postgresLock{conn: conn, name: name}, nil
}

type postgresLock struct {
	conn *sql.Conn
	name string
}

func (l *postgresLock) Release(ctx context.Context) error {
	defer l.conn.Close()

	var released bool
	err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.name).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		return ErrLockNotHeld
	}
	return nil
}
