package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
)

// UnitOfWorkOption customises transaction behaviour.
type UnitOfWorkOption func(*UnitOfWork)

// WithTxAttempts overrides how many times a serialization failure is retried.
func WithTxAttempts(attempts int) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if attempts > 0 {
			u.attempts = attempts
		}
	}
}

// WithTxTimeout bounds each transaction attempt.
func WithTxTimeout(timeout time.Duration) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		if timeout > 0 {
			u.timeout = timeout
		}
	}
}

// WithIsolation sets the isolation level used for new transactions.
func WithIsolation(level sql.IsolationLevel) UnitOfWorkOption {
	return func(u *UnitOfWork) {
		u.isolation = level
	}
}

// UnitOfWork runs callbacks inside a database transaction carried on the context.
type UnitOfWork struct {
	db        *sql.DB
	attempts  int
	timeout   time.Duration
	isolation sql.IsolationLevel
}

// NewUnitOfWork constructs a transactional boundary over db.
func NewUnitOfWork(db *sql.DB, opts ...UnitOfWorkOption) *UnitOfWork {
	u := &UnitOfWork{
		db:        db,
		attempts:  defaultTxAttempts,
		timeout:   defaultTxTimeout,
		isolation: sql.LevelReadCommitted,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// RunInTx executes fn within a transaction. Nested calls join the outer transaction.
// Serialization failures and deadlocks restart fn from scratch.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}

	var err error
	for attempt := 0; attempt < u.attempts; attempt++ {
		err = u.runOnce(ctx, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (u *UnitOfWork) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx := ctx
	if u.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > u.timeout {
			var cancel context.CancelFunc
			txCtx, cancel = context.WithTimeout(ctx, u.timeout)
			defer cancel()
		}
	}

	tx, err := u.db.BeginTx(txCtx, &sql.TxOptions{Isolation: u.isolation})
	if err != nil {
		return WrapError("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(withTx(txCtx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, WrapError("rollback", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return WrapError("commit", err)
	}
	return nil
}
