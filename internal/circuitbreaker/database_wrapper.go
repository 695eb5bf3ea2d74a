package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps a sqlx pool with a circuit breaker. A missing
// row is a normal outcome and does not count as a breaker failure.
type DatabaseWrapper struct {
	db      *sqlx.DB
	breaker *CircuitBreaker
}

// NewDatabaseWrapper creates a circuit-broken database handle.
func NewDatabaseWrapper(name string, db *sqlx.DB, config Config, logger *zap.Logger) *DatabaseWrapper {
	return &DatabaseWrapper{
		db:      db,
		breaker: New(name, Instrument(name, config), logger),
	}
}

func (w *DatabaseWrapper) execute(fn func() error) error {
	var noRows bool
	err := w.breaker.Execute(func() error {
		if err := fn(); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				noRows = true
				return nil
			}
			return err
		}
		return nil
	})
	if errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests) {
		RecordRejection(w.breaker.Name())
		return err
	}
	if noRows {
		return sql.ErrNoRows
	}
	return err
}

// GetContext scans a single row into dest.
func (w *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return w.execute(func() error {
		return w.db.GetContext(ctx, dest, query, args...)
	})
}

// SelectContext scans all rows into dest.
func (w *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return w.execute(func() error {
		return w.db.SelectContext(ctx, dest, query, args...)
	})
}

// ExecContext runs a statement.
func (w *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := w.execute(func() error {
		var execErr error
		res, execErr = w.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// PingContext checks connectivity.
func (w *DatabaseWrapper) PingContext(ctx context.Context) error {
	return w.execute(func() error {
		return w.db.PingContext(ctx)
	})
}

// State exposes the breaker state for health reporting.
func (w *DatabaseWrapper) State() State { return w.breaker.State() }

// Close releases the underlying pool.
func (w *DatabaseWrapper) Close() error { return w.db.Close() }
