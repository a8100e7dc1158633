package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/sony/gobreaker"
)

// DBCircuitBreaker wraps a database handle with circuit breaker protection
// so that a dead or drowning database fails ingestion fast instead of piling
// up blocked writes behind it.
type DBCircuitBreaker struct {
	cb *CircuitBreaker
	db *sql.DB
}

// NewDBCircuitBreaker wraps db with the storage breaker configuration.
func NewDBCircuitBreaker(db *sql.DB) *DBCircuitBreaker {
	return &DBCircuitBreaker{cb: New(StorageConfig()), db: db}
}

// NewDBCircuitBreakerWithConfig wraps db with a custom configuration.
func NewDBCircuitBreakerWithConfig(db *sql.DB, cfg Config) *DBCircuitBreaker {
	return &DBCircuitBreaker{cb: New(cfg), db: db}
}

// ExecContext executes a statement through the breaker. When the circuit is
// open it returns gobreaker.ErrOpenState without touching the database.
func (dcb *DBCircuitBreaker) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	result, err := dcb.cb.Execute(func() (interface{}, error) {
		return dcb.db.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(sql.Result), nil
}

// QueryContext executes a query through the breaker.
func (dcb *DBCircuitBreaker) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	result, err := dcb.cb.Execute(func() (interface{}, error) {
		return dcb.db.QueryContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(*sql.Rows), nil
}

// QueryRowContext executes a single-row query. sql.Row defers its error to
// Scan, so the breaker cannot observe the outcome here; the row is fetched
// directly.
func (dcb *DBCircuitBreaker) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return dcb.db.QueryRowContext(ctx, query, args...)
}

// State returns the current breaker state.
func (dcb *DBCircuitBreaker) State() gobreaker.State {
	return dcb.cb.State()
}

// IsOpen reports whether the breaker is open.
func (dcb *DBCircuitBreaker) IsOpen() bool {
	return dcb.cb.IsOpen()
}

// DB returns the underlying handle for operations that must bypass the
// breaker, such as startup probes.
func (dcb *DBCircuitBreaker) DB() *sql.DB {
	return dcb.db
}
