package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool, pgx.Tx and pgxmock used by the
// repositories.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DB is a Querier that can open transactions. *pgxpool.Pool satisfies it.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type contextKey string

const txKey contextKey = "db_tx"

// TxFromContext returns the transaction bound by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction bound to ctx, or fallback when there is none.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

// WithTx runs fn inside a transaction. Repository calls made with the context
// passed to fn join the transaction. A nested call reuses the outer
// transaction. fn returning an error rolls back, except that errors marked
// with CommitAnyway still commit before being returned.
func WithTx(ctx context.Context, database DB, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := database.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	fnErr := fn(context.WithValue(ctx, txKey, tx))

	var keep *commitAnyway
	if fnErr != nil && !errors.As(fnErr, &keep) {
		return fnErr
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	if keep != nil {
		return keep.err
	}
	return nil
}

type commitAnyway struct{ err error }

func (c *commitAnyway) Error() string { return c.err.Error() }
func (c *commitAnyway) Unwrap() error { return c.err }

// CommitAnyway marks err so that WithTx commits the work done so far before
// returning it. Used when a failed operation still has to persist a cleanup.
func CommitAnyway(err error) error {
	if err == nil {
		return nil
	}
	return &commitAnyway{err: err}
}

// Transactor runs a unit of work in a transaction. Services depend on it
// rather than on a pool so they can be tested without a database.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type poolTransactor struct{ db DB }

// NewTransactor returns a Transactor backed by database.
func NewTransactor(database DB) Transactor { return poolTransactor{db: database} }

func (t poolTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, t.db, fn)
}

// DirectTransactor runs fn without a transaction, returning errors the way
// WithTx does. For in-memory repositories.
type DirectTransactor struct{}

func (DirectTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	var keep *commitAnyway
	if errors.As(err, &keep) {
		return keep.err
	}
	return err
}
