package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TxFn represents a function that can be executed within a transaction
type TxFn func(ctx context.Context, tx *sqlx.Tx) error

// WithTransaction executes the given function within a database transaction
func WithTransaction(ctx context.Context, db *sqlx.DB, fn TxFn) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // re-throw panic after rollback
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback error: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// WithSchemaTransaction pins the transaction to an org schema before
// running fn. Raw SQL inside the transaction resolves unqualified names
// against the org schema even if the pooled connection's search_path was
// reset between checkouts.
func WithSchemaTransaction(ctx context.Context, db *sqlx.DB, schemaName string, fn TxFn) error {
	return WithTransaction(ctx, db, func(ctx context.Context, tx *sqlx.Tx) error {
		if schemaName != "" && schemaName != "public" {
			if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+QuoteSchema(schemaName)); err != nil {
				return fmt.Errorf("set search_path: %w", err)
			}
		}
		return fn(ctx, tx)
	})
}
