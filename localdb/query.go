// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ExecuteQuery runs a read statement and scans every row into T.
// An empty result is an empty, non-nil slice.
func ExecuteQuery[T any](ctx context.Context, m *Manager, query string, args ...any) ([]T, error) {
	db, err := m.GetDatabase(ctx)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, statementError(CodeQueryFailed, "execute_query", query, args, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// ExecuteSingleQuery runs a read statement and scans the first row into T.
// It returns nil, nil when there are no rows.
func ExecuteSingleQuery[T any](ctx context.Context, m *Manager, query string, args ...any) (*T, error) {
	db, err := m.GetDatabase(ctx)
	if err != nil {
		return nil, err
	}
	var out T
	if err := db.GetContext(ctx, &out, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, statementError(CodeSingleQueryFailed, "execute_single_query", query, args, err)
	}
	return &out, nil
}

// ExecSingle runs one write statement and returns the number of affected rows.
func (m *Manager) ExecSingle(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := m.GetDatabase(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, statementError(CodeRawQueryFailed, "exec_single", query, args, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, statementError(CodeRawQueryFailed, "exec_single", query, args, err)
	}
	return n, nil
}

// Transaction runs fn inside one transaction with foreign key checks deferred
// to commit. The transaction is rolled back when fn returns an error or
// panics. Errors from fn that already are DatabaseErrors are returned as-is.
func (m *Manager) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	db, err := m.GetDatabase(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return &DatabaseError{Code: CodeTransactionFailed, Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return &DatabaseError{Code: CodeTransactionFailed, Op: "defer_foreign_keys", Err: err}
	}

	if err := fn(tx); err != nil {
		var dbErr *DatabaseError
		if errors.As(err, &dbErr) {
			return err
		}
		return &DatabaseError{Code: CodeTransactionFailed, Op: "transaction", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &DatabaseError{Code: CodeTransactionFailed, Op: "commit", Err: err}
	}
	committed = true
	return nil
}
