// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a DatabaseError.
type ErrorCode string

const (
	CodeInitFailed        ErrorCode = "INIT_FAILED"
	CodeNotInitialized    ErrorCode = "NOT_INITIALIZED"
	CodeNullDBInstance    ErrorCode = "NULL_DB_INSTANCE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeResetFailed       ErrorCode = "RESET_FAILED"
	CodeCloseFailed       ErrorCode = "CLOSE_FAILED"
	CodeQueryFailed       ErrorCode = "QUERY_FAILED"
	CodeRawQueryFailed    ErrorCode = "RAW_QUERY_FAILED"
	CodeSingleQueryFailed ErrorCode = "SINGLE_QUERY_FAILED"
	CodeTransactionFailed ErrorCode = "TRANSACTION_FAILED"
	CodeMigrationFailed   ErrorCode = "MIGRATION_FAILED"
)

// DatabaseError is returned by every Manager operation that fails.
// Query and Params are set for statement failures.
type DatabaseError struct {
	Code   ErrorCode
	Op     string
	Query  string
	Params []any
	Err    error
}

func (e *DatabaseError) Error() string {
	msg := fmt.Sprintf("database error [%s] %s", e.Code, e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Query != "" {
		msg += fmt.Sprintf(" (query: %s)", truncate(e.Query, 200))
	}
	return msg
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// IsCode reports whether err wraps a DatabaseError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var dbErr *DatabaseError
	if !errors.As(err, &dbErr) {
		return false
	}
	return dbErr.Code == code
}

func statementError(code ErrorCode, op, query string, params []any, err error) *DatabaseError {
	return &DatabaseError{Code: code, Op: op, Query: query, Params: params, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
