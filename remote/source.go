// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote reads pages of rows from the authoritative Postgres store,
// either through its PostgREST HTTP API or over a direct pgx connection.
//
// Both sources implement the same keyset contract: rows are ordered by
// (updated_at, id) ascending and a page starts strictly after the
// (Since, AfterID) key. An empty AfterID means "from Since inclusive".
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/everylanguage/biblesync/model"
)

// PageRequest asks for at most Limit rows of Table after the (Since, AfterID) key.
type PageRequest struct {
	Table   string
	Since   time.Time
	AfterID string
	Limit   int
}

// Source fetches one page of raw JSON rows.
type Source interface {
	FetchPage(ctx context.Context, req PageRequest) ([]json.RawMessage, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req PageRequest) ([]json.RawMessage, error)

func (f SourceFunc) FetchPage(ctx context.Context, req PageRequest) ([]json.RawMessage, error) {
	return f(ctx, req)
}

// ErrUnknownTable is returned for tables outside the synced set.
var ErrUnknownTable = errors.New("table is not synced")

// checkRequest validates req against the synced table allow-list.
func checkRequest(req PageRequest) error {
	if !IsSyncedTable(req.Table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, req.Table)
	}
	if req.Limit <= 0 {
		return fmt.Errorf("invalid page limit %d", req.Limit)
	}
	return nil
}

// IsSyncedTable reports whether table may be requested from the remote store.
func IsSyncedTable(table string) bool {
	for _, t := range model.SyncedTables {
		if t == table {
			return true
		}
	}
	return false
}

// FetchError describes a failed page fetch.
type FetchError struct {
	Table      string
	StatusCode int    // HTTP status, 0 for non-HTTP sources
	Code       string // PostgREST error code or SQLSTATE
	Message    string
	Transient  bool // retrying the same request may succeed
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s failed", e.Table)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Context cancellation
// and deadline expiry of the caller are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// keysetFilter holds the cursor of a page request in source-neutral form.
type keysetFilter struct {
	since     time.Time
	afterID   string
	inclusive bool
}

func newKeysetFilter(req PageRequest) keysetFilter {
	return keysetFilter{
		since:     req.Since.UTC(),
		afterID:   req.AfterID,
		inclusive: req.AfterID == "",
	}
}
