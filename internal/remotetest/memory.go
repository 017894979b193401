// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotetest provides an in-memory remote store and a PostgREST
// compatible HTTP front for it, for tests and local demos.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/everylanguage/biblesync/remote"
)

type storedRow struct {
	id        string
	updatedAt time.Time
	raw       json.RawMessage
}

// MemorySource is a remote.Source over in-memory tables with the same keyset
// semantics as the real sources.
type MemorySource struct {
	mu     sync.Mutex
	tables map[string]map[string]storedRow

	calls       map[string]int
	failures    []error // consumed one per FetchPage call
	failAfter   int     // pages served before failAfterErr kicks in, <0 disables
	failAfterEr error
	served      int
	delay       time.Duration
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		tables:    make(map[string]map[string]storedRow),
		calls:     make(map[string]int),
		failAfter: -1,
	}
}

// Put inserts or replaces rows of table. Each row must marshal to a JSON
// object with string "id" and RFC3339 "updated_at" fields.
func (s *MemorySource) Put(table string, rows ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]storedRow)
		s.tables[table] = t
	}
	for _, r := range rows {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		var key struct {
			ID        string    `json:"id"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		if err := json.Unmarshal(raw, &key); err != nil {
			return fmt.Errorf("row has no usable key: %w", err)
		}
		if key.ID == "" {
			return fmt.Errorf("row of %s has empty id", table)
		}
		t[key.ID] = storedRow{id: key.ID, updatedAt: key.UpdatedAt.UTC(), raw: raw}
	}
	return nil
}

// MustPut is Put that panics on error.
func (s *MemorySource) MustPut(table string, rows ...any) {
	if err := s.Put(table, rows...); err != nil {
		panic(err)
	}
}

// Len returns the number of rows stored for table.
func (s *MemorySource) Len(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// FailNext makes the next len(errs) FetchPage calls fail with errs in order.
func (s *MemorySource) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// FailAfterPages serves n pages successfully and then fails every call with err.
// A negative n disables it.
func (s *MemorySource) FailAfterPages(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
	s.failAfterEr = err
	s.served = 0
}

// SetDelay slows every FetchPage call down by d.
func (s *MemorySource) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns how many FetchPage calls were made for table.
func (s *MemorySource) Calls(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[table]
}

// FetchPage implements remote.Source.
func (s *MemorySource) FetchPage(ctx context.Context, req remote.PageRequest) ([]json.RawMessage, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Table]++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	if s.failAfter >= 0 && s.served >= s.failAfter {
		return nil, s.failAfterEr
	}
	if !remote.IsSyncedTable(req.Table) {
		return nil, &remote.FetchError{Table: req.Table, StatusCode: 404, Code: "42P01",
			Message: fmt.Sprintf("relation %q does not exist", req.Table)}
	}

	since := req.Since.UTC()
	var matched []storedRow
	for _, r := range s.tables[req.Table] {
		if after(r, since, req.AfterID) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].updatedAt.Equal(matched[j].updatedAt) {
			return matched[i].updatedAt.Before(matched[j].updatedAt)
		}
		return matched[i].id < matched[j].id
	})
	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	out := make([]json.RawMessage, len(matched))
	for i, r := range matched {
		out[i] = r.raw
	}
	s.served++
	return out, nil
}

func after(r storedRow, since time.Time, afterID string) bool {
	if afterID == "" {
		return !r.updatedAt.Before(since)
	}
	if r.updatedAt.After(since) {
		return true
	}
	return r.updatedAt.Equal(since) && r.id > afterID
}
