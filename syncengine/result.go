// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrSyncInProgress is returned when a table is already being synced.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncOptions tune a single SyncTable call.
type SyncOptions struct {
	BatchSize int  // rows per page; 0 uses the engine default
	ForceFull bool // reset the watermark to the epoch first
}

// SyncResult summarizes one SyncTable run. It is delivered to listeners on
// success and on failure.
type SyncResult struct {
	RunID          string        `json:"run_id"`
	Success        bool          `json:"success"`
	TableName      string        `json:"table_name"`
	RecordsSynced  int           `json:"records_synced"`
	RecordsSkipped int           `json:"records_skipped"`
	Pages          int           `json:"pages"`
	Watermark      time.Time     `json:"watermark"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// Listener receives sync results.
type Listener func(SyncResult)

type listenerSet struct {
	mu   sync.Mutex
	next int
	fns  map[int]Listener
}

// add registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (l *listenerSet) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// notify calls listeners in registration order outside the lock.
func (l *listenerSet) notify(res SyncResult) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
}

