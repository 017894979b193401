// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"time"

	"github.com/everylanguage/biblesync/internal/retry"
	"github.com/everylanguage/biblesync/model"
)

const (
	// MaxSQLVariables is SQLite's default SQLITE_MAX_VARIABLE_NUMBER for older builds.
	MaxSQLVariables = 999

	DefaultBatchSize       = 500
	DefaultUpsertChunkSize = 500
)

// Config holds configuration for the table sync engines and the service
type Config struct {
	Tables          []string // synced tables, parent-first; defaults to model.SyncedTables
	BatchSize       int      // rows per remote page
	UpsertChunkSize int      // rows per local transaction

	FetchAttempts   int           // attempts per page on transient errors
	FetchBackoff    time.Duration // delay after the first failed fetch, doubled afterwards
	FetchMaxBackoff time.Duration

	Interval   time.Duration // background sync period
	BackoffMin time.Duration // background retry delay after a failed round
	BackoffMax time.Duration

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the configuration used by the app.
func DefaultConfig() *Config {
	return &Config{
		Tables:          append([]string(nil), model.SyncedTables...),
		BatchSize:       DefaultBatchSize,
		UpsertChunkSize: DefaultUpsertChunkSize,
		FetchAttempts:   3,
		FetchBackoff:    500 * time.Millisecond,
		FetchMaxBackoff: 10 * time.Second,
		Interval:        15 * time.Minute,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if len(out.Tables) == 0 {
		out.Tables = append([]string(nil), model.SyncedTables...)
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.UpsertChunkSize <= 0 {
		out.UpsertChunkSize = DefaultUpsertChunkSize
	}
	if out.FetchAttempts <= 0 {
		out.FetchAttempts = 1
	}
	if out.Interval <= 0 {
		out.Interval = 15 * time.Minute
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = time.Second
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = out.BackoffMin
	}
	return &out
}

func (c *Config) fetchPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.FetchAttempts,
		BaseDelay:   c.FetchBackoff,
		MaxDelay:    c.FetchMaxBackoff,
		Jitter:      0.2,
	}
}
