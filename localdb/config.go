// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"fmt"
	"net/url"
	"time"

	"github.com/everylanguage/biblesync/internal/retry"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config controls how the Manager opens and initializes the local database.
type Config struct {
	Path        string        // file path or MemoryPath
	DriverName  string        // database/sql driver, "sqlite3"
	WALMode     bool          // PRAGMA journal_mode = WAL
	ForeignKeys bool          // PRAGMA foreign_keys = ON
	BusyTimeout time.Duration // PRAGMA busy_timeout

	InitAttempts   int           // initialization attempts before entering the error state
	InitBackoff    time.Duration // delay after the first failed attempt, doubled afterwards
	InitMaxBackoff time.Duration
}

// DefaultConfig returns the settings used by the app for a database at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		DriverName:     "sqlite3",
		WALMode:        true,
		ForeignKeys:    true,
		BusyTimeout:    5 * time.Second,
		InitAttempts:   3,
		InitBackoff:    200 * time.Millisecond,
		InitMaxBackoff: 2 * time.Second,
	}
}

// DSN builds the go-sqlite3 connection string. Timestamps are returned in UTC.
func (c *Config) DSN() string {
	q := url.Values{}
	q.Set("_loc", "UTC")
	q.Set("_busy_timeout", fmt.Sprintf("%d", c.BusyTimeout.Milliseconds()))
	if c.ForeignKeys {
		q.Set("_foreign_keys", "1")
	}
	path := c.Path
	if path == "" {
		path = MemoryPath
	}
	return "file:" + path + "?" + q.Encode()
}

// retryPolicy overrides retry.DefaultPolicy with the configured values.
func (c *Config) retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Jitter = 0.1
	if c.InitAttempts > 0 {
		p.MaxAttempts = c.InitAttempts
	}
	if c.InitBackoff > 0 {
		p.BaseDelay = c.InitBackoff
	}
	if c.InitMaxBackoff > 0 {
		p.MaxDelay = c.InitMaxBackoff
	}
	return p
}
