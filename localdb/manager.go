// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package localdb owns the on-device SQLite cache: opening it, migrating and
// creating its schema, and handing out the single shared connection.
//
// A Manager moves through Uninitialized -> Initializing -> Initialized, or to
// Error after every initialization attempt failed. Concurrent Initialize calls
// share one run. The Error state is sticky until Close or Reset.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	initFlightKey    = "initialize"
	waitPollInterval = 25 * time.Millisecond
)

// errSuperseded fails an initialization run that a Close overtook.
var errSuperseded = errors.New("manager was closed during initialization")

// openFunc opens a configured *sql.DB. Tests replace it to count or fail opens.
type openFunc func(ctx context.Context, cfg *Config) (*sql.DB, error)

// Manager is the process-wide owner of the local database connection.
type Manager struct {
	cfg    *Config
	logger *slog.Logger
	open   openFunc
	flight singleflight.Group

	mu         sync.RWMutex
	db         *sqlx.DB
	state      State
	lastErr    error
	generation uint64 // bumped by Close so an in-flight initialization can tell it was superseded

	progressMu  sync.Mutex
	progressFn  ProgressFunc
	lastPercent int
}

// New creates a Manager. Nothing is opened until Initialize (or any accessor
// that needs the database) is called.
func New(cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig(MemoryPath)
	}
	if cfg.DriverName == "" {
		cfg.DriverName = "sqlite3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "localdb"),
		open:   openSQLite,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsReady reports whether the database is initialized.
func (m *Manager) IsReady() bool { return m.State() == StateInitialized }

// LastError returns the cached initialization error while in the Error state.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Initialize opens and prepares the database. It returns immediately when
// already initialized, returns the cached error in the Error state, and joins
// an in-flight initialization otherwise. Cancelling ctx abandons the wait but
// not the shared run. Runs are shared per Close generation, so a call made
// after Close never joins a run that Close overtook.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	state, lastErr, gen := m.state, m.lastErr, m.generation
	m.mu.RUnlock()
	switch state {
	case StateInitialized:
		return nil
	case StateError:
		return lastErr
	}

	key := fmt.Sprintf("%s/%d", initFlightKey, gen)
	ch := m.flight.DoChan(key, func() (any, error) {
		return nil, m.runInitialization(context.WithoutCancel(ctx), gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureInitialized is Initialize for callers that only need the guarantee.
func (m *Manager) EnsureInitialized(ctx context.Context) error { return m.Initialize(ctx) }

func (m *Manager) runInitialization(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return &DatabaseError{Code: CodeInitFailed, Op: "initialize", Err: errSuperseded}
	}
	switch m.state {
	case StateInitialized:
		m.mu.Unlock()
		return nil
	case StateError:
		err := m.lastErr
		m.mu.Unlock()
		return err
	}
	m.state = StateInitializing
	m.mu.Unlock()

	m.resetProgress()
	started := time.Now()

	policy := m.cfg.retryPolicy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.logger.Warn("database initialization attempt failed, retrying",
			"attempt", attempt, "max_attempts", policy.MaxAttempts, "delay", delay, "error", err)
	}

	var db *sqlx.DB
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		db, err = m.initializeAttempt(ctx)
		return err
	}, nil)

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		if db != nil {
			_ = db.Close()
		}
		m.logger.Info("database initialization superseded by close", "path", m.cfg.Path)
		return &DatabaseError{Code: CodeInitFailed, Op: "initialize", Err: errSuperseded}
	}
	if err != nil {
		dbErr := &DatabaseError{Code: CodeInitFailed, Op: "initialize", Err: err}
		m.state = StateError
		m.lastErr = dbErr
		m.mu.Unlock()

		m.logger.Error("database initialization failed", "path", m.cfg.Path, "error", err)
		m.report(StageError, "Database initialization failed", 0, dbErr)
		return dbErr
	}
	m.db = db
	m.state = StateInitialized
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("database initialized", "path", m.cfg.Path, "schema_version", SchemaVersion,
		"duration", time.Since(started))
	m.report(StageReady, "Database ready", 100, nil)
	return nil
}

func (m *Manager) initializeAttempt(ctx context.Context) (*sqlx.DB, error) {
	m.report(StageOpening, "Opening database", 10, nil)
	raw, err := m.open(ctx, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if raw == nil {
		return nil, &DatabaseError{Code: CodeNullDBInstance, Op: "open", Err: errors.New("driver returned no database handle")}
	}
	db := sqlx.NewDb(raw, m.cfg.DriverName)
	fail := func(err error) (*sqlx.DB, error) {
		_ = db.Close()
		return nil, err
	}

	m.report(StageVerifying, "Verifying database access", 25, nil)
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master`); err != nil {
		return fail(fmt.Errorf("failed to verify database access: %w", err))
	}

	m.report(StageMigrating, "Migrating schema", 45, nil)
	if err := migrate(ctx, db, m.logger); err != nil {
		return fail(err)
	}

	m.report(StageCreatingTables, "Creating tables", 70, nil)
	if err := createTables(ctx, db); err != nil {
		return fail(err)
	}

	m.report(StageSanityCheck, "Checking schema", 90, nil)
	if err := sanityCheck(ctx, db); err != nil {
		return fail(err)
	}
	return db, nil
}

// openSQLite opens the database with a single connection: SQLite serializes
// writers anyway, and transactions must see their own pragmas.
func openSQLite(ctx context.Context, cfg *Config) (*sql.DB, error) {
	if cfg.Path != "" && cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open(cfg.DriverName, cfg.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.WALMode && cfg.Path != "" && cfg.Path != MemoryPath {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	fk := "OFF"
	if cfg.ForeignKeys {
		fk = "ON"
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = "+fk); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set foreign_keys: %w", err)
	}
	return db, nil
}

// GetDatabase returns the shared handle, initializing on first use.
func (m *Manager) GetDatabase(ctx context.Context) (*sqlx.DB, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, &DatabaseError{Code: CodeNullDBInstance, Op: "get_database", Err: errors.New("database handle is nil")}
	}
	return m.db, nil
}

// DatabaseSync returns the handle without initializing.
func (m *Manager) DatabaseSync() (*sqlx.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateInitialized || m.db == nil {
		return nil, &DatabaseError{Code: CodeNotInitialized, Op: "database_sync",
			Err: fmt.Errorf("database is %s", m.state)}
	}
	return m.db, nil
}

// WaitForReady blocks until the database is initialized, initialization has
// failed, timeout elapses or ctx is done. It starts initialization if nobody
// has yet.
func (m *Manager) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if m.State() == StateUninitialized {
		go func() { _ = m.Initialize(context.WithoutCancel(ctx)) }()
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		m.mu.RLock()
		state, lastErr := m.state, m.lastErr
		m.mu.RUnlock()
		switch state {
		case StateInitialized:
			return nil
		case StateError:
			return lastErr
		}
		if !time.Now().Before(deadline) {
			return &DatabaseError{Code: CodeTimeout, Op: "wait_for_ready",
				Err: fmt.Errorf("database not ready after %s (state %s)", timeout, state)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reset drops every table and recreates the schema, clearing all cached data
// and sync cursors. It recovers a manager from the Error state.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateError {
		m.state = StateUninitialized
		m.lastErr = nil
	}
	m.mu.Unlock()

	err := m.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := dropTablesInTx(ctx, tx); err != nil {
			return err
		}
		return createTablesInTx(ctx, tx)
	})
	if err != nil {
		m.logger.Error("database reset failed", "error", err)
		return &DatabaseError{Code: CodeResetFailed, Op: "reset", Err: err}
	}
	m.logger.Info("database reset", "path", m.cfg.Path)
	return nil
}

// Close checkpoints the WAL, closes the connection and returns the manager to
// Uninitialized. A later Initialize reopens the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db := m.db
	m.db = nil
	m.state = StateUninitialized
	m.lastErr = nil
	m.generation++
	if db == nil {
		return nil
	}

	if m.cfg.WALMode {
		if _, err := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			m.logger.Warn("wal checkpoint failed on close", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		return &DatabaseError{Code: CodeCloseFailed, Op: "close", Err: err}
	}
	m.logger.Info("database closed", "path", m.cfg.Path)
	return nil
}
