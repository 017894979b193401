// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/model"
	"github.com/everylanguage/biblesync/remote"
)

// ErrUnknownTable is returned for tables the service does not sync.
var ErrUnknownTable = errors.New("table is not synced")

// Service owns one engine per synced table and runs them in parent-first
// order, on demand or in the background.
type Service struct {
	db     *localdb.Manager
	cfg    *Config
	logger *slog.Logger

	engines []TableSyncer
	byTable map[string]TableSyncer

	listeners listenerSet
	unsub     []func()

	paused  atomic.Bool
	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// NewService builds engines for cfg.Tables.
func NewService(db *localdb.Manager, source remote.Source, cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		db:      db,
		cfg:     cfg,
		logger:  logger.With("component", "sync_service"),
		byTable: make(map[string]TableSyncer),
		trigger: make(chan struct{}, 1),
	}
	for _, table := range orderTables(cfg.Tables) {
		eng, err := newTableEngine(db, source, table, cfg, logger)
		if err != nil {
			return nil, err
		}
		s.engines = append(s.engines, eng)
		s.byTable[table] = eng
		s.unsub = append(s.unsub, eng.OnSync(s.listeners.notify))
	}
	return s, nil
}

func newTableEngine(db *localdb.Manager, source remote.Source, table string, cfg *Config, logger *slog.Logger) (TableSyncer, error) {
	switch table {
	case model.TableLanguageEntities:
		return NewEngine(db, source, LanguageEntities, cfg, logger)
	case model.TableBooks:
		return NewEngine(db, source, Books, cfg, logger)
	case model.TableChapters:
		return NewEngine(db, source, Chapters, cfg, logger)
	case model.TableVerses:
		return NewEngine(db, source, Verses, cfg, logger)
	case model.TableVerseTexts:
		return NewEngine(db, source, VerseTexts, cfg, logger)
	case model.TableMediaFiles:
		return NewEngine(db, source, MediaFiles, cfg, logger)
	case model.TableMediaFileVerses:
		return NewEngine(db, source, MediaFileVerses, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
}

// orderTables puts requested tables in parent-first order; unknown names
// keep their position at the end so newTableEngine can reject them.
func orderTables(tables []string) []string {
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	var out []string
	for _, t := range model.SyncedTables {
		if want[t] {
			out = append(out, t)
			delete(want, t)
		}
	}
	for _, t := range tables {
		if want[t] {
			out = append(out, t)
			delete(want, t)
		}
	}
	return out
}

// Tables returns the synced tables in run order.
func (s *Service) Tables() []string {
	out := make([]string, len(s.engines))
	for i, e := range s.engines {
		out[i] = e.Table()
	}
	return out
}

// OnSync registers fn for the results of every engine.
func (s *Service) OnSync(fn Listener) func() { return s.listeners.add(fn) }

// SyncTable syncs a single table.
func (s *Service) SyncTable(ctx context.Context, table string, opts SyncOptions) (SyncResult, error) {
	eng, ok := s.byTable[table]
	if !ok {
		return SyncResult{TableName: table, Error: ErrUnknownTable.Error()}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return eng.SyncTable(ctx, opts)
}

// SyncAll syncs every table in order. A failed table does not stop the
// others; all failures are joined into the returned error.
func (s *Service) SyncAll(ctx context.Context, opts SyncOptions) ([]SyncResult, error) {
	if err := s.db.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	results := make([]SyncResult, 0, len(s.engines))
	var errs []error
	for _, eng := range s.engines {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := eng.SyncTable(ctx, opts)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", eng.Table(), err))
		}
	}
	return results, errors.Join(errs...)
}

// Status returns the sync_metadata rows of every table.
func (s *Service) Status(ctx context.Context) ([]model.SyncMetadata, error) {
	return localdb.ExecuteQuery[model.SyncMetadata](ctx, s.db, `SELECT * FROM sync_metadata ORDER BY table_name`)
}

// IsSyncing reports whether any engine is running.
func (s *Service) IsSyncing() bool {
	for _, e := range s.engines {
		if e.IsSyncing() {
			return true
		}
	}
	return false
}

// Pause suspends background rounds; a round in flight finishes.
func (s *Service) Pause() { s.paused.Store(true) }

// Resume re-enables background rounds.
func (s *Service) Resume() { s.paused.Store(false) }

// Trigger asks the background loop to run a round now.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start launches the background loop. It runs a round immediately and then
// every Interval, backing off from BackoffMin to BackoffMax after failures.
func (s *Service) Start(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return errors.New("background sync already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("background sync started", "interval", s.cfg.Interval)
	return nil
}

// Stop cancels the background loop and waits for it to exit.
func (s *Service) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("background sync stopped")
}

// Close stops the loop and detaches the service from its engines.
func (s *Service) Close() {
	s.Stop()
	for _, u := range s.unsub {
		u()
	}
	s.unsub = nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := s.cfg.BackoffMin
	wait := time.Duration(0)
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.trigger:
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		if s.paused.Load() {
			wait = s.cfg.Interval
			continue
		}

		results, err := s.SyncAll(ctx, SyncOptions{})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("background sync round failed", "error", err, "retry_in", backoff)
			wait = backoff
			backoff = min(backoff*2, s.cfg.BackoffMax)
			continue
		}

		backoff = s.cfg.BackoffMin
		wait = s.cfg.Interval
		synced := 0
		for _, r := range results {
			synced += r.RecordsSynced
		}
		s.logger.Debug("background sync round finished", "records_synced", synced, "next_in", wait)
	}
}
