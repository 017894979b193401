// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine pulls remote tables into the local cache.
//
// Each table has one Engine. A run reads the table's (last_sync, last_id)
// cursor from sync_metadata, fetches pages ordered by (updated_at, id), writes
// each page in chunked transactions and advances the cursor in the same
// transaction as the rows it covers. An interrupted run resumes from the
// last committed chunk without skipping or duplicating rows.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/remote"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// TableSyncer is the table-independent view of an Engine.
type TableSyncer interface {
	Table() string
	SyncTable(ctx context.Context, opts SyncOptions) (SyncResult, error)
	OnSync(fn Listener) (unsubscribe func())
	IsSyncing() bool
}

// Engine syncs one table whose rows decode into R.
type Engine[R any] struct {
	entity    Entity[R]
	db        *localdb.Manager
	source    remote.Source
	cfg       *Config
	logger    *slog.Logger
	stages    *stageObserver
	syncing   atomic.Bool
	listeners listenerSet
}

// NewEngine validates the entity against the local schema and returns an engine.
func NewEngine[R any](db *localdb.Manager, source remote.Source, entity Entity[R], cfg *Config, logger *slog.Logger) (*Engine[R], error) {
	if db == nil || source == nil {
		return nil, errors.New("database manager and remote source are required")
	}
	if len(entity.Columns) == 0 || entity.Columns[0] != "id" {
		return nil, fmt.Errorf("entity %s: first column must be id", entity.Table)
	}
	if err := localdb.ValidateColumns(entity.Table, entity.Columns); err != nil {
		return nil, fmt.Errorf("entity %s: %w", entity.Table, err)
	}
	for _, key := range entity.Unique {
		if len(key) == 0 {
			return nil, fmt.Errorf("entity %s: empty unique key", entity.Table)
		}
		for _, c := range key {
			if !slices.Contains(entity.Columns, c) {
				return nil, fmt.Errorf("entity %s: unique key column %s is not synced", entity.Table, c)
			}
		}
	}
	if entity.Args == nil || entity.Key == nil {
		return nil, fmt.Errorf("entity %s: Args and Key are required", entity.Table)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "syncengine", "table", entity.Table)
	cfg = cfg.withDefaults()
	return &Engine[R]{
		entity: entity,
		db:     db,
		source: source,
		cfg:    cfg,
		logger: logger,
		stages: &stageObserver{recorder: cfg.StageMetrics, log: cfg.LogStageTimings, logger: logger},
	}, nil
}

// Table returns the synced table name.
func (e *Engine[R]) Table() string { return e.entity.Table }

// IsSyncing reports whether a run is in flight.
func (e *Engine[R]) IsSyncing() bool { return e.syncing.Load() }

// OnSync registers fn for every completed run and returns its unsubscribe func.
func (e *Engine[R]) OnSync(fn Listener) func() { return e.listeners.add(fn) }

// SyncTable runs one incremental sync. A concurrent call on the same engine
// returns ErrSyncInProgress without touching the table or notifying listeners.
func (e *Engine[R]) SyncTable(ctx context.Context, opts SyncOptions) (SyncResult, error) {
	res := SyncResult{RunID: uuid.NewString(), TableName: e.entity.Table}
	if !e.syncing.CompareAndSwap(false, true) {
		res.Error = ErrSyncInProgress.Error()
		return res, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	started := time.Now()
	totalStart := e.stages.start()
	logger := e.logger.With("run_id", res.RunID)
	logger.Info("sync started", "force_full", opts.ForceFull)

	err := e.run(ctx, opts, &res, logger)
	res.Duration = time.Since(started)

	// Status must never stay at syncing, even when ctx was cancelled.
	statusCtx := context.WithoutCancel(ctx)
	statusStart := e.stages.start()
	var statusErr error
	if err != nil {
		res.Error = err.Error()
		statusErr = markError(statusCtx, e.db, e.entity.Table, err.Error())
		logger.Error("sync failed", "error", err, "records_synced", res.RecordsSynced, "pages", res.Pages)
	} else {
		res.Success = true
		statusErr = markIdle(statusCtx, e.db, e.entity.Table)
		if statusErr != nil {
			res.Success = false
			res.Error = statusErr.Error()
			err = statusErr
		}
		logger.Info("sync finished",
			"records_synced", res.RecordsSynced,
			"records_skipped", res.RecordsSkipped,
			"pages", res.Pages,
			"watermark", res.Watermark,
			"duration", res.Duration)
	}
	if statusErr != nil {
		logger.Error("failed to update sync status", "error", statusErr)
	}
	e.stages.observe(statusCtx, e.entity.Table, MetricsStageStatus, statusStart, 0, 0, statusErr != nil)
	e.stages.observe(statusCtx, e.entity.Table, MetricsStageTotal, totalStart, res.RecordsSynced, 0, err != nil)

	e.listeners.notify(res)
	return res, err
}

func (e *Engine[R]) run(ctx context.Context, opts SyncOptions, res *SyncResult, logger *slog.Logger) error {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = e.cfg.BatchSize
	}

	meta, err := readMetadata(ctx, e.db, e.entity.Table)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}
	since, afterID := meta.Watermark(), meta.LastID
	if opts.ForceFull {
		since, afterID = time.Unix(0, 0).UTC(), ""
	}
	res.Watermark = since

	if err := markSyncing(ctx, e.db, e.entity.Table, opts.ForceFull); err != nil {
		return fmt.Errorf("failed to mark table syncing: %w", err)
	}

	for {
		page, err := e.fetch(ctx, remote.PageRequest{Table: e.entity.Table, Since: since, AfterID: afterID, Limit: batch})
		if err != nil {
			return err
		}
		res.Pages++
		if len(page) == 0 {
			break
		}

		validateStart := e.stages.start()
		decoded := e.decodePage(page, logger)
		e.stages.observe(ctx, e.entity.Table, MetricsStageValidate, validateStart, len(page), 0, false)
		if !decoded.hasTail {
			return fmt.Errorf("page of %d rows from %s has no row with a usable id and updated_at", len(page), e.entity.Table)
		}
		res.RecordsSkipped += decoded.skipped

		upsertStart := e.stages.start()
		dropped, err := e.writePage(ctx, decoded, logger)
		e.stages.observe(ctx, e.entity.Table, MetricsStageUpsert, upsertStart, len(decoded.rows)-dropped, 0, err != nil)
		if err != nil {
			return err
		}
		res.RecordsSynced += len(decoded.rows) - dropped
		res.RecordsSkipped += dropped
		since, afterID = decoded.tailTime, decoded.tailID
		res.Watermark = since

		logger.Debug("page applied", "rows", len(decoded.rows), "skipped", decoded.skipped,
			"watermark", since, "last_id", afterID)
		if len(page) < batch {
			break
		}
	}
	return nil
}

func (e *Engine[R]) fetch(ctx context.Context, req remote.PageRequest) ([]json.RawMessage, error) {
	policy := e.cfg.fetchPolicy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.logger.Warn("page fetch failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	var page []json.RawMessage
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := e.stages.start()
		var err error
		page, err = e.source.FetchPage(ctx, req)
		e.stages.observe(ctx, e.entity.Table, MetricsStageFetch, start, len(page), attempt, err != nil)
		return err
	}, remote.IsTransient)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s page after %s/%s: %w", req.Table, req.Since.Format(time.RFC3339Nano), req.AfterID, err)
	}
	return page, nil
}

type decodedRow[R any] struct {
	row       R
	updatedAt time.Time
	id        string
}

type decodedPage[R any] struct {
	rows     []decodedRow[R]
	skipped  int
	hasTail  bool
	tailTime time.Time
	tailID   string
}

// rowKey is decoded separately from R so rows failing validation still move
// the cursor past themselves.
type rowKey struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Engine[R]) decodePage(page []json.RawMessage, logger *slog.Logger) decodedPage[R] {
	out := decodedPage[R]{rows: make([]decodedRow[R], 0, len(page))}
	for i, raw := range page {
		var key rowKey
		if err := json.Unmarshal(raw, &key); err != nil || key.ID == "" || key.UpdatedAt.IsZero() {
			out.skipped++
			logger.Warn("skipping remote row without usable key", "index", i, "error", err)
			continue
		}
		out.hasTail = true
		out.tailTime, out.tailID = key.UpdatedAt.UTC(), key.ID

		var r R
		if err := json.Unmarshal(raw, &r); err != nil {
			out.skipped++
			logger.Warn("skipping malformed remote row", "id", key.ID, "error", err)
			continue
		}
		if e.entity.Clean != nil {
			e.entity.Clean(&r)
		}
		if err := validate.Struct(&r); err != nil {
			out.skipped++
			logger.Warn("skipping invalid remote row", "id", key.ID, "error", err)
			continue
		}
		updatedAt, id := e.entity.Key(&r)
		out.rows = append(out.rows, decodedRow[R]{row: r, updatedAt: updatedAt.UTC(), id: id})
	}
	return out
}

// writePage upserts the page in chunk transactions. Each transaction also
// moves the cursor to its last row; the last one moves it to the page tail,
// which covers rows skipped at the end of the page. A chunk rejected by a row
// constraint is rewritten row by row and the rejected rows are dropped. It
// returns the number of dropped rows.
func (e *Engine[R]) writePage(ctx context.Context, page decodedPage[R], logger *slog.Logger) (int, error) {
	chunk := e.cfg.UpsertChunkSize
	syncedAt := time.Now().UTC()

	if len(page.rows) == 0 {
		return 0, e.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			return advanceWatermark(ctx, tx, e.entity.Table, page.tailTime, page.tailID)
		})
	}

	dropped := 0
	for start := 0; start < len(page.rows); start += chunk {
		end := min(start+chunk, len(page.rows))
		rows := page.rows[start:end]
		cursorTime, cursorID := rows[len(rows)-1].updatedAt, rows[len(rows)-1].id
		if end == len(page.rows) {
			cursorTime, cursorID = page.tailTime, page.tailID
		}

		args := make([][]any, len(rows))
		for i := range rows {
			args[i] = e.entity.Args(&rows[i].row, syncedAt)
		}
		err := e.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			if err := writeRows(ctx, tx, e.entity.Table, e.entity.Columns, e.entity.Unique, args); err != nil {
				return err
			}
			return advanceWatermark(ctx, tx, e.entity.Table, cursorTime, cursorID)
		})
		if err != nil && isRowConstraint(err) {
			logger.Warn("chunk rejected by a local constraint, writing rows one by one",
				"from", start, "to", end, "error", err)
			var n int
			err = e.db.Transaction(ctx, func(tx *sqlx.Tx) error {
				var err error
				if n, err = e.writeEach(ctx, tx, rows, args, logger); err != nil {
					return err
				}
				return advanceWatermark(ctx, tx, e.entity.Table, cursorTime, cursorID)
			})
			if err == nil {
				dropped += n
			}
		}
		if err != nil {
			return dropped, fmt.Errorf("failed to write %s rows %d..%d: %w", e.entity.Table, start, end, err)
		}
	}
	return dropped, nil
}

// writeEach writes rows one at a time with immediate foreign key checks,
// each under its own savepoint, and drops the rows a constraint rejects.
func (e *Engine[R]) writeEach(ctx context.Context, tx *sqlx.Tx, rows []decodedRow[R], args [][]any, logger *slog.Logger) (int, error) {
	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = OFF`); err != nil {
		return 0, err
	}
	dropped := 0
	for i := range rows {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT sync_row`); err != nil {
			return dropped, err
		}
		err := writeRows(ctx, tx, e.entity.Table, e.entity.Columns, e.entity.Unique, args[i:i+1])
		if err != nil {
			if !isRowConstraint(err) {
				return dropped, err
			}
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO sync_row`); rbErr != nil {
				return dropped, rbErr
			}
			dropped++
			logger.Warn("skipping remote row rejected by a local constraint", "id", rows[i].id, "error", err)
		}
		if _, err := tx.ExecContext(ctx, `RELEASE sync_row`); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}
