// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/everylanguage/biblesync/model"
	"github.com/jmoiron/sqlx"
)

// migration upgrades the schema to version. Every step is idempotent and
// tolerates tables that do not exist yet; createTables builds those later
// at the latest shape.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sqlx.Tx, logger *slog.Logger) error
}

var migrations = []migration{
	{version: 1, name: "baseline", apply: func(context.Context, *sqlx.Tx, *slog.Logger) error { return nil }},
	{version: 2, name: "synced_at on books, chapters, verses", apply: migrateSyncedAt},
	{version: 3, name: "publish_status and version on verse_texts", apply: migrateVerseTextPublishing},
	{version: 4, name: "sync_metadata.last_id", apply: migrateSyncMetadataLastID},
	{version: 5, name: "soft delete on media tables", apply: migrateMediaSoftDelete},
}

// migrate applies pending migrations one transaction per step, bumping
// user_version inside the same transaction.
func migrate(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	current, err := userVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		logger.Warn("database schema is newer than this build, skipping migrations",
			"stored_version", current, "target_version", SchemaVersion)
		return nil
	}
	if current == 0 {
		var n int
		if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`); err != nil {
			return &DatabaseError{Code: CodeMigrationFailed, Op: "inspect", Err: err}
		}
		// createTables builds a fresh database at the latest shape
		if n == 0 {
			logger.Debug("fresh database, skipping migrations", "target_version", SchemaVersion)
			return nil
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m, logger); err != nil {
			return &DatabaseError{Code: CodeMigrationFailed, Op: fmt.Sprintf("migrate v%d (%s)", m.version, m.name), Err: err}
		}
		logger.Info("applied schema migration", "version", m.version, "name", m.name)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, m migration, logger *slog.Logger) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.apply(ctx, tx, logger); err != nil {
		return err
	}
	if err := setUserVersion(ctx, tx, m.version); err != nil {
		return err
	}
	return tx.Commit()
}

// addColumnIfMissing adds column to table when the table exists and lacks it.
// It reports whether the column was added.
func addColumnIfMissing(ctx context.Context, tx *sqlx.Tx, logger *slog.Logger, table, column, decl string) (bool, error) {
	exists, err := tableExists(ctx, tx, table)
	if err != nil {
		return false, err
	}
	if !exists {
		logger.Warn("migration target table missing, skipping", "table", table, "column", column)
		return false, nil
	}
	info, err := tableInfo(ctx, tx, table)
	if err != nil {
		return false, err
	}
	if info.Has(column) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return false, fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return true, nil
}

func migrateSyncedAt(ctx context.Context, tx *sqlx.Tx, logger *slog.Logger) error {
	for _, table := range []string{model.TableBooks, model.TableChapters, model.TableVerses} {
		if _, err := addColumnIfMissing(ctx, tx, logger, table, "synced_at", "DATETIME"); err != nil {
			return err
		}
	}
	return nil
}

func migrateVerseTextPublishing(ctx context.Context, tx *sqlx.Tx, logger *slog.Logger) error {
	added, err := addColumnIfMissing(ctx, tx, logger, model.TableVerseTexts,
		"publish_status", "TEXT NOT NULL DEFAULT 'published'")
	if err != nil {
		return err
	}
	if added {
		// Older builds tracked visibility as a boolean.
		info, err := tableInfo(ctx, tx, model.TableVerseTexts)
		if err != nil {
			return err
		}
		if info.Has("is_published") {
			if _, err := tx.ExecContext(ctx, `
				UPDATE verse_texts
				SET publish_status = CASE WHEN is_published THEN 'published' ELSE 'draft' END
			`); err != nil {
				return fmt.Errorf("failed to backfill verse_texts.publish_status: %w", err)
			}
		}
	}
	if _, err := addColumnIfMissing(ctx, tx, logger, model.TableVerseTexts,
		"version", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	if _, err := addColumnIfMissing(ctx, tx, logger, model.TableVerseTexts, "synced_at", "DATETIME"); err != nil {
		return err
	}
	exists, err := tableExists(ctx, tx, model.TableVerseTexts)
	if err != nil || !exists {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE verse_texts SET version = 1 WHERE version IS NULL OR version < 1`); err != nil {
		return fmt.Errorf("failed to backfill verse_texts.version: %w", err)
	}
	return nil
}

func migrateSyncMetadataLastID(ctx context.Context, tx *sqlx.Tx, logger *slog.Logger) error {
	_, err := addColumnIfMissing(ctx, tx, logger, model.TableSyncMetadata, "last_id", "TEXT NOT NULL DEFAULT ''")
	return err
}

func migrateMediaSoftDelete(ctx context.Context, tx *sqlx.Tx, logger *slog.Logger) error {
	for _, table := range []string{model.TableMediaFiles, model.TableMediaFileVerses} {
		if _, err := addColumnIfMissing(ctx, tx, logger, table, "deleted_at", "DATETIME"); err != nil {
			return err
		}
	}
	exists, err := tableExists(ctx, tx, model.TableMediaFiles)
	if err != nil || !exists {
		return err
	}
	info, err := tableInfo(ctx, tx, model.TableMediaFiles)
	if err != nil {
		return err
	}
	if !info.Has("language_entity_id") || !info.Has("sequence_id") {
		logger.Warn("media_files lacks index columns, skipping index", "table", model.TableMediaFiles)
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_media_files_language_sequence ON media_files(language_entity_id, sequence_id)
	`); err != nil {
		return fmt.Errorf("failed to index media_files: %w", err)
	}
	return nil
}
