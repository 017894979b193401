// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"fmt"
	"time"

	"github.com/everylanguage/biblesync/model"
	"github.com/jmoiron/sqlx"
)

// SchemaVersion is the schema version this build creates and migrates to.
// It is stored in PRAGMA user_version.
const SchemaVersion = 5

type tableDef struct {
	name    string
	ddl     string
	indexes []string
}

// tables is the latest schema, parents before children.
var tables = []tableDef{
	{
		name: model.TableLanguageEntities,
		ddl: `CREATE TABLE IF NOT EXISTS language_entities (
			id          TEXT PRIMARY KEY,
			parent_id   TEXT,
			name        TEXT NOT NULL,
			level       TEXT NOT NULL,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL,
			deleted_at  DATETIME,
			synced_at   DATETIME
		)`,
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_language_entities_parent ON language_entities(parent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_language_entities_updated ON language_entities(updated_at)`,
		},
	},
	{
		name: model.TableBooks,
		ddl: `CREATE TABLE IF NOT EXISTS books (
			id             TEXT PRIMARY KEY,
			book_number    INTEGER NOT NULL UNIQUE,
			name           TEXT NOT NULL,
			testament      TEXT,
			chapter_count  INTEGER NOT NULL DEFAULT 0,
			global_order   INTEGER NOT NULL UNIQUE,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			synced_at      DATETIME
		)`,
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_books_testament ON books(testament)`,
			`CREATE INDEX IF NOT EXISTS idx_books_updated ON books(updated_at)`,
		},
	},
	{
		name: model.TableChapters,
		ddl: `CREATE TABLE IF NOT EXISTS chapters (
			id              TEXT PRIMARY KEY,
			book_id         TEXT NOT NULL REFERENCES books(id),
			chapter_number  INTEGER NOT NULL,
			total_verses    INTEGER NOT NULL DEFAULT 0,
			global_order    INTEGER NOT NULL,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,
			synced_at       DATETIME,
			UNIQUE (book_id, chapter_number)
		)`,
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_chapters_global_order ON chapters(global_order)`,
		},
	},
	{
		name: model.TableVerses,
		ddl: `CREATE TABLE IF NOT EXISTS verses (
			id            TEXT PRIMARY KEY,
			chapter_id    TEXT NOT NULL REFERENCES chapters(id),
			verse_number  INTEGER NOT NULL,
			global_order  INTEGER NOT NULL,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			synced_at     DATETIME,
			UNIQUE (chapter_id, verse_number)
		)`,
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_verses_global_order ON verses(global_order)`,
		},
	},
	{
		name: model.TableVerseTexts,
		ddl: `CREATE TABLE IF NOT EXISTS verse_texts (
			id               TEXT PRIMARY KEY,
			verse_id         TEXT NOT NULL REFERENCES verses(id),
			text_version_id  TEXT,
			verse_text       TEXT NOT NULL DEFAULT '',
			publish_status   TEXT NOT NULL DEFAULT 'draft',
			version          INTEGER NOT NULL DEFAULT 1 CHECK (version >= 1),
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL,
			synced_at        DATETIME
		)`,
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_verse_texts_verse ON verse_texts(verse_id)`,
			`CREATE INDEX IF NOT EXISTS idx_verse_texts_status ON verse_texts(publish_status)`,
			`CREATE INDEX IF NOT EXISTS idx_verse_texts_version ON verse_texts(text_version_id)`,
		},
	},
	{
		name: model.TableMediaFiles,
		ddl: `CREATE TABLE IF NOT EXISTS media_files (
			id                  TEXT PRIMARY KEY,
			language_entity_id  TEXT NOT NULL,
			sequence_id         TEXT NOT NULL,
			chapter_id          TEXT,
			media_type          TEXT NOT NULL DEFAULT 'audio',
			remote_path         TEXT,
			file_size           INTEGER,
			duration_seconds    REAL,
			publish_status      TEXT NOT NULL DEFAULT 'draft',
			version             INTEGER NOT NULL DEFAULT 1,
			created_at          DATETIME NOT NULL,
			updated_at          DATETIME NOT NULL,
			deleted_at          DATETIME,
			synced_at           DATETIME
		)`,
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_media_files_language_sequence ON media_files(language_entity_id, sequence_id)`,
			`CREATE INDEX IF NOT EXISTS idx_media_files_chapter ON media_files(chapter_id)`,
		},
	},
	{
		name: model.TableMediaFileVerses,
		ddl: `CREATE TABLE IF NOT EXISTS media_file_verses (
			id                  TEXT PRIMARY KEY,
			media_file_id       TEXT NOT NULL,
			verse_id            TEXT NOT NULL,
			start_time_seconds  REAL NOT NULL DEFAULT 0,
			duration_seconds    REAL NOT NULL DEFAULT 0,
			created_at          DATETIME NOT NULL,
			updated_at          DATETIME NOT NULL,
			deleted_at          DATETIME,
			synced_at           DATETIME
		)`,
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_media_file_verses_media ON media_file_verses(media_file_id)`,
			`CREATE INDEX IF NOT EXISTS idx_media_file_verses_verse ON media_file_verses(verse_id)`,
		},
	},
	{
		// Local bookkeeping, never synced
		name: model.TableMediaDownloads,
		ddl: `CREATE TABLE IF NOT EXISTS media_downloads (
			media_file_id     TEXT PRIMARY KEY,
			local_path        TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			bytes_downloaded  INTEGER NOT NULL DEFAULT 0,
			downloaded_at     DATETIME,
			updated_at        DATETIME NOT NULL
		)`,
	},
	{
		name: model.TableSyncMetadata,
		ddl: `CREATE TABLE IF NOT EXISTS sync_metadata (
			table_name     TEXT PRIMARY KEY,
			last_sync      DATETIME,                   -- updated_at of the last absorbed remote row
			last_id        TEXT NOT NULL DEFAULT '',   -- id of that row, tie-breaker for equal timestamps
			total_records  INTEGER NOT NULL DEFAULT 0,
			sync_status    TEXT NOT NULL DEFAULT 'idle' CHECK (sync_status IN ('idle','syncing','error')),
			error_message  TEXT,
			created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
}

// TableColumns is the column list of every local table, in DDL order.
// Sync entities validate their upsert column lists against it.
var TableColumns = map[string][]string{
	model.TableLanguageEntities: {"id", "parent_id", "name", "level", "created_at", "updated_at", "deleted_at", "synced_at"},
	model.TableBooks:            {"id", "book_number", "name", "testament", "chapter_count", "global_order", "created_at", "updated_at", "synced_at"},
	model.TableChapters:         {"id", "book_id", "chapter_number", "total_verses", "global_order", "created_at", "updated_at", "synced_at"},
	model.TableVerses:           {"id", "chapter_id", "verse_number", "global_order", "created_at", "updated_at", "synced_at"},
	model.TableVerseTexts:       {"id", "verse_id", "text_version_id", "verse_text", "publish_status", "version", "created_at", "updated_at", "synced_at"},
	model.TableMediaFiles: {"id", "language_entity_id", "sequence_id", "chapter_id", "media_type", "remote_path", "file_size",
		"duration_seconds", "publish_status", "version", "created_at", "updated_at", "deleted_at", "synced_at"},
	model.TableMediaFileVerses: {"id", "media_file_id", "verse_id", "start_time_seconds", "duration_seconds", "created_at", "updated_at", "deleted_at", "synced_at"},
	model.TableMediaDownloads:  {"media_file_id", "local_path", "status", "bytes_downloaded", "downloaded_at", "updated_at"},
	model.TableSyncMetadata:    {"table_name", "last_sync", "last_id", "total_records", "sync_status", "error_message", "created_at", "updated_at"},
}

// ValidateColumns reports an error unless every column exists in table.
func ValidateColumns(table string, columns []string) error {
	known, ok := TableColumns[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	set := make(map[string]struct{}, len(known))
	for _, c := range known {
		set[c] = struct{}{}
	}
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if _, ok := set[c]; !ok {
			return fmt.Errorf("table %s has no column %q", table, c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("column %q listed twice for table %s", c, table)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// createTables creates every table and index, seeds one sync_metadata row per
// synced table and stamps the schema version.
func createTables(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin create-tables transaction: %w", err)
	}
	defer tx.Rollback()

	if err := createTablesInTx(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func createTablesInTx(ctx context.Context, tx *sqlx.Tx) error {
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
		for _, idx := range t.indexes {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", t.name, err)
			}
		}
	}

	now := time.Now().UTC()
	for _, name := range model.SyncedTables {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO sync_metadata (table_name, last_id, total_records, sync_status, created_at, updated_at)
			VALUES (?, '', 0, 'idle', ?, ?)
		`, name, now, now); err != nil {
			return fmt.Errorf("failed to seed sync_metadata for %s: %w", name, err)
		}
	}

	// A crash mid-sync leaves the status at 'syncing'; nothing can be in flight
	// while the database is being opened.
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_metadata SET sync_status = 'idle', updated_at = ? WHERE sync_status = 'syncing'
	`, now); err != nil {
		return fmt.Errorf("failed to reset stale syncing status: %w", err)
	}

	version, err := userVersion(ctx, tx)
	if err != nil {
		return err
	}
	if version < SchemaVersion {
		if err := setUserVersion(ctx, tx, SchemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// dropTablesInTx drops every user table, children first.
func dropTablesInTx(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return fmt.Errorf("failed to defer foreign keys: %w", err)
	}

	var existing []string
	if err := tx.SelectContext(ctx, &existing,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`); err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}

	var order []string
	for i := len(tables) - 1; i >= 0; i-- {
		if present[tables[i].name] {
			order = append(order, tables[i].name)
			delete(present, tables[i].name)
		}
	}
	for _, name := range existing {
		if present[name] {
			order = append(order, name)
		}
	}

	for _, name := range order {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}
	return setUserVersion(ctx, tx, 0)
}

// sanityCheck verifies the schema is complete and readable.
func sanityCheck(ctx context.Context, db *sqlx.DB) error {
	for _, t := range tables {
		ok, err := tableExists(ctx, db, t.name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("table %s is missing after creation", t.name)
		}
	}

	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sync_metadata`); err != nil {
		return fmt.Errorf("failed to read sync_metadata: %w", err)
	}
	if n < len(model.SyncedTables) {
		return fmt.Errorf("sync_metadata has %d rows, want at least %d", n, len(model.SyncedTables))
	}

	version, err := userVersion(ctx, db)
	if err != nil {
		return err
	}
	if version < SchemaVersion {
		return fmt.Errorf("schema version %d is behind %d", version, SchemaVersion)
	}
	return nil
}
