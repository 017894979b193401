package localdb

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// legacyV1 is the schema shipped before synced_at, publish_status and
// sync_metadata.last_id existed.
const legacyV1 = `
CREATE TABLE books (
	id TEXT PRIMARY KEY, book_number INTEGER NOT NULL, name TEXT NOT NULL, testament TEXT,
	chapter_count INTEGER NOT NULL DEFAULT 0, global_order INTEGER NOT NULL,
	created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
);
CREATE TABLE chapters (
	id TEXT PRIMARY KEY, book_id TEXT NOT NULL, chapter_number INTEGER NOT NULL,
	total_verses INTEGER NOT NULL DEFAULT 0, global_order INTEGER NOT NULL,
	created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
);
CREATE TABLE verse_texts (
	id TEXT PRIMARY KEY, verse_id TEXT NOT NULL, text_version_id TEXT, verse_text TEXT NOT NULL,
	is_published INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
);
CREATE TABLE sync_metadata (
	table_name TEXT PRIMARY KEY, last_sync DATETIME, total_records INTEGER NOT NULL DEFAULT 0,
	sync_status TEXT NOT NULL DEFAULT 'idle', error_message TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP, updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
INSERT INTO books VALUES ('b1', 1, 'Genesis', 'ot', 50, 1, '2024-01-01 00:00:00', '2024-01-01 00:00:00');
INSERT INTO verse_texts VALUES ('vt1', 'v1', 'kjv', 'In the beginning', 1, '2024-01-01 00:00:00', '2024-01-01 00:00:00');
INSERT INTO verse_texts VALUES ('vt2', 'v2', 'kjv', 'And the earth', 0, '2024-01-01 00:00:00', '2024-01-01 00:00:00');
INSERT INTO sync_metadata (table_name, last_sync, total_records) VALUES ('books', '2024-01-01 00:00:00', 1);
PRAGMA user_version = 1;
`

func seedDatabase(t *testing.T, path, script string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(script)
	require.NoError(t, err)
}

func TestMigrateLegacySchema(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedDatabase(t, cfg.Path, legacyV1)

	m := New(cfg, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(ctx))
	db, err := m.DatabaseSync()
	require.NoError(t, err)

	version, err := userVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, version)

	books, err := tableInfo(ctx, db, "books")
	require.NoError(t, err)
	require.True(t, books.Has("synced_at"))

	texts, err := tableInfo(ctx, db, "verse_texts")
	require.NoError(t, err)
	require.True(t, texts.Has("publish_status"))
	require.True(t, texts.Has("version"))
	require.True(t, texts.Has("synced_at"))

	var statuses []string
	require.NoError(t, db.Select(&statuses, `SELECT publish_status FROM verse_texts ORDER BY id`))
	require.Equal(t, []string{"published", "draft"}, statuses)

	meta, err := tableInfo(ctx, db, "sync_metadata")
	require.NoError(t, err)
	require.True(t, meta.Has("last_id"))

	var lastID string
	var total int
	require.NoError(t, db.QueryRow(`SELECT last_id, total_records FROM sync_metadata WHERE table_name = 'books'`).Scan(&lastID, &total))
	require.Equal(t, "", lastID)
	require.Equal(t, 1, total)

	// Tables absent from the legacy schema are created at the latest shape
	media, err := tableInfo(ctx, db, "media_files")
	require.NoError(t, err)
	require.True(t, media.Has("deleted_at"))

	var name string
	require.NoError(t, db.Get(&name, `SELECT name FROM books WHERE id = 'b1'`))
	require.Equal(t, "Genesis", name)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedDatabase(t, cfg.Path, legacyV1)

	m := New(cfg, nil)
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Close())

	// Rewind the version; every step must tolerate already-applied changes
	seedDatabase(t, cfg.Path, `PRAGMA user_version = 1`)
	require.NoError(t, m.Initialize(ctx))
	defer m.Close()

	db, err := m.DatabaseSync()
	require.NoError(t, err)
	version, err := userVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, version)
}

func TestFreshDatabaseSkipsMigrations(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := New(testConfig(t), logger)
	defer m.Close()
	require.NoError(t, m.Initialize(ctx))

	db, err := m.DatabaseSync()
	require.NoError(t, err)
	version, err := userVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, version)

	require.Contains(t, logs.String(), "fresh database, skipping migrations")
	require.NotContains(t, logs.String(), "migration target table missing")
	require.NotContains(t, logs.String(), "applied schema migration")
}

func TestMigrationsSkipMissingTables(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedDatabase(t, cfg.Path, `CREATE TABLE unrelated (x INTEGER); PRAGMA user_version = 1;`)

	m := New(cfg, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(ctx))

	db, err := m.DatabaseSync()
	require.NoError(t, err)
	ok, err := tableExists(ctx, db, "verse_texts")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNewerSchemaIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	seedDatabase(t, cfg.Path, `PRAGMA user_version = 42`)

	m := New(cfg, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(ctx))

	db, err := m.DatabaseSync()
	require.NoError(t, err)
	version, err := userVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 42, version)
}

func TestValidateColumns(t *testing.T) {
	require.NoError(t, ValidateColumns("books", []string{"id", "name"}))
	require.Error(t, ValidateColumns("books", []string{"id", "verse_text"}))
	require.Error(t, ValidateColumns("books", []string{"id", "id"}))
	require.Error(t, ValidateColumns("nope", []string{"id"}))
}

func TestSchemaColumnsMatchDDL(t *testing.T) {
	ctx := context.Background()
	m := New(DefaultConfig(filepath.Join(t.TempDir(), "cols.db")), nil)
	defer m.Close()
	require.NoError(t, m.Initialize(ctx))
	db, err := m.DatabaseSync()
	require.NoError(t, err)

	for table, cols := range TableColumns {
		info, err := tableInfo(ctx, db, table)
		require.NoError(t, err)
		var names []string
		for _, c := range info.Columns {
			names = append(names, c.Name)
		}
		require.Equal(t, cols, names, table)
	}
}
