package syncengine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/everylanguage/biblesync/internal/remotetest"
	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/model"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newManager(t *testing.T) *localdb.Manager {
	t.Helper()
	cfg := localdb.DefaultConfig(filepath.Join(t.TempDir(), "sync.db"))
	m := localdb.New(cfg, nil)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.FetchAttempts = 3
	cfg.FetchBackoff = time.Millisecond
	cfg.FetchMaxBackoff = 5 * time.Millisecond
	return cfg
}

func strPtr(s string) *string { return &s }

func book(i int, updated time.Time) model.Book {
	return model.Book{
		ID:           fmt.Sprintf("book-%04d", i),
		BookNumber:   i,
		Name:         fmt.Sprintf("Book %d", i),
		Testament:    strPtr("ot"),
		ChapterCount: 10,
		GlobalOrder:  i,
		CreatedAt:    base,
		UpdatedAt:    updated,
	}
}

// books returns n books with strictly increasing updated_at.
func books(n int) []any {
	out := make([]any, n)
	for i := 1; i <= n; i++ {
		out[i-1] = book(i, base.Add(time.Duration(i)*time.Second))
	}
	return out
}

func newBookEngine(t *testing.T, db *localdb.Manager, src *remotetest.MemorySource, cfg *Config) *Engine[model.Book] {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	eng, err := NewEngine(db, src, Books, cfg, nil)
	require.NoError(t, err)
	return eng
}

func metadata(t *testing.T, db *localdb.Manager, table string) model.SyncMetadata {
	t.Helper()
	meta, err := localdb.ExecuteSingleQuery[model.SyncMetadata](context.Background(), db,
		`SELECT * FROM sync_metadata WHERE table_name = ?`, table)
	require.NoError(t, err)
	require.NotNil(t, meta)
	return *meta
}

func count(t *testing.T, db *localdb.Manager, table string) int {
	t.Helper()
	n, err := localdb.ExecuteSingleQuery[int](context.Background(), db, "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	return *n
}

type bookDigest struct {
	ID         string    `db:"id"`
	BookNumber int       `db:"book_number"`
	Name       string    `db:"name"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func bookDigests(t *testing.T, db *localdb.Manager) []bookDigest {
	t.Helper()
	rows, err := localdb.ExecuteQuery[bookDigest](context.Background(), db,
		`SELECT id, book_number, name, updated_at FROM books ORDER BY id`)
	require.NoError(t, err)
	for i := range rows {
		rows[i].UpdatedAt = rows[i].UpdatedAt.UTC()
	}
	return rows
}
