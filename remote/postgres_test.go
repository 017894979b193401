package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("biblesync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := ConnectPostgres(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresSourceKeysetPaging(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE books (
			id TEXT PRIMARY KEY,
			book_number INT NOT NULL,
			name TEXT NOT NULL,
			testament TEXT,
			chapter_count INT NOT NULL,
			global_order INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		INSERT INTO books VALUES
			('a', 1, 'Genesis', 'ot', 50, 1, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z'),
			('c', 2, 'Exodus',  'ot', 40, 2, '2024-01-01T00:00:00Z', '2024-01-02T00:00:00Z'),
			('b', 3, 'Leviticus', 'ot', 27, 3, '2024-01-01T00:00:00Z', '2024-01-02T00:00:00Z'),
			('d', 4, 'Numbers', NULL, 36, 4, '2024-01-01T00:00:00Z', '2024-01-03T00:00:00Z');
	`)
	require.NoError(t, err)

	src := NewPostgresSource(pool, "", nil)
	type key struct {
		ID        string    `json:"id"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	decode := func(rows []json.RawMessage) []key {
		out := make([]key, len(rows))
		for i, r := range rows {
			require.NoError(t, json.Unmarshal(r, &out[i]))
		}
		return out
	}

	page, err := src.FetchPage(ctx, PageRequest{Table: "books", Since: time.Unix(0, 0), Limit: 2})
	require.NoError(t, err)
	keys := decode(page)
	require.Equal(t, []string{"a", "b"}, []string{keys[0].ID, keys[1].ID})

	// Tie on updated_at between b and c is broken by id
	page, err = src.FetchPage(ctx, PageRequest{Table: "books", Since: keys[1].UpdatedAt, AfterID: keys[1].ID, Limit: 2})
	require.NoError(t, err)
	keys = decode(page)
	require.Equal(t, []string{"c", "d"}, []string{keys[0].ID, keys[1].ID})

	page, err = src.FetchPage(ctx, PageRequest{Table: "books", Since: keys[1].UpdatedAt, AfterID: keys[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestPostgresSourceMissingTableIsHardError(t *testing.T) {
	pool := startPostgres(t)
	src := NewPostgresSource(pool, "", nil)

	_, err := src.FetchPage(context.Background(), PageRequest{Table: "verses", Limit: 1})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "42P01", fe.Code)
	require.False(t, IsTransient(err))
}

func TestIsTransientPGError(t *testing.T) {
	require.True(t, isTransientPGError(&pgconn.PgError{Code: "40001"}))
	require.True(t, isTransientPGError(&pgconn.PgError{Code: "08006"}))
	require.False(t, isTransientPGError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isTransientPGError(errors.New("plain")))
}
