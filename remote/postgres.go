// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads pages directly from Postgres. Rows are rendered with
// row_to_json so both sources hand the engines the same JSON shape.
// The updated_at columns must be timestamptz.
type PostgresSource struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

// NewPostgresSource wraps an existing pool. schema defaults to "public".
func NewPostgresSource(pool *pgxpool.Pool, schema string, logger *slog.Logger) *PostgresSource {
	if schema == "" {
		schema = "public"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{pool: pool, schema: schema, logger: logger.With("component", "postgres_source")}
}

// ConnectPostgres opens a pool for dsn and verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// FetchPage implements Source.
func (s *PostgresSource) FetchPage(ctx context.Context, req PageRequest) ([]json.RawMessage, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	f := newKeysetFilter(req)
	table := pgx.Identifier{s.schema, req.Table}.Sanitize()

	var (
		query string
		args  []any
	)
	if f.inclusive {
		query = fmt.Sprintf(`
			SELECT row_to_json(t)::text FROM %s t
			WHERE t.updated_at >= $1
			ORDER BY t.updated_at, t.id::text COLLATE "C"
			LIMIT $2`, table)
		args = []any{f.since, req.Limit}
	} else {
		query = fmt.Sprintf(`
			SELECT row_to_json(t)::text FROM %s t
			WHERE t.updated_at > $1 OR (t.updated_at = $1 AND t.id::text COLLATE "C" > $2)
			ORDER BY t.updated_at, t.id::text COLLATE "C"
			LIMIT $3`, table)
		args = []any{f.since, f.afterID, req.Limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.queryError(ctx, req.Table, err)
	}
	texts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.queryError(ctx, req.Table, err)
	}

	out := make([]json.RawMessage, len(texts))
	for i, t := range texts {
		out[i] = json.RawMessage(t)
	}
	s.logger.Debug("fetched page", "table", req.Table, "rows", len(out), "since", req.Since, "after_id", req.AfterID)
	return out, nil
}

func (s *PostgresSource) queryError(ctx context.Context, table string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	fe := &FetchError{Table: table, Err: err, Transient: isTransientPGError(err)}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		fe.Code = pgErr.SQLState()
		fe.Message = pgErr.Message
	}
	s.logger.Warn("postgres fetch failed", "table", table, "code", fe.Code, "transient", fe.Transient, "error", err)
	return fe
}

func isTransientPGError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		state := pgErr.SQLState()
		switch state {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01", // admin_shutdown
			"53300": // too_many_connections
			return true
		}
		return strings.HasPrefix(state, "08") // connection exceptions
	}
	// No server response at all: dial or I/O failure
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
