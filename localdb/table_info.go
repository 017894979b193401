// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx. Under MaxOpenConns=1 a
// caller holding a transaction must introspect through that transaction.
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// TableInfo describes the live structure of a local table.
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
	byName  map[string]*ColumnInfo
}

// Has reports whether the table has the named column (case-insensitive).
func (t *TableInfo) Has(column string) bool {
	_, ok := t.byName[strings.ToLower(column)]
	return ok
}

// Column returns the named column or nil.
func (t *TableInfo) Column(column string) *ColumnInfo {
	return t.byName[strings.ToLower(column)]
}

// tableInfo reads PRAGMA table_info. It is not cached: migrations change the
// shape of tables while the manager is running.
func tableInfo(ctx context.Context, q queryer, table string) (*TableInfo, error) {
	key := strings.ToLower(table)
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", key))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: key, byName: make(map[string]*ColumnInfo)}
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}

		var defaultVal *string
		if defaultValue.Valid {
			defaultVal = &defaultValue.String
		}
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk > 0,
			NotNull:      notNull == 1,
			DefaultValue: defaultVal,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	for i := range info.Columns {
		info.byName[strings.ToLower(info.Columns[i].Name)] = &info.Columns[i]
	}
	return info, nil
}

func tableExists(ctx context.Context, q queryer, table string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return n > 0, nil
}

func userVersion(ctx context.Context, q queryer) (int, error) {
	var v int
	if err := sqlx.GetContext(ctx, q, &v, `PRAGMA user_version`); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// setUserVersion stamps PRAGMA user_version; pragmas do not take bind parameters.
func setUserVersion(ctx context.Context, q queryer, v int) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("failed to set schema version %d: %w", v, err)
	}
	return nil
}
