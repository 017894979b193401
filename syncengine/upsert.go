// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/model"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// upsertStatement renders a multi-row upsert for n rows. Existing rows are
// updated in place so children referencing them stay valid.
func upsertStatement(table string, cols []string, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")

	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(group)
	}

	b.WriteString(" ON CONFLICT(id) DO UPDATE SET ")
	first := true
	for _, c := range cols {
		if c == "id" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(c)
		b.WriteString(" = excluded.")
		b.WriteString(c)
	}
	return b.String()
}

// rowsPerStatement bounds a statement by the bind parameter ceiling.
func rowsPerStatement(cols int) int {
	n := MaxSQLVariables / cols
	if n < 1 {
		n = 1
	}
	return n
}

// upsertRows writes args (one []any per row) in statements of at most
// rowsPerStatement rows.
func upsertRows(ctx context.Context, tx *sqlx.Tx, table string, cols []string, args [][]any) error {
	per := rowsPerStatement(len(cols))
	for start := 0; start < len(args); start += per {
		end := min(start+per, len(args))
		flat := make([]any, 0, (end-start)*len(cols))
		for _, a := range args[start:end] {
			flat = append(flat, a...)
		}
		if _, err := tx.ExecContext(ctx, upsertStatement(table, cols, end-start), flat...); err != nil {
			return fmt.Errorf("failed to upsert %d rows into %s: %w", end-start, table, err)
		}
	}
	return nil
}

// conflictQuery selects local rows, other than the incoming ones, that hold
// key values of n incoming rows. Each VALUES group is (id, key columns...).
func conflictQuery(table string, key []string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT DISTINCT t.id FROM %s t JOIN (VALUES ", table)
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(key)+1), ", ") + ")"
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(group)
	}
	b.WriteString(") v ON t.id <> v.column1")
	for i, c := range key {
		fmt.Fprintf(&b, " AND t.%s = v.column%d", c, i+2)
	}
	return b.String()
}

// parkConflicts frees the unique keys the incoming rows are about to take.
// The last column of a clashing local row gets a fresh value below every
// existing one; the parked row's own update restores it.
func parkConflicts(ctx context.Context, tx *sqlx.Tx, table string, cols []string, keys [][]string, args [][]any) error {
	for _, key := range keys {
		pos := make([]int, len(key))
		for i, c := range key {
			pos[i] = slices.Index(cols, c)
			if pos[i] < 0 {
				return fmt.Errorf("unique key column %s.%s is not synced", table, c)
			}
		}
		last := key[len(key)-1]
		park := fmt.Sprintf(`UPDATE %[1]s SET %[2]s = (SELECT MIN(0, COALESCE(MIN(%[2]s), 0)) FROM %[1]s) - 1 WHERE id = ?`, table, last)

		per := rowsPerStatement(len(key) + 1)
		for start := 0; start < len(args); start += per {
			end := min(start+per, len(args))
			flat := make([]any, 0, (end-start)*(len(key)+1))
			for _, a := range args[start:end] {
				flat = append(flat, a[0])
				for _, p := range pos {
					flat = append(flat, a[p])
				}
			}
			var ids []string
			if err := tx.SelectContext(ctx, &ids, conflictQuery(table, key, end-start), flat...); err != nil {
				return fmt.Errorf("failed to find %s rows holding %s: %w", table, strings.Join(key, ", "), err)
			}
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, park, id); err != nil {
					return fmt.Errorf("failed to park %s.%s of %s: %w", table, last, id, err)
				}
			}
		}
	}
	return nil
}

// writeRows parks clashing unique keys and upserts args.
func writeRows(ctx context.Context, tx *sqlx.Tx, table string, cols []string, keys [][]string, args [][]any) error {
	if err := parkConflicts(ctx, tx, table, cols, keys, args); err != nil {
		return err
	}
	return upsertRows(ctx, tx, table, cols, args)
}

// isRowConstraint reports whether err is a constraint failure that one bad
// row can cause. Trigger aborts and other failures are not.
func isRowConstraint(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) || sqlErr.Code != sqlite3.ErrConstraint {
		return false
	}
	switch sqlErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintForeignKey,
		sqlite3.ErrConstraintNotNull, sqlite3.ErrConstraintCheck:
		return true
	}
	return false
}

// advanceWatermark persists the cursor inside the caller's transaction.
func advanceWatermark(ctx context.Context, tx *sqlx.Tx, table string, since time.Time, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_metadata SET last_sync = ?, last_id = ?, updated_at = ? WHERE table_name = ?
	`, since.UTC(), id, time.Now().UTC(), table)
	if err != nil {
		return fmt.Errorf("failed to advance watermark of %s: %w", table, err)
	}
	return nil
}

// readMetadata returns the sync_metadata row of table, creating it if missing.
func readMetadata(ctx context.Context, db *localdb.Manager, table string) (*model.SyncMetadata, error) {
	now := time.Now().UTC()
	if _, err := db.ExecSingle(ctx, `
		INSERT OR IGNORE INTO sync_metadata (table_name, last_id, total_records, sync_status, created_at, updated_at)
		VALUES (?, '', 0, 'idle', ?, ?)
	`, table, now, now); err != nil {
		return nil, err
	}
	meta, err := localdb.ExecuteSingleQuery[model.SyncMetadata](ctx, db,
		`SELECT * FROM sync_metadata WHERE table_name = ?`, table)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("sync_metadata row for %s vanished", table)
	}
	return meta, nil
}

func markSyncing(ctx context.Context, db *localdb.Manager, table string, resetWatermark bool) error {
	query := `UPDATE sync_metadata SET sync_status = 'syncing', error_message = NULL, updated_at = ? WHERE table_name = ?`
	if resetWatermark {
		query = `UPDATE sync_metadata SET sync_status = 'syncing', error_message = NULL, last_sync = NULL, last_id = '', updated_at = ? WHERE table_name = ?`
	}
	_, err := db.ExecSingle(ctx, query, time.Now().UTC(), table)
	return err
}

func markIdle(ctx context.Context, db *localdb.Manager, table string) error {
	// Table names come from the entity descriptors, never from callers.
	total, err := localdb.ExecuteSingleQuery[int64](ctx, db, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	if err != nil {
		return err
	}
	_, err = db.ExecSingle(ctx, `
		UPDATE sync_metadata SET sync_status = 'idle', error_message = NULL, total_records = ?, updated_at = ?
		WHERE table_name = ?
	`, *total, time.Now().UTC(), table)
	return err
}

func markError(ctx context.Context, db *localdb.Manager, table, message string) error {
	_, err := db.ExecSingle(ctx, `
		UPDATE sync_metadata SET sync_status = 'error', error_message = ?, updated_at = ? WHERE table_name = ?
	`, message, time.Now().UTC(), table)
	return err
}
