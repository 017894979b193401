// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrInvalidSort is returned when a sort field or direction is not allowed
// for the queried entity.
var ErrInvalidSort = errors.New("invalid sort")

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Sort orders a list result. Field must be in the entity's allow-list.
type Sort struct {
	Field     string
	Direction Direction
}

// Page limits a list result. Zero values mean no limit and no offset.
type Page struct {
	Limit  int
	Offset int
}

// BookFilter selects books. Unset fields have no effect.
type BookFilter struct {
	IDs        []string
	Testament  string
	BookNumber *int
	Name       string // substring match
	Page
}

// ChapterFilter selects chapters.
type ChapterFilter struct {
	BookID        string
	ChapterNumber *int
	Page
}

// VerseFilter selects verses.
type VerseFilter struct {
	ChapterID   string
	VerseNumber *int
	FromNumber  *int
	ToNumber    *int
	Page
}

// VerseTextFilter selects verse texts. Only published texts are returned
// unless IncludeUnpublished is set.
type VerseTextFilter struct {
	VerseID            string
	VerseIDs           []string
	TextVersionID      string
	IncludeUnpublished bool
	Page
}

// LanguageEntityFilter selects language entities.
type LanguageEntityFilter struct {
	ParentID       string
	RootsOnly      bool
	Level          string
	IncludeDeleted bool
	Page
}

// MediaFileFilter selects media files. Tombstoned files are hidden unless
// IncludeDeleted is set.
type MediaFileFilter struct {
	LanguageEntityID string
	ChapterID        string
	MediaType        string
	IncludeDeleted   bool
	Page
}

// MediaFileVerseFilter selects verse timings of media files.
type MediaFileVerseFilter struct {
	MediaFileID    string
	VerseID        string
	IncludeDeleted bool
	Page
}

// sortColumns maps the sortable fields of each table to their column.
var sortColumns = map[string]map[string]string{
	"books": {
		"book_number":  "book_number",
		"name":         "name",
		"testament":    "testament",
		"global_order": "global_order",
		"updated_at":   "updated_at",
	},
	"chapters": {
		"chapter_number": "chapter_number",
		"global_order":   "global_order",
		"total_verses":   "total_verses",
		"updated_at":     "updated_at",
	},
	"verses": {
		"verse_number": "verse_number",
		"global_order": "global_order",
		"updated_at":   "updated_at",
	},
	"verse_texts": {
		"verse_id":        "verse_id",
		"text_version_id": "text_version_id",
		"version":         "version",
		"updated_at":      "updated_at",
	},
	"language_entities": {
		"name":       "name",
		"level":      "level",
		"updated_at": "updated_at",
	},
	"media_files": {
		"sequence_id":      "sequence_id",
		"media_type":       "media_type",
		"file_size":        "file_size",
		"duration_seconds": "duration_seconds",
		"updated_at":       "updated_at",
	},
	"media_file_verses": {
		"start_time_seconds": "start_time_seconds",
		"updated_at":         "updated_at",
	},
}

// defaultOrder is used when no sort is given.
var defaultOrder = map[string]string{
	"books":             "global_order ASC",
	"chapters":          "global_order ASC",
	"verses":            "global_order ASC",
	"verse_texts":       "verse_id ASC, text_version_id ASC",
	"language_entities": "name ASC",
	"media_files":       "language_entity_id ASC, sequence_id ASC",
	"media_file_verses": "start_time_seconds ASC",
}

// orderBy validates s against the allow-list of table and returns the ORDER
// BY clause. id is always the final key so paging is stable.
func orderBy(table string, s *Sort) (string, error) {
	if s == nil || s.Field == "" {
		return " ORDER BY " + defaultOrder[table] + ", id ASC", nil
	}
	col, ok := sortColumns[table][s.Field]
	if !ok {
		return "", fmt.Errorf("%w: %s cannot be sorted by %q", ErrInvalidSort, table, s.Field)
	}
	dir := "ASC"
	switch Direction(strings.ToLower(string(s.Direction))) {
	case "", Asc:
	case Desc:
		dir = "DESC"
	default:
		return "", fmt.Errorf("%w: direction %q", ErrInvalidSort, s.Direction)
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir), nil
}

// where accumulates AND-ed conditions and their bind arguments.
type where struct {
	conds []string
	args  []any
	in    bool
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// addIn adds "col IN (...)"; an empty list adds nothing.
func (w *where) addIn(col string, values []string) {
	if len(values) == 0 {
		return
	}
	w.add(col+" IN (?)", values)
	w.in = true
}

func (w *where) addIf(ok bool, cond string, args ...any) {
	if ok {
		w.add(cond, args...)
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// build assembles the statement. IN lists are expanded with sqlx.In.
func (w *where) build(selectSQL, order string, p Page) (string, []any, error) {
	q := selectSQL + w.String() + order
	args := w.args
	switch {
	case p.Limit > 0:
		q += " LIMIT ? OFFSET ?"
		args = append(args, p.Limit, max(p.Offset, 0))
	case p.Offset > 0:
		q += " LIMIT -1 OFFSET ?"
		args = append(args, p.Offset)
	}
	if !w.in {
		return q, args, nil
	}
	return sqlx.In(q, args...)
}

// enumEquals compares the raw tag stored in col with a filter value the way
// model.NormalizeEnum does, so stored tags keep their remote spelling.
func enumEquals(col string) string {
	return "replace(replace(lower(trim(" + col + ")), '-', '_'), ' ', '_') = ?"
}

// likePattern escapes LIKE wildcards in s and wraps it for a substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
