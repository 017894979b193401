// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package query is the read side of the local cache.
//
// Every list method takes a typed filter, where only set fields add a
// condition, and an optional Sort checked against a per-table allow-list.
// Filter values are always bound parameters; the sort column and direction
// are the only interpolated SQL and come from the allow-list. Empty results
// are empty slices or nil, never errors.
package query

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/model"
)

// Service answers read queries against the local database.
type Service struct {
	db     *localdb.Manager
	logger *slog.Logger
}

// New returns a query service over db.
func New(db *localdb.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger.With("component", "query")}
}

// selectFrom returns "SELECT <columns> FROM table" using the known column
// list, so columns left behind by older schemas do not break scanning.
func selectFrom(table string) string {
	return "SELECT " + strings.Join(localdb.TableColumns[table], ", ") + " FROM " + table
}

func list[T any](ctx context.Context, s *Service, table string, w *where, sort *Sort, p Page) ([]T, error) {
	order, err := orderBy(table, sort)
	if err != nil {
		return nil, err
	}
	q, args, err := w.build(selectFrom(table), order, p)
	if err != nil {
		return nil, err
	}
	return localdb.ExecuteQuery[T](ctx, s.db, q, args...)
}

func byID[T any](ctx context.Context, s *Service, table, id string) (*T, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	return localdb.ExecuteSingleQuery[T](ctx, s.db, selectFrom(table)+" WHERE id = ?", id)
}

// Books lists books, by canonical order unless sorted otherwise.
func (s *Service) Books(ctx context.Context, f BookFilter, sort *Sort) ([]model.Book, error) {
	var w where
	w.addIn("id", f.IDs)
	w.addIf(f.Testament != "", enumEquals("testament"), model.NormalizeEnum(f.Testament))
	w.addIf(f.BookNumber != nil, "book_number = ?", deref(f.BookNumber))
	w.addIf(f.Name != "", `name LIKE ? ESCAPE '\'`, likePattern(f.Name))
	return list[model.Book](ctx, s, model.TableBooks, &w, sort, f.Page)
}

// Book returns one book, or nil when it is not cached.
func (s *Service) Book(ctx context.Context, id string) (*model.Book, error) {
	return byID[model.Book](ctx, s, model.TableBooks, id)
}

// Chapters lists chapters.
func (s *Service) Chapters(ctx context.Context, f ChapterFilter, sort *Sort) ([]model.Chapter, error) {
	var w where
	w.addIf(f.BookID != "", "book_id = ?", f.BookID)
	w.addIf(f.ChapterNumber != nil, "chapter_number = ?", deref(f.ChapterNumber))
	return list[model.Chapter](ctx, s, model.TableChapters, &w, sort, f.Page)
}

// Chapter returns one chapter, or nil.
func (s *Service) Chapter(ctx context.Context, id string) (*model.Chapter, error) {
	return byID[model.Chapter](ctx, s, model.TableChapters, id)
}

// Verses lists verses. FromNumber and ToNumber bound the verse number inclusively.
func (s *Service) Verses(ctx context.Context, f VerseFilter, sort *Sort) ([]model.Verse, error) {
	var w where
	w.addIf(f.ChapterID != "", "chapter_id = ?", f.ChapterID)
	w.addIf(f.VerseNumber != nil, "verse_number = ?", deref(f.VerseNumber))
	w.addIf(f.FromNumber != nil, "verse_number >= ?", deref(f.FromNumber))
	w.addIf(f.ToNumber != nil, "verse_number <= ?", deref(f.ToNumber))
	return list[model.Verse](ctx, s, model.TableVerses, &w, sort, f.Page)
}

// VerseTexts lists verse texts, published only unless f.IncludeUnpublished.
func (s *Service) VerseTexts(ctx context.Context, f VerseTextFilter, sort *Sort) ([]model.VerseText, error) {
	w := verseTextWhere(f)
	return list[model.VerseText](ctx, s, model.TableVerseTexts, w, sort, f.Page)
}

// SearchVerseTexts lists verse texts whose body contains term. Wildcards in
// term match literally.
func (s *Service) SearchVerseTexts(ctx context.Context, term string, f VerseTextFilter, sort *Sort) ([]model.VerseText, error) {
	if strings.TrimSpace(term) == "" {
		return []model.VerseText{}, nil
	}
	w := verseTextWhere(f)
	w.add(`verse_text LIKE ? ESCAPE '\'`, likePattern(term))
	return list[model.VerseText](ctx, s, model.TableVerseTexts, w, sort, f.Page)
}

func verseTextWhere(f VerseTextFilter) *where {
	w := &where{}
	w.addIf(f.VerseID != "", "verse_id = ?", f.VerseID)
	w.addIn("verse_id", f.VerseIDs)
	w.addIf(f.TextVersionID != "", "text_version_id = ?", f.TextVersionID)
	w.addIf(!f.IncludeUnpublished, enumEquals("publish_status"), string(model.StatusPublished))
	return w
}

// LanguageEntities lists language entities. Tombstoned entities are hidden
// unless f.IncludeDeleted.
func (s *Service) LanguageEntities(ctx context.Context, f LanguageEntityFilter, sort *Sort) ([]model.LanguageEntity, error) {
	var w where
	w.addIf(f.ParentID != "", "parent_id = ?", f.ParentID)
	w.addIf(f.RootsOnly, "parent_id IS NULL")
	w.addIf(f.Level != "", enumEquals("level"), model.NormalizeEnum(f.Level))
	w.addIf(!f.IncludeDeleted, "deleted_at IS NULL")
	return list[model.LanguageEntity](ctx, s, model.TableLanguageEntities, &w, sort, f.Page)
}

// MediaFiles lists media files. Tombstoned files are hidden unless
// f.IncludeDeleted.
func (s *Service) MediaFiles(ctx context.Context, f MediaFileFilter, sort *Sort) ([]model.MediaFile, error) {
	var w where
	w.addIf(f.LanguageEntityID != "", "language_entity_id = ?", f.LanguageEntityID)
	w.addIf(f.ChapterID != "", "chapter_id = ?", f.ChapterID)
	w.addIf(f.MediaType != "", enumEquals("media_type"), model.NormalizeEnum(f.MediaType))
	w.addIf(!f.IncludeDeleted, "deleted_at IS NULL")
	return list[model.MediaFile](ctx, s, model.TableMediaFiles, &w, sort, f.Page)
}

// MediaFile returns one media file, tombstoned or not, or nil.
func (s *Service) MediaFile(ctx context.Context, id string) (*model.MediaFile, error) {
	return byID[model.MediaFile](ctx, s, model.TableMediaFiles, id)
}

// MediaFileVerses lists verse timings, by start time unless sorted otherwise.
func (s *Service) MediaFileVerses(ctx context.Context, f MediaFileVerseFilter, sort *Sort) ([]model.MediaFileVerse, error) {
	var w where
	w.addIf(f.MediaFileID != "", "media_file_id = ?", f.MediaFileID)
	w.addIf(f.VerseID != "", "verse_id = ?", f.VerseID)
	w.addIf(!f.IncludeDeleted, "deleted_at IS NULL")
	return list[model.MediaFileVerse](ctx, s, model.TableMediaFileVerses, &w, sort, f.Page)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
