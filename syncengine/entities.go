// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"time"

	"github.com/everylanguage/biblesync/model"
)

// Entity describes how rows of one table are written locally.
// Columns must start with "id" and match Args position by position.
//
// Unique lists the local unique keys other than id. The last column of each
// key must be an integer column; it is parked at a negative value when an
// incoming row takes the key from another local row.
type Entity[R any] struct {
	Table   string
	Columns []string
	Unique  [][]string
	Args    func(r *R, syncedAt time.Time) []any
	Key     func(r *R) (updatedAt time.Time, id string)
	Clean   func(r *R) // optional defaults before validation
}

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// LanguageEntities syncs language_entities.
var LanguageEntities = Entity[model.LanguageEntity]{
	Table:   model.TableLanguageEntities,
	Columns: []string{"id", "parent_id", "name", "level", "created_at", "updated_at", "deleted_at", "synced_at"},
	Args: func(r *model.LanguageEntity, syncedAt time.Time) []any {
		return []any{r.ID, r.ParentID, r.Name, string(r.Level), utc(r.CreatedAt), utc(r.UpdatedAt), utcPtr(r.DeletedAt), syncedAt}
	},
	Key: func(r *model.LanguageEntity) (time.Time, string) { return r.UpdatedAt, r.ID },
}

// Books syncs books.
var Books = Entity[model.Book]{
	Table:   model.TableBooks,
	Columns: []string{"id", "book_number", "name", "testament", "chapter_count", "global_order", "created_at", "updated_at", "synced_at"},
	Unique:  [][]string{{"book_number"}, {"global_order"}},
	Args: func(r *model.Book, syncedAt time.Time) []any {
		return []any{r.ID, r.BookNumber, r.Name, r.Testament, r.ChapterCount, r.GlobalOrder, utc(r.CreatedAt), utc(r.UpdatedAt), syncedAt}
	},
	Key: func(r *model.Book) (time.Time, string) { return r.UpdatedAt, r.ID },
}

// Chapters syncs chapters.
var Chapters = Entity[model.Chapter]{
	Table:   model.TableChapters,
	Columns: []string{"id", "book_id", "chapter_number", "total_verses", "global_order", "created_at", "updated_at", "synced_at"},
	Unique:  [][]string{{"book_id", "chapter_number"}},
	Args: func(r *model.Chapter, syncedAt time.Time) []any {
		return []any{r.ID, r.BookID, r.ChapterNumber, r.TotalVerses, r.GlobalOrder, utc(r.CreatedAt), utc(r.UpdatedAt), syncedAt}
	},
	Key: func(r *model.Chapter) (time.Time, string) { return r.UpdatedAt, r.ID },
}

// Verses syncs verses.
var Verses = Entity[model.Verse]{
	Table:   model.TableVerses,
	Columns: []string{"id", "chapter_id", "verse_number", "global_order", "created_at", "updated_at", "synced_at"},
	Unique:  [][]string{{"chapter_id", "verse_number"}},
	Args: func(r *model.Verse, syncedAt time.Time) []any {
		return []any{r.ID, r.ChapterID, r.VerseNumber, r.GlobalOrder, utc(r.CreatedAt), utc(r.UpdatedAt), syncedAt}
	},
	Key: func(r *model.Verse) (time.Time, string) { return r.UpdatedAt, r.ID },
}

// VerseTexts syncs verse_texts, drafts included; readers filter by status.
var VerseTexts = Entity[model.VerseText]{
	Table:   model.TableVerseTexts,
	Columns: []string{"id", "verse_id", "text_version_id", "verse_text", "publish_status", "version", "created_at", "updated_at", "synced_at"},
	Args: func(r *model.VerseText, syncedAt time.Time) []any {
		return []any{r.ID, r.VerseID, r.TextVersionID, r.VerseText, string(r.PublishStatus), r.Version, utc(r.CreatedAt), utc(r.UpdatedAt), syncedAt}
	},
	Key: func(r *model.VerseText) (time.Time, string) { return r.UpdatedAt, r.ID },
	Clean: func(r *model.VerseText) {
		if r.Version == 0 {
			r.Version = 1
		}
	},
}

// MediaFiles syncs media_files; remote deletions arrive as deleted_at.
var MediaFiles = Entity[model.MediaFile]{
	Table: model.TableMediaFiles,
	Columns: []string{"id", "language_entity_id", "sequence_id", "chapter_id", "media_type", "remote_path", "file_size",
		"duration_seconds", "publish_status", "version", "created_at", "updated_at", "deleted_at", "synced_at"},
	Args: func(r *model.MediaFile, syncedAt time.Time) []any {
		return []any{r.ID, r.LanguageEntityID, r.SequenceID, r.ChapterID, r.MediaType, r.RemotePath, r.FileSize,
			r.DurationSeconds, string(r.PublishStatus), r.Version, utc(r.CreatedAt), utc(r.UpdatedAt), utcPtr(r.DeletedAt), syncedAt}
	},
	Key: func(r *model.MediaFile) (time.Time, string) { return r.UpdatedAt, r.ID },
	Clean: func(r *model.MediaFile) {
		if r.MediaType == "" {
			r.MediaType = "audio"
		}
		if r.Version == 0 {
			r.Version = 1
		}
	},
}

// MediaFileVerses syncs media_file_verses.
var MediaFileVerses = Entity[model.MediaFileVerse]{
	Table: model.TableMediaFileVerses,
	Columns: []string{"id", "media_file_id", "verse_id", "start_time_seconds", "duration_seconds",
		"created_at", "updated_at", "deleted_at", "synced_at"},
	Args: func(r *model.MediaFileVerse, syncedAt time.Time) []any {
		return []any{r.ID, r.MediaFileID, r.VerseID, r.StartTimeSeconds, r.DurationSeconds,
			utc(r.CreatedAt), utc(r.UpdatedAt), utcPtr(r.DeletedAt), syncedAt}
	},
	Key: func(r *model.MediaFileVerse) (time.Time, string) { return r.UpdatedAt, r.ID },
}
