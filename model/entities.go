// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the row shapes shared by the local cache, the remote
// sources and the read-side query service.
//
// The same struct serves three purposes: `json` tags describe the remote wire
// row, `db` tags describe the local SQLite row, and `validate` tags describe
// what a remote row must satisfy before it is written locally. Remote rows may
// carry extra columns; they are ignored on decode.
package model

import "time"

// Synced table names.
const (
	TableLanguageEntities = "language_entities"
	TableBooks            = "books"
	TableChapters         = "chapters"
	TableVerses           = "verses"
	TableVerseTexts       = "verse_texts"
	TableMediaFiles       = "media_files"
	TableMediaFileVerses  = "media_file_verses"
)

// Local-only table names.
const (
	TableMediaDownloads = "media_downloads"
	TableSyncMetadata   = "sync_metadata"
)

// SyncedTables lists every table pulled from the remote store, parents first.
var SyncedTables = []string{
	TableLanguageEntities,
	TableBooks,
	TableChapters,
	TableVerses,
	TableVerseTexts,
	TableMediaFiles,
	TableMediaFileVerses,
}

// Book is one book of the canon.
type Book struct {
	ID           string     `db:"id" json:"id" validate:"required"`
	BookNumber   int        `db:"book_number" json:"book_number" validate:"gte=1"`
	Name         string     `db:"name" json:"name" validate:"required"`
	Testament    *string    `db:"testament" json:"testament"`
	ChapterCount int        `db:"chapter_count" json:"chapter_count" validate:"gte=0"`
	GlobalOrder  int        `db:"global_order" json:"global_order" validate:"gte=0"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at" validate:"required"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at" validate:"required"`
	SyncedAt     *time.Time `db:"synced_at" json:"-"`
}

// TestamentKind returns the closed classification of the book's testament.
func (b *Book) TestamentKind() TestamentKind {
	if b.Testament == nil {
		return TestamentUnknown
	}
	return Testament(*b.Testament).Kind()
}

// Chapter belongs to a book.
type Chapter struct {
	ID            string     `db:"id" json:"id" validate:"required"`
	BookID        string     `db:"book_id" json:"book_id" validate:"required"`
	ChapterNumber int        `db:"chapter_number" json:"chapter_number" validate:"gte=1"`
	TotalVerses   int        `db:"total_verses" json:"total_verses" validate:"gte=0"`
	GlobalOrder   int        `db:"global_order" json:"global_order" validate:"gte=0"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at" validate:"required"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at" validate:"required"`
	SyncedAt      *time.Time `db:"synced_at" json:"-"`
}

// Verse belongs to a chapter.
type Verse struct {
	ID          string     `db:"id" json:"id" validate:"required"`
	ChapterID   string     `db:"chapter_id" json:"chapter_id" validate:"required"`
	VerseNumber int        `db:"verse_number" json:"verse_number" validate:"gte=1"`
	GlobalOrder int        `db:"global_order" json:"global_order" validate:"gte=0"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at" validate:"required"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at" validate:"required"`
	SyncedAt    *time.Time `db:"synced_at" json:"-"`
}

// VerseText is one rendering of a verse in one text version.
// Only published rows are visible to readers by default.
type VerseText struct {
	ID            string        `db:"id" json:"id" validate:"required"`
	VerseID       string        `db:"verse_id" json:"verse_id" validate:"required"`
	TextVersionID *string       `db:"text_version_id" json:"text_version_id"`
	VerseText     string        `db:"verse_text" json:"verse_text"`
	PublishStatus PublishStatus `db:"publish_status" json:"publish_status" validate:"required"`
	Version       int           `db:"version" json:"version" validate:"gte=1"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at" validate:"required"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at" validate:"required"`
	SyncedAt      *time.Time    `db:"synced_at" json:"-"`
}

// LanguageEntity is a node of the language tree (family, language, dialect...).
type LanguageEntity struct {
	ID        string     `db:"id" json:"id" validate:"required"`
	ParentID  *string    `db:"parent_id" json:"parent_id"`
	Name      string     `db:"name" json:"name" validate:"required"`
	Level     Level      `db:"level" json:"level" validate:"required"`
	CreatedAt time.Time  `db:"created_at" json:"created_at" validate:"required"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at" validate:"required"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at"`
	SyncedAt  *time.Time `db:"synced_at" json:"-"`
}

// MediaFile is a media asset for a language, ordered by sequence.
// Remote deletions arrive as a non-nil DeletedAt.
type MediaFile struct {
	ID               string        `db:"id" json:"id" validate:"required"`
	LanguageEntityID string        `db:"language_entity_id" json:"language_entity_id" validate:"required"`
	SequenceID       string        `db:"sequence_id" json:"sequence_id" validate:"required"`
	ChapterID        *string       `db:"chapter_id" json:"chapter_id"`
	MediaType        string        `db:"media_type" json:"media_type" validate:"required"`
	RemotePath       *string       `db:"remote_path" json:"remote_path"`
	FileSize         *int64        `db:"file_size" json:"file_size" validate:"omitempty,gte=0"`
	DurationSeconds  *float64      `db:"duration_seconds" json:"duration_seconds" validate:"omitempty,gte=0"`
	PublishStatus    PublishStatus `db:"publish_status" json:"publish_status" validate:"required"`
	Version          int           `db:"version" json:"version" validate:"gte=1"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at" validate:"required"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at" validate:"required"`
	DeletedAt        *time.Time    `db:"deleted_at" json:"deleted_at"`
	SyncedAt         *time.Time    `db:"synced_at" json:"-"`
}

// Deleted reports whether the remote has tombstoned the media file.
func (m *MediaFile) Deleted() bool { return m.DeletedAt != nil }

// MediaFileVerse maps a verse to a time offset inside a media file.
type MediaFileVerse struct {
	ID               string     `db:"id" json:"id" validate:"required"`
	MediaFileID      string     `db:"media_file_id" json:"media_file_id" validate:"required"`
	VerseID          string     `db:"verse_id" json:"verse_id" validate:"required"`
	StartTimeSeconds float64    `db:"start_time_seconds" json:"start_time_seconds" validate:"gte=0"`
	DurationSeconds  float64    `db:"duration_seconds" json:"duration_seconds" validate:"gte=0"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at" validate:"required"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at" validate:"required"`
	DeletedAt        *time.Time `db:"deleted_at" json:"deleted_at"`
	SyncedAt         *time.Time `db:"synced_at" json:"-"`
}

// MediaDownload is local bookkeeping for a media file fetched to the device.
// It is never synced.
type MediaDownload struct {
	MediaFileID     string         `db:"media_file_id" json:"media_file_id"`
	LocalPath       string         `db:"local_path" json:"local_path"`
	Status          DownloadStatus `db:"status" json:"status"`
	BytesDownloaded int64          `db:"bytes_downloaded" json:"bytes_downloaded"`
	DownloadedAt    *time.Time     `db:"downloaded_at" json:"downloaded_at,omitempty"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// SyncMetadata is the durable incremental-sync cursor of one synced table.
//
// LastSync is the updated_at of the last remote row absorbed; LastID is the id
// of that row and breaks ties between rows sharing the same timestamp.
type SyncMetadata struct {
	TableName    string     `db:"table_name" json:"table_name"`
	LastSync     *time.Time `db:"last_sync" json:"last_sync"`
	LastID       string     `db:"last_id" json:"last_id"`
	TotalRecords int64      `db:"total_records" json:"total_records"`
	SyncStatus   SyncStatus `db:"sync_status" json:"sync_status"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Watermark returns LastSync, or the Unix epoch for a never-synced table.
func (m *SyncMetadata) Watermark() time.Time {
	if m == nil || m.LastSync == nil {
		return Epoch
	}
	return m.LastSync.UTC()
}

// Epoch is the watermark of a table that has never been synced.
var Epoch = time.Unix(0, 0).UTC()
