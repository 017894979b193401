// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"errors"
	"time"

	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/model"
)

// VerseWithTexts is a verse with its visible texts.
type VerseWithTexts struct {
	model.Verse
	Texts []model.VerseText `json:"texts"`
}

// ChapterWithVerses is a chapter with its verses in verse order.
type ChapterWithVerses struct {
	model.Chapter
	Verses []VerseWithTexts `json:"verses"`
}

// BookWithChapters is a book with its chapters in chapter order.
type BookWithChapters struct {
	model.Book
	Chapters []model.Chapter `json:"chapters"`
}

// chapterVerseRow is one row of the chapter/verse/text join. Verse and text
// columns are NULL when the chapter has no verses or a verse has no text.
type chapterVerseRow struct {
	model.Chapter

	VID          *string    `db:"v_id"`
	VNumber      *int       `db:"v_verse_number"`
	VGlobalOrder *int       `db:"v_global_order"`
	VCreatedAt   *time.Time `db:"v_created_at"`
	VUpdatedAt   *time.Time `db:"v_updated_at"`
	VSyncedAt    *time.Time `db:"v_synced_at"`

	TID            *string    `db:"t_id"`
	TVersionID     *string    `db:"t_text_version_id"`
	TText          *string    `db:"t_verse_text"`
	TPublishStatus *string    `db:"t_publish_status"`
	TVersion       *int       `db:"t_version"`
	TCreatedAt     *time.Time `db:"t_created_at"`
	TUpdatedAt     *time.Time `db:"t_updated_at"`
	TSyncedAt      *time.Time `db:"t_synced_at"`
}

const chapterWithVersesSQL = `
SELECT c.id, c.book_id, c.chapter_number, c.total_verses, c.global_order,
       c.created_at, c.updated_at, c.synced_at,
       v.id AS v_id, v.verse_number AS v_verse_number, v.global_order AS v_global_order,
       v.created_at AS v_created_at, v.updated_at AS v_updated_at, v.synced_at AS v_synced_at,
       t.id AS t_id, t.text_version_id AS t_text_version_id, t.verse_text AS t_verse_text,
       t.publish_status AS t_publish_status, t.version AS t_version,
       t.created_at AS t_created_at, t.updated_at AS t_updated_at, t.synced_at AS t_synced_at
FROM chapters c
LEFT JOIN verses v ON v.chapter_id = c.id
LEFT JOIN verse_texts t ON t.verse_id = v.id
     AND replace(replace(lower(trim(t.publish_status)), '-', '_'), ' ', '_') = 'published'
     AND (? = '' OR t.text_version_id = ?)
WHERE c.id = ?
ORDER BY v.verse_number, t.text_version_id, t.id`

// ChapterWithVerses loads a chapter with its verses and their published
// texts in one statement. An empty textVersionID includes every version.
// It returns nil when the chapter is not cached.
func (s *Service) ChapterWithVerses(ctx context.Context, chapterID, textVersionID string) (*ChapterWithVerses, error) {
	if chapterID == "" {
		return nil, errors.New("chapter id is required")
	}
	rows, err := localdb.ExecuteQuery[chapterVerseRow](ctx, s.db, chapterWithVersesSQL, textVersionID, textVersionID, chapterID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	out := &ChapterWithVerses{Chapter: rows[0].Chapter, Verses: []VerseWithTexts{}}
	for _, r := range rows {
		if r.VID == nil {
			continue
		}
		if n := len(out.Verses); n == 0 || out.Verses[n-1].ID != *r.VID {
			out.Verses = append(out.Verses, VerseWithTexts{
				Verse: model.Verse{
					ID:          *r.VID,
					ChapterID:   r.Chapter.ID,
					VerseNumber: deref(r.VNumber),
					GlobalOrder: deref(r.VGlobalOrder),
					CreatedAt:   deref(r.VCreatedAt),
					UpdatedAt:   deref(r.VUpdatedAt),
					SyncedAt:    r.VSyncedAt,
				},
				Texts: []model.VerseText{},
			})
		}
		if r.TID == nil {
			continue
		}
		v := &out.Verses[len(out.Verses)-1]
		v.Texts = append(v.Texts, model.VerseText{
			ID:            *r.TID,
			VerseID:       v.ID,
			TextVersionID: r.TVersionID,
			VerseText:     deref(r.TText),
			PublishStatus: model.PublishStatus(deref(r.TPublishStatus)),
			Version:       deref(r.TVersion),
			CreatedAt:     deref(r.TCreatedAt),
			UpdatedAt:     deref(r.TUpdatedAt),
			SyncedAt:      r.TSyncedAt,
		})
	}
	return out, nil
}

type bookChapterRow struct {
	model.Book

	CID          *string    `db:"c_id"`
	CNumber      *int       `db:"c_chapter_number"`
	CTotalVerses *int       `db:"c_total_verses"`
	CGlobalOrder *int       `db:"c_global_order"`
	CCreatedAt   *time.Time `db:"c_created_at"`
	CUpdatedAt   *time.Time `db:"c_updated_at"`
	CSyncedAt    *time.Time `db:"c_synced_at"`
}

const bookWithChaptersSQL = `
SELECT b.id, b.book_number, b.name, b.testament, b.chapter_count, b.global_order,
       b.created_at, b.updated_at, b.synced_at,
       c.id AS c_id, c.chapter_number AS c_chapter_number, c.total_verses AS c_total_verses,
       c.global_order AS c_global_order, c.created_at AS c_created_at,
       c.updated_at AS c_updated_at, c.synced_at AS c_synced_at
FROM books b
LEFT JOIN chapters c ON c.book_id = b.id
WHERE b.id = ?
ORDER BY c.chapter_number`

// BookWithChapters loads a book with its chapters in one statement, or nil
// when the book is not cached.
func (s *Service) BookWithChapters(ctx context.Context, bookID string) (*BookWithChapters, error) {
	if bookID == "" {
		return nil, errors.New("book id is required")
	}
	rows, err := localdb.ExecuteQuery[bookChapterRow](ctx, s.db, bookWithChaptersSQL, bookID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := &BookWithChapters{Book: rows[0].Book, Chapters: []model.Chapter{}}
	for _, r := range rows {
		if r.CID == nil {
			continue
		}
		out.Chapters = append(out.Chapters, model.Chapter{
			ID:            *r.CID,
			BookID:        r.Book.ID,
			ChapterNumber: deref(r.CNumber),
			TotalVerses:   deref(r.CTotalVerses),
			GlobalOrder:   deref(r.CGlobalOrder),
			CreatedAt:     deref(r.CCreatedAt),
			UpdatedAt:     deref(r.CUpdatedAt),
			SyncedAt:      r.CSyncedAt,
		})
	}
	return out, nil
}
