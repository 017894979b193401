// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/everylanguage/biblesync/localdb"
	"github.com/everylanguage/biblesync/model"
	"github.com/jmoiron/sqlx"
)

const upsertDownloadSQL = `
INSERT INTO media_downloads (media_file_id, local_path, status, bytes_downloaded, downloaded_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(media_file_id) DO UPDATE SET
	local_path = excluded.local_path,
	status = excluded.status,
	bytes_downloaded = excluded.bytes_downloaded,
	downloaded_at = excluded.downloaded_at,
	updated_at = excluded.updated_at`

// SaveMediaDownload creates or replaces the download record of a media file.
// A completed download without DownloadedAt is stamped with the current time.
func (s *Service) SaveMediaDownload(ctx context.Context, d model.MediaDownload) error {
	if d.MediaFileID == "" || d.LocalPath == "" {
		return errors.New("media file id and local path are required")
	}
	if d.Status == "" {
		d.Status = model.DownloadPending
	}
	switch d.Status {
	case model.DownloadPending, model.DownloadInProgress, model.DownloadCompleted, model.DownloadFailed:
	default:
		return fmt.Errorf("unknown download status %q", d.Status)
	}
	if d.BytesDownloaded < 0 {
		return fmt.Errorf("negative bytes downloaded: %d", d.BytesDownloaded)
	}

	now := time.Now().UTC()
	if d.Status == model.DownloadCompleted && d.DownloadedAt == nil {
		d.DownloadedAt = &now
	}
	_, err := s.db.ExecSingle(ctx, upsertDownloadSQL,
		d.MediaFileID, d.LocalPath, string(d.Status), d.BytesDownloaded, d.DownloadedAt, now)
	return err
}

// MediaDownload returns the download record of a media file, or nil.
func (s *Service) MediaDownload(ctx context.Context, mediaFileID string) (*model.MediaDownload, error) {
	return localdb.ExecuteSingleQuery[model.MediaDownload](ctx, s.db,
		selectFrom(model.TableMediaDownloads)+" WHERE media_file_id = ?", mediaFileID)
}

// MediaDownloads lists download records, optionally only those in status.
func (s *Service) MediaDownloads(ctx context.Context, status model.DownloadStatus) ([]model.MediaDownload, error) {
	var w where
	w.addIf(status != "", "status = ?", string(status))
	q, args, err := w.build(selectFrom(model.TableMediaDownloads), " ORDER BY updated_at DESC, media_file_id", Page{})
	if err != nil {
		return nil, err
	}
	return localdb.ExecuteQuery[model.MediaDownload](ctx, s.db, q, args...)
}

// DeleteMediaDownload removes the download record and reports whether one
// existed.
func (s *Service) DeleteMediaDownload(ctx context.Context, mediaFileID string) (bool, error) {
	n, err := s.db.ExecSingle(ctx, `DELETE FROM media_downloads WHERE media_file_id = ?`, mediaFileID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneDeletedDownloads removes the download records of media files the
// remote has tombstoned and returns them, so the caller can delete the local
// files.
func (s *Service) PruneDeletedDownloads(ctx context.Context) ([]model.MediaDownload, error) {
	var pruned []model.MediaDownload
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		pruned = nil
		if err := tx.SelectContext(ctx, &pruned, `
			SELECT d.media_file_id, d.local_path, d.status, d.bytes_downloaded, d.downloaded_at, d.updated_at
			FROM media_downloads d
			JOIN media_files m ON m.id = d.media_file_id
			WHERE m.deleted_at IS NOT NULL
			ORDER BY d.media_file_id`); err != nil {
			return fmt.Errorf("failed to find tombstoned downloads: %w", err)
		}
		if len(pruned) == 0 {
			return nil
		}
		ids := make([]string, len(pruned))
		for i, d := range pruned {
			ids[i] = d.MediaFileID
		}
		q, args, err := sqlx.In(`DELETE FROM media_downloads WHERE media_file_id IN (?)`, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("failed to delete tombstoned downloads: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pruned) > 0 {
		s.logger.Info("pruned downloads of deleted media files", "count", len(pruned))
	}
	if pruned == nil {
		pruned = []model.MediaDownload{}
	}
	return pruned, nil
}
