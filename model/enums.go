// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "strings"

// Sync status values stored in sync_metadata.sync_status.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// Valid reports whether s is one of the known sync statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncIdle, SyncSyncing, SyncError:
		return true
	}
	return false
}

// Testament is the raw remote testament tag. Unknown values are kept as-is.
type Testament string

// TestamentKind is the closed classification of a Testament.
type TestamentKind int

const (
	TestamentUnknown TestamentKind = iota
	TestamentOld
	TestamentNew
)

func (k TestamentKind) String() string {
	switch k {
	case TestamentOld:
		return "old"
	case TestamentNew:
		return "new"
	default:
		return "unknown"
	}
}

// Kind maps the raw value to a TestamentKind.
func (t Testament) Kind() TestamentKind {
	switch normalizeEnum(string(t)) {
	case "ot", "old", "old_testament":
		return TestamentOld
	case "nt", "new", "new_testament":
		return TestamentNew
	default:
		return TestamentUnknown
	}
}

// PublishStatus is the raw remote publish status.
type PublishStatus string

const (
	StatusDraft     PublishStatus = "draft"
	StatusPublished PublishStatus = "published"
	StatusArchived  PublishStatus = "archived"
)

// PublishKind is the closed classification of a PublishStatus.
type PublishKind int

const (
	PublishOther PublishKind = iota
	PublishDraft
	PublishPublished
	PublishArchived
)

func (k PublishKind) String() string {
	switch k {
	case PublishDraft:
		return "draft"
	case PublishPublished:
		return "published"
	case PublishArchived:
		return "archived"
	default:
		return "other"
	}
}

// Kind maps the raw value to a PublishKind.
func (s PublishStatus) Kind() PublishKind {
	switch normalizeEnum(string(s)) {
	case "draft":
		return PublishDraft
	case "published":
		return PublishPublished
	case "archived":
		return PublishArchived
	default:
		return PublishOther
	}
}

// Visible reports whether readers see rows with this status.
func (s PublishStatus) Visible() bool { return s.Kind() == PublishPublished }

// Level is the raw remote level of a language entity.
type Level string

// LevelKind is the closed classification of a Level.
type LevelKind int

const (
	LevelOther LevelKind = iota
	LevelFamily
	LevelLanguage
	LevelDialect
	LevelMotherTongue
)

func (k LevelKind) String() string {
	switch k {
	case LevelFamily:
		return "family"
	case LevelLanguage:
		return "language"
	case LevelDialect:
		return "dialect"
	case LevelMotherTongue:
		return "mother_tongue"
	default:
		return "other"
	}
}

// Kind maps the raw value to a LevelKind.
func (l Level) Kind() LevelKind {
	switch normalizeEnum(string(l)) {
	case "family":
		return LevelFamily
	case "language":
		return LevelLanguage
	case "dialect":
		return LevelDialect
	case "mother_tongue":
		return LevelMotherTongue
	default:
		return LevelOther
	}
}

// DownloadStatus tracks a local media download.
type DownloadStatus string

const (
	DownloadPending    DownloadStatus = "pending"
	DownloadInProgress DownloadStatus = "downloading"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// NormalizeEnum lower-cases and trims a raw remote enum value without
// rejecting unknown values.
func NormalizeEnum(s string) string { return normalizeEnum(s) }
