// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package localdb

// Stage names an initialization step.
type Stage string

const (
	StageOpening        Stage = "opening"
	StageVerifying      Stage = "verifying"
	StageMigrating      Stage = "migrating"
	StageCreatingTables Stage = "creating_tables"
	StageSanityCheck    Stage = "sanity_check"
	StageReady          Stage = "ready"
	StageError          Stage = "error"
)

// Progress is reported to the progress callback as initialization advances.
// Percent never decreases within one initialization, retries included.
type Progress struct {
	Stage   Stage
	Message string
	Percent int
	Err     error
}

// ProgressFunc receives initialization progress. It is called synchronously
// from the initializing goroutine and must not block.
type ProgressFunc func(Progress)

// SetProgressCallback installs fn; nil removes the callback.
func (m *Manager) SetProgressCallback(fn ProgressFunc) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	m.progressFn = fn
}

func (m *Manager) resetProgress() {
	m.progressMu.Lock()
	m.lastPercent = 0
	m.progressMu.Unlock()
}

func (m *Manager) report(stage Stage, message string, percent int, err error) {
	m.progressMu.Lock()
	if percent < m.lastPercent {
		percent = m.lastPercent
	}
	m.lastPercent = percent
	fn := m.progressFn
	m.progressMu.Unlock()

	m.logger.Debug("database initialization progress", "stage", stage, "percent", percent, "message", message)
	if fn != nil {
		fn(Progress{Stage: stage, Message: message, Percent: percent, Err: err})
	}
}
