// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsStageFetch    = "fetch"
	MetricsStageValidate = "validate"
	MetricsStageUpsert   = "upsert"
	MetricsStageStatus   = "status"
	MetricsStageTotal    = "total"
)

type StageTiming struct {
	Table    string
	Stage    string
	Duration time.Duration
	Count    int
	Attempt  int
	Error    bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is shared by every engine of a service.
type stageObserver struct {
	recorder StageMetricsRecorder
	log      bool
	logger   *slog.Logger
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.log)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observe(ctx context.Context, table, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || !o.enabled() {
		return
	}
	timing := StageTiming{
		Table:    table,
		Stage:    stage,
		Duration: time.Since(start),
		Count:    count,
		Attempt:  attempt,
		Error:    hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.log && o.logger != nil {
		o.logger.Debug("Stage timing",
			"table", timing.Table,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
