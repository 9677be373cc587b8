package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/metrics"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/queue"
)

// SummaryRefresher rewrites the QC summary
type SummaryRefresher interface {
	Refresh(ctx context.Context) (qc.Report, error)
	Thresholds() qc.Thresholds
}

// CacheInvalidator drops aggregates derived from the score cache
type CacheInvalidator interface {
	Invalidate(ctx context.Context)
}

// EventSink keeps the newest refresh events
type EventSink interface {
	PushCapped(ctx context.Context, key string, value interface{}, max int64) error
}

// refreshPipeline reacts to a completed score refresh: it records the
// event, rewrites the QC summary and drops stale aggregates
type refreshPipeline struct {
	summary   SummaryRefresher
	analytics CacheInvalidator
	events    EventSink
}

func (p *refreshPipeline) handle(ctx context.Context, event *models.ScoreRefreshedEvent) error {
	log.Info().
		Str("run_id", event.RunID).
		Str("model_version", event.ModelVersion).
		Int("rows_scored", event.RowsScored).
		Msg("Score refresh event received")

	if p.events != nil {
		if err := p.events.PushCapped(ctx, queue.RefreshEventsKey, event, queue.MaxRefreshEvents); err != nil {
			log.Warn().Err(err).Str("run_id", event.RunID).Msg("Failed to store refresh event")
		}
	}

	if p.analytics != nil {
		p.analytics.Invalidate(ctx)
	}

	report, err := p.summary.Refresh(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("run_id", event.RunID).Msg("No QC snapshots to summarize")
			return nil
		}
		return fmt.Errorf("failed to refresh QC summary: %w", err)
	}

	status := qc.Evaluate(report, p.summary.Thresholds())
	metrics.SetQCStatus(status.Status)
	if status.Status == qc.StatusAlert {
		log.Warn().
			Str("run_id", event.RunID).
			Str("message", status.Message).
			Msg("QC alert after score refresh")
	} else {
		log.Info().
			Str("run_id", event.RunID).
			Str("status", status.Status).
			Int("snapshots", report.TotalSnapshots).
			Msg("QC summary refreshed")
	}
	return nil
}
