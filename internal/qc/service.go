package qc

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusCacheKey holds the cached QC verdict
const StatusCacheKey = "qc:status"

// Cache is the subset of the Redis cache client used for the QC verdict
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ServiceConfig configures the QC status service
type ServiceConfig struct {
	LogDir      string
	SummaryPath string
	Thresholds  Thresholds
	CacheTTL    time.Duration
}

// Service serves the QC verdict from the summary file
type Service struct {
	cfg   ServiceConfig
	cache Cache
}

// NewService creates a QC service. cache may be nil.
func NewService(cfg ServiceConfig, cache Cache) *Service {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Service{cfg: cfg, cache: cache}
}

// Thresholds returns the configured alert floors
func (s *Service) Thresholds() Thresholds {
	return s.cfg.Thresholds
}

// Status returns the QC verdict. A missing summary is regenerated from the
// log directory when snapshots exist.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	if s.cache != nil {
		var cached StatusReport
		if err := s.cache.Get(ctx, StatusCacheKey, &cached); err == nil && cached.Status != "" {
			return cached, nil
		}
	}

	report, err := ReadReport(s.cfg.SummaryPath)
	if errors.Is(err, fs.ErrNotExist) {
		report, err = s.regenerate()
		if errors.Is(err, fs.ErrNotExist) {
			return NoSummary(s.cfg.Thresholds), nil
		}
	}
	if err != nil {
		return StatusReport{}, err
	}

	status := Evaluate(report, s.cfg.Thresholds)
	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := s.cache.Set(ctx, StatusCacheKey, status, s.cfg.CacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache QC status")
		}
	}
	return status, nil
}

// Summary returns the aggregated report, regenerating it when the summary
// file is absent. It reports fs.ErrNotExist when no snapshot exists.
func (s *Service) Summary(ctx context.Context) (Report, error) {
	report, err := ReadReport(s.cfg.SummaryPath)
	if errors.Is(err, fs.ErrNotExist) {
		return s.regenerate()
	}
	return report, err
}

// Refresh rewrites the summary from the log directory and drops the cached
// verdict
func (s *Service) Refresh(ctx context.Context) (Report, error) {
	report, err := WriteSummary(s.cfg.LogDir, s.cfg.SummaryPath)
	if err != nil {
		return Report{}, err
	}
	s.Invalidate(ctx)
	return report, nil
}

// Invalidate drops the cached verdict
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, StatusCacheKey); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate QC status cache")
	}
}

// regenerate writes a summary when the log directory holds snapshots. It
// reports fs.ErrNotExist when there is nothing to summarize.
func (s *Service) regenerate() (Report, error) {
	snapshots, err := LoadSnapshots(s.cfg.LogDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Report{}, fs.ErrNotExist
		}
		return Report{}, err
	}
	if len(snapshots) == 0 {
		return Report{}, fs.ErrNotExist
	}

	report := Aggregate(snapshots)
	if err := WriteReport(s.cfg.SummaryPath, report); err != nil {
		log.Warn().Err(err).Msg("Failed to persist regenerated QC summary")
	} else {
		log.Info().Str("path", s.cfg.SummaryPath).Msg("QC summary regenerated from snapshots")
	}
	return report, nil
}
