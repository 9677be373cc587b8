// Package scorecache serves ML anomaly scores from the warehouse table, the
// parquet flat file or a fresh recomputation, in that order.
package scorecache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/casemind/claims-risk/internal/metrics"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/scoring"
	"github.com/casemind/claims-risk/internal/warehouse"
)

var tracer = otel.Tracer("claims-risk/scorecache")

// Score sources
const (
	SourceTable    = "table"
	SourceFile     = "file"
	SourceComputed = "computed"
)

// Store is the warehouse surface used by the manager
type Store interface {
	AllClaims(ctx context.Context) ([]models.Claim, error)
	ReadScores(ctx context.Context) ([]models.MLScore, error)
	WriteScores(ctx context.Context, scores []models.MLScore, mode warehouse.WriteMode) error
	RecordMLRefresh(ctx context.Context, rec warehouse.MLRefreshRecord) (string, error)
}

// SnapshotRecorder captures the QC snapshot of a refresh
type SnapshotRecorder interface {
	Record(claims []models.Claim, scores []models.MLScore, topK int) (*qc.Snapshot, string, error)
}

// EventPublisher announces completed refreshes
type EventPublisher interface {
	PublishScoresRefreshed(ctx context.Context, event *models.ScoreRefreshedEvent) error
}

// ScoreSet is a score cache keyed by claim id
type ScoreSet struct {
	Scores []models.MLScore
	Source string
	byID   map[string]int
}

func NewScoreSet(scores []models.MLScore, source string) *ScoreSet {
	s := &ScoreSet{Scores: scores, Source: source, byID: make(map[string]int, len(scores))}
	for i := range scores {
		s.byID[scores[i].ClaimID] = i
	}
	return s
}

// Lookup returns the score of claimID
func (s *ScoreSet) Lookup(claimID string) (models.MLScore, bool) {
	if s == nil {
		return models.MLScore{}, false
	}
	i, ok := s.byID[claimID]
	if !ok {
		return models.MLScore{}, false
	}
	return s.Scores[i], true
}

// Len is the number of cached scores
func (s *ScoreSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Scores)
}

// ModelVersion is the version recorded on the cached scores
func (s *ScoreSet) ModelVersion() string {
	if s != nil {
		for _, sc := range s.Scores {
			if sc.ModelVersion != "" {
				return sc.ModelVersion
			}
		}
	}
	return scoring.UnknownModelVersion
}

// Add merges scores computed outside the cache
func (s *ScoreSet) Add(scores []models.MLScore) {
	for _, sc := range scores {
		if i, ok := s.byID[sc.ClaimID]; ok {
			s.Scores[i] = sc
			continue
		}
		s.byID[sc.ClaimID] = len(s.Scores)
		s.Scores = append(s.Scores, sc)
	}
}

// Options wires the optional collaborators of a manager
type Options struct {
	Files          *FileStore
	Scorer         scoring.MLScorer
	Recorder       SnapshotRecorder
	Publisher      EventPublisher
	RulesetVersion string
	TopK           int
}

// Manager owns the score cache. Concurrent refreshes are not serialized;
// the last writer wins.
type Manager struct {
	store          Store
	files          *FileStore
	scorer         scoring.MLScorer
	recorder       SnapshotRecorder
	publisher      EventPublisher
	rulesetVersion string
	topK           int
	now            func() time.Time
}

// NewManager creates a manager on store
func NewManager(store Store, opts Options) *Manager {
	topK := opts.TopK
	if topK <= 0 {
		topK = qc.DefaultTopK
	}
	return &Manager{
		store:          store,
		files:          opts.Files,
		scorer:         opts.Scorer,
		recorder:       opts.Recorder,
		publisher:      opts.Publisher,
		rulesetVersion: opts.RulesetVersion,
		topK:           topK,
		now:            time.Now,
	}
}

// HasScorer reports whether scoring artifacts are loaded
func (m *Manager) HasScorer() bool {
	return m.scorer != nil
}

// ModelVersion is the version of the loaded scorer
func (m *Manager) ModelVersion() string {
	if m.scorer == nil {
		return scoring.UnknownModelVersion
	}
	return m.scorer.ModelVersion()
}

// GetOrRefresh returns the cached scores, recomputing them when forced or
// when neither the table nor the file holds any
func (m *Manager) GetOrRefresh(ctx context.Context, force bool) (*ScoreSet, error) {
	if !force {
		scores, err := m.store.ReadScores(ctx)
		if err == nil && len(scores) > 0 {
			metrics.RecordCacheLookup(SourceTable)
			return NewScoreSet(scores, SourceTable), nil
		}
		if err != nil {
			log.Debug().Err(err).Msg("Score table unavailable")
		}

		if m.files != nil {
			scores, err := m.files.Read()
			if err == nil && len(scores) > 0 {
				metrics.RecordCacheLookup(SourceFile)
				return NewScoreSet(scores, SourceFile), nil
			}
			if err != nil {
				log.Debug().Err(err).Str("path", m.files.Path()).Msg("Score file unavailable")
			}
		}
	}

	res, err := m.Refresh(ctx, RefreshOptions{})
	if err != nil {
		return nil, err
	}
	metrics.RecordCacheLookup(SourceComputed)
	return NewScoreSet(res.Scores, SourceComputed), nil
}

// ScoreMissing scores claims outside the cache. Without a scorer it
// returns ErrArtifactMissing.
func (m *Manager) ScoreMissing(ctx context.Context, claims []models.Claim) ([]models.MLScore, error) {
	if m.scorer == nil {
		return nil, scoring.ErrArtifactMissing
	}
	if len(claims) == 0 {
		return []models.MLScore{}, nil
	}

	scores, err := m.scorer.ScoreBatch(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to score claims on demand: %w", err)
	}
	metrics.RecordOnDemandScores(len(scores))
	return scores, nil
}

// RefreshOptions tunes one recomputation
type RefreshOptions struct {
	TopK        int
	RequestedBy string
}

// RefreshResult describes a completed recomputation
type RefreshResult struct {
	RunID        string           `json:"run_id,omitempty"`
	ModelVersion string           `json:"model_version"`
	RowsScored   int              `json:"rows_scored"`
	SnapshotPath string           `json:"snapshot_path,omitempty"`
	Summary      *qc.Summary      `json:"summary,omitempty"`
	Duration     time.Duration    `json:"duration"`
	Scores       []models.MLScore `json:"-"`
	Snapshot     *qc.Snapshot     `json:"-"`
}

// Refresh scores the whole claims population and replaces the table and the
// file. The QC snapshot, the run record and the refresh event follow; their
// failures are logged and do not fail the refresh.
func (m *Manager) Refresh(ctx context.Context, opts RefreshOptions) (*RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "scorecache.Refresh",
		trace.WithAttributes(attribute.Int("qc.top_k", opts.TopK)),
	)
	defer span.End()

	start := m.now()
	res, err := m.refresh(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRefresh(err, 0, 0)
		return nil, err
	}
	res.Duration = m.now().Sub(start)
	span.SetAttributes(attribute.Int("scores.rows", res.RowsScored))
	metrics.RecordRefresh(nil, res.RowsScored, res.Duration)

	log.Info().
		Str("run_id", res.RunID).
		Str("model_version", res.ModelVersion).
		Int("rows_scored", res.RowsScored).
		Dur("duration", res.Duration).
		Msg("Score cache refreshed")

	return res, nil
}

func (m *Manager) refresh(ctx context.Context, opts RefreshOptions) (*RefreshResult, error) {
	if m.scorer == nil {
		return nil, scoring.ErrArtifactMissing
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = m.topK
	}

	claims, err := m.store.AllClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load claims: %w", err)
	}

	scores, err := m.scorer.ScoreBatch(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to score claims: %w", err)
	}

	if err := m.store.WriteScores(ctx, scores, warehouse.WriteReplace); err != nil {
		return nil, fmt.Errorf("failed to write score table: %w", err)
	}
	if m.files != nil {
		if err := m.files.Write(scores); err != nil {
			return nil, fmt.Errorf("failed to write score file: %w", err)
		}
	}

	res := &RefreshResult{
		ModelVersion: m.scorer.ModelVersion(),
		RowsScored:   len(scores),
		Scores:       scores,
	}

	if m.recorder != nil {
		snap, path, err := m.recorder.Record(claims, scores, topK)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to write QC snapshot")
		}
		if snap != nil {
			res.Snapshot = snap
			res.Summary = &snap.Summary
			res.SnapshotPath = path
		}
	}

	rec, err := qc.RefreshRecord(res.ModelVersion, res.RowsScored, res.Snapshot)
	if err == nil {
		res.RunID, err = m.store.RecordMLRefresh(ctx, rec)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record ML refresh run")
	}

	if m.publisher != nil {
		event := &models.ScoreRefreshedEvent{
			RunID:          res.RunID,
			ModelVersion:   res.ModelVersion,
			RulesetVersion: m.rulesetVersion,
			RowsScored:     res.RowsScored,
			SnapshotPath:   res.SnapshotPath,
			RefreshedAt:    m.now().UTC(),
		}
		if res.Summary != nil {
			event.SummaryTimestamp = res.Summary.Timestamp
		}
		if err := m.publisher.PublishScoresRefreshed(ctx, event); err != nil {
			log.Warn().Err(err).Msg("Failed to publish refresh event")
		}
	}

	return res, nil
}

// ParseForceFlag reads a refresh flag from a query or JSON value
func ParseForceFlag(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes":
			return true
		}
	case *string:
		if t != nil {
			return ParseForceFlag(*t)
		}
	}
	return false
}
