// Package bootstrap assembles the scoring stack shared by the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/scorecache"
	"github.com/casemind/claims-risk/internal/scoring"
	"github.com/casemind/claims-risk/internal/warehouse"
)

// Scoring holds the rule engine, the optional ML scorer and the score
// cache manager built on top of them
type Scoring struct {
	Rules    *scoring.RuleEngine
	Scorer   *scoring.AnomalyScorer
	Recorder *qc.Recorder
	Manager  *scorecache.Manager
}

// NewScoring loads the ruleset and the model artifacts. Missing artifacts
// leave Scorer nil; claims are then ranked on rule score alone.
func NewScoring(ctx context.Context, cfg *configs.Config, store *warehouse.Store, publisher scorecache.EventPublisher) (*Scoring, error) {
	rs := scoring.DefaultRuleset(cfg.Scoring.RulesetVersion)
	if cfg.Scoring.RulesetPath != "" {
		loaded, err := scoring.LoadRuleset(cfg.Scoring.RulesetPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ruleset: %w", err)
		}
		rs = *loaded
	}

	rules, err := scoring.NewRuleEngine(rs)
	if err != nil {
		return nil, fmt.Errorf("failed to compile ruleset: %w", err)
	}

	if err := store.RecordRulesetVersion(ctx, rules.Version(), fmt.Sprintf("%d flags", len(rs.Flags))); err != nil {
		log.Warn().Err(err).Str("version", rules.Version()).Msg("Failed to record ruleset version")
	}

	s := &Scoring{
		Rules:    rules,
		Recorder: qc.NewRecorder(cfg.QC.LogDir, rules, cfg.QC.TopK),
	}

	opts := scorecache.Options{
		Files:          scorecache.NewFileStore(cfg.Warehouse.ParquetDir),
		Recorder:       s.Recorder,
		Publisher:      publisher,
		RulesetVersion: rules.Version(),
		TopK:           cfg.QC.TopK,
	}

	scorer, err := scoring.NewAnomalyScorer(scoring.ArtifactConfig{Dir: cfg.Scoring.ArtifactDir})
	switch {
	case err == nil:
		s.Scorer = scorer
		opts.Scorer = scorer
	case errors.Is(err, scoring.ErrArtifactMissing):
		log.Warn().Str("dir", cfg.Scoring.ArtifactDir).Msg("Model artifacts not found, ML scores disabled")
	default:
		return nil, fmt.Errorf("failed to load model artifacts: %w", err)
	}

	s.Manager = scorecache.NewManager(store, opts)
	return s, nil
}
