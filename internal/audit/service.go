// Package audit builds claim audit summaries and records auditor decisions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/metrics"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/scoring"
	"github.com/casemind/claims-risk/internal/warehouse"
)

var (
	ErrClaimNotFound   = errors.New("claim not found")
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// ClaimStore is the warehouse surface used for summaries
type ClaimStore interface {
	GetClaim(ctx context.Context, claimID string) (*models.Claim, error)
	ReadScoresFor(ctx context.Context, claimIDs []string) ([]models.MLScore, error)
}

// OnDemandScorer scores claims the cache does not hold
type OnDemandScorer interface {
	ScoreMissing(ctx context.Context, claims []models.Claim) ([]models.MLScore, error)
}

// Rules evaluates and describes flags
type Rules interface {
	Enrich(claim *models.Claim) scoring.Enrichment
	Describe(flag string) string
	Version() string
}

// OutcomeStore persists auditor decisions
type OutcomeStore interface {
	Create(ctx context.Context, outcome *models.AuditOutcome) error
	LatestByClaimIDs(ctx context.Context, claimIDs []string) (map[string]*models.AuditOutcome, error)
}

// Service serves claim summaries and feedback
type Service struct {
	claims   ClaimStore
	scorer   OnDemandScorer
	rules    Rules
	outcomes OutcomeStore
	now      func() time.Time
}

// NewService creates an audit service. scorer and outcomes may be nil.
func NewService(claims ClaimStore, scorer OnDemandScorer, rules Rules, outcomes OutcomeStore) *Service {
	return &Service{
		claims:   claims,
		scorer:   scorer,
		rules:    rules,
		outcomes: outcomes,
		now:      time.Now,
	}
}

// FeedbackInput is an auditor decision before validation
type FeedbackInput struct {
	Decision        string
	CorrectionRatio any
	Notes           *string
	ReviewerID      *uuid.UUID
}

// RecordFeedback validates and stores an auditor decision for claimID
func (s *Service) RecordFeedback(ctx context.Context, claimID string, in FeedbackInput) (*models.AuditOutcome, error) {
	if _, err := s.loadClaim(ctx, claimID); err != nil {
		return nil, err
	}
	if s.outcomes == nil {
		return nil, fmt.Errorf("failed to record feedback: no outcome store configured")
	}

	decision := strings.ToLower(strings.TrimSpace(in.Decision))
	if !models.IsValidDecision(decision) {
		return nil, fmt.Errorf("%w: decision must be one of approved, partial, rejected", ErrInvalidFeedback)
	}

	ratio, err := ParseCorrectionRatio(in.CorrectionRatio)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	outcome := &models.AuditOutcome{
		ID:              uuid.New(),
		ClaimID:         claimID,
		Decision:        decision,
		CorrectionRatio: ratio,
		Notes:           in.Notes,
		ReviewerID:      in.ReviewerID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.outcomes.Create(ctx, outcome); err != nil {
		return nil, fmt.Errorf("failed to record feedback: %w", err)
	}

	metrics.RecordFeedback(decision)
	log.Info().
		Str("claim_id", claimID).
		Str("decision", decision).
		Str("outcome_id", outcome.ID.String()).
		Msg("Audit feedback recorded")

	return outcome, nil
}

// ParseCorrectionRatio accepts a number or numeric string in [0,1]. A nil
// value means no ratio.
func ParseCorrectionRatio(v any) (*float64, error) {
	var ratio float64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		ratio = x
	case int:
		ratio = float64(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: correction_ratio must be a number between 0 and 1", ErrInvalidFeedback)
		}
		ratio = f
	default:
		return nil, fmt.Errorf("%w: correction_ratio must be a number between 0 and 1", ErrInvalidFeedback)
	}
	if !(ratio >= 0 && ratio <= 1) {
		return nil, fmt.Errorf("%w: correction_ratio must be within 0 and 1", ErrInvalidFeedback)
	}
	return &ratio, nil
}

func (s *Service) loadClaim(ctx context.Context, claimID string) (*models.Claim, error) {
	claim, err := s.claims.GetClaim(ctx, claimID)
	if errors.Is(err, warehouse.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
	}
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// scoreFor reads the cached score of claim, scoring it on demand when the
// cache has none. It returns nil when no score can be produced.
func (s *Service) scoreFor(ctx context.Context, claim *models.Claim) *models.MLScore {
	scores, err := s.claims.ReadScoresFor(ctx, []string{claim.ClaimID})
	if err != nil {
		log.Debug().Err(err).Str("claim_id", claim.ClaimID).Msg("Score cache unavailable")
	}
	if len(scores) > 0 {
		return &scores[0]
	}

	if s.scorer == nil {
		return nil
	}
	scores, err = s.scorer.ScoreMissing(ctx, []models.Claim{*claim})
	if err != nil {
		if !errors.Is(err, scoring.ErrArtifactMissing) {
			log.Warn().Err(err).Str("claim_id", claim.ClaimID).Msg("Failed to score claim on demand")
		}
		return nil
	}
	if len(scores) == 0 {
		return nil
	}
	return &scores[0]
}
