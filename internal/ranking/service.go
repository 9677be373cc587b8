// Package ranking lists high risk claims: warehouse filtering, cached ML
// scores, rule enrichment, secondary filtering, ordering and pagination.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/casemind/claims-risk/internal/metrics"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/scorecache"
	"github.com/casemind/claims-risk/internal/scoring"
	"github.com/casemind/claims-risk/internal/warehouse"
)

var tracer = otel.Tracer("claims-risk/ranking")

// ClaimSource loads primary-filtered claims
type ClaimSource interface {
	LoadClaims(ctx context.Context, filters warehouse.Filters) (*warehouse.ClaimSet, error)
}

// ScoreCache serves ML scores
type ScoreCache interface {
	GetOrRefresh(ctx context.Context, force bool) (*scorecache.ScoreSet, error)
	ScoreMissing(ctx context.Context, claims []models.Claim) ([]models.MLScore, error)
	ModelVersion() string
}

// Enricher evaluates rule flags
type Enricher interface {
	Enrich(claim *models.Claim) scoring.Enrichment
	Version() string
}

// FeedbackLookup returns the latest audit outcome per claim id
type FeedbackLookup interface {
	LatestByClaimIDs(ctx context.Context, claimIDs []string) (map[string]*models.AuditOutcome, error)
}

// Service ranks claims for audit triage
type Service struct {
	claims   ClaimSource
	cache    ScoreCache
	rules    Enricher
	feedback FeedbackLookup
}

// NewService creates a ranking service. feedback may be nil.
func NewService(claims ClaimSource, cache ScoreCache, rules Enricher, feedback FeedbackLookup) *Service {
	return &Service{claims: claims, cache: cache, rules: rules, feedback: feedback}
}

// RulesetVersion is the version of the active ruleset
func (s *Service) RulesetVersion() string {
	return s.rules.Version()
}

// scored is one claim carried through enrichment, filtering and sorting
type scored struct {
	claim     *models.Claim
	score     *models.MLScore
	enrich    scoring.Enrichment
	riskScore float64
}

// ListHighRisk returns one page of claims ordered for audit. Total is the
// warehouse count after the primary filters; secondary filters only shape
// the items.
func (s *Service) ListHighRisk(ctx context.Context, q Query) (*models.HighRiskPage, error) {
	ctx, span := tracer.Start(ctx, "ranking.ListHighRisk")
	defer span.End()

	startTime := time.Now()
	rulesetVersion := s.rules.Version()

	set, err := s.claims.LoadClaims(ctx, q.PrimaryFilters())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordHighRiskRequest("error")
		return nil, err
	}
	span.SetAttributes(attribute.Int("claims.total", set.Total), attribute.Int("claims.loaded", len(set.Claims)))

	if len(set.Claims) == 0 {
		metrics.RecordHighRiskRequest("empty")
		return &models.HighRiskPage{
			Items:          []models.HighRiskClaim{},
			Total:          0,
			Page:           q.Page,
			PageSize:       q.PageSize,
			ModelVersion:   s.cache.ModelVersion(),
			RulesetVersion: rulesetVersion,
		}, nil
	}

	scores, err := s.scoresFor(ctx, set.Claims, q.RefreshCache)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordHighRiskRequest("error")
		return nil, err
	}

	rows := make([]scored, 0, len(set.Claims))
	for i := range set.Claims {
		c := &set.Claims[i]
		r := scored{claim: c, enrich: s.rules.Enrich(c)}
		if sc, ok := scores.Lookup(c.ClaimID); ok {
			r.score = &sc
		}
		r.riskScore = RiskScore(r.enrich.RuleScore, r.score)
		if matchesSecondary(q, &r) {
			rows = append(rows, r)
		}
	}

	sortForAudit(rows)
	page := paginate(rows, q.Offset(), q.PageSize)

	var latest map[string]*models.AuditOutcome
	if s.feedback != nil && len(page) > 0 {
		ids := make([]string, len(page))
		for i, r := range page {
			ids[i] = r.claim.ClaimID
		}
		latest, err = s.feedback.LatestByClaimIDs(ctx, ids)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load latest feedback")
		}
	}

	items := make([]models.HighRiskClaim, len(page))
	for i, r := range page {
		items[i] = toItem(r, rulesetVersion, latest[r.claim.ClaimID])
	}

	modelVersion := s.cache.ModelVersion()
	if modelVersion == scoring.UnknownModelVersion {
		modelVersion = scores.ModelVersion()
	}

	metrics.RecordHighRiskRequest("ok")
	log.Debug().
		Int("total", set.Total).
		Int("matched", len(rows)).
		Int("page", q.Page).
		Int("page_size", q.PageSize).
		Dur("processing_time", time.Since(startTime)).
		Msg("High risk claims listed")

	return &models.HighRiskPage{
		Items:          items,
		Total:          set.Total,
		Page:           q.Page,
		PageSize:       q.PageSize,
		ModelVersion:   modelVersion,
		RulesetVersion: rulesetVersion,
	}, nil
}

// scoresFor returns the cached scores topped up with on-demand scores for
// claims the cache does not hold. Without a scorer those claims keep a null
// ML score.
func (s *Service) scoresFor(ctx context.Context, claims []models.Claim, force bool) (*scorecache.ScoreSet, error) {
	set, err := s.cache.GetOrRefresh(ctx, force)
	if errors.Is(err, scoring.ErrArtifactMissing) {
		log.Warn().Msg("No ML scores available, ranking on rule scores only")
		return scorecache.NewScoreSet(nil, scorecache.SourceComputed), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ML scores: %w", err)
	}

	var missing []models.Claim
	for _, c := range claims {
		if _, ok := set.Lookup(c.ClaimID); !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return set, nil
	}

	extra, err := s.cache.ScoreMissing(ctx, missing)
	switch {
	case errors.Is(err, scoring.ErrArtifactMissing):
		log.Debug().Int("missing", len(missing)).Msg("Claims without cached scores left unscored")
	case err != nil:
		log.Warn().Err(err).Int("missing", len(missing)).Msg("Failed to score claims on demand")
	default:
		set.Add(extra)
	}
	return set, nil
}

// RiskScore combines the rule score with the normalized ML score
func RiskScore(ruleScore float64, score *models.MLScore) float64 {
	if score == nil {
		return ruleScore
	}
	return math.Max(ruleScore, score.MLScoreNormalized)
}

func matchesSecondary(q Query, r *scored) bool {
	c := r.claim
	if q.MinRiskScore != nil && r.riskScore < *q.MinRiskScore {
		return false
	}
	if q.MaxRiskScore != nil && r.riskScore > *q.MaxRiskScore {
		return false
	}
	if q.MinMLScore != nil && (r.score == nil || r.score.MLScoreNormalized < *q.MinMLScore) {
		return false
	}
	if q.Flag != "" && !hasFlag(r.enrich.Flags, q.Flag) {
		return false
	}
	if !equalFold(q.Severity, c.SeverityGroup) ||
		!equalFold(q.ServiceType, c.ServiceType) ||
		!equalFold(q.FacilityClass, c.FacilityClass) {
		return false
	}
	return inRange(c.AdmitDate, q.AdmitFrom, q.AdmitTo) &&
		inRange(c.DischargeDate, q.DischargeFrom, q.DischargeTo)
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

// equalFold matches an optional filter against a nullable value
func equalFold(filter string, value *string) bool {
	if filter == "" {
		return true
	}
	if value == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(*value), filter)
}

func inRange(t, from, to *time.Time) bool {
	if from == nil && to == nil {
		return true
	}
	if t == nil {
		return false
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if from != nil && day.Before(*from) {
		return false
	}
	if to != nil && day.After(*to) {
		return false
	}
	return true
}

// sortForAudit puts flagged claims first, then more flags, then higher
// risk score
func sortForAudit(rows []scored) {
	sort.SliceStable(rows, func(i, j int) bool {
		fi, fj := len(rows[i].enrich.Flags), len(rows[j].enrich.Flags)
		if (fi > 0) != (fj > 0) {
			return fi > 0
		}
		if fi != fj {
			return fi > fj
		}
		return rows[i].riskScore > rows[j].riskScore
	})
}

func paginate(rows []scored, offset, size int) []scored {
	if offset < 0 || offset >= len(rows) || size <= 0 {
		return nil
	}
	return rows[offset : offset+min(size, len(rows)-offset)]
}

func toItem(r scored, rulesetVersion string, feedback *models.AuditOutcome) models.HighRiskClaim {
	c := r.claim
	flags := r.enrich.Flags
	if flags == nil {
		flags = []string{}
	}

	item := models.HighRiskClaim{
		ClaimID:          c.ClaimID,
		AdmitDate:        models.FormatDate(c.AdmitDate),
		DischargeDate:    models.FormatDate(c.DischargeDate),
		ProvinceName:     c.ProvinceName,
		DistrictName:     c.DistrictName,
		DxPrimaryCode:    c.DxPrimaryCode,
		DxPrimaryLabel:   c.DxPrimaryLabel,
		SeverityGroup:    c.SeverityGroup,
		ServiceType:      c.ServiceType,
		FacilityClass:    c.FacilityClass,
		FacilityName:     c.FacilityName,
		AmountClaimed:    c.AmountClaimed,
		AmountPaid:       c.AmountPaid,
		AmountGap:        c.AmountGap,
		CostZScore:       c.CostZScore,
		LOS:              c.LOS,
		BPJSPaymentRatio: c.BPJSPaymentRatio,
		Peer:             models.Peer{Mean: c.PeerMean, P90: c.PeerP90},
		Flags:            flags,
		DuplicatePattern: c.DuplicatePattern,
		RuleScore:        r.enrich.RuleScore,
		RiskScore:        r.riskScore,
		RulesetVersion:   rulesetVersion,
		LatestFeedback:   feedback,
	}
	if r.score != nil {
		raw, norm, version := r.score.MLScore, r.score.MLScoreNormalized, r.score.ModelVersion
		item.MLScore = &raw
		item.MLScoreNormalized = &norm
		item.ModelVersion = &version
	}
	return item
}
