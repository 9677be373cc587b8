package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/ranking"
	"github.com/casemind/claims-risk/internal/scoring"
)

// Risk bands
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

const (
	minQuestions = 3
	maxQuestions = 5
)

var followUpQuestions = map[string][]string{
	scoring.FlagShortStayHighCost: {
		"Request the medical resume or procedure log that justifies the short inpatient stay.",
		"Verify whether the claim should have been processed as outpatient care.",
	},
	scoring.FlagSeverityMismatch: {
		"Review the severity coding and the primary diagnosis.",
		"Check that the package tariff matches the recorded severity.",
	},
	scoring.FlagHighCostFullPaid: {
		"Check the payment evidence and e-claim for double billing.",
		"Did the facility's internal audit note a justification for this high cost?",
	},
	scoring.FlagDuplicatePattern: {
		"Confirm with the facility whether visits within 3 days are separate episodes.",
		"Check whether a procedure was recorded twice while performed once.",
	},
}

var defaultQuestions = []string{
	"Is the supporting documentation (medical resume, SEP, procedure log) complete?",
	"Are there earlier audit notes on similar claims from the same facility?",
	"Does this finding need follow-up with the clinical verification team?",
}

// Section is one titled paragraph of a claim summary
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PeerFacts holds the peer comparison figures of a summary
type PeerFacts struct {
	Key        string   `json:"key"`
	P90        *float64 `json:"p90"`
	CostZScore *float64 `json:"cost_zscore"`
}

// ClaimFacts is the claim excerpt of a summary
type ClaimFacts struct {
	DxPrimaryCode  *string  `json:"dx_primary_code"`
	DxPrimaryLabel string   `json:"dx_primary_label"`
	SeverityGroup  string   `json:"severity_group"`
	ServiceType    string   `json:"service_type"`
	FacilityClass  string   `json:"facility_class"`
	ProvinceName   string   `json:"province_name"`
	LOS            *int     `json:"los"`
	AmountClaimed  *float64 `json:"amount_claimed"`
	AmountPaid     *float64 `json:"amount_paid"`
	AmountGap      *float64 `json:"amount_gap"`
}

// Summary is the deterministic audit summary of one claim
type Summary struct {
	ClaimID           string               `json:"claim_id"`
	GeneratedAt       time.Time            `json:"generated_at"`
	ModelVersion      string               `json:"model_version"`
	RulesetVersion    string               `json:"ruleset_version"`
	RiskScore         float64              `json:"risk_score"`
	RiskBand          string               `json:"risk_band"`
	RuleScore         float64              `json:"rule_score"`
	MLScore           *float64             `json:"ml_score"`
	MLScoreNormalized *float64             `json:"ml_score_normalized"`
	BPJSPaymentRatio  *float64             `json:"bpjs_payment_ratio"`
	Flags             []string             `json:"flags"`
	Sections          []Section            `json:"sections"`
	Narrative         string               `json:"narrative"`
	FollowUpQuestions []string             `json:"follow_up_questions"`
	Peer              PeerFacts            `json:"peer"`
	Claim             ClaimFacts           `json:"claim"`
	LatestFeedback    *models.AuditOutcome `json:"latest_feedback"`
}

// Summary builds the audit summary of claimID
func (s *Service) Summary(ctx context.Context, claimID string) (*Summary, error) {
	claim, err := s.loadClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}

	score := s.scoreFor(ctx, claim)
	enrich := s.rules.Enrich(claim)
	risk := ranking.RiskScore(enrich.RuleScore, score)

	sum := &Summary{
		ClaimID:          claim.ClaimID,
		GeneratedAt:      s.now().UTC(),
		ModelVersion:     scoring.UnknownModelVersion,
		RulesetVersion:   s.rules.Version(),
		RiskScore:        risk,
		RiskBand:         RiskBand(risk),
		RuleScore:        enrich.RuleScore,
		BPJSPaymentRatio: claim.BPJSPaymentRatio,
		Flags:            enrich.Flags,
		Peer: PeerFacts{
			Key:        orDefault(claim.PeerKey, missingValue),
			P90:        claim.PeerP90,
			CostZScore: claim.CostZScore,
		},
		Claim: ClaimFacts{
			DxPrimaryCode:  claim.DxPrimaryCode,
			DxPrimaryLabel: orDefault(claim.DxPrimaryLabel, orDefault(claim.DxPrimaryCode, missingValue)),
			SeverityGroup:  orDefault(claim.SeverityGroup, missingValue),
			ServiceType:    orDefault(claim.ServiceType, missingValue),
			FacilityClass:  orDefault(claim.FacilityClass, missingValue),
			ProvinceName:   orDefault(claim.ProvinceName, "UNKNOWN"),
			LOS:            claim.LOS,
			AmountClaimed:  claim.AmountClaimed,
			AmountPaid:     claim.AmountPaid,
			AmountGap:      claim.AmountGap,
		},
	}
	if score != nil {
		raw, norm := score.MLScore, score.MLScoreNormalized
		sum.MLScore = &raw
		sum.MLScoreNormalized = &norm
		if score.ModelVersion != "" {
			sum.ModelVersion = score.ModelVersion
		}
	}

	sum.FollowUpQuestions = FollowUpQuestions(enrich.Flags)
	sum.Sections = s.sections(claim, sum)
	sum.Narrative = narrative(sum.Sections)

	if s.outcomes != nil {
		latest, err := s.outcomes.LatestByClaimIDs(ctx, []string{claim.ClaimID})
		if err != nil {
			log.Warn().Err(err).Str("claim_id", claim.ClaimID).Msg("Failed to load latest feedback")
		}
		sum.LatestFeedback = latest[claim.ClaimID]
	}

	return sum, nil
}

// RiskBand classifies a risk score
func RiskBand(score float64) string {
	switch {
	case score >= 0.8:
		return RiskHigh
	case score >= 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// FollowUpQuestions collects the questions of each active flag without
// duplicates, pads short lists with the default questions and caps the
// result.
func FollowUpQuestions(flags []string) []string {
	seen := make(map[string]bool)
	var questions []string
	add := func(q string) {
		if !seen[q] {
			seen[q] = true
			questions = append(questions, q)
		}
	}

	for _, flag := range flags {
		for _, q := range followUpQuestions[flag] {
			add(q)
		}
	}
	if len(questions) < minQuestions {
		for _, q := range defaultQuestions {
			if len(questions) >= maxQuestions {
				break
			}
			add(q)
		}
	}
	if len(questions) > maxQuestions {
		questions = questions[:maxQuestions]
	}
	return questions
}

func (s *Service) sections(claim *models.Claim, sum *Summary) []Section {
	facts := sum.Claim

	ident := fmt.Sprintf("Diagnosis %s (severity %s, service %s) at %s, %s.",
		facts.DxPrimaryLabel, facts.SeverityGroup, facts.ServiceType, facts.FacilityClass, facts.ProvinceName)
	if claim.LOS != nil {
		ident += fmt.Sprintf(" LOS %d days.", *claim.LOS)
	}

	cost := fmt.Sprintf("Claimed %s, paid %s, gap %s.",
		FormatRupiah(claim.AmountClaimed), FormatRupiah(claim.AmountPaid), FormatRupiah(claim.AmountGap))
	if claim.BPJSPaymentRatio != nil {
		cost += fmt.Sprintf(" Payment ratio %s.", FormatPercent(claim.BPJSPaymentRatio))
	}

	peer := fmt.Sprintf("Peer %s statistics are incomplete.", sum.Peer.Key)
	if claim.PeerP90 != nil && *claim.PeerP90 != 0 && claim.CostZScore != nil {
		peer = fmt.Sprintf("Peer %s has a P90 of %s with z-score %.2f.",
			sum.Peer.Key, FormatRupiah(claim.PeerP90), *claim.CostZScore)
	}

	reasons := make([]string, 0, len(sum.Flags))
	for _, flag := range sum.Flags {
		desc := s.rules.Describe(flag)
		if desc == "" {
			desc = strings.ReplaceAll(flag, "_", " ")
		}
		reasons = append(reasons, desc)
	}
	if len(reasons) == 0 {
		reasons = []string{"No rule flags active."}
	}

	var risk string
	switch sum.RiskBand {
	case RiskHigh:
		risk = fmt.Sprintf("High risk indication (risk_score %s); prioritize for an in-depth audit.", formatScore(sum.RiskScore))
	case RiskMedium:
		risk = fmt.Sprintf("Medium risk indication (risk_score %s); verify the cost details.", formatScore(sum.RiskScore))
	default:
		risk = fmt.Sprintf("Low risk indication (risk_score %s); sample the documents as needed.", formatScore(sum.RiskScore))
	}

	return []Section{
		{Title: "Identity", Content: ident},
		{Title: "Cost summary", Content: cost},
		{Title: "Peer comparison", Content: peer},
		{Title: "Flag reasons", Content: strings.Join(reasons, " ; ")},
		{Title: "Risk potential", Content: risk},
		{Title: "Follow-up questions", Content: strings.Join(sum.FollowUpQuestions, "; ")},
	}
}

func narrative(sections []Section) string {
	lines := make([]string, len(sections))
	for i, sec := range sections {
		lines[i] = fmt.Sprintf("%d) %s", i+1, sec.Content)
	}
	return strings.Join(lines, "\n")
}
