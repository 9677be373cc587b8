// Package qc records score cache quality snapshots and evaluates them
// against alert thresholds.
package qc

import (
	"sort"
	"time"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/scoring"
)

// DefaultTopK is the number of highest risk claims kept in a snapshot
const DefaultTopK = 50

// TimestampLayout formats snapshot timestamps (UTC)
const TimestampLayout = "20060102T150405Z"

// Summary holds the distribution statistics of one score refresh
type Summary struct {
	Timestamp             string   `json:"timestamp"`
	TotalRows             int      `json:"total_rows"`
	TopK                  int      `json:"top_k"`
	AmountClaimedMean     *float64 `json:"amount_claimed_mean"`
	AmountClaimedTopKMean *float64 `json:"amount_claimed_top_k_mean"`
	CostZScoreMean        *float64 `json:"cost_zscore_mean"`
	CostZScoreTopKMean    *float64 `json:"cost_zscore_top_k_mean"`
	LOSLe1Ratio           *float64 `json:"los_le_1_ratio"`
	LOSLe1RatioTopK       *float64 `json:"los_le_1_ratio_top_k"`
	RiskScoreTopKMean     *float64 `json:"risk_score_top_k_mean"`
	MLScoreTopKMean       *float64 `json:"ml_score_top_k_mean"`
}

// IsEmpty reports whether the summary carries no information
func (s *Summary) IsEmpty() bool {
	if s == nil {
		return true
	}
	return s.Timestamp == "" && s.TotalRows == 0 && s.TopK == 0 &&
		s.AmountClaimedMean == nil && s.AmountClaimedTopKMean == nil &&
		s.CostZScoreMean == nil && s.CostZScoreTopKMean == nil &&
		s.LOSLe1Ratio == nil && s.LOSLe1RatioTopK == nil &&
		s.RiskScoreTopKMean == nil && s.MLScoreTopKMean == nil
}

// TopRecord is one of the highest risk claims of a snapshot
type TopRecord struct {
	ClaimID           string   `json:"claim_id"`
	ProvinceName      *string  `json:"province_name"`
	SeverityGroup     *string  `json:"severity_group"`
	RiskScore         float64  `json:"risk_score"`
	RuleScore         float64  `json:"rule_score"`
	MLScoreNormalized *float64 `json:"ml_score_normalized"`
	AmountClaimed     *float64 `json:"amount_claimed"`
	LOS               *int     `json:"los"`
	Flags             []string `json:"flags"`
}

// Snapshot is the document written to the QC log directory
type Snapshot struct {
	Summary    Summary     `json:"summary"`
	TopRecords []TopRecord `json:"top_records"`
}

type scoredClaim struct {
	claim *models.Claim
	rec   TopRecord
}

// Capture merges claims with their scores, enriches them and summarizes
// the population and its top-K by risk score. It returns nil when either
// input is empty.
func Capture(engine *scoring.RuleEngine, claims []models.Claim, scores []models.MLScore, topK int, now time.Time) *Snapshot {
	if len(claims) == 0 || len(scores) == 0 {
		return nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	byID := make(map[string]*models.MLScore, len(scores))
	for i := range scores {
		byID[scores[i].ClaimID] = &scores[i]
	}

	rows := make([]scoredClaim, len(claims))
	for i := range claims {
		c := &claims[i]
		e := engine.Enrich(c)

		var ml *float64
		risk := e.RuleScore
		if sc, ok := byID[c.ClaimID]; ok {
			v := sc.MLScoreNormalized
			ml = &v
			if v > risk {
				risk = v
			}
		}

		rows[i] = scoredClaim{
			claim: c,
			rec: TopRecord{
				ClaimID:           c.ClaimID,
				ProvinceName:      c.ProvinceName,
				SeverityGroup:     c.SeverityGroup,
				RiskScore:         risk,
				RuleScore:         e.RuleScore,
				MLScoreNormalized: ml,
				AmountClaimed:     c.AmountClaimed,
				LOS:               c.LOS,
				Flags:             e.Flags,
			},
		}
	}

	ranked := make([]scoredClaim, len(rows))
	copy(ranked, rows)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].rec.RiskScore > ranked[j].rec.RiskScore
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	summary := Summary{
		Timestamp:             now.UTC().Format(TimestampLayout),
		TotalRows:             len(rows),
		TopK:                  len(ranked),
		AmountClaimedMean:     meanOf(rows, func(r scoredClaim) *float64 { return r.claim.AmountClaimed }),
		AmountClaimedTopKMean: meanOf(ranked, func(r scoredClaim) *float64 { return r.claim.AmountClaimed }),
		CostZScoreMean:        meanOf(rows, func(r scoredClaim) *float64 { return r.claim.CostZScore }),
		CostZScoreTopKMean:    meanOf(ranked, func(r scoredClaim) *float64 { return r.claim.CostZScore }),
		LOSLe1Ratio:           losLe1Ratio(rows),
		LOSLe1RatioTopK:       losLe1Ratio(ranked),
		RiskScoreTopKMean:     meanOf(ranked, func(r scoredClaim) *float64 { v := r.rec.RiskScore; return &v }),
		MLScoreTopKMean:       meanOf(ranked, func(r scoredClaim) *float64 { return r.rec.MLScoreNormalized }),
	}

	top := make([]TopRecord, len(ranked))
	for i, r := range ranked {
		top[i] = r.rec
	}

	return &Snapshot{Summary: summary, TopRecords: top}
}

// meanOf averages the non-null values; nil when there are none
func meanOf(rows []scoredClaim, get func(scoredClaim) *float64) *float64 {
	var sum float64
	var n int
	for _, r := range rows {
		if v := get(r); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	m := sum / float64(n)
	return &m
}

// losLe1Ratio is the share of rows with a known LOS of at most one day.
// Rows without LOS count in the denominator only.
func losLe1Ratio(rows []scoredClaim) *float64 {
	if len(rows) == 0 {
		return nil
	}
	var n int
	for _, r := range rows {
		if r.claim.LOS != nil && *r.claim.LOS <= 1 {
			n++
		}
	}
	ratio := float64(n) / float64(len(rows))
	return &ratio
}
