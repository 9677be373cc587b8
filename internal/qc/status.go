package qc

import (
	"fmt"
	"strings"
)

// Status values
const (
	StatusOK     = "ok"
	StatusAlert  = "alert"
	StatusNoData = "no_data"
)

const (
	DefaultMinRiskScore = 0.7
	DefaultMinLOSRatio  = 0.05
)

const (
	msgNoSummary    = "QC summary is not available yet. Run 'claimsctl qc-summary' after refreshing ML scores."
	msgEmptySummary = "QC summary is empty. Make sure the refresh pipeline writes its logs."
	msgAllNormal    = "All metrics within normal thresholds."
)

// Thresholds are the alert floors for the latest snapshot
type Thresholds struct {
	RiskScoreMin   float64 `json:"risk_score_min"`
	LOSLe1RatioMin float64 `json:"los_le_1_ratio_min"`
}

// DefaultThresholds returns the standard alert floors
func DefaultThresholds() Thresholds {
	return Thresholds{RiskScoreMin: DefaultMinRiskScore, LOSLe1RatioMin: DefaultMinLOSRatio}
}

// Metrics are the latest snapshot values reported with a status
type Metrics struct {
	Timestamp             string   `json:"timestamp"`
	TotalRows             int      `json:"total_rows"`
	TopK                  int      `json:"top_k"`
	RiskScoreTopKMean     *float64 `json:"risk_score_top_k_mean"`
	MLScoreTopKMean       *float64 `json:"ml_score_top_k_mean"`
	LOSLe1RatioTopK       *float64 `json:"los_le_1_ratio_top_k"`
	AmountClaimedTopKMean *float64 `json:"amount_claimed_top_k_mean"`
}

// NamedCount is a tally entry in object form
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StatusReport is the QC health verdict served by the API
type StatusReport struct {
	Status       string       `json:"status"`
	Message      string       `json:"message"`
	Thresholds   Thresholds   `json:"thresholds"`
	Metrics      *Metrics     `json:"metrics,omitempty"`
	TopProvinces []NamedCount `json:"top_provinces,omitempty"`
	TopSeverity  []NamedCount `json:"top_severity,omitempty"`
	TopFlags     []NamedCount `json:"top_flags,omitempty"`
}

// NoSummary is the verdict when no summary file exists
func NoSummary(th Thresholds) StatusReport {
	return StatusReport{Status: StatusNoData, Message: msgNoSummary, Thresholds: th}
}

// Evaluate compares the latest snapshot of report against th
func Evaluate(report Report, th Thresholds) StatusReport {
	latest := latestSummary(report)
	if latest == nil {
		return StatusReport{Status: StatusNoData, Message: msgEmptySummary, Thresholds: th}
	}

	var alerts []string
	if v := latest.RiskScoreTopKMean; v != nil && *v < th.RiskScoreMin {
		alerts = append(alerts, fmt.Sprintf("risk_score_top_k_mean %.2f < %.2f", *v, th.RiskScoreMin))
	}
	if v := latest.LOSLe1RatioTopK; v != nil && *v < th.LOSLe1RatioMin {
		alerts = append(alerts, fmt.Sprintf("los_le_1_ratio_top_k %.2f < %.2f", *v, th.LOSLe1RatioMin))
	}

	status, message := StatusOK, msgAllNormal
	if len(alerts) > 0 {
		status, message = StatusAlert, strings.Join(alerts, " ; ")
	}

	return StatusReport{
		Status:     status,
		Message:    message,
		Thresholds: th,
		Metrics: &Metrics{
			Timestamp:             latest.Timestamp,
			TotalRows:             latest.TotalRows,
			TopK:                  latest.TopK,
			RiskScoreTopKMean:     latest.RiskScoreTopKMean,
			MLScoreTopKMean:       latest.MLScoreTopKMean,
			LOSLe1RatioTopK:       latest.LOSLe1RatioTopK,
			AmountClaimedTopKMean: latest.AmountClaimedTopKMean,
		},
		TopProvinces: named(report.TopProvince),
		TopSeverity:  named(report.TopSeverity),
		TopFlags:     named(report.TopFlags),
	}
}

// latestSummary prefers latest_snapshot and falls back to the newest
// non-empty snapshot summary
func latestSummary(report Report) *Summary {
	if !report.LatestSnapshot.IsEmpty() {
		return report.LatestSnapshot
	}
	for i := len(report.Snapshots) - 1; i >= 0; i-- {
		if s := &report.Snapshots[i].Summary; !s.IsEmpty() {
			return s
		}
	}
	return nil
}

func named(pairs []Pair) []NamedCount {
	out := make([]NamedCount, len(pairs))
	for i, p := range pairs {
		out[i] = NamedCount{Name: p.Name, Count: p.Count}
	}
	return out
}
