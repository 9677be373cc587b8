package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an auditor or administrator of the claims API
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	FullName     *string    `json:"full_name"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// User roles
const (
	RoleAuditor = "auditor"
	RoleAdmin   = "admin"
)

// Claim is one row of the claims_normalized dataset produced by the ETL.
// It is never mutated by this service.
type Claim struct {
	ClaimID              string     `json:"claim_id"`
	AdmitDate            *time.Time `json:"admit_dt"`
	DischargeDate        *time.Time `json:"discharge_dt"`
	LOS                  *int       `json:"los"`
	ProvinceName         *string    `json:"province_name"`
	DistrictName         *string    `json:"district_name"`
	DxPrimaryCode        *string    `json:"dx_primary_code"`
	DxPrimaryLabel       *string    `json:"dx_primary_label"`
	DxPrimaryGroup       *string    `json:"dx_primary_group"`
	DxSecondaryCodes     []string   `json:"dx_secondary_codes"`
	DxSecondaryLabels    []string   `json:"dx_secondary_labels"`
	FacilityID           *string    `json:"facility_id"`
	FacilityName         *string    `json:"facility_name"`
	FacilityClass        *string    `json:"facility_class"`
	FacilityMatchQuality *string    `json:"facility_match_quality"`
	SeverityGroup        *string    `json:"severity_group"`
	ServiceType          *string    `json:"service_type"`
	AmountClaimed        *float64   `json:"amount_claimed"`
	AmountPaid           *float64   `json:"amount_paid"`
	AmountGap            *float64   `json:"amount_gap"`
	BPJSPaymentRatio     *float64   `json:"bpjs_payment_ratio"`
	ComorbidityCount     *int       `json:"comorbidity_count"`
	PeerKey              *string    `json:"peer_key"`
	PeerMean             *float64   `json:"peer_mean"`
	PeerP90              *float64   `json:"peer_p90"`
	CostZScore           *float64   `json:"cost_zscore"`
	DuplicatePattern     bool       `json:"duplicate_pattern"`
}

// Facility match quality values
const (
	FacilityMatchExact     = "exact"
	FacilityMatchRegional  = "regional"
	FacilityMatchUnmatched = "unmatched"
)

// MLScore is one row of the claims_ml_scores cache
type MLScore struct {
	ClaimID           string  `json:"claim_id" parquet:"claim_id"`
	MLScore           float64 `json:"ml_score" parquet:"ml_score"`
	MLScoreNormalized float64 `json:"ml_score_normalized" parquet:"ml_score_normalized"`
	ModelVersion      string  `json:"model_version" parquet:"model_version"`
}

// AuditOutcome is an auditor decision recorded against a claim
type AuditOutcome struct {
	ID              uuid.UUID  `json:"id"`
	ClaimID         string     `json:"claim_id"`
	Decision        string     `json:"decision"`
	CorrectionRatio *float64   `json:"correction_ratio"`
	Notes           *string    `json:"notes"`
	ReviewerID      *uuid.UUID `json:"reviewer_id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Audit decision enum values
const (
	DecisionApproved = "approved"
	DecisionPartial  = "partial"
	DecisionRejected = "rejected"
)

// IsValidDecision reports whether d is an accepted audit decision
func IsValidDecision(d string) bool {
	switch d {
	case DecisionApproved, DecisionPartial, DecisionRejected:
		return true
	}
	return false
}

// Peer holds the peer-group cost statistics of a claim
type Peer struct {
	Mean *float64 `json:"mean"`
	P90  *float64 `json:"p90"`
}

// HighRiskClaim is one item of the high risk claims listing
type HighRiskClaim struct {
	ClaimID           string        `json:"claim_id"`
	AdmitDate         *string       `json:"admit_dt"`
	DischargeDate     *string       `json:"discharge_dt"`
	ProvinceName      *string       `json:"province_name"`
	DistrictName      *string       `json:"district_name"`
	DxPrimaryCode     *string       `json:"dx_primary_code"`
	DxPrimaryLabel    *string       `json:"dx_primary_label"`
	SeverityGroup     *string       `json:"severity_group"`
	ServiceType       *string       `json:"service_type"`
	FacilityClass     *string       `json:"facility_class"`
	FacilityName      *string       `json:"facility_name"`
	AmountClaimed     *float64      `json:"amount_claimed"`
	AmountPaid        *float64      `json:"amount_paid"`
	AmountGap         *float64      `json:"amount_gap"`
	CostZScore        *float64      `json:"cost_zscore"`
	LOS               *int          `json:"los"`
	BPJSPaymentRatio  *float64      `json:"bpjs_payment_ratio"`
	Peer              Peer          `json:"peer"`
	Flags             []string      `json:"flags"`
	DuplicatePattern  bool          `json:"duplicate_pattern"`
	RuleScore         float64       `json:"rule_score"`
	MLScore           *float64      `json:"ml_score"`
	MLScoreNormalized *float64      `json:"ml_score_normalized"`
	RiskScore         float64       `json:"risk_score"`
	ModelVersion      *string       `json:"model_version"`
	RulesetVersion    string        `json:"ruleset_version"`
	LatestFeedback    *AuditOutcome `json:"latest_feedback"`
}

// HighRiskPage is the envelope returned by the ranking service
type HighRiskPage struct {
	Items          []HighRiskClaim `json:"items"`
	Total          int             `json:"total"`
	Page           int             `json:"page"`
	PageSize       int             `json:"page_size"`
	ModelVersion   string          `json:"model_version"`
	RulesetVersion string          `json:"ruleset_version"`
}

// CasemixRow aggregates claims of one province
type CasemixRow struct {
	Province             string   `json:"province"`
	ClaimCount           int64    `json:"claim_count"`
	AvgLOS               *float64 `json:"avg_los"`
	AvgClaimToPaidRatio  *float64 `json:"avg_claim_to_paid_ratio"`
	HighCostRate         *float64 `json:"high_cost_rate"`
	DuplicatePatternRate *float64 `json:"duplicate_pattern_rate"`
}

// ScoreRefreshedEvent is published after every score cache recomputation
type ScoreRefreshedEvent struct {
	RunID            string    `json:"run_id"`
	ModelVersion     string    `json:"model_version"`
	RulesetVersion   string    `json:"ruleset_version"`
	RowsScored       int       `json:"rows_scored"`
	SnapshotPath     string    `json:"snapshot_path,omitempty"`
	SummaryTimestamp string    `json:"summary_timestamp,omitempty"`
	RefreshedAt      time.Time `json:"refreshed_at"`
}

// RefreshJob asks a worker to recompute the score cache
type RefreshJob struct {
	JobID       string    `json:"job_id"`
	TopK        int       `json:"top_k"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RetryCount  int       `json:"retry_count"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// FormatDate renders a claim date as YYYY-MM-DD
func FormatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
