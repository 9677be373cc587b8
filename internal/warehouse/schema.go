package warehouse

import (
	"fmt"
	"strings"
)

// Column types differ slightly between the two backends.
type dialect struct {
	date   string
	real   string
	bigint string
	ts     string
}

func (s *Store) dialect() dialect {
	if s.driver == DriverPostgres {
		return dialect{date: "DATE", real: "DOUBLE PRECISION", bigint: "BIGINT", ts: "TIMESTAMPTZ"}
	}
	return dialect{date: "TEXT", real: "REAL", bigint: "INTEGER", ts: "TIMESTAMP"}
}

// RequiredClaimColumns lists the columns downstream consumers rely on
var RequiredClaimColumns = []string{
	"claim_id",
	"admit_dt",
	"discharge_dt",
	"los",
	"province_name",
	"dx_primary_code",
	"dx_primary_label",
	"dx_primary_group",
	"dx_secondary_codes",
	"dx_secondary_labels",
	"facility_class",
	"service_type",
	"severity_group",
	"amount_claimed",
	"amount_paid",
	"peer_mean",
	"peer_p90",
	"cost_zscore",
}

// ValidateClaimColumns returns ErrMissingColumns listing every required
// column absent from columns
func ValidateClaimColumns(columns []string) error {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[strings.ToLower(c)] = true
	}

	var missing []string
	for _, c := range RequiredClaimColumns {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Store) claimsSchema() string {
	d := s.dialect()
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    claim_id TEXT PRIMARY KEY,
    admit_dt %s,
    discharge_dt %s,
    los INTEGER,
    province_name TEXT,
    district_name TEXT,
    dx_primary_code TEXT,
    dx_primary_label TEXT,
    dx_primary_group TEXT,
    dx_secondary_codes TEXT,
    dx_secondary_labels TEXT,
    facility_id TEXT,
    facility_name TEXT,
    facility_class TEXT,
    facility_match_quality TEXT,
    severity_group TEXT,
    service_type TEXT,
    amount_claimed %s,
    amount_paid %s,
    amount_gap %s,
    bpjs_payment_ratio %s,
    comorbidity_count INTEGER,
    peer_key TEXT,
    peer_mean %s,
    peer_p90 %s,
    cost_zscore %s,
    duplicate_pattern BOOLEAN
)`, s.claimsTable, d.date, d.date, d.real, d.real, d.real, d.real, d.real, d.real, d.real)
}

func (s *Store) scoresSchema() string {
	d := s.dialect()
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    claim_id TEXT NOT NULL,
    ml_score %s NOT NULL,
    ml_score_normalized %s NOT NULL,
    model_version TEXT NOT NULL
)`, ScoresTable, d.real, d.real)
}

func (s *Store) metadataSchemas() []string {
	d := s.dialect()
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS ruleset_versions (
    version TEXT PRIMARY KEY,
    description TEXT,
    created_at %s NOT NULL
)`, d.ts),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS etl_runs (
    run_id TEXT PRIMARY KEY,
    executed_at %s NOT NULL,
    ruleset_version TEXT,
    rows_processed %s,
    notes TEXT
)`, d.ts, d.bigint),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS ml_model_versions (
    run_id TEXT PRIMARY KEY,
    version TEXT,
    refreshed_at %s NOT NULL,
    summary_timestamp TEXT,
    rows_scored %s,
    total_rows %s,
    top_k INTEGER,
    top_k_amount_mean %s,
    top_k_cost_zscore_mean %s,
    top_k_los_le_1_ratio %s,
    top_k_risk_score_mean %s,
    top_k_ml_score_mean %s,
    top_k_snapshot TEXT
)`, d.ts, d.bigint, d.bigint, d.real, d.real, d.real, d.real, d.real),
	}
}
