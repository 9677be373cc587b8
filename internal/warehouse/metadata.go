package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EnsureMetadataTables creates the run bookkeeping tables when absent
func (s *Store) EnsureMetadataTables(ctx context.Context) error {
	for _, ddl := range s.metadataSchemas() {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// RecordRulesetVersion inserts the ruleset version once; later calls are no-ops
func (s *Store) RecordRulesetVersion(ctx context.Context, version, description string) error {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM ruleset_versions WHERE version = ?`), version).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check ruleset version: %w", err)
	}
	if n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO ruleset_versions (version, description, created_at) VALUES (?, ?, ?)`),
		version, description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record ruleset version: %w", err)
	}
	return nil
}

// RecordETLRun stores one ingestion run and returns its id
func (s *Store) RecordETLRun(ctx context.Context, rulesetVersion string, rowsProcessed int, notes string) (string, error) {
	runID := uuid.New().String()

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO etl_runs (run_id, executed_at, ruleset_version, rows_processed, notes) VALUES (?, ?, ?, ?, ?)`),
		runID, time.Now().UTC(), rulesetVersion, int64(rowsProcessed), notes,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record etl run: %w", err)
	}

	log.Info().
		Str("run_id", runID).
		Int("rows_processed", rowsProcessed).
		Msg("ETL run recorded")

	return runID, nil
}

// MLRefreshRecord is one row of ml_model_versions. TopKSnapshot holds the
// JSON document of the top records and their insights.
type MLRefreshRecord struct {
	RunID              string    `json:"run_id"`
	Version            string    `json:"version"`
	RefreshedAt        time.Time `json:"refreshed_at"`
	SummaryTimestamp   *string   `json:"summary_timestamp"`
	RowsScored         int       `json:"rows_scored"`
	TotalRows          *int      `json:"total_rows"`
	TopK               *int      `json:"top_k"`
	TopKAmountMean     *float64  `json:"top_k_amount_mean"`
	TopKCostZScoreMean *float64  `json:"top_k_cost_zscore_mean"`
	TopKLOSLe1Ratio    *float64  `json:"top_k_los_le_1_ratio"`
	TopKRiskScoreMean  *float64  `json:"top_k_risk_score_mean"`
	TopKMLScoreMean    *float64  `json:"top_k_ml_score_mean"`
	TopKSnapshot       *string   `json:"top_k_snapshot,omitempty"`
}

// RecordMLRefresh stores a score cache refresh. RunID and RefreshedAt are
// filled when empty.
func (s *Store) RecordMLRefresh(ctx context.Context, rec MLRefreshRecord) (string, error) {
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.RefreshedAt.IsZero() {
		rec.RefreshedAt = time.Now().UTC()
	}

	query := `INSERT INTO ml_model_versions (
        run_id, version, refreshed_at, summary_timestamp, rows_scored, total_rows, top_k,
        top_k_amount_mean, top_k_cost_zscore_mean, top_k_los_le_1_ratio,
        top_k_risk_score_mean, top_k_ml_score_mean, top_k_snapshot
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rec.RunID, rec.Version, rec.RefreshedAt, strValue(rec.SummaryTimestamp),
		int64(rec.RowsScored), intValue(rec.TotalRows), intValue(rec.TopK),
		floatValue(rec.TopKAmountMean), floatValue(rec.TopKCostZScoreMean), floatValue(rec.TopKLOSLe1Ratio),
		floatValue(rec.TopKRiskScoreMean), floatValue(rec.TopKMLScoreMean), strValue(rec.TopKSnapshot),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record ml refresh: %w", err)
	}

	log.Info().
		Str("run_id", rec.RunID).
		Str("model_version", rec.Version).
		Int("rows_scored", rec.RowsScored).
		Msg("ML refresh recorded")

	return rec.RunID, nil
}

// ListMLRefreshes returns the most recent refresh runs, newest first
func (s *Store) ListMLRefreshes(ctx context.Context, limit int) ([]MLRefreshRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`SELECT run_id, version, refreshed_at, summary_timestamp, rows_scored, total_rows, top_k,
        top_k_amount_mean, top_k_cost_zscore_mean, top_k_los_le_1_ratio,
        top_k_risk_score_mean, top_k_ml_score_mean
    FROM ml_model_versions ORDER BY refreshed_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ml refreshes: %w", err)
	}
	defer rows.Close()

	var records []MLRefreshRecord
	for rows.Next() {
		rec, err := scanRefresh(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ml refresh: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// LatestMLRefresh returns the newest refresh run or ErrNotFound
func (s *Store) LatestMLRefresh(ctx context.Context) (*MLRefreshRecord, error) {
	records, err := s.ListMLRefreshes(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}

func scanRefresh(row scanner) (*MLRefreshRecord, error) {
	var (
		rec                         MLRefreshRecord
		version, summaryTS          sql.NullString
		refreshed                   any
		rowsScored, totalRows, topK sql.NullInt64
		amount, zscore, los         sql.NullFloat64
		risk, ml                    sql.NullFloat64
	)

	err := row.Scan(&rec.RunID, &version, &refreshed, &summaryTS, &rowsScored, &totalRows, &topK,
		&amount, &zscore, &los, &risk, &ml)
	if err != nil {
		return nil, err
	}

	rec.Version = version.String
	rec.RefreshedAt = parseTimestamp(refreshed)
	rec.SummaryTimestamp = nullString(summaryTS)
	rec.RowsScored = int(rowsScored.Int64)
	rec.TotalRows = nullInt(totalRows)
	rec.TopK = nullInt(topK)
	rec.TopKAmountMean = nullFloat(amount)
	rec.TopKCostZScoreMean = nullFloat(zscore)
	rec.TopKLOSLe1Ratio = nullFloat(los)
	rec.TopKRiskScoreMean = nullFloat(risk)
	rec.TopKMLScoreMean = nullFloat(ml)
	return &rec, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts the native time values of postgres and the text
// encodings sqlite drivers use
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseTimestampString(t)
	case []byte:
		return parseTimestampString(string(t))
	}
	return time.Time{}
}

func parseTimestampString(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// IsNotFound reports whether err is a missing table or row
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
