package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
)

// WriteMode selects how a write treats existing rows
type WriteMode int

const (
	WriteReplace WriteMode = iota
	WriteAppend
)

const claimColumns = `claim_id, admit_dt, discharge_dt, los, province_name, district_name,
    dx_primary_code, dx_primary_label, dx_primary_group, dx_secondary_codes, dx_secondary_labels,
    facility_id, facility_name, facility_class, facility_match_quality, severity_group, service_type,
    amount_claimed, amount_paid, amount_gap, bpjs_payment_ratio, comorbidity_count,
    peer_key, peer_mean, peer_p90, cost_zscore, duplicate_pattern`

const claimColumnCount = 27

// ClaimSet is the result of a filtered claims load
type ClaimSet struct {
	Claims    []models.Claim
	Total     int
	Truncated bool
}

// CountClaims returns the number of claims matching filters
func (s *Store) CountClaims(ctx context.Context, filters Filters) (int, error) {
	if err := s.requireTable(ctx, s.claimsTable); err != nil {
		return 0, err
	}

	where, args := filters.where()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.claimsTable, where)

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count claims: %w", err)
	}
	return total, nil
}

// LoadClaims counts the matching claims and fetches at most the configured
// row ceiling of them, ordered by claim_id
func (s *Store) LoadClaims(ctx context.Context, filters Filters) (*ClaimSet, error) {
	total, err := s.CountClaims(ctx, filters)
	if err != nil {
		return nil, err
	}

	set := &ClaimSet{Total: total}
	if total == 0 {
		return set, nil
	}

	limit := total
	if s.maxFetchRows > 0 && total > s.maxFetchRows {
		limit = s.maxFetchRows
		set.Truncated = true
		log.Warn().
			Int("total", total).
			Int("max_fetch_rows", s.maxFetchRows).
			Msg("Claims result truncated to fetch ceiling")
	}

	where, args := filters.where()
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY claim_id LIMIT %d", claimColumns, s.claimsTable, where, limit)

	claims, err := s.queryClaims(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	set.Claims = claims
	return set, nil
}

// AllClaims returns the full claims population
func (s *Store) AllClaims(ctx context.Context) ([]models.Claim, error) {
	if err := s.requireTable(ctx, s.claimsTable); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY claim_id", claimColumns, s.claimsTable)
	return s.queryClaims(ctx, query)
}

// GetClaim retrieves a single claim by id
func (s *Store) GetClaim(ctx context.Context, claimID string) (*models.Claim, error) {
	if err := s.requireTable(ctx, s.claimsTable); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE claim_id = ?", claimColumns, s.claimsTable)
	row := s.db.QueryRowContext(ctx, s.rebind(query), claimID)

	claim, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return claim, nil
}

func (s *Store) queryClaims(ctx context.Context, query string, args ...any) ([]models.Claim, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var claims []models.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, *claim)
	}
	return claims, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClaim(row scanner) (*models.Claim, error) {
	var (
		c                              models.Claim
		admit, discharge               sql.NullString
		los, comorbidity               sql.NullInt64
		province, district             sql.NullString
		dxCode, dxLabel, dxGroup       sql.NullString
		dxCodes, dxLabels              sql.NullString
		facilityID, facilityName       sql.NullString
		facilityClass, matchQuality    sql.NullString
		severity, serviceType, peerKey sql.NullString
		claimed, paid, gap, ratio      sql.NullFloat64
		peerMean, peerP90, zscore      sql.NullFloat64
		duplicate                      sql.NullBool
	)

	err := row.Scan(
		&c.ClaimID, &admit, &discharge, &los, &province, &district,
		&dxCode, &dxLabel, &dxGroup, &dxCodes, &dxLabels,
		&facilityID, &facilityName, &facilityClass, &matchQuality, &severity, &serviceType,
		&claimed, &paid, &gap, &ratio, &comorbidity,
		&peerKey, &peerMean, &peerP90, &zscore, &duplicate,
	)
	if err != nil {
		return nil, err
	}

	c.AdmitDate = parseDate(admit)
	c.DischargeDate = parseDate(discharge)
	c.LOS = nullInt(los)
	c.ComorbidityCount = nullInt(comorbidity)
	c.ProvinceName = nullString(province)
	c.DistrictName = nullString(district)
	c.DxPrimaryCode = nullString(dxCode)
	c.DxPrimaryLabel = nullString(dxLabel)
	c.DxPrimaryGroup = nullString(dxGroup)
	c.DxSecondaryCodes = parseList(dxCodes)
	c.DxSecondaryLabels = parseList(dxLabels)
	c.FacilityID = nullString(facilityID)
	c.FacilityName = nullString(facilityName)
	c.FacilityClass = nullString(facilityClass)
	c.FacilityMatchQuality = nullString(matchQuality)
	c.SeverityGroup = nullString(severity)
	c.ServiceType = nullString(serviceType)
	c.AmountClaimed = nullFloat(claimed)
	c.AmountPaid = nullFloat(paid)
	c.AmountGap = nullFloat(gap)
	c.BPJSPaymentRatio = nullFloat(ratio)
	c.PeerKey = nullString(peerKey)
	c.PeerMean = nullFloat(peerMean)
	c.PeerP90 = nullFloat(peerP90)
	c.CostZScore = nullFloat(zscore)
	c.DuplicatePattern = duplicate.Valid && duplicate.Bool

	return &c, nil
}

// WriteClaims stores claims in the claims table. Replace drops any existing
// table first.
func (s *Store) WriteClaims(ctx context.Context, claims []models.Claim, mode WriteMode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if mode == WriteReplace {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.claimsTable)); err != nil {
			return fmt.Errorf("failed to drop claims table: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.claimsSchema()); err != nil {
		return fmt.Errorf("failed to create claims table: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.claimsTable, claimColumns, placeholders(claimColumnCount))
	stmt, err := tx.PrepareContext(ctx, s.rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare claims insert: %w", err)
	}
	defer stmt.Close()

	for i := range claims {
		c := &claims[i]
		_, err := stmt.ExecContext(ctx,
			c.ClaimID, dateValue(c.AdmitDate), dateValue(c.DischargeDate), intValue(c.LOS),
			strValue(c.ProvinceName), strValue(c.DistrictName),
			strValue(c.DxPrimaryCode), strValue(c.DxPrimaryLabel), strValue(c.DxPrimaryGroup),
			listValue(c.DxSecondaryCodes), listValue(c.DxSecondaryLabels),
			strValue(c.FacilityID), strValue(c.FacilityName), strValue(c.FacilityClass),
			strValue(c.FacilityMatchQuality), strValue(c.SeverityGroup), strValue(c.ServiceType),
			floatValue(c.AmountClaimed), floatValue(c.AmountPaid), floatValue(c.AmountGap),
			floatValue(c.BPJSPaymentRatio), intValue(c.ComorbidityCount),
			strValue(c.PeerKey), floatValue(c.PeerMean), floatValue(c.PeerP90), floatValue(c.CostZScore),
			c.DuplicatePattern,
		)
		if err != nil {
			return fmt.Errorf("failed to insert claim %s: %w", c.ClaimID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claims: %w", err)
	}

	log.Info().
		Int("rows", len(claims)).
		Str("table", s.claimsTable).
		Msg("Claims written to warehouse")

	return nil
}

func parseDate(v sql.NullString) *time.Time {
	if !v.Valid || len(v.String) < 10 {
		return nil
	}
	t, err := time.Parse("2006-01-02", v.String[:10])
	if err != nil {
		return nil
	}
	return &t
}

func parseList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func dateValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func strValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func floatValue(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func intValue(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func listValue(items []string) any {
	if items == nil {
		return nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return string(b)
}
