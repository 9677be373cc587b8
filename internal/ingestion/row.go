package ingestion

import (
	"time"

	"github.com/casemind/claims-risk/internal/models"
)

// ClaimRow is one row of the claims_normalized parquet export. Dates are
// ISO strings (YYYY-MM-DD); numeric peer statistics may be absent.
type ClaimRow struct {
	ClaimID              string   `parquet:"claim_id"`
	AdmitDate            *string  `parquet:"admit_dt,optional"`
	DischargeDate        *string  `parquet:"discharge_dt,optional"`
	LOS                  *int64   `parquet:"los,optional"`
	ProvinceName         *string  `parquet:"province_name,optional"`
	DistrictName         *string  `parquet:"district_name,optional"`
	DxPrimaryCode        *string  `parquet:"dx_primary_code,optional"`
	DxPrimaryLabel       *string  `parquet:"dx_primary_label,optional"`
	DxPrimaryGroup       *string  `parquet:"dx_primary_group,optional"`
	DxSecondaryCodes     []string `parquet:"dx_secondary_codes,list"`
	DxSecondaryLabels    []string `parquet:"dx_secondary_labels,list"`
	FacilityID           *string  `parquet:"facility_id,optional"`
	FacilityName         *string  `parquet:"facility_name,optional"`
	FacilityClass        *string  `parquet:"facility_class,optional"`
	FacilityMatchQuality *string  `parquet:"facility_match_quality,optional"`
	SeverityGroup        *string  `parquet:"severity_group,optional"`
	ServiceType          *string  `parquet:"service_type,optional"`
	AmountClaimed        *float64 `parquet:"amount_claimed,optional"`
	AmountPaid           *float64 `parquet:"amount_paid,optional"`
	AmountGap            *float64 `parquet:"amount_gap,optional"`
	BPJSPaymentRatio     *float64 `parquet:"bpjs_payment_ratio,optional"`
	ComorbidityCount     *int64   `parquet:"comorbidity_count,optional"`
	PeerKey              *string  `parquet:"peer_key,optional"`
	PeerMean             *float64 `parquet:"peer_mean,optional"`
	PeerP90              *float64 `parquet:"peer_p90,optional"`
	CostZScore           *float64 `parquet:"cost_zscore,optional"`
	DuplicatePattern     *bool    `parquet:"duplicate_pattern,optional"`
}

// Claim converts the row
func (r *ClaimRow) Claim() models.Claim {
	c := models.Claim{
		ClaimID:              r.ClaimID,
		AdmitDate:            parseDate(r.AdmitDate),
		DischargeDate:        parseDate(r.DischargeDate),
		LOS:                  toInt(r.LOS),
		ProvinceName:         r.ProvinceName,
		DistrictName:         r.DistrictName,
		DxPrimaryCode:        r.DxPrimaryCode,
		DxPrimaryLabel:       r.DxPrimaryLabel,
		DxPrimaryGroup:       r.DxPrimaryGroup,
		DxSecondaryCodes:     r.DxSecondaryCodes,
		DxSecondaryLabels:    r.DxSecondaryLabels,
		FacilityID:           r.FacilityID,
		FacilityName:         r.FacilityName,
		FacilityClass:        r.FacilityClass,
		FacilityMatchQuality: r.FacilityMatchQuality,
		SeverityGroup:        r.SeverityGroup,
		ServiceType:          r.ServiceType,
		AmountClaimed:        r.AmountClaimed,
		AmountPaid:           r.AmountPaid,
		AmountGap:            r.AmountGap,
		BPJSPaymentRatio:     r.BPJSPaymentRatio,
		ComorbidityCount:     toInt(r.ComorbidityCount),
		PeerKey:              r.PeerKey,
		PeerMean:             r.PeerMean,
		PeerP90:              r.PeerP90,
		CostZScore:           r.CostZScore,
	}
	if r.DuplicatePattern != nil {
		c.DuplicatePattern = *r.DuplicatePattern
	}
	return c
}

// RowFromClaim is the inverse of ClaimRow.Claim
func RowFromClaim(c models.Claim) ClaimRow {
	row := ClaimRow{
		ClaimID:              c.ClaimID,
		AdmitDate:            models.FormatDate(c.AdmitDate),
		DischargeDate:        models.FormatDate(c.DischargeDate),
		LOS:                  toInt64(c.LOS),
		ProvinceName:         c.ProvinceName,
		DistrictName:         c.DistrictName,
		DxPrimaryCode:        c.DxPrimaryCode,
		DxPrimaryLabel:       c.DxPrimaryLabel,
		DxPrimaryGroup:       c.DxPrimaryGroup,
		DxSecondaryCodes:     c.DxSecondaryCodes,
		DxSecondaryLabels:    c.DxSecondaryLabels,
		FacilityID:           c.FacilityID,
		FacilityName:         c.FacilityName,
		FacilityClass:        c.FacilityClass,
		FacilityMatchQuality: c.FacilityMatchQuality,
		SeverityGroup:        c.SeverityGroup,
		ServiceType:          c.ServiceType,
		AmountClaimed:        c.AmountClaimed,
		AmountPaid:           c.AmountPaid,
		AmountGap:            c.AmountGap,
		BPJSPaymentRatio:     c.BPJSPaymentRatio,
		ComorbidityCount:     toInt64(c.ComorbidityCount),
		PeerKey:              c.PeerKey,
		PeerMean:             c.PeerMean,
		PeerP90:              c.PeerP90,
		CostZScore:           c.CostZScore,
	}
	dup := c.DuplicatePattern
	row.DuplicatePattern = &dup
	return row
}

func parseDate(s *string) *time.Time {
	if s == nil || len(*s) < 10 {
		return nil
	}
	t, err := time.Parse("2006-01-02", (*s)[:10])
	if err != nil {
		return nil
	}
	return &t
}

func toInt(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func toInt64(v *int) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}
