package ranking

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/scorecache"
	"github.com/casemind/claims-risk/internal/warehouse"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 50
)

// filterParams are the query parameters echoed back as applied filters
var filterParams = []string{
	"province",
	"dx",
	"severity",
	"service_type",
	"min_risk_score",
	"max_risk_score",
	"min_ml_score",
	"facility_class",
	"start_date",
	"end_date",
	"discharge_start",
	"discharge_end",
	"flag",
}

// Query is a parsed high risk listing request. Values that fail to parse
// are left unset.
type Query struct {
	Province      string
	Diagnosis     string
	FacilityClass string
	Severity      string
	ServiceType   string
	// Flag keeps only claims raising the named rule flag
	Flag string

	AdmitFrom     *time.Time
	AdmitTo       *time.Time
	DischargeFrom *time.Time
	DischargeTo   *time.Time

	MinRiskScore *float64
	MaxRiskScore *float64
	MinMLScore   *float64

	Page         int
	PageSize     int
	RefreshCache bool

	// Applied holds the non-empty raw filter parameters
	Applied map[string]string
}

// ParseQuery reads a listing request from URL query values
func ParseQuery(values url.Values) Query {
	get := func(key string) string {
		return strings.TrimSpace(values.Get(key))
	}

	pageSize := values.Get("page_size")
	if pageSize == "" {
		pageSize = values.Get("limit")
	}

	q := Query{
		Province:      get("province"),
		Diagnosis:     get("dx"),
		FacilityClass: get("facility_class"),
		Severity:      get("severity"),
		ServiceType:   get("service_type"),
		Flag:          strings.ToLower(get("flag")),
		AdmitFrom:     parseDate("start_date", get("start_date")),
		AdmitTo:       parseDate("end_date", get("end_date")),
		DischargeFrom: parseDate("discharge_start", get("discharge_start")),
		DischargeTo:   parseDate("discharge_end", get("discharge_end")),
		MinRiskScore:  parseFloat("min_risk_score", get("min_risk_score")),
		MaxRiskScore:  parseFloat("max_risk_score", get("max_risk_score")),
		MinMLScore:    parseFloat("min_ml_score", get("min_ml_score")),
		Page:          parsePositiveInt(values.Get("page"), DefaultPage),
		PageSize:      parsePositiveInt(pageSize, DefaultPageSize),
		RefreshCache:  scorecache.ParseForceFlag(values.Get("refresh_cache")),
		Applied:       make(map[string]string),
	}

	for _, key := range filterParams {
		if v := values.Get(key); v != "" {
			q.Applied[key] = v
		}
	}
	return q
}

// PrimaryFilters are the predicates pushed down to the warehouse
func (q Query) PrimaryFilters() warehouse.Filters {
	var filters warehouse.Filters
	add := func(key warehouse.FilterKey, v string) {
		if v != "" {
			filters = append(filters, warehouse.Eq(key, v))
		}
	}
	addDate := func(key warehouse.FilterKey, t *time.Time) {
		if t != nil {
			filters = append(filters, warehouse.DateFilter(key, *t))
		}
	}

	add(warehouse.FilterProvince, q.Province)
	add(warehouse.FilterDiagnosis, q.Diagnosis)
	add(warehouse.FilterFacilityClass, q.FacilityClass)
	add(warehouse.FilterSeverity, q.Severity)
	add(warehouse.FilterServiceType, q.ServiceType)
	addDate(warehouse.FilterAdmitFrom, q.AdmitFrom)
	addDate(warehouse.FilterAdmitTo, q.AdmitTo)
	addDate(warehouse.FilterDischargeFrom, q.DischargeFrom)
	addDate(warehouse.FilterDischargeTo, q.DischargeTo)
	return filters
}

// Offset is the index of the first item of the requested page. It
// saturates at math.MaxInt instead of overflowing.
func (q Query) Offset() int {
	if q.Page <= 1 || q.PageSize <= 0 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.PageSize {
		return math.MaxInt
	}
	return (q.Page - 1) * q.PageSize
}

func parsePositiveInt(raw string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func parseFloat(name, raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		log.Debug().Str("param", name).Str("value", raw).Msg("Ignoring unparseable numeric filter")
		return nil
	}
	return &v
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006/01/02"}

func parseDate(name, raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &day
		}
	}
	log.Debug().Str("param", name).Str("value", raw).Msg("Ignoring unparseable date filter")
	return nil
}
