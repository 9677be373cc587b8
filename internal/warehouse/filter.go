package warehouse

import (
	"fmt"
	"strings"
	"time"
)

// FilterKey identifies one of the fixed, pushdown-capable claim filters.
// Column expressions are bound here at definition time; callers can only
// choose a key and supply a value, which is always passed as a parameter.
type FilterKey int

const (
	FilterProvince FilterKey = iota + 1
	FilterDiagnosis
	FilterFacilityClass
	FilterSeverity
	FilterServiceType
	FilterAdmitFrom
	FilterAdmitTo
	FilterDischargeFrom
	FilterDischargeTo
	FilterClaimID
)

type filterColumn struct {
	name      string
	expr      string
	op        string
	normalize func(string) string
}

func upper(v string) string { return strings.ToUpper(strings.TrimSpace(v)) }

func trimmed(v string) string { return strings.TrimSpace(v) }

var filterColumns = map[FilterKey]filterColumn{
	FilterProvince:      {name: "province", expr: "UPPER(province_name)", op: "=", normalize: upper},
	FilterDiagnosis:     {name: "dx", expr: "UPPER(dx_primary_code)", op: "=", normalize: upper},
	FilterFacilityClass: {name: "facility_class", expr: "UPPER(facility_class)", op: "=", normalize: upper},
	FilterSeverity:      {name: "severity", expr: "UPPER(severity_group)", op: "=", normalize: upper},
	FilterServiceType:   {name: "service_type", expr: "UPPER(service_type)", op: "=", normalize: upper},
	FilterAdmitFrom:     {name: "start_date", expr: "date(admit_dt)", op: ">=", normalize: trimmed},
	FilterAdmitTo:       {name: "end_date", expr: "date(admit_dt)", op: "<=", normalize: trimmed},
	FilterDischargeFrom: {name: "discharge_start", expr: "date(discharge_dt)", op: ">=", normalize: trimmed},
	FilterDischargeTo:   {name: "discharge_end", expr: "date(discharge_dt)", op: "<=", normalize: trimmed},
	FilterClaimID:       {name: "claim_id", expr: "claim_id", op: "=", normalize: trimmed},
}

// String returns the request parameter name of the key
func (k FilterKey) String() string {
	if col, ok := filterColumns[k]; ok {
		return col.name
	}
	return fmt.Sprintf("FilterKey(%d)", int(k))
}

// IsDate reports whether the key compares a date column
func (k FilterKey) IsDate() bool {
	switch k {
	case FilterAdmitFrom, FilterAdmitTo, FilterDischargeFrom, FilterDischargeTo:
		return true
	}
	return false
}

// Filter is one exact-match or range predicate on the claims table
type Filter struct {
	Key   FilterKey
	Value string
}

// Eq builds a string filter
func Eq(key FilterKey, value string) Filter {
	return Filter{Key: key, Value: value}
}

// DateFilter builds a date range bound from t
func DateFilter(key FilterKey, t time.Time) Filter {
	return Filter{Key: key, Value: t.Format("2006-01-02")}
}

// Filters is a conjunction of predicates
type Filters []Filter

// where renders the WHERE clause and its bound arguments. Empty values and
// unknown keys are skipped.
func (f Filters) where() (string, []any) {
	var clauses []string
	var args []any

	for _, filter := range f {
		col, ok := filterColumns[filter.Key]
		if !ok {
			continue
		}
		value := col.normalize(filter.Value)
		if value == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", col.expr, col.op))
		args = append(args, value)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
