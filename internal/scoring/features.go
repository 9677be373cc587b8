package scoring

import (
	"fmt"
	"sort"

	"github.com/casemind/claims-risk/internal/models"
)

// Default feature lists used when no model metadata is present
var (
	DefaultNumericFeatures = []string{
		"los",
		"amount_claimed",
		"amount_paid",
		"amount_gap",
		"comorbidity_count",
		"peer_mean",
		"peer_p90",
		"cost_zscore",
	}
	DefaultCategoricalFeatures = []string{
		"severity_group",
		"facility_class",
		"province_name",
		"service_type",
	}
)

const unknownCategory = "UNK"

type numericGetter func(*models.Claim) *float64

type categoricalGetter func(*models.Claim) *string

func intAsFloat(i *int) *float64 {
	if i == nil {
		return nil
	}
	f := float64(*i)
	return &f
}

var numericGetters = map[string]numericGetter{
	"los":                func(c *models.Claim) *float64 { return intAsFloat(c.LOS) },
	"amount_claimed":     func(c *models.Claim) *float64 { return c.AmountClaimed },
	"amount_paid":        func(c *models.Claim) *float64 { return c.AmountPaid },
	"amount_gap":         func(c *models.Claim) *float64 { return c.AmountGap },
	"bpjs_payment_ratio": func(c *models.Claim) *float64 { return c.BPJSPaymentRatio },
	"comorbidity_count":  func(c *models.Claim) *float64 { return intAsFloat(c.ComorbidityCount) },
	"peer_mean":          func(c *models.Claim) *float64 { return c.PeerMean },
	"peer_p90":           func(c *models.Claim) *float64 { return c.PeerP90 },
	"cost_zscore":        func(c *models.Claim) *float64 { return c.CostZScore },
}

var categoricalGetters = map[string]categoricalGetter{
	"severity_group":         func(c *models.Claim) *string { return c.SeverityGroup },
	"facility_class":         func(c *models.Claim) *string { return c.FacilityClass },
	"province_name":          func(c *models.Claim) *string { return c.ProvinceName },
	"service_type":           func(c *models.Claim) *string { return c.ServiceType },
	"district_name":          func(c *models.Claim) *string { return c.DistrictName },
	"dx_primary_group":       func(c *models.Claim) *string { return c.DxPrimaryGroup },
	"facility_match_quality": func(c *models.Claim) *string { return c.FacilityMatchQuality },
}

// featureBuilder turns claims into the model input matrix
type featureBuilder struct {
	numeric     []numericGetter
	categorical []categoricalGetter
	catNames    []string
	numNames    []string
	scaler      *StandardScaler
	columns     []string
}

func newFeatureBuilder(numeric, categorical, columns []string, scaler *StandardScaler) (*featureBuilder, error) {
	if len(scaler.Mean) != len(numeric) {
		return nil, fmt.Errorf("scaler has %d columns for %d numeric features", len(scaler.Mean), len(numeric))
	}

	b := &featureBuilder{scaler: scaler, columns: columns, numNames: numeric, catNames: categorical}
	for _, name := range numeric {
		g, ok := numericGetters[name]
		if !ok {
			return nil, fmt.Errorf("unknown numeric feature %q", name)
		}
		b.numeric = append(b.numeric, g)
	}
	for _, name := range categorical {
		g, ok := categoricalGetters[name]
		if !ok {
			return nil, fmt.Errorf("unknown categorical feature %q", name)
		}
		b.categorical = append(b.categorical, g)
	}
	return b, nil
}

// build returns one row per claim, aligned to the training column list when
// one is known. Without it the layout is the numeric features followed by the
// one-hot columns observed in the batch, sorted per feature.
func (b *featureBuilder) build(claims []models.Claim) ([][]float64, []string) {
	scaled := make([][]float64, len(claims))
	oneHot := make([]map[string]bool, len(claims))
	observed := make([]map[string]bool, len(b.categorical))
	for j := range observed {
		observed[j] = make(map[string]bool)
	}

	for i := range claims {
		c := &claims[i]

		row := make([]float64, len(b.numeric))
		for j, get := range b.numeric {
			var v float64
			if p := get(c); p != nil {
				v = *p
			}
			scale := b.scaler.Scale[j]
			if scale == 0 {
				scale = 1
			}
			row[j] = (v - b.scaler.Mean[j]) / scale
		}
		scaled[i] = row

		hot := make(map[string]bool, len(b.categorical))
		for j, get := range b.categorical {
			value := unknownCategory
			if p := get(c); p != nil {
				value = *p
			}
			col := b.catNames[j] + "_" + value
			hot[col] = true
			observed[j][col] = true
		}
		oneHot[i] = hot
	}

	columns := b.columns
	if len(columns) == 0 {
		columns = append([]string{}, b.numNames...)
		for j := range observed {
			cols := make([]string, 0, len(observed[j]))
			for col := range observed[j] {
				cols = append(cols, col)
			}
			sort.Strings(cols)
			columns = append(columns, cols...)
		}
	}

	numIndex := make(map[string]int, len(b.numNames))
	for j, name := range b.numNames {
		numIndex[name] = j
	}

	rows := make([][]float64, len(claims))
	for i := range claims {
		row := make([]float64, len(columns))
		for k, col := range columns {
			if j, ok := numIndex[col]; ok {
				row[k] = scaled[i][j]
				continue
			}
			if oneHot[i][col] {
				row[k] = 1
			}
		}
		rows[i] = row
	}
	return rows, columns
}
