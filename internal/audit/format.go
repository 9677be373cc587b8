package audit

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const missingValue = "-"

// FormatRupiah renders an amount as "Rp 1.234.567", rounded to whole rupiah
func FormatRupiah(v *float64) string {
	if v == nil {
		return missingValue
	}

	d := decimal.NewFromFloat(*v).RoundBank(0)
	digits := d.Abs().StringFixed(0)

	var b strings.Builder
	b.WriteString("Rp ")
	if d.IsNegative() {
		b.WriteByte('-')
	}
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte('.')
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// FormatPercent renders a ratio as a percentage with one decimal
func FormatPercent(v *float64) string {
	if v == nil {
		return missingValue
	}
	return decimal.NewFromFloat(*v).Shift(2).StringFixed(1) + "%"
}

func orDefault(v *string, def string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return def
	}
	return *v
}

func formatScore(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
