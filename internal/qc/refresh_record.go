package qc

import (
	"encoding/json"
	"fmt"

	"github.com/casemind/claims-risk/internal/warehouse"
)

const (
	recordTopLimit     = 10
	recordInsightLimit = 5
)

type refreshDocument struct {
	Summary    Summary           `json:"summary"`
	TopRecords []TopRecord       `json:"top_records"`
	Insights   map[string][]Pair `json:"insights"`
}

// RefreshRecord builds the ml_model_versions row of a refresh. A nil snap
// yields a record without summary columns.
func RefreshRecord(version string, rowsScored int, snap *Snapshot) (warehouse.MLRefreshRecord, error) {
	rec := warehouse.MLRefreshRecord{Version: version, RowsScored: rowsScored}

	doc := refreshDocument{TopRecords: []TopRecord{}, Insights: map[string][]Pair{}}
	if snap != nil {
		s := snap.Summary
		ts, total, topK := s.Timestamp, s.TotalRows, s.TopK
		rec.SummaryTimestamp = &ts
		rec.TotalRows = &total
		rec.TopK = &topK
		rec.TopKAmountMean = s.AmountClaimedTopKMean
		rec.TopKCostZScoreMean = s.CostZScoreTopKMean
		rec.TopKLOSLe1Ratio = s.LOSLe1RatioTopK
		rec.TopKRiskScoreMean = s.RiskScoreTopKMean
		rec.TopKMLScoreMean = s.MLScoreTopKMean

		top := snap.TopRecords
		if len(top) > recordTopLimit {
			top = top[:recordTopLimit]
		}
		doc.Summary = s
		doc.TopRecords = top
		if len(top) > 0 {
			doc.Insights = insights(top)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return rec, fmt.Errorf("failed to encode top-k snapshot: %w", err)
	}
	payload := string(data)
	rec.TopKSnapshot = &payload
	return rec, nil
}

// insights tallies provinces, severities and flags; blank values are skipped
func insights(records []TopRecord) map[string][]Pair {
	province := newCounter()
	severity := newCounter()
	flags := newCounter()

	for _, r := range records {
		if r.ProvinceName != nil && *r.ProvinceName != "" {
			province.add(r.ProvinceName)
		}
		if r.SeverityGroup != nil && *r.SeverityGroup != "" {
			severity.add(r.SeverityGroup)
		}
		for _, f := range r.Flags {
			flag := f
			flags.add(&flag)
		}
	}

	return map[string][]Pair{
		"top_provinces": province.mostCommon(recordInsightLimit),
		"top_severity":  severity.mostCommon(recordInsightLimit),
		"top_flags":     flags.mostCommon(recordInsightLimit),
	}
}
