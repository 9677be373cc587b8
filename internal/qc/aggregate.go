package qc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// Pair is a (name, count) tally serialized as a two element array
type Pair struct {
	Name  string
	Count int
}

// MarshalJSON encodes the pair as [name, count]
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Name, p.Count})
}

// UnmarshalJSON decodes [name, count]
func (p *Pair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return errors.New("pair needs a name and a count")
	}

	var name *string
	if err := json.Unmarshal(raw[0], &name); err != nil {
		return err
	}
	if name != nil {
		p.Name = *name
	}
	return json.Unmarshal(raw[1], &p.Count)
}

// Averages are the per-snapshot means averaged over every snapshot
type Averages struct {
	AmountClaimedMean     *float64 `json:"amount_claimed_mean"`
	AmountClaimedTopKMean *float64 `json:"amount_claimed_top_k_mean"`
	CostZScoreMean        *float64 `json:"cost_zscore_mean"`
	CostZScoreTopKMean    *float64 `json:"cost_zscore_top_k_mean"`
	LOSLe1Ratio           *float64 `json:"los_le_1_ratio"`
	LOSLe1RatioTopK       *float64 `json:"los_le_1_ratio_top_k"`
	RiskScoreTopKMean     *float64 `json:"risk_score_top_k_mean"`
	MLScoreTopKMean       *float64 `json:"ml_score_top_k_mean"`
}

// SnapshotEntry lists one snapshot in the report
type SnapshotEntry struct {
	Timestamp      string  `json:"timestamp"`
	Summary        Summary `json:"summary"`
	TopRecordCount int     `json:"top_record_count"`
}

// Report aggregates every snapshot of the log directory
type Report struct {
	TotalSnapshots int             `json:"total_snapshots"`
	LatestSnapshot *Summary        `json:"latest_snapshot"`
	Averages       *Averages       `json:"averages"`
	TopSeverity    []Pair          `json:"top_severity_in_top_k"`
	TopProvince    []Pair          `json:"top_province_in_top_k"`
	TopFlags       []Pair          `json:"top_flags_in_top_k"`
	Snapshots      []SnapshotEntry `json:"snapshots"`
}

// MarshalJSON writes {"snapshots": []} for a report without snapshots
func (r Report) MarshalJSON() ([]byte, error) {
	if len(r.Snapshots) == 0 {
		return []byte(`{"snapshots":[]}`), nil
	}
	type plain Report
	return json.Marshal(plain(r))
}

// mostCommonLimit bounds each tally in the report
const mostCommonLimit = 10

// Aggregate builds the report. Snapshots are expected in chronological
// order; the last one is the latest.
func Aggregate(snapshots []LoadedSnapshot) Report {
	if len(snapshots) == 0 {
		return Report{Snapshots: []SnapshotEntry{}}
	}

	latest := snapshots[len(snapshots)-1].Summary

	severity := newCounter()
	province := newCounter()
	flags := newCounter()
	entries := make([]SnapshotEntry, len(snapshots))

	for i, snap := range snapshots {
		for _, rec := range snap.TopRecords {
			severity.add(rec.SeverityGroup)
			province.add(rec.ProvinceName)
			for _, f := range rec.Flags {
				flag := f
				flags.add(&flag)
			}
		}
		entries[i] = SnapshotEntry{
			Timestamp:      snap.Timestamp,
			Summary:        snap.Summary,
			TopRecordCount: len(snap.TopRecords),
		}
	}

	mean := func(get func(*Summary) *float64) *float64 {
		var sum float64
		var n int
		for i := range snapshots {
			if v := get(&snapshots[i].Summary); v != nil {
				sum += *v
				n++
			}
		}
		if n == 0 {
			return nil
		}
		m := sum / float64(n)
		return &m
	}

	return Report{
		TotalSnapshots: len(snapshots),
		LatestSnapshot: &latest,
		Averages: &Averages{
			AmountClaimedMean:     mean(func(s *Summary) *float64 { return s.AmountClaimedMean }),
			AmountClaimedTopKMean: mean(func(s *Summary) *float64 { return s.AmountClaimedTopKMean }),
			CostZScoreMean:        mean(func(s *Summary) *float64 { return s.CostZScoreMean }),
			CostZScoreTopKMean:    mean(func(s *Summary) *float64 { return s.CostZScoreTopKMean }),
			LOSLe1Ratio:           mean(func(s *Summary) *float64 { return s.LOSLe1Ratio }),
			LOSLe1RatioTopK:       mean(func(s *Summary) *float64 { return s.LOSLe1RatioTopK }),
			RiskScoreTopKMean:     mean(func(s *Summary) *float64 { return s.RiskScoreTopKMean }),
			MLScoreTopKMean:       mean(func(s *Summary) *float64 { return s.MLScoreTopKMean }),
		},
		TopSeverity: severity.mostCommon(mostCommonLimit),
		TopProvince: province.mostCommon(mostCommonLimit),
		TopFlags:    flags.mostCommon(mostCommonLimit),
		Snapshots:   entries,
	}
}

// GenerateReport loads the snapshots of dir and aggregates them
func GenerateReport(dir string) (Report, error) {
	snapshots, err := LoadSnapshots(dir)
	if err != nil {
		return Report{}, err
	}
	return Aggregate(snapshots), nil
}

// WriteReport stores the report as indented JSON at path
func WriteReport(path string, report Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode qc summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write qc summary: %w", err)
	}
	return nil
}

// ReadReport loads a report previously written by WriteReport
func ReadReport(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, fmt.Errorf("failed to parse qc summary: %w", err)
	}
	return report, nil
}

// counter tallies names, breaking ties by first occurrence
type counter struct {
	counts map[string]int
	order  []string
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int)}
}

// add counts name; nil names are not tallied
func (c *counter) add(name *string) {
	if name == nil {
		return
	}
	if _, ok := c.counts[*name]; !ok {
		c.order = append(c.order, *name)
	}
	c.counts[*name]++
}

func (c *counter) mostCommon(n int) []Pair {
	pairs := make([]Pair, len(c.order))
	for i, name := range c.order {
		pairs[i] = Pair{Name: name, Count: c.counts[name]}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Count > pairs[j].Count
	})
	if n > 0 && len(pairs) > n {
		pairs = pairs[:n]
	}
	return pairs
}

// WriteSummary aggregates the snapshots of logDir and writes the report to
// outputPath
func WriteSummary(logDir, outputPath string) (Report, error) {
	report, err := GenerateReport(logDir)
	if err != nil {
		return Report{}, err
	}
	if err := WriteReport(outputPath, report); err != nil {
		return Report{}, err
	}

	log.Info().
		Str("path", outputPath).
		Int("total_snapshots", report.TotalSnapshots).
		Msg("QC summary written")

	return report, nil
}
