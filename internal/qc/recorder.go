package qc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/scoring"
)

const (
	snapshotPrefix = "ml_scores_qc_"
	snapshotSuffix = ".json"

	maxSnapshotsPerSecond = 1000
)

// SummaryFileName is the aggregated report written next to the snapshots
const SummaryFileName = "ml_scores_qc_summary.json"

// Recorder captures snapshots and writes them to the QC log directory
type Recorder struct {
	dir    string
	engine *scoring.RuleEngine
	topK   int
	now    func() time.Time
}

// NewRecorder creates a recorder writing to dir
func NewRecorder(dir string, engine *scoring.RuleEngine, topK int) *Recorder {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Recorder{
		dir:    dir,
		engine: engine,
		topK:   topK,
		now:    time.Now,
	}
}

// Dir returns the QC log directory
func (r *Recorder) Dir() string {
	return r.dir
}

// Record captures a snapshot of claims and scores and writes it. A topK of 0
// uses the recorder default. It returns a nil snapshot when there is nothing
// to record.
func (r *Recorder) Record(claims []models.Claim, scores []models.MLScore, topK int) (*Snapshot, string, error) {
	if topK <= 0 {
		topK = r.topK
	}

	snap := Capture(r.engine, claims, scores, topK, r.now())
	if snap == nil {
		return nil, "", nil
	}

	path, err := r.Write(snap)
	if err != nil {
		return snap, "", err
	}
	return snap, path, nil
}

// Write stores snap as ml_scores_qc_<timestamp>.json. Existing snapshots are
// never overwritten: a second snapshot within the same second gets a _<n>
// suffix.
func (r *Recorder) Write(snap *Snapshot) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create qc log directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode qc snapshot: %w", err)
	}

	path, err := r.writeExclusive(snap.Summary.Timestamp, data)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("path", path).
		Int("total_rows", snap.Summary.TotalRows).
		Int("top_k", snap.Summary.TopK).
		Msg("QC snapshot written")

	return path, nil
}

func (r *Recorder) writeExclusive(ts string, data []byte) (string, error) {
	for n := 0; n < maxSnapshotsPerSecond; n++ {
		name := snapshotPrefix + ts
		if n > 0 {
			name += "_" + strconv.Itoa(n)
		}
		path := filepath.Join(r.dir, name+snapshotSuffix)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create qc snapshot: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write qc snapshot: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("failed to write qc snapshot: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("too many qc snapshots for timestamp %s", ts)
}

// LoadedSnapshot is a snapshot read back from the log directory
type LoadedSnapshot struct {
	Timestamp  string
	Summary    Summary
	TopRecords []TopRecord
}

// LoadSnapshots reads every snapshot under dir in file name order. Files
// that cannot be parsed are skipped.
func LoadSnapshots(dir string) ([]LoadedSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read qc log directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isSnapshotFile(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	snapshots := make([]LoadedSnapshot, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable QC snapshot")
			continue
		}

		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping malformed QC snapshot")
			continue
		}

		ts := snap.Summary.Timestamp
		if ts == "" {
			ts = timestampFromName(name)
		}
		snapshots = append(snapshots, LoadedSnapshot{
			Timestamp:  ts,
			Summary:    snap.Summary,
			TopRecords: snap.TopRecords,
		})
	}
	return snapshots, nil
}

func timestampFromName(name string) string {
	ts := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
	if i := strings.IndexByte(ts, '_'); i >= 0 {
		if _, err := strconv.Atoi(ts[i+1:]); err == nil {
			ts = ts[:i]
		}
	}
	return ts
}

// isSnapshotFile matches ml_scores_qc_<YYYYMMDDTHHMMSSZ>[_<n>].json; the
// aggregated summary shares the prefix and is excluded
func isSnapshotFile(name string) bool {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return false
	}
	_, err := time.Parse(TimestampLayout, timestampFromName(name))
	return err == nil
}
