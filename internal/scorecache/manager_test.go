package scorecache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/scoring"
	"github.com/casemind/claims-risk/internal/warehouse"
)

type mockStore struct {
	claims      []models.Claim
	scores      []models.MLScore
	readErr     error
	writes      int
	lastMode    warehouse.WriteMode
	refreshes   []warehouse.MLRefreshRecord
	recordErr   error
	allClaimsFn func(ctx context.Context) ([]models.Claim, error)
}

func (m *mockStore) AllClaims(ctx context.Context) ([]models.Claim, error) {
	if m.allClaimsFn != nil {
		return m.allClaimsFn(ctx)
	}
	return m.claims, nil
}

func (m *mockStore) ReadScores(ctx context.Context) ([]models.MLScore, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.scores, nil
}

func (m *mockStore) WriteScores(ctx context.Context, scores []models.MLScore, mode warehouse.WriteMode) error {
	m.writes++
	m.lastMode = mode
	m.scores = scores
	m.readErr = nil
	return nil
}

func (m *mockStore) RecordMLRefresh(ctx context.Context, rec warehouse.MLRefreshRecord) (string, error) {
	if m.recordErr != nil {
		return "", m.recordErr
	}
	m.refreshes = append(m.refreshes, rec)
	return "run-1", nil
}

type mockScorer struct {
	calls   int
	batches [][]models.Claim
}

func (m *mockScorer) ScoreBatch(ctx context.Context, claims []models.Claim) ([]models.MLScore, error) {
	m.calls++
	m.batches = append(m.batches, claims)
	scores := make([]models.MLScore, len(claims))
	for i, c := range claims {
		scores[i] = models.MLScore{ClaimID: c.ClaimID, MLScore: float64(i), MLScoreNormalized: float64(i) / 10, ModelVersion: "iso_v1"}
	}
	return scores, nil
}

func (m *mockScorer) ModelVersion() string { return "iso_v1" }

type mockRecorder struct {
	topK int
}

func (m *mockRecorder) Record(claims []models.Claim, scores []models.MLScore, topK int) (*qc.Snapshot, string, error) {
	m.topK = topK
	return &qc.Snapshot{Summary: qc.Summary{Timestamp: "20240501T083000Z", TotalRows: len(claims), TopK: topK}}, "/tmp/snap.json", nil
}

type mockPublisher struct {
	events []*models.ScoreRefreshedEvent
	err    error
}

func (m *mockPublisher) PublishScoresRefreshed(ctx context.Context, event *models.ScoreRefreshedEvent) error {
	m.events = append(m.events, event)
	return m.err
}

func testClaims() []models.Claim {
	return []models.Claim{{ClaimID: "C1"}, {ClaimID: "C2"}, {ClaimID: "C3"}}
}

func TestGetOrRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("ServesTable", func(t *testing.T) {
		store := &mockStore{scores: []models.MLScore{{ClaimID: "C1", ModelVersion: "iso_v1"}}}
		scorer := &mockScorer{}
		m := NewManager(store, Options{Scorer: scorer})

		set, err := m.GetOrRefresh(ctx, false)
		if err != nil {
			t.Fatalf("GetOrRefresh failed: %v", err)
		}
		if set.Source != SourceTable || set.Len() != 1 {
			t.Errorf("expected table set of 1, got %s of %d", set.Source, set.Len())
		}
		if scorer.calls != 0 {
			t.Errorf("expected no scoring, got %d calls", scorer.calls)
		}
	})

	t.Run("FallsBackToFile", func(t *testing.T) {
		files := NewFileStore(t.TempDir())
		if err := files.Write([]models.MLScore{{ClaimID: "C2", MLScore: 0.3, MLScoreNormalized: 0.5, ModelVersion: "iso_v1"}}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		store := &mockStore{readErr: warehouse.ErrNotFound}
		m := NewManager(store, Options{Files: files, Scorer: &mockScorer{}})

		set, err := m.GetOrRefresh(ctx, false)
		if err != nil {
			t.Fatalf("GetOrRefresh failed: %v", err)
		}
		if set.Source != SourceFile {
			t.Errorf("expected file source, got %s", set.Source)
		}
		if sc, ok := set.Lookup("C2"); !ok || sc.MLScoreNormalized != 0.5 {
			t.Errorf("unexpected lookup %+v %v", sc, ok)
		}
	})

	t.Run("RecomputesOnMiss", func(t *testing.T) {
		store := &mockStore{claims: testClaims()}
		scorer := &mockScorer{}
		m := NewManager(store, Options{Files: NewFileStore(t.TempDir()), Scorer: scorer})

		set, err := m.GetOrRefresh(ctx, false)
		if err != nil {
			t.Fatalf("GetOrRefresh failed: %v", err)
		}
		if set.Source != SourceComputed || set.Len() != 3 {
			t.Errorf("expected computed set of 3, got %s of %d", set.Source, set.Len())
		}
		if store.writes != 1 || store.lastMode != warehouse.WriteReplace {
			t.Errorf("expected one replace write, got %d (mode %v)", store.writes, store.lastMode)
		}
	})

	t.Run("ForceRecomputes", func(t *testing.T) {
		store := &mockStore{claims: testClaims(), scores: []models.MLScore{{ClaimID: "old"}}}
		scorer := &mockScorer{}
		m := NewManager(store, Options{Scorer: scorer})

		set, err := m.GetOrRefresh(ctx, true)
		if err != nil {
			t.Fatalf("GetOrRefresh failed: %v", err)
		}
		if scorer.calls != 1 {
			t.Errorf("expected one scoring call, got %d", scorer.calls)
		}
		if _, ok := set.Lookup("old"); ok {
			t.Error("expected the forced refresh to replace old scores")
		}
	})

	t.Run("NoScorer", func(t *testing.T) {
		m := NewManager(&mockStore{claims: testClaims()}, Options{})
		if _, err := m.GetOrRefresh(ctx, false); !errors.Is(err, scoring.ErrArtifactMissing) {
			t.Errorf("expected ErrArtifactMissing, got %v", err)
		}
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := &mockStore{claims: testClaims()}
	files := NewFileStore(dir)
	recorder := &mockRecorder{}
	publisher := &mockPublisher{err: errors.New("broker down")}
	m := NewManager(store, Options{
		Files:          files,
		Scorer:         &mockScorer{},
		Recorder:       recorder,
		Publisher:      publisher,
		RulesetVersion: "RULESET_v1",
		TopK:           25,
	})
	m.now = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) }

	res, err := m.Refresh(ctx, RefreshOptions{})
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if res.RunID != "run-1" || res.RowsScored != 3 || res.ModelVersion != "iso_v1" {
		t.Errorf("unexpected result %+v", res)
	}
	if recorder.topK != 25 {
		t.Errorf("expected manager top_k 25, got %d", recorder.topK)
	}
	if res.SnapshotPath != "/tmp/snap.json" || res.Summary == nil {
		t.Errorf("expected snapshot details, got %+v", res)
	}

	if len(store.refreshes) != 1 {
		t.Fatalf("expected one run record, got %d", len(store.refreshes))
	}
	if rec := store.refreshes[0]; rec.TopK == nil || *rec.TopK != 25 || rec.TopKSnapshot == nil {
		t.Errorf("unexpected run record %+v", rec)
	}

	// a publish failure does not fail the refresh
	if len(publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(publisher.events))
	}
	ev := publisher.events[0]
	if ev.RunID != "run-1" || ev.RulesetVersion != "RULESET_v1" || ev.SummaryTimestamp != "20240501T083000Z" {
		t.Errorf("unexpected event %+v", ev)
	}

	cached, err := files.Read()
	if err != nil {
		t.Fatalf("failed to read score file: %v", err)
	}
	if len(cached) != 3 {
		t.Errorf("expected 3 cached scores in file, got %d", len(cached))
	}

	if _, err := m.Refresh(ctx, RefreshOptions{TopK: 5}); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if recorder.topK != 5 {
		t.Errorf("expected explicit top_k 5, got %d", recorder.topK)
	}
}

func TestRefreshPropagatesLoadError(t *testing.T) {
	store := &mockStore{allClaimsFn: func(ctx context.Context) ([]models.Claim, error) {
		return nil, warehouse.ErrNotFound
	}}
	m := NewManager(store, Options{Scorer: &mockScorer{}})

	if _, err := m.Refresh(context.Background(), RefreshOptions{}); !errors.Is(err, warehouse.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if store.writes != 0 {
		t.Errorf("expected no writes, got %d", store.writes)
	}
}

func TestScoreMissing(t *testing.T) {
	ctx := context.Background()

	scorer := &mockScorer{}
	m := NewManager(&mockStore{}, Options{Scorer: scorer})
	scores, err := m.ScoreMissing(ctx, []models.Claim{{ClaimID: "X"}})
	if err != nil {
		t.Fatalf("ScoreMissing failed: %v", err)
	}
	if len(scores) != 1 || scores[0].ClaimID != "X" {
		t.Errorf("unexpected scores %+v", scores)
	}

	if scores, err := m.ScoreMissing(ctx, nil); err != nil || len(scores) != 0 {
		t.Errorf("expected empty result, got %v %v", scores, err)
	}
	if scorer.calls != 1 {
		t.Errorf("expected the empty subset to skip the scorer, got %d calls", scorer.calls)
	}

	m = NewManager(&mockStore{}, Options{})
	if _, err := m.ScoreMissing(ctx, []models.Claim{{ClaimID: "X"}}); !errors.Is(err, scoring.ErrArtifactMissing) {
		t.Errorf("expected ErrArtifactMissing, got %v", err)
	}
}

func TestScoreSet(t *testing.T) {
	set := NewScoreSet([]models.MLScore{{ClaimID: "A", MLScoreNormalized: 0.1}}, SourceTable)
	set.Add([]models.MLScore{{ClaimID: "A", MLScoreNormalized: 0.2, ModelVersion: "iso_v2"}, {ClaimID: "B"}})

	if set.Len() != 2 {
		t.Errorf("expected 2 scores, got %d", set.Len())
	}
	if sc, _ := set.Lookup("A"); sc.MLScoreNormalized != 0.2 {
		t.Errorf("expected replaced score 0.2, got %v", sc.MLScoreNormalized)
	}
	if v := set.ModelVersion(); v != "iso_v2" {
		t.Errorf("expected iso_v2, got %s", v)
	}

	var empty *ScoreSet
	if v := empty.ModelVersion(); v != scoring.UnknownModelVersion {
		t.Errorf("expected unknown version for nil set, got %s", v)
	}
}

func TestParseForceFlag(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{" Yes ", true},
		{"0", false},
		{"no", false},
		{"", false},
		{true, true},
		{false, false},
		{nil, false},
		{1, false},
	}
	for _, tt := range tests {
		if got := ParseForceFlag(tt.in); got != tt.want {
			t.Errorf("ParseForceFlag(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFileStoreMissing(t *testing.T) {
	files := NewFileStore(t.TempDir())
	if _, err := files.Read(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}
