package warehouse

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/models"
)

func newTestStore(t *testing.T, maxFetchRows int) *Store {
	t.Helper()

	cfg := configs.WarehouseConfig{
		Driver:       DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "analytics.db"),
		ClaimsTable:  "claims_normalized",
		MaxFetchRows: maxFetchRows,
	}

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create warehouse: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func datePtr(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

func sampleClaims() []models.Claim {
	return []models.Claim{
		{
			ClaimID:          "C001",
			AdmitDate:        datePtr("2024-01-05"),
			DischargeDate:    datePtr("2024-01-06"),
			LOS:              intPtr(1),
			ProvinceName:     strPtr("DKI Jakarta"),
			DxPrimaryCode:    strPtr("A09"),
			DxSecondaryCodes: []string{"E11", "I10"},
			FacilityClass:    strPtr("B"),
			SeverityGroup:    strPtr("ringan"),
			ServiceType:      strPtr("RITL"),
			AmountClaimed:    floatPtr(9_000_000),
			AmountPaid:       floatPtr(8_800_000),
			PeerP90:          floatPtr(5_000_000),
			CostZScore:       floatPtr(2.5),
			DuplicatePattern: true,
		},
		{
			ClaimID:       "C002",
			AdmitDate:     datePtr("2024-02-10"),
			DischargeDate: datePtr("2024-02-15"),
			LOS:           intPtr(5),
			ProvinceName:  strPtr("Jawa Barat"),
			DxPrimaryCode: strPtr("J18"),
			FacilityClass: strPtr("C"),
			SeverityGroup: strPtr("sedang"),
			ServiceType:   strPtr("RITL"),
			AmountClaimed: floatPtr(3_000_000),
		},
		{
			ClaimID:      "C003",
			AdmitDate:    datePtr("2024-03-01"),
			ProvinceName: strPtr("dki jakarta"),
			ServiceType:  strPtr("RJTL"),
		},
	}
}

func TestClaimsRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.WriteClaims(ctx, sampleClaims(), WriteReplace); err != nil {
		t.Fatalf("WriteClaims failed: %v", err)
	}

	t.Run("GetClaim", func(t *testing.T) {
		claim, err := store.GetClaim(ctx, "C001")
		if err != nil {
			t.Fatalf("GetClaim failed: %v", err)
		}
		if claim.LOS == nil || *claim.LOS != 1 {
			t.Errorf("expected los 1, got %v", claim.LOS)
		}
		if claim.AdmitDate == nil || claim.AdmitDate.Format("2006-01-02") != "2024-01-05" {
			t.Errorf("unexpected admit date %v", claim.AdmitDate)
		}
		if len(claim.DxSecondaryCodes) != 2 || claim.DxSecondaryCodes[1] != "I10" {
			t.Errorf("unexpected secondary codes %v", claim.DxSecondaryCodes)
		}
		if !claim.DuplicatePattern {
			t.Error("expected duplicate_pattern to be true")
		}
		if claim.PeerMean != nil {
			t.Errorf("expected nil peer_mean, got %v", *claim.PeerMean)
		}
	})

	t.Run("GetClaimNotFound", func(t *testing.T) {
		_, err := store.GetClaim(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("NullsSurvive", func(t *testing.T) {
		claim, err := store.GetClaim(ctx, "C003")
		if err != nil {
			t.Fatalf("GetClaim failed: %v", err)
		}
		if claim.LOS != nil || claim.AmountClaimed != nil || claim.DischargeDate != nil {
			t.Errorf("expected nulls to survive, got %+v", claim)
		}
		if claim.DxSecondaryCodes != nil {
			t.Errorf("expected nil secondary codes, got %v", claim.DxSecondaryCodes)
		}
	})
}

func TestLoadClaimsFilters(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.WriteClaims(ctx, sampleClaims(), WriteReplace); err != nil {
		t.Fatalf("WriteClaims failed: %v", err)
	}

	tests := []struct {
		name    string
		filters Filters
		want    []string
	}{
		{"no filters", nil, []string{"C001", "C002", "C003"}},
		{"province case-insensitive", Filters{Eq(FilterProvince, " DKI JAKARTA ")}, []string{"C001", "C003"}},
		{"diagnosis", Filters{Eq(FilterDiagnosis, "j18")}, []string{"C002"}},
		{"service type and severity", Filters{Eq(FilterServiceType, "ritl"), Eq(FilterSeverity, "RINGAN")}, []string{"C001"}},
		{"admit range inclusive", Filters{Eq(FilterAdmitFrom, "2024-02-10"), Eq(FilterAdmitTo, "2024-03-01")}, []string{"C002", "C003"}},
		{"discharge upper bound", Filters{DateFilter(FilterDischargeTo, *datePtr("2024-01-31"))}, []string{"C001"}},
		{"empty value ignored", Filters{Eq(FilterFacilityClass, "  ")}, []string{"C001", "C002", "C003"}},
		{"no match", Filters{Eq(FilterProvince, "Bali")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := store.LoadClaims(ctx, tt.filters)
			if err != nil {
				t.Fatalf("LoadClaims failed: %v", err)
			}
			if set.Total != len(tt.want) {
				t.Errorf("expected total %d, got %d", len(tt.want), set.Total)
			}
			var got []string
			for _, c := range set.Claims {
				got = append(got, c.ClaimID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestLoadClaimsTruncation(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()

	if err := store.WriteClaims(ctx, sampleClaims(), WriteReplace); err != nil {
		t.Fatalf("WriteClaims failed: %v", err)
	}

	set, err := store.LoadClaims(ctx, nil)
	if err != nil {
		t.Fatalf("LoadClaims failed: %v", err)
	}
	if set.Total != 3 {
		t.Errorf("expected total 3, got %d", set.Total)
	}
	if len(set.Claims) != 2 {
		t.Errorf("expected 2 fetched claims, got %d", len(set.Claims))
	}
	if !set.Truncated {
		t.Error("expected truncated flag")
	}
}

func TestMissingTables(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	if _, err := store.LoadClaims(ctx, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for claims, got %v", err)
	}
	if _, err := store.ReadScores(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for scores, got %v", err)
	}
}

func TestScoresReplaceAndAppend(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	first := []models.MLScore{
		{ClaimID: "C001", MLScore: 0.4, MLScoreNormalized: 1, ModelVersion: "iso_v1"},
		{ClaimID: "C002", MLScore: -0.1, MLScoreNormalized: 0, ModelVersion: "iso_v1"},
	}
	if err := store.WriteScores(ctx, first, WriteReplace); err != nil {
		t.Fatalf("WriteScores failed: %v", err)
	}

	extra := []models.MLScore{{ClaimID: "C003", MLScore: 0.2, MLScoreNormalized: 0.5, ModelVersion: "iso_v1"}}
	if err := store.WriteScores(ctx, extra, WriteAppend); err != nil {
		t.Fatalf("WriteScores append failed: %v", err)
	}

	all, err := store.ReadScores(ctx)
	if err != nil {
		t.Fatalf("ReadScores failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 scores, got %d", len(all))
	}

	subset, err := store.ReadScoresFor(ctx, []string{"C003", "C999"})
	if err != nil {
		t.Fatalf("ReadScoresFor failed: %v", err)
	}
	if len(subset) != 1 || subset[0].ClaimID != "C003" {
		t.Errorf("unexpected subset %v", subset)
	}

	if err := store.WriteScores(ctx, extra, WriteReplace); err != nil {
		t.Fatalf("WriteScores replace failed: %v", err)
	}
	all, err = store.ReadScores(ctx)
	if err != nil {
		t.Fatalf("ReadScores failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected replace to leave 1 score, got %d", len(all))
	}
}

func TestMetadataRecords(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	t.Run("RulesetVersionOnce", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := store.RecordRulesetVersion(ctx, "RULESET_v1", "rule flags"); err != nil {
				t.Fatalf("RecordRulesetVersion failed: %v", err)
			}
		}
		rows, err := store.Query(ctx, "SELECT version FROM ruleset_versions")
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(rows) != 1 || rows[0]["version"] != "RULESET_v1" {
			t.Errorf("unexpected ruleset rows %v", rows)
		}
	})

	t.Run("ETLRun", func(t *testing.T) {
		runID, err := store.RecordETLRun(ctx, "RULESET_v1", 3, "import")
		if err != nil {
			t.Fatalf("RecordETLRun failed: %v", err)
		}
		rows, err := store.Query(ctx, "SELECT rows_processed FROM etl_runs WHERE run_id = ?", runID)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected 1 etl run, got %d", len(rows))
		}
	})

	t.Run("MLRefresh", func(t *testing.T) {
		if _, err := store.LatestMLRefresh(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound before any refresh, got %v", err)
		}

		ts := "20240101T000000Z"
		older := MLRefreshRecord{Version: "iso_v0", RowsScored: 10, RefreshedAt: time.Now().UTC().Add(-time.Hour)}
		newer := MLRefreshRecord{
			Version:           "iso_v1",
			RowsScored:        20,
			SummaryTimestamp:  &ts,
			TopK:              intPtr(5),
			TopKRiskScoreMean: floatPtr(0.82),
		}
		if _, err := store.RecordMLRefresh(ctx, older); err != nil {
			t.Fatalf("RecordMLRefresh failed: %v", err)
		}
		if _, err := store.RecordMLRefresh(ctx, newer); err != nil {
			t.Fatalf("RecordMLRefresh failed: %v", err)
		}

		latest, err := store.LatestMLRefresh(ctx)
		if err != nil {
			t.Fatalf("LatestMLRefresh failed: %v", err)
		}
		if latest.Version != "iso_v1" || latest.RowsScored != 20 {
			t.Errorf("unexpected latest refresh %+v", latest)
		}
		if latest.TopKRiskScoreMean == nil || *latest.TopKRiskScoreMean != 0.82 {
			t.Errorf("unexpected risk mean %v", latest.TopKRiskScoreMean)
		}

		runs, err := store.ListMLRefreshes(ctx, 10)
		if err != nil {
			t.Fatalf("ListMLRefreshes failed: %v", err)
		}
		if len(runs) != 2 {
			t.Errorf("expected 2 runs, got %d", len(runs))
		}
	})
}

func TestValidateClaimColumns(t *testing.T) {
	if err := ValidateClaimColumns(RequiredClaimColumns); err != nil {
		t.Errorf("expected complete columns to validate, got %v", err)
	}

	err := ValidateClaimColumns([]string{"claim_id", "LOS"})
	if !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("expected ErrMissingColumns, got %v", err)
	}
	if !strings.Contains(err.Error(), "peer_p90") {
		t.Errorf("expected missing column list, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b IN (?,?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	s.driver = DriverSQLite
	if s.rebind("a = ?") != "a = ?" {
		t.Error("sqlite queries must not be rebound")
	}
}
