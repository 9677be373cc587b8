package ranking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/scorecache"
	"github.com/casemind/claims-risk/internal/scoring"
	"github.com/casemind/claims-risk/internal/warehouse"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func datePtr(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

type mockClaims struct {
	claims      []models.Claim
	err         error
	lastFilters warehouse.Filters
}

func (m *mockClaims) LoadClaims(ctx context.Context, filters warehouse.Filters) (*warehouse.ClaimSet, error) {
	m.lastFilters = filters
	if m.err != nil {
		return nil, m.err
	}
	return &warehouse.ClaimSet{Claims: m.claims, Total: len(m.claims)}, nil
}

type mockCache struct {
	scores     []models.MLScore
	err        error
	missingErr error
	calls      int
	forced     bool
	missing    [][]models.Claim
	version    string
}

func (m *mockCache) GetOrRefresh(ctx context.Context, force bool) (*scorecache.ScoreSet, error) {
	m.calls++
	m.forced = force
	if m.err != nil {
		return nil, m.err
	}
	return scorecache.NewScoreSet(append([]models.MLScore(nil), m.scores...), scorecache.SourceTable), nil
}

func (m *mockCache) ScoreMissing(ctx context.Context, claims []models.Claim) ([]models.MLScore, error) {
	m.missing = append(m.missing, claims)
	if m.missingErr != nil {
		return nil, m.missingErr
	}
	out := make([]models.MLScore, len(claims))
	for i, c := range claims {
		out[i] = models.MLScore{ClaimID: c.ClaimID, MLScore: -0.1, MLScoreNormalized: 0.4, ModelVersion: "iso_v1"}
	}
	return out, nil
}

func (m *mockCache) ModelVersion() string {
	if m.version == "" {
		return scoring.UnknownModelVersion
	}
	return m.version
}

type mockFeedback struct {
	outcomes map[string]*models.AuditOutcome
	asked    []string
}

func (m *mockFeedback) LatestByClaimIDs(ctx context.Context, claimIDs []string) (map[string]*models.AuditOutcome, error) {
	m.asked = append(m.asked, claimIDs...)
	return m.outcomes, nil
}

func newTestService(t *testing.T, claims *mockClaims, cache *mockCache, fb FeedbackLookup) *Service {
	t.Helper()
	engine, err := scoring.NewRuleEngine(scoring.DefaultRuleset(""))
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	return NewService(claims, cache, engine, fb)
}

func scenarioClaims() []models.Claim {
	return []models.Claim{
		{
			ClaimID:       "A3",
			LOS:           intPtr(3),
			AmountClaimed: floatPtr(100_000),
			PeerP90:       floatPtr(1_000_000),
			SeverityGroup: strPtr("sedang"),
		},
		{
			ClaimID:          "A2",
			LOS:              intPtr(4),
			AmountClaimed:    floatPtr(500_000),
			PeerP90:          floatPtr(1_000_000),
			BPJSPaymentRatio: floatPtr(0.97),
			CostZScore:       floatPtr(2.5),
			SeverityGroup:    strPtr("sedang"),
		},
		{
			ClaimID:       "A1",
			LOS:           intPtr(1),
			AmountClaimed: floatPtr(2_000_000),
			PeerP90:       floatPtr(1_000_000),
			SeverityGroup: strPtr("ringan"),
		},
	}
}

func claimIDs(items []models.HighRiskClaim) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ClaimID
	}
	return ids
}

func TestListHighRiskScenario(t *testing.T) {
	cache := &mockCache{version: "iso_v1", scores: []models.MLScore{
		{ClaimID: "A1", MLScoreNormalized: 0.1, ModelVersion: "iso_v1"},
		{ClaimID: "A2", MLScoreNormalized: 0.2, ModelVersion: "iso_v1"},
		{ClaimID: "A3", MLScoreNormalized: 0.3, ModelVersion: "iso_v1"},
	}}
	svc := newTestService(t, &mockClaims{claims: scenarioClaims()}, cache, nil)

	res, err := svc.ListHighRisk(context.Background(), ParseQuery(url.Values{}))
	if err != nil {
		t.Fatalf("ListHighRisk failed: %v", err)
	}

	if got := claimIDs(res.Items); !reflect.DeepEqual(got, []string{"A1", "A2", "A3"}) {
		t.Fatalf("unexpected order %v", got)
	}

	a1, a2, a3 := res.Items[0], res.Items[1], res.Items[2]
	if !reflect.DeepEqual(a1.Flags, []string{scoring.FlagShortStayHighCost, scoring.FlagSeverityMismatch}) || a1.RuleScore != 0.8 {
		t.Errorf("unexpected A1 %v %v", a1.Flags, a1.RuleScore)
	}
	if !reflect.DeepEqual(a2.Flags, []string{scoring.FlagHighCostFullPaid}) || a2.RuleScore != 0.5 {
		t.Errorf("unexpected A2 %v %v", a2.Flags, a2.RuleScore)
	}
	if len(a3.Flags) != 0 || a3.RuleScore != 0 {
		t.Errorf("unexpected A3 %v %v", a3.Flags, a3.RuleScore)
	}
	if a3.RiskScore != 0.3 {
		t.Errorf("expected A3 risk from the ML score, got %v", a3.RiskScore)
	}

	for _, it := range res.Items {
		ml := 0.0
		if it.MLScoreNormalized != nil {
			ml = *it.MLScoreNormalized
		}
		if it.RiskScore < it.RuleScore || it.RiskScore < ml {
			t.Errorf("risk score %v below components of %s", it.RiskScore, it.ClaimID)
		}
	}

	if res.Total != 3 || res.Page != 1 || res.PageSize != DefaultPageSize {
		t.Errorf("unexpected envelope %+v", res)
	}
	if res.ModelVersion != "iso_v1" || res.RulesetVersion != scoring.DefaultRulesetVersion {
		t.Errorf("unexpected versions %s %s", res.ModelVersion, res.RulesetVersion)
	}
}

func TestFlaggedBeforeHigherScore(t *testing.T) {
	claims := []models.Claim{
		{ClaimID: "B", SeverityGroup: strPtr("berat")},
		{ClaimID: "A", DuplicatePattern: true},
	}
	cache := &mockCache{scores: []models.MLScore{
		{ClaimID: "A", MLScoreNormalized: 0.3},
		{ClaimID: "B", MLScoreNormalized: 0.9},
	}}
	svc := newTestService(t, &mockClaims{claims: claims}, cache, nil)

	res, err := svc.ListHighRisk(context.Background(), ParseQuery(url.Values{}))
	if err != nil {
		t.Fatalf("ListHighRisk failed: %v", err)
	}
	if got := claimIDs(res.Items); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("expected flagged claim first, got %v", got)
	}
}

func TestPagination(t *testing.T) {
	var claims []models.Claim
	var scores []models.MLScore
	for i := 0; i < 80; i++ {
		id := fmt.Sprintf("C%03d", i)
		claims = append(claims, models.Claim{ClaimID: id})
		scores = append(scores, models.MLScore{ClaimID: id, MLScoreNormalized: float64(i%7) / 10})
	}
	svc := newTestService(t, &mockClaims{claims: claims}, &mockCache{scores: scores}, nil)
	ctx := context.Background()

	list := func(page, size string) []string {
		res, err := svc.ListHighRisk(ctx, ParseQuery(url.Values{"page": {page}, "page_size": {size}}))
		if err != nil {
			t.Fatalf("ListHighRisk failed: %v", err)
		}
		if res.Total != 80 {
			t.Errorf("expected total 80, got %d", res.Total)
		}
		return claimIDs(res.Items)
	}

	first, second, all := list("1", "50"), list("2", "50"), list("1", "100")
	if len(first) != 50 || len(second) != 30 {
		t.Fatalf("unexpected page sizes %d %d", len(first), len(second))
	}
	if got := append(append([]string{}, first...), second...); !reflect.DeepEqual(got, all) {
		t.Error("expected pages 1 and 2 to concatenate to the single large page")
	}

	if beyond := list("5", "50"); len(beyond) != 0 {
		t.Errorf("expected an empty page past the end, got %d items", len(beyond))
	}

	t.Run("HugePageSize", func(t *testing.T) {
		if got := list("1", "9223372036854775807"); len(got) != 80 {
			t.Errorf("expected every claim on the first page, got %d", len(got))
		}
		if got := list("3", "9223372036854775807"); len(got) != 0 {
			t.Errorf("expected an empty page, got %d items", len(got))
		}
		if got := list("9223372036854775807", "2"); len(got) != 0 {
			t.Errorf("expected an empty page, got %d items", len(got))
		}
	})
}

func TestEmptyPrimarySetSkipsScoring(t *testing.T) {
	cache := &mockCache{}
	claims := &mockClaims{}
	svc := newTestService(t, claims, cache, nil)

	res, err := svc.ListHighRisk(context.Background(), ParseQuery(url.Values{"province": {"papua"}, "page": {"3"}}))
	if err != nil {
		t.Fatalf("ListHighRisk failed: %v", err)
	}
	if cache.calls != 0 {
		t.Errorf("expected the cache untouched, got %d calls", cache.calls)
	}
	if res.Total != 0 || len(res.Items) != 0 || res.Items == nil {
		t.Errorf("unexpected empty page %+v", res)
	}
	if len(claims.lastFilters) != 1 || claims.lastFilters[0].Key != warehouse.FilterProvince {
		t.Errorf("expected the province filter pushed down, got %+v", claims.lastFilters)
	}
}

func TestOnDemandScoring(t *testing.T) {
	ctx := context.Background()
	claims := []models.Claim{{ClaimID: "OLD"}, {ClaimID: "NEW"}}

	t.Run("ScoresMissingSubset", func(t *testing.T) {
		cache := &mockCache{scores: []models.MLScore{{ClaimID: "OLD", MLScoreNormalized: 0.2}}}
		svc := newTestService(t, &mockClaims{claims: claims}, cache, nil)

		res, err := svc.ListHighRisk(ctx, ParseQuery(url.Values{"refresh_cache": {"yes"}}))
		if err != nil {
			t.Fatalf("ListHighRisk failed: %v", err)
		}
		if !cache.forced {
			t.Error("expected refresh_cache to force the refresh")
		}
		if len(cache.missing) != 1 || len(cache.missing[0]) != 1 || cache.missing[0][0].ClaimID != "NEW" {
			t.Fatalf("expected only NEW scored on demand, got %+v", cache.missing)
		}
		if res.Items[0].ClaimID != "NEW" || res.Items[0].MLScoreNormalized == nil || *res.Items[0].MLScoreNormalized != 0.4 {
			t.Errorf("expected NEW ranked first with its on-demand score, got %+v", res.Items[0])
		}
	})

	t.Run("NoScorerKeepsNull", func(t *testing.T) {
		cache := &mockCache{err: scoring.ErrArtifactMissing}
		svc := newTestService(t, &mockClaims{claims: claims}, cache, nil)

		res, err := svc.ListHighRisk(ctx, ParseQuery(url.Values{}))
		if err != nil {
			t.Fatalf("ListHighRisk failed: %v", err)
		}
		for _, it := range res.Items {
			if it.MLScore != nil || it.ModelVersion != nil || it.RiskScore != 0 {
				t.Errorf("expected null ML fields for %s, got %+v", it.ClaimID, it)
			}
		}
		if res.ModelVersion != scoring.UnknownModelVersion {
			t.Errorf("expected unknown model version, got %s", res.ModelVersion)
		}
	})

	t.Run("CacheError", func(t *testing.T) {
		cache := &mockCache{err: errors.New("disk full")}
		svc := newTestService(t, &mockClaims{claims: claims}, cache, nil)
		if _, err := svc.ListHighRisk(ctx, ParseQuery(url.Values{})); err == nil {
			t.Error("expected the cache error to surface")
		}
	})
}

func TestSecondaryFilters(t *testing.T) {
	claims := []models.Claim{
		{ClaimID: "R1", SeverityGroup: strPtr("Ringan"), ServiceType: strPtr("RITL"), AdmitDate: datePtr("2024-01-10"), DischargeDate: datePtr("2024-01-12"), DuplicatePattern: true},
		{ClaimID: "R2", SeverityGroup: strPtr("sedang"), ServiceType: strPtr("RJTL"), AdmitDate: datePtr("2024-02-10"), DischargeDate: datePtr("2024-02-11")},
		{ClaimID: "R3", SeverityGroup: nil, AdmitDate: nil},
	}
	cache := &mockCache{scores: []models.MLScore{
		{ClaimID: "R1", MLScoreNormalized: 0.9},
		{ClaimID: "R2", MLScoreNormalized: 0.5},
		{ClaimID: "R3", MLScoreNormalized: 0.1},
	}}

	tests := []struct {
		name   string
		params url.Values
		want   []string
	}{
		{"min risk", url.Values{"min_risk_score": {"0.5"}}, []string{"R1", "R2"}},
		{"max risk", url.Values{"max_risk_score": {"0.5"}}, []string{"R2", "R3"}},
		{"min ml", url.Values{"min_ml_score": {"0.6"}}, []string{"R1"}},
		{"unparseable numbers ignored", url.Values{"min_risk_score": {"high"}}, []string{"R1", "R2", "R3"}},
		{"severity case insensitive", url.Values{"severity": {"RINGAN"}}, []string{"R1"}},
		{"service type", url.Values{"service_type": {"rjtl"}}, []string{"R2"}},
		{"admit range", url.Values{"start_date": {"2024-02-01"}, "end_date": {"2024-02-28"}}, []string{"R2"}},
		{"discharge end inclusive", url.Values{"discharge_end": {"2024-01-12"}}, []string{"R1"}},
		{"flag", url.Values{"flag": {"Duplicate_Pattern"}}, []string{"R1"}},
		{"unknown flag", url.Values{"flag": {"nope"}}, []string{}},
		{"bad date ignored", url.Values{"start_date": {"yesterday"}}, []string{"R1", "R2", "R3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, &mockClaims{claims: claims}, cache, nil)
			res, err := svc.ListHighRisk(context.Background(), ParseQuery(tt.params))
			if err != nil {
				t.Fatalf("ListHighRisk failed: %v", err)
			}
			if got := claimIDs(res.Items); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if res.Total != 3 {
				t.Errorf("expected total to stay the primary count 3, got %d", res.Total)
			}
		})
	}
}

func TestLatestFeedback(t *testing.T) {
	outcome := &models.AuditOutcome{ClaimID: "A1", Decision: models.DecisionRejected}
	fb := &mockFeedback{outcomes: map[string]*models.AuditOutcome{"A1": outcome}}
	svc := newTestService(t, &mockClaims{claims: scenarioClaims()}, &mockCache{}, fb)

	res, err := svc.ListHighRisk(context.Background(), ParseQuery(url.Values{"page_size": {"2"}}))
	if err != nil {
		t.Fatalf("ListHighRisk failed: %v", err)
	}
	if !reflect.DeepEqual(fb.asked, []string{"A1", "A2"}) {
		t.Errorf("expected a lookup for the page only, got %v", fb.asked)
	}
	if res.Items[0].LatestFeedback != outcome || res.Items[1].LatestFeedback != nil {
		t.Errorf("unexpected feedback attachment %+v %+v", res.Items[0].LatestFeedback, res.Items[1].LatestFeedback)
	}
}

func TestParseQuery(t *testing.T) {
	t.Run("PageSizeFallback", func(t *testing.T) {
		for _, v := range []string{"abc", "-5", "0", ""} {
			q := ParseQuery(url.Values{"page_size": {v}})
			if q.PageSize != DefaultPageSize {
				t.Errorf("page_size %q resolved to %d", v, q.PageSize)
			}
		}
		if q := ParseQuery(url.Values{}); q.PageSize != DefaultPageSize || q.Page != DefaultPage {
			t.Errorf("unexpected defaults %d %d", q.Page, q.PageSize)
		}
	})

	t.Run("LimitAlias", func(t *testing.T) {
		if q := ParseQuery(url.Values{"limit": {"20"}}); q.PageSize != 20 {
			t.Errorf("expected limit alias 20, got %d", q.PageSize)
		}
		if q := ParseQuery(url.Values{"limit": {"20"}, "page_size": {"10"}}); q.PageSize != 10 {
			t.Errorf("expected page_size to win, got %d", q.PageSize)
		}
	})

	t.Run("Applied", func(t *testing.T) {
		q := ParseQuery(url.Values{
			"province":      {"Bali"},
			"min_ml_score":  {"0.4"},
			"page":          {"2"},
			"refresh_cache": {"1"},
			"dx":            {""},
		})
		want := map[string]string{"province": "Bali", "min_ml_score": "0.4"}
		if !reflect.DeepEqual(q.Applied, want) {
			t.Errorf("got %v, want %v", q.Applied, want)
		}
		if !q.RefreshCache || q.Page != 2 || q.Offset() != DefaultPageSize {
			t.Errorf("unexpected paging %+v", q)
		}
	})

	t.Run("PrimaryFilters", func(t *testing.T) {
		q := ParseQuery(url.Values{"dx": {"a09"}, "start_date": {"2024-03-01"}, "end_date": {"bad"}})
		filters := q.PrimaryFilters()
		if len(filters) != 2 {
			t.Fatalf("expected 2 filters, got %+v", filters)
		}
		if filters[0].Key != warehouse.FilterDiagnosis || filters[1].Key != warehouse.FilterAdmitFrom || filters[1].Value != "2024-03-01" {
			t.Errorf("unexpected filters %+v", filters)
		}
	})
}
