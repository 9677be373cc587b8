package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/scoring"
	"github.com/casemind/claims-risk/internal/warehouse"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

type mockClaims struct {
	claims map[string]models.Claim
	scores map[string]models.MLScore
}

func (m *mockClaims) GetClaim(ctx context.Context, claimID string) (*models.Claim, error) {
	c, ok := m.claims[claimID]
	if !ok {
		return nil, warehouse.ErrNotFound
	}
	return &c, nil
}

func (m *mockClaims) ReadScoresFor(ctx context.Context, claimIDs []string) ([]models.MLScore, error) {
	var out []models.MLScore
	for _, id := range claimIDs {
		if sc, ok := m.scores[id]; ok {
			out = append(out, sc)
		}
	}
	return out, nil
}

type mockScorer struct {
	calls int
	err   error
}

func (m *mockScorer) ScoreMissing(ctx context.Context, claims []models.Claim) ([]models.MLScore, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return []models.MLScore{{ClaimID: claims[0].ClaimID, MLScore: -0.2, MLScoreNormalized: 0.55, ModelVersion: "iso_v2"}}, nil
}

type mockOutcomes struct {
	created  []*models.AuditOutcome
	createFn func(o *models.AuditOutcome) error
}

func (m *mockOutcomes) Create(ctx context.Context, o *models.AuditOutcome) error {
	if m.createFn != nil {
		if err := m.createFn(o); err != nil {
			return err
		}
	}
	m.created = append(m.created, o)
	return nil
}

func (m *mockOutcomes) LatestByClaimIDs(ctx context.Context, claimIDs []string) (map[string]*models.AuditOutcome, error) {
	out := make(map[string]*models.AuditOutcome)
	for _, o := range m.created {
		for _, id := range claimIDs {
			if o.ClaimID == id {
				out[id] = o
			}
		}
	}
	return out, nil
}

func newTestService(t *testing.T, scorer OnDemandScorer, outcomes OutcomeStore) *Service {
	t.Helper()
	engine, err := scoring.NewRuleEngine(scoring.DefaultRuleset(""))
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	claims := &mockClaims{
		claims: map[string]models.Claim{
			"A1": {
				ClaimID:          "A1",
				LOS:              intPtr(1),
				ProvinceName:     strPtr("DKI JAKARTA"),
				DxPrimaryCode:    strPtr("A09"),
				DxPrimaryLabel:   strPtr("Gastroenteritis"),
				SeverityGroup:    strPtr("ringan"),
				ServiceType:      strPtr("RITL"),
				FacilityClass:    strPtr("RS Kelas B"),
				AmountClaimed:    floatPtr(2_000_000),
				AmountPaid:       floatPtr(1_950_000),
				AmountGap:        floatPtr(50_000),
				BPJSPaymentRatio: floatPtr(0.975),
				PeerKey:          strPtr("A09|RITL"),
				PeerP90:          floatPtr(1_000_000),
				CostZScore:       floatPtr(3.14159),
			},
			"A3": {ClaimID: "A3"},
		},
		scores: map[string]models.MLScore{
			"A1": {ClaimID: "A1", MLScore: -0.4, MLScoreNormalized: 0.3, ModelVersion: "iso_v1"},
		},
	}
	svc := NewService(claims, scorer, engine, outcomes)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	return svc
}

func TestSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("Flagged", func(t *testing.T) {
		outcomes := &mockOutcomes{}
		svc := newTestService(t, &mockScorer{}, outcomes)
		if _, err := svc.RecordFeedback(ctx, "A1", FeedbackInput{Decision: "partial"}); err != nil {
			t.Fatalf("RecordFeedback failed: %v", err)
		}

		sum, err := svc.Summary(ctx, "A1")
		if err != nil {
			t.Fatalf("Summary failed: %v", err)
		}

		if sum.RiskScore != 0.8 || sum.RiskBand != RiskHigh || sum.ModelVersion != "iso_v1" {
			t.Errorf("unexpected scores %v %s %s", sum.RiskScore, sum.RiskBand, sum.ModelVersion)
		}
		if len(sum.Flags) != 3 {
			t.Errorf("expected three flags, got %v", sum.Flags)
		}
		if len(sum.Sections) != 6 {
			t.Fatalf("expected 6 sections, got %d", len(sum.Sections))
		}
		if got := sum.Sections[1].Content; got != "Claimed Rp 2.000.000, paid Rp 1.950.000, gap Rp 50.000. Payment ratio 97.5%." {
			t.Errorf("unexpected cost section %q", got)
		}
		if got := sum.Sections[2].Content; got != "Peer A09|RITL has a P90 of Rp 1.000.000 with z-score 3.14." {
			t.Errorf("unexpected peer section %q", got)
		}
		if !strings.Contains(sum.Sections[0].Content, "LOS 1 days") {
			t.Errorf("expected LOS in identity section, got %q", sum.Sections[0].Content)
		}
		if len(sum.FollowUpQuestions) != 5 {
			t.Errorf("expected flag questions capped at 5, got %d", len(sum.FollowUpQuestions))
		}
		if !strings.HasPrefix(sum.Narrative, "1) Diagnosis Gastroenteritis") || strings.Count(sum.Narrative, "\n") != 5 {
			t.Errorf("unexpected narrative %q", sum.Narrative)
		}
		if sum.LatestFeedback == nil || sum.LatestFeedback.Decision != models.DecisionPartial {
			t.Errorf("expected latest feedback, got %+v", sum.LatestFeedback)
		}
	})

	t.Run("OnDemandScore", func(t *testing.T) {
		scorer := &mockScorer{}
		svc := newTestService(t, scorer, nil)

		sum, err := svc.Summary(ctx, "A3")
		if err != nil {
			t.Fatalf("Summary failed: %v", err)
		}
		if scorer.calls != 1 || sum.ModelVersion != "iso_v2" || sum.RiskBand != RiskMedium {
			t.Errorf("unexpected on-demand summary %+v", sum)
		}
		if sum.Sections[3].Content != "No rule flags active." {
			t.Errorf("unexpected flag section %q", sum.Sections[3].Content)
		}
		if sum.Sections[2].Content != "Peer - statistics are incomplete." {
			t.Errorf("unexpected peer section %q", sum.Sections[2].Content)
		}
		if sum.Claim.ProvinceName != "UNKNOWN" || sum.Claim.DxPrimaryLabel != "-" {
			t.Errorf("unexpected fallbacks %+v", sum.Claim)
		}
	})

	t.Run("NoScorer", func(t *testing.T) {
		svc := newTestService(t, &mockScorer{err: scoring.ErrArtifactMissing}, nil)
		sum, err := svc.Summary(ctx, "A3")
		if err != nil {
			t.Fatalf("Summary failed: %v", err)
		}
		if sum.MLScore != nil || sum.ModelVersion != scoring.UnknownModelVersion || sum.RiskBand != RiskLow {
			t.Errorf("expected unscored summary, got %+v", sum)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		svc := newTestService(t, nil, nil)
		if _, err := svc.Summary(ctx, "missing"); !errors.Is(err, ErrClaimNotFound) {
			t.Errorf("expected ErrClaimNotFound, got %v", err)
		}
	})
}

func TestRecordFeedback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		claimID string
		in      FeedbackInput
		wantErr error
	}{
		{"approved", "A1", FeedbackInput{Decision: " Approved "}, nil},
		{"ratio as string", "A1", FeedbackInput{Decision: "partial", CorrectionRatio: "0.25"}, nil},
		{"ratio as number", "A1", FeedbackInput{Decision: "rejected", CorrectionRatio: 1.0}, nil},
		{"unknown decision", "A1", FeedbackInput{Decision: "maybe"}, ErrInvalidFeedback},
		{"ratio out of range", "A1", FeedbackInput{Decision: "partial", CorrectionRatio: 1.5}, ErrInvalidFeedback},
		{"ratio not a number", "A1", FeedbackInput{Decision: "partial", CorrectionRatio: "lots"}, ErrInvalidFeedback},
		{"ratio wrong type", "A1", FeedbackInput{Decision: "partial", CorrectionRatio: true}, ErrInvalidFeedback},
		{"unknown claim first", "missing", FeedbackInput{Decision: "maybe"}, ErrClaimNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes := &mockOutcomes{}
			svc := newTestService(t, nil, outcomes)

			out, err := svc.RecordFeedback(ctx, tt.claimID, tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				if len(outcomes.created) != 0 {
					t.Error("expected nothing stored")
				}
				return
			}
			if err != nil {
				t.Fatalf("RecordFeedback failed: %v", err)
			}
			if !models.IsValidDecision(out.Decision) || out.ClaimID != tt.claimID {
				t.Errorf("unexpected outcome %+v", out)
			}
			if len(outcomes.created) != 1 {
				t.Errorf("expected one stored outcome, got %d", len(outcomes.created))
			}
		})
	}

	t.Run("StoreError", func(t *testing.T) {
		outcomes := &mockOutcomes{createFn: func(o *models.AuditOutcome) error { return errors.New("connection refused") }}
		svc := newTestService(t, nil, outcomes)
		if _, err := svc.RecordFeedback(ctx, "A1", FeedbackInput{Decision: "approved"}); err == nil {
			t.Error("expected the store error to surface")
		}
	})
}

func TestFollowUpQuestions(t *testing.T) {
	if got := FollowUpQuestions(nil); len(got) != 3 {
		t.Errorf("expected padding to 3 defaults, got %d", len(got))
	}
	if got := FollowUpQuestions([]string{scoring.FlagDuplicatePattern}); len(got) != 5 {
		t.Errorf("expected 2 flag questions padded to 5, got %d", len(got))
	}
	all := []string{scoring.FlagShortStayHighCost, scoring.FlagSeverityMismatch, scoring.FlagHighCostFullPaid, scoring.FlagShortStayHighCost}
	got := FollowUpQuestions(all)
	if len(got) != 5 {
		t.Errorf("expected cap of 5, got %d", len(got))
	}
	seen := map[string]bool{}
	for _, q := range got {
		if seen[q] {
			t.Errorf("duplicate question %q", q)
		}
		seen[q] = true
	}
}

func TestFormatting(t *testing.T) {
	tests := []struct {
		in   *float64
		want string
	}{
		{nil, "-"},
		{floatPtr(0), "Rp 0"},
		{floatPtr(999), "Rp 999"},
		{floatPtr(1234567.4), "Rp 1.234.567"},
		{floatPtr(100000), "Rp 100.000"},
		{floatPtr(-2500000), "Rp -2.500.000"},
	}
	for _, tt := range tests {
		if got := FormatRupiah(tt.in); got != tt.want {
			t.Errorf("FormatRupiah(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := FormatPercent(floatPtr(0.9512)); got != "95.1%" {
		t.Errorf("unexpected percent %q", got)
	}
	if got := FormatPercent(nil); got != "-" {
		t.Errorf("unexpected missing percent %q", got)
	}

	for score, want := range map[float64]string{0.8: RiskHigh, 0.79: RiskMedium, 0.5: RiskMedium, 0.1: RiskLow} {
		if got := RiskBand(score); got != want {
			t.Errorf("RiskBand(%v) = %s, want %s", score, got, want)
		}
	}
}
