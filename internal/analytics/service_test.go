package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/queue"
	"github.com/casemind/claims-risk/internal/warehouse"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

type memoryCache struct {
	data map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := m.data[key]
	if !ok {
		return errors.New("cache miss")
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type stubStream struct{}

func (stubStream) GetStreamInfo(ctx context.Context) (*queue.StreamInfo, error) {
	return &queue.StreamInfo{Length: 7, PendingCount: 2, Groups: 1}, nil
}

type stubPool struct{}

func (stubPool) PoolStats() (int32, int32) { return 3, 5 }

func newTestStore(t *testing.T) *warehouse.Store {
	t.Helper()
	store, err := warehouse.New(configs.WarehouseConfig{
		Driver:       warehouse.DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "analytics.db"),
		ClaimsTable:  "claims_normalized",
		MaxFetchRows: 1000,
	})
	if err != nil {
		t.Fatalf("failed to create warehouse: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	claims := []models.Claim{
		{ClaimID: "P1", ProvinceName: strPtr("Jawa Barat"), LOS: intPtr(2), AmountClaimed: floatPtr(200), AmountPaid: floatPtr(100), CostZScore: floatPtr(3), DuplicatePattern: true},
		{ClaimID: "P2", ProvinceName: strPtr("Jawa Barat"), LOS: intPtr(4), AmountClaimed: floatPtr(100), AmountPaid: floatPtr(100), CostZScore: floatPtr(1)},
		{ClaimID: "P3", ProvinceName: strPtr("Bali"), LOS: intPtr(1), AmountClaimed: floatPtr(50), AmountPaid: floatPtr(0)},
		{ClaimID: "P4"},
	}
	if err := store.WriteClaims(context.Background(), claims, warehouse.WriteReplace); err != nil {
		t.Fatalf("WriteClaims failed: %v", err)
	}
	return store
}

func approx(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Errorf("%s: expected %v, got nil", name, want)
		return
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s: expected %v, got %v", name, want, *got)
	}
}

func TestCasemixByProvince(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cache := &memoryCache{data: make(map[string][]byte)}
	svc := NewService(store, cache, time.Minute)

	rows, err := svc.CasemixByProvince(ctx)
	if err != nil {
		t.Fatalf("CasemixByProvince failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 provinces, got %d: %+v", len(rows), rows)
	}

	jabar := rows[0]
	if jabar.Province != "Jawa Barat" || jabar.ClaimCount != 2 {
		t.Errorf("unexpected first row %+v", jabar)
	}
	approx(t, "avg_los", jabar.AvgLOS, 3)
	approx(t, "avg_claim_to_paid_ratio", jabar.AvgClaimToPaidRatio, 1.5)
	approx(t, "high_cost_rate", jabar.HighCostRate, 0.5)
	approx(t, "duplicate_pattern_rate", jabar.DuplicatePatternRate, 0.5)

	bali := rows[1]
	if bali.Province != "Bali" || bali.AvgClaimToPaidRatio != nil || bali.HighCostRate != nil {
		t.Errorf("unexpected Bali row %+v", bali)
	}
	if rows[2].Province != unknownProvince || rows[2].AvgLOS != nil {
		t.Errorf("expected unknown province bucket, got %+v", rows[2])
	}

	t.Run("ServedFromCache", func(t *testing.T) {
		if _, ok := cache.data[CasemixCacheKey]; !ok {
			t.Fatal("expected casemix to be cached")
		}
		cache.data[CasemixCacheKey] = []byte(`[{"province":"cached","claim_count":1}]`)
		rows, err := svc.CasemixByProvince(ctx)
		if err != nil || len(rows) != 1 || rows[0].Province != "cached" {
			t.Errorf("expected cached rows, got %+v %v", rows, err)
		}

		svc.Invalidate(ctx)
		if _, ok := cache.data[CasemixCacheKey]; ok {
			t.Error("expected cache entry to be removed")
		}
	})
}

func TestGetSystemMetrics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := NewService(store, nil, 0)

	if _, err := store.RecordMLRefresh(ctx, warehouse.MLRefreshRecord{Version: "iso_v1", RowsScored: 4}); err != nil {
		t.Fatalf("RecordMLRefresh failed: %v", err)
	}

	m, err := svc.GetSystemMetrics(ctx, stubStream{}, stubPool{})
	if err != nil {
		t.Fatalf("GetSystemMetrics failed: %v", err)
	}
	if m.ClaimsTotal != 4 || m.QueueLength != 7 || m.QueuePending != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if m.DBConnectionsActive != 3 || m.DBConnectionsIdle != 5 {
		t.Errorf("unexpected pool stats %+v", m)
	}
	if m.LatestRefresh == nil || m.LatestRefresh.Version != "iso_v1" {
		t.Errorf("expected latest refresh, got %+v", m.LatestRefresh)
	}

	t.Run("NoOptionalSources", func(t *testing.T) {
		m, err := svc.GetSystemMetrics(ctx, nil, nil)
		if err != nil {
			t.Fatalf("GetSystemMetrics failed: %v", err)
		}
		if m.QueueLength != 0 || m.DBConnectionsActive != 0 {
			t.Errorf("expected zero values, got %+v", m)
		}
	})
}
