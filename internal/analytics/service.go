package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/queue"
	"github.com/casemind/claims-risk/internal/warehouse"
)

const (
	CasemixCacheKey    = "casemix:province"
	unknownProvince    = "UNKNOWN"
	highCostZThreshold = 2.0
)

// Warehouse is the subset of the claims store used for reporting
type Warehouse interface {
	Query(ctx context.Context, query string, args ...any) ([]warehouse.Row, error)
	ClaimsTable() string
	CountClaims(ctx context.Context, filters warehouse.Filters) (int, error)
	LatestMLRefresh(ctx context.Context) (*warehouse.MLRefreshRecord, error)
}

// Cache is the JSON cache used for cache-aside reads
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// StreamInspector reports the depth of the refresh job stream
type StreamInspector interface {
	GetStreamInfo(ctx context.Context) (*queue.StreamInfo, error)
}

// PoolStats reports application database connection usage
type PoolStats interface {
	PoolStats() (acquired, idle int32)
}

// SystemMetrics is a point-in-time view of the pipeline
type SystemMetrics struct {
	Timestamp           time.Time                  `json:"timestamp"`
	ClaimsTotal         int                        `json:"claims_total"`
	DBConnectionsActive int                        `json:"db_connections_active"`
	DBConnectionsIdle   int                        `json:"db_connections_idle"`
	QueueLength         int64                      `json:"queue_length"`
	QueuePending        int64                      `json:"queue_pending"`
	LatestRefresh       *warehouse.MLRefreshRecord `json:"latest_refresh"`
}

// Service provides casemix reporting over the claims warehouse
type Service struct {
	store    Warehouse
	cache    Cache
	cacheTTL time.Duration
}

// NewService creates an analytics service. cache may be nil.
func NewService(store Warehouse, cache Cache, cacheTTL time.Duration) *Service {
	return &Service{store: store, cache: cache, cacheTTL: cacheTTL}
}

// CasemixByProvince aggregates the claims population per province, largest
// provinces first
func (s *Service) CasemixByProvince(ctx context.Context) ([]models.CasemixRow, error) {
	if s.cache != nil {
		var cached []models.CasemixRow
		if err := s.cache.Get(ctx, CasemixCacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	query := fmt.Sprintf(`
		SELECT
			COALESCE(province_name, '%s') AS province,
			COUNT(*) AS claim_count,
			AVG(los) AS avg_los,
			AVG(CASE WHEN amount_paid > 0 THEN amount_claimed / amount_paid END) AS avg_claim_to_paid_ratio,
			AVG(CASE WHEN cost_zscore IS NULL THEN NULL WHEN cost_zscore > ? THEN 1.0 ELSE 0.0 END) AS high_cost_rate,
			AVG(CASE WHEN duplicate_pattern THEN 1.0 ELSE 0.0 END) AS duplicate_pattern_rate
		FROM %s
		GROUP BY 1
		ORDER BY claim_count DESC, province
	`, unknownProvince, s.store.ClaimsTable())

	rows, err := s.store.Query(ctx, query, highCostZThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate casemix: %w", err)
	}

	result := make([]models.CasemixRow, 0, len(rows))
	for _, row := range rows {
		result = append(result, models.CasemixRow{
			Province:             fmt.Sprint(row["province"]),
			ClaimCount:           toInt(row["claim_count"]),
			AvgLOS:               toFloat(row["avg_los"]),
			AvgClaimToPaidRatio:  toFloat(row["avg_claim_to_paid_ratio"]),
			HighCostRate:         toFloat(row["high_cost_rate"]),
			DuplicatePatternRate: toFloat(row["duplicate_pattern_rate"]),
		})
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.Set(ctx, CasemixCacheKey, result, s.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache casemix")
		}
	}

	return result, nil
}

// Invalidate drops the cached casemix, called after the claims table changes
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, CasemixCacheKey); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate casemix cache")
	}
}

// GetSystemMetrics returns current pipeline metrics. Unavailable parts are
// left at their zero value.
func (s *Service) GetSystemMetrics(ctx context.Context, stream StreamInspector, pool PoolStats) (*SystemMetrics, error) {
	metrics := &SystemMetrics{Timestamp: time.Now().UTC()}

	if pool != nil {
		acquired, idle := pool.PoolStats()
		metrics.DBConnectionsActive = int(acquired)
		metrics.DBConnectionsIdle = int(idle)
	}

	if stream != nil {
		info, err := stream.GetStreamInfo(ctx)
		if err == nil {
			metrics.QueueLength = info.Length
			metrics.QueuePending = info.PendingCount
		} else {
			log.Debug().Err(err).Msg("Refresh stream info unavailable")
		}
	}

	total, err := s.store.CountClaims(ctx, nil)
	if err != nil && !errors.Is(err, warehouse.ErrNotFound) {
		return nil, fmt.Errorf("failed to count claims: %w", err)
	}
	metrics.ClaimsTotal = total

	latest, err := s.store.LatestMLRefresh(ctx)
	switch {
	case err == nil:
		metrics.LatestRefresh = latest
	case errors.Is(err, warehouse.ErrNotFound):
	default:
		log.Warn().Err(err).Msg("Failed to read latest ML refresh")
	}

	return metrics, nil
}

// toFloat converts a driver value to float64. Postgres returns numeric
// aggregates as text.
func toFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int64:
		f = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

func toInt(v any) int64 {
	if f := toFloat(v); f != nil {
		return int64(*f)
	}
	return 0
}
