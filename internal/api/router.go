// Package api exposes the claims risk services over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/casemind/claims-risk/internal/analytics"
	"github.com/casemind/claims-risk/internal/audit"
	"github.com/casemind/claims-risk/internal/auth"
	"github.com/casemind/claims-risk/internal/metrics"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/ranking"
	"github.com/casemind/claims-risk/internal/services"
	"github.com/casemind/claims-risk/internal/warehouse"
)

// HighRiskLister ranks claims for audit
type HighRiskLister interface {
	ListHighRisk(ctx context.Context, q ranking.Query) (*models.HighRiskPage, error)
}

// AuditService builds claim summaries and records decisions
type AuditService interface {
	Summary(ctx context.Context, claimID string) (*audit.Summary, error)
	RecordFeedback(ctx context.Context, claimID string, in audit.FeedbackInput) (*models.AuditOutcome, error)
}

// FeedbackHistory lists the decisions recorded on a claim
type FeedbackHistory interface {
	ListByClaimID(ctx context.Context, claimID string) ([]*models.AuditOutcome, error)
}

// Authenticator issues tokens to auditors
type Authenticator interface {
	Register(ctx context.Context, req *services.RegisterRequest) (*services.AuthResponse, error)
	Login(ctx context.Context, req *services.LoginRequest) (*services.AuthResponse, error)
	RefreshToken(ctx context.Context, currentToken string) (*services.AuthResponse, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*services.UserResponse, error)
}

// QCService serves drift monitoring results
type QCService interface {
	Status(ctx context.Context) (qc.StatusReport, error)
	Summary(ctx context.Context) (qc.Report, error)
}

// AnalyticsService serves casemix and pipeline metrics
type AnalyticsService interface {
	CasemixByProvince(ctx context.Context) ([]models.CasemixRow, error)
	GetSystemMetrics(ctx context.Context, stream analytics.StreamInspector, pool analytics.PoolStats) (*analytics.SystemMetrics, error)
}

// JobQueue accepts score refresh jobs
type JobQueue interface {
	Publish(ctx context.Context, job *models.RefreshJob) (string, error)
}

// RefreshHistory lists past score cache recomputations
type RefreshHistory interface {
	ListMLRefreshes(ctx context.Context, limit int) ([]warehouse.MLRefreshRecord, error)
}

// EventLog reads the newest refresh events kept in Redis
type EventLog interface {
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators behind the routes. Routes whose
// service is nil are not registered.
type Dependencies struct {
	JWT         *auth.JWTManager
	Users       auth.UserLookup
	Auth        Authenticator
	Ranking     HighRiskLister
	Audit       AuditService
	Feedback    FeedbackHistory
	QC          QCService
	Analytics   AnalyticsService
	Jobs        JobQueue
	Refreshes   RefreshHistory
	Events      EventLog
	Stream      analytics.StreamInspector
	Pool        analytics.PoolStats
	RateLimiter *RateLimiter
	Health      map[string]HealthCheck
	DefaultTopK int
}

// NewRouter builds the gin engine serving the API
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())
	router.Use(metrics.Middleware())
	if deps.RateLimiter != nil {
		router.Use(rateLimitMiddleware(deps.RateLimiter))
	}

	router.GET("/health", healthHandler(deps.Health))
	router.GET("/health/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	authenticated := auth.AuthMiddleware(deps.JWT, deps.Users)

	if deps.Auth != nil {
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/register", registerHandler(deps.Auth))
			authRoutes.POST("/login", loginHandler(deps.Auth))
			authRoutes.POST("/refresh", authenticated, refreshTokenHandler(deps.Auth))
			authRoutes.GET("/me", authenticated, meHandler(deps.Auth))
		}
	}

	protected := v1.Group("")
	protected.Use(authenticated)

	claimRoutes := protected.Group("/claims")
	{
		if deps.Ranking != nil {
			claimRoutes.GET("/high-risk", highRiskHandler(deps.Ranking))
		}
		if deps.Audit != nil {
			claimRoutes.GET("/:claim_id/summary", claimSummaryHandler(deps.Audit))
			claimRoutes.POST("/:claim_id/feedback", feedbackHandler(deps.Audit))
		}
		if deps.Feedback != nil {
			claimRoutes.GET("/:claim_id/feedback", feedbackHistoryHandler(deps.Feedback))
		}
	}

	if deps.Ranking != nil {
		reportRoutes := protected.Group("/reports")
		{
			reportRoutes.GET("/severity-mismatch", flagReportHandler(deps.Ranking, "severity_mismatch"))
			reportRoutes.GET("/duplicates", flagReportHandler(deps.Ranking, "duplicate_pattern"))
		}
	}

	if deps.Analytics != nil {
		protected.GET("/analytics/casemix", casemixHandler(deps.Analytics))
		protected.GET("/system/metrics", auth.RoleMiddleware(models.RoleAdmin), systemMetricsHandler(deps))
	}

	if deps.QC != nil {
		qcRoutes := protected.Group("/qc")
		{
			qcRoutes.GET("/status", qcStatusHandler(deps.QC))
			qcRoutes.GET("/summary", qcSummaryHandler(deps.QC))
		}
	}

	scoreRoutes := protected.Group("/scores")
	{
		if deps.Jobs != nil {
			scoreRoutes.POST("/refresh", auth.RoleMiddleware(models.RoleAdmin), enqueueRefreshHandler(deps.Jobs, deps.DefaultTopK))
		}
		if deps.Refreshes != nil {
			scoreRoutes.GET("/refreshes", refreshHistoryHandler(deps.Refreshes))
		}
		if deps.Events != nil {
			scoreRoutes.GET("/events", refreshEventsHandler(deps.Events))
		}
	}

	return router
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		healthy := "healthy"
		if status != http.StatusOK {
			healthy = "degraded"
		}
		c.JSON(status, gin.H{
			"status":     healthy,
			"components": components,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	}
}
