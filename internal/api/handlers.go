package api

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/audit"
	"github.com/casemind/claims-risk/internal/auth"
	"github.com/casemind/claims-risk/internal/metrics"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/queue"
	"github.com/casemind/claims-risk/internal/ranking"
	"github.com/casemind/claims-risk/internal/repositories"
	"github.com/casemind/claims-risk/internal/services"
	"github.com/casemind/claims-risk/internal/warehouse"
)

const maxRefreshTopK = 1000

// Claims

func highRiskHandler(svc HighRiskLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := ranking.ParseQuery(c.Request.URL.Query())
		resp, err := svc.ListHighRisk(c.Request.Context(), q)
		if err != nil {
			if errors.Is(err, warehouse.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "claims table not found"})
				return
			}
			serverError(c, "failed to list high risk claims", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data": resp.Items,
			"meta": gin.H{
				"total":           resp.Total,
				"page":            resp.Page,
				"page_size":       resp.PageSize,
				"model_version":   resp.ModelVersion,
				"ruleset_version": resp.RulesetVersion,
				"filters":         q.Applied,
			},
		})
	}
}

// flagReportHandler lists claims raising one rule flag
func flagReportHandler(svc HighRiskLister, flag string) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := ranking.ParseQuery(c.Request.URL.Query())
		q.Flag = flag
		resp, err := svc.ListHighRisk(c.Request.Context(), q)
		if err != nil {
			if errors.Is(err, warehouse.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "claims table not found"})
				return
			}
			serverError(c, "failed to build report", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data": resp.Items,
			"meta": gin.H{
				"flag":            flag,
				"page":            resp.Page,
				"page_size":       resp.PageSize,
				"model_version":   resp.ModelVersion,
				"ruleset_version": resp.RulesetVersion,
			},
		})
	}
}

func claimSummaryHandler(svc AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := svc.Summary(c.Request.Context(), c.Param("claim_id"))
		if err != nil {
			if errors.Is(err, audit.ErrClaimNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			serverError(c, "failed to build claim summary", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": summary})
	}
}

type feedbackRequest struct {
	Decision        string  `json:"decision"`
	CorrectionRatio any     `json:"correction_ratio"`
	Notes           *string `json:"notes"`
}

func feedbackHandler(svc AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req feedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}

		in := audit.FeedbackInput{
			Decision:        req.Decision,
			CorrectionRatio: req.CorrectionRatio,
			Notes:           req.Notes,
		}
		if id, ok := auth.GetUserIDFromContext(c); ok {
			in.ReviewerID = &id
		}

		outcome, err := svc.RecordFeedback(c.Request.Context(), c.Param("claim_id"), in)
		if err != nil {
			switch {
			case errors.Is(err, audit.ErrClaimNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, audit.ErrInvalidFeedback):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				serverError(c, "failed to record feedback", err)
			}
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": outcome})
	}
}

func feedbackHistoryHandler(store FeedbackHistory) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcomes, err := store.ListByClaimID(c.Request.Context(), c.Param("claim_id"))
		if err != nil {
			serverError(c, "failed to list feedback", err)
			return
		}
		if outcomes == nil {
			outcomes = []*models.AuditOutcome{}
		}
		c.JSON(http.StatusOK, gin.H{"data": outcomes})
	}
}

// Analytics and QC

func casemixHandler(svc AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.CasemixByProvince(c.Request.Context())
		if err != nil {
			if errors.Is(err, warehouse.ErrNotFound) {
				c.JSON(http.StatusOK, gin.H{"data": []models.CasemixRow{}})
				return
			}
			serverError(c, "failed to compute casemix", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": rows})
	}
}

func systemMetricsHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := deps.Analytics.GetSystemMetrics(c.Request.Context(), deps.Stream, deps.Pool)
		if err != nil {
			serverError(c, "failed to collect system metrics", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": m})
	}
}

func qcStatusHandler(svc QCService) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := svc.Status(c.Request.Context())
		if err != nil {
			serverError(c, "failed to evaluate QC status", err)
			return
		}
		metrics.SetQCStatus(status.Status)
		c.JSON(http.StatusOK, gin.H{"data": status})
	}
}

func qcSummaryHandler(svc QCService) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.Summary(c.Request.Context())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no QC snapshots recorded"})
				return
			}
			serverError(c, "failed to read QC summary", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

// Score refresh

type refreshRequest struct {
	TopK int `json:"top_k"`
}

func enqueueRefreshHandler(jobs JobQueue, defaultTopK int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		if c.Query("top_k") != "" {
			req.TopK = getIntParam(c, "top_k", 0)
		}
		if req.TopK < 0 || req.TopK > maxRefreshTopK {
			c.JSON(http.StatusBadRequest, gin.H{"error": "top_k must be between 1 and " + strconv.Itoa(maxRefreshTopK)})
			return
		}
		if req.TopK == 0 {
			req.TopK = defaultTopK
		}

		job := &models.RefreshJob{
			JobID:      uuid.NewString(),
			TopK:       req.TopK,
			EnqueuedAt: time.Now().UTC(),
		}
		if email, ok := c.Get(auth.UserEmailKey); ok {
			job.RequestedBy, _ = email.(string)
		}

		messageID, err := jobs.Publish(c.Request.Context(), job)
		if err != nil {
			serverError(c, "failed to enqueue refresh job", err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"data": gin.H{
				"job_id":     job.JobID,
				"message_id": messageID,
				"top_k":      job.TopK,
				"status":     "queued",
			},
		})
	}
}

func refreshHistoryHandler(history RefreshHistory) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 20)
		records, err := history.ListMLRefreshes(c.Request.Context(), limit)
		if err != nil {
			serverError(c, "failed to list refreshes", err)
			return
		}
		if records == nil {
			records = []warehouse.MLRefreshRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"data": records})
	}
}

func refreshEventsHandler(events EventLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 20)
		if limit > queue.MaxRefreshEvents {
			limit = queue.MaxRefreshEvents
		}

		raw, err := events.LRange(c.Request.Context(), queue.RefreshEventsKey, 0, int64(limit-1))
		if err != nil {
			serverError(c, "failed to read refresh events", err)
			return
		}

		items := make([]models.ScoreRefreshedEvent, 0, len(raw))
		for _, r := range raw {
			var ev models.ScoreRefreshedEvent
			if err := json.Unmarshal([]byte(r), &ev); err != nil {
				log.Debug().Err(err).Msg("Skipping malformed refresh event")
				continue
			}
			items = append(items, ev)
		}
		c.JSON(http.StatusOK, gin.H{"data": items})
	}
}

// Auth

func registerHandler(svc Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
			return
		}

		resp, err := svc.Register(c.Request.Context(), &req)
		if err != nil {
			switch {
			case errors.Is(err, repositories.ErrUserAlreadyExists):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, services.ErrWeakPassword), errors.Is(err, services.ErrInvalidRole):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				serverError(c, "failed to register user", err)
			}
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(svc Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
			return
		}

		resp, err := svc.Login(c.Request.Context(), &req)
		if err != nil {
			if errors.Is(err, services.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			serverError(c, "failed to log in", err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(svc Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader(auth.AuthorizationHeader), auth.BearerPrefix)

		resp, err := svc.RefreshToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func meHandler(svc Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auth.GetUserIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := svc.GetUser(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, repositories.ErrUserNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			serverError(c, "failed to load user", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": user})
	}
}

// Helpers

func serverError(c *gin.Context, message string, err error) {
	log.Error().
		Err(err).
		Str("request_id", c.GetString(RequestIDKey)).
		Str("path", c.FullPath()).
		Msg(message)
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		if result, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
