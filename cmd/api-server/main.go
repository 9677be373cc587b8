package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/analytics"
	"github.com/casemind/claims-risk/internal/api"
	"github.com/casemind/claims-risk/internal/audit"
	"github.com/casemind/claims-risk/internal/auth"
	"github.com/casemind/claims-risk/internal/bootstrap"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/queue"
	"github.com/casemind/claims-risk/internal/ranking"
	"github.com/casemind/claims-risk/internal/repositories"
	"github.com/casemind/claims-risk/internal/scorecache"
	"github.com/casemind/claims-risk/internal/services"
	"github.com/casemind/claims-risk/internal/warehouse"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Str("warehouse_driver", cfg.Warehouse.Driver).
		Msg("Starting claims risk API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := warehouse.New(cfg.Warehouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse")
	}
	defer store.Close()

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database schema")
	}

	health := map[string]api.HealthCheck{
		"warehouse": store.Ping,
		"database":  db.HealthCheck,
	}

	// Redis and Kafka are optional: without them refresh jobs run through
	// claimsctl and responses are not cached.
	var cache *queue.CacheClient
	if c, err := queue.NewCacheClient(cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("Redis cache unavailable, caching disabled")
	} else {
		cache = c
		defer cache.Close()
		health["redis"] = cache.Ping
	}

	var stream *queue.RedisStreamClient
	if s, err := queue.NewRedisStreamClient(cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("Redis stream unavailable, refresh jobs disabled")
	} else {
		stream = s
		defer stream.Close()
	}

	var publisher scorecache.EventPublisher
	if producer, err := queue.NewEventProducer(cfg.Kafka); err != nil {
		log.Warn().Err(err).Msg("Kafka unavailable, refresh events disabled")
	} else {
		publisher = producer
		defer producer.Close()
	}

	stack, err := bootstrap.NewScoring(ctx, cfg, store, publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scoring")
	}

	userRepo := repositories.NewUserRepository(db)
	outcomeRepo := repositories.NewAuditOutcomeRepository(db)
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	rateLimiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitWindow)
	go rateLimiter.Run(ctx)

	deps := api.Dependencies{
		JWT:         jwtManager,
		Users:       userRepo,
		Auth:        services.NewAuthService(userRepo, jwtManager),
		Ranking:     ranking.NewService(store, stack.Manager, stack.Rules, outcomeRepo),
		Audit:       audit.NewService(store, stack.Manager, stack.Rules, outcomeRepo),
		Feedback:    outcomeRepo,
		Refreshes:   store,
		Pool:        db,
		RateLimiter: rateLimiter,
		Health:      health,
		DefaultTopK: cfg.Server.DefaultTopK,
	}

	qcConfig := qc.ServiceConfig{
		LogDir:      cfg.QC.LogDir,
		SummaryPath: cfg.QC.SummaryPath,
		Thresholds: qc.Thresholds{
			RiskScoreMin:   cfg.QC.MinRiskScore,
			LOSLe1RatioMin: cfg.QC.MinLOSRatio,
		},
		CacheTTL: cfg.QC.StatusCacheTTL,
	}
	if cache != nil {
		deps.QC = qc.NewService(qcConfig, cache)
		deps.Analytics = analytics.NewService(store, cache, cfg.QC.CasemixCacheTTL)
		deps.Events = cache
	} else {
		deps.QC = qc.NewService(qcConfig, nil)
		deps.Analytics = analytics.NewService(store, nil, 0)
	}
	if stream != nil {
		deps.Jobs = stream
		deps.Stream = stream
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
