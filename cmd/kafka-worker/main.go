package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/analytics"
	"github.com/casemind/claims-risk/internal/qc"
	"github.com/casemind/claims-risk/internal/queue"
	"github.com/casemind/claims-risk/internal/warehouse"
)

// Consumes score refresh events from Kafka. Scoring itself runs in the Redis
// stream worker; this process keeps the QC summary, the event log and the
// cached aggregates in step with the score cache.
func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.RefreshTopic).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("Starting refresh event consumer")

	store, err := warehouse.New(cfg.Warehouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse")
	}
	defer store.Close()

	pipeline := &refreshPipeline{}
	qcConfig := qc.ServiceConfig{
		LogDir:      cfg.QC.LogDir,
		SummaryPath: cfg.QC.SummaryPath,
		Thresholds: qc.Thresholds{
			RiskScoreMin:   cfg.QC.MinRiskScore,
			LOSLe1RatioMin: cfg.QC.MinLOSRatio,
		},
		CacheTTL: cfg.QC.StatusCacheTTL,
	}

	if cacheClient, err := queue.NewCacheClient(cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, refresh events will not be stored")
		pipeline.summary = qc.NewService(qcConfig, nil)
	} else {
		defer cacheClient.Close()
		pipeline.summary = qc.NewService(qcConfig, cacheClient)
		pipeline.analytics = analytics.NewService(store, cacheClient, cfg.QC.CasemixCacheTTL)
		pipeline.events = cacheClient
	}

	consumerGroup, err := queue.NewRefreshConsumerGroup(cfg.Kafka, 30, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := queue.NewRefreshConsumer(pipeline.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping refresh event consumer...")
		cancel()
	}()

	go func() {
		for err := range consumerGroup.Errors() {
			log.Error().Err(err).Msg("Kafka consumer error")
		}
	}()

	topics := []string{cfg.Kafka.RefreshTopic}
	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down refresh event consumer")
			return
		}
	}
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
