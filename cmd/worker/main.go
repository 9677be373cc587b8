package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/bootstrap"
	"github.com/casemind/claims-risk/internal/queue"
	"github.com/casemind/claims-risk/internal/scorecache"
	"github.com/casemind/claims-risk/internal/warehouse"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("concurrency", cfg.Worker.Concurrency).
		Str("stream", cfg.Redis.StreamName).
		Msg("Starting score refresh worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := warehouse.New(cfg.Warehouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse")
	}
	defer store.Close()

	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

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
	if !stack.Manager.HasScorer() {
		log.Warn().Msg("No model artifacts loaded, refresh jobs will be dead-lettered")
	}

	workerPool := scorecache.NewWorkerPool(cfg.Worker.Concurrency, stack.Manager, streamClient, cfg.Worker)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- workerPool.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Worker pool error")
		}
	}

	if err := workerPool.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop worker pool")
	}

	log.Info().
		Interface("metrics", workerPool.GetAggregatedMetrics()).
		Msg("Worker shutdown complete")
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
