package scorecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/metrics"
	"github.com/casemind/claims-risk/internal/models"
	"github.com/casemind/claims-risk/internal/queue"
)

// JobStream is the refresh job queue consumed by workers
type JobStream interface {
	Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]queue.StreamMessage, error)
	Publish(ctx context.Context, job *models.RefreshJob) (string, error)
	AcknowledgeBatch(ctx context.Context, messageIDs []string) error
	SendToDeadLetter(ctx context.Context, job *models.RefreshJob, err error) error
}

// Refresher recomputes the score cache
type Refresher interface {
	Refresh(ctx context.Context, opts RefreshOptions) (*RefreshResult, error)
}

// Worker processes refresh jobs from the queue
type Worker struct {
	id        string
	refresher Refresher
	stream    JobStream
	config    configs.WorkerConfig
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
	metrics   *WorkerMetrics
}

// WorkerMetrics tracks worker performance
type WorkerMetrics struct {
	mu                sync.RWMutex
	ProcessedCount    int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
	LastRunID         string
}

// NewWorker creates a refresh worker
func NewWorker(id string, refresher Refresher, stream JobStream, config configs.WorkerConfig) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	return &Worker{
		id:        id,
		refresher: refresher,
		stream:    stream,
		config:    config,
		stopCh:    make(chan struct{}),
		metrics:   &WorkerMetrics{},
	}
}

// Start runs the consumer goroutines until ctx is cancelled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting refresh worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	select {
	case <-ctx.Done():
		log.Info().Str("worker_id", w.id).Msg("Context cancelled")
	case <-w.stopCh:
	}

	return w.Stop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		log.Info().Str("worker_id", w.id).Msg("Stopping worker...")
		close(w.stopCh)
	})
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	return nil
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Worker goroutine started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Worker goroutine stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

// processBatch handles one read from the stream. Failed jobs are requeued
// until RetryAttempts is reached, then dead-lettered; every message is
// acknowledged.
func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.stream.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return
	}

	if len(messages) == 0 {
		return
	}

	var ackIDs []string

	for _, msg := range messages {
		if err := w.processMessage(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("job_id", msg.Job.JobID).
				Msg("Failed to process refresh job")

			if msg.Job.RetryCount < w.config.RetryAttempts {
				msg.Job.RetryCount++
				if _, err := w.stream.Publish(ctx, msg.Job); err != nil {
					log.Error().Err(err).Msg("Failed to requeue refresh job")
				}
				metrics.RecordJob("retried")
			} else {
				if err := w.stream.SendToDeadLetter(ctx, msg.Job, err); err != nil {
					log.Error().Err(err).Msg("Failed to send to dead letter queue")
				}
				metrics.RecordJob("dead_lettered")
			}

			w.metrics.mu.Lock()
			w.metrics.FailedCount++
			w.metrics.mu.Unlock()
		}

		ackIDs = append(ackIDs, msg.ID)
	}

	if err := w.stream.AcknowledgeBatch(ctx, ackIDs); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge messages")
	}
}

func (w *Worker) processMessage(ctx context.Context, msg queue.StreamMessage) error {
	startTime := time.Now()

	res, err := w.refresher.Refresh(ctx, RefreshOptions{TopK: msg.Job.TopK, RequestedBy: msg.Job.RequestedBy})
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	w.metrics.mu.Lock()
	w.metrics.ProcessedCount++
	w.metrics.TotalProcessingMs += time.Since(startTime).Milliseconds()
	w.metrics.LastProcessedAt = time.Now()
	w.metrics.LastRunID = res.RunID
	w.metrics.mu.Unlock()

	metrics.RecordJob("processed")
	log.Info().
		Str("job_id", msg.Job.JobID).
		Str("run_id", res.RunID).
		Int("rows_scored", res.RowsScored).
		Msg("Refresh job completed")

	return nil
}

// GetMetrics returns a copy of the worker metrics
func (w *Worker) GetMetrics() WorkerMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WorkerMetrics{
		ProcessedCount:    w.metrics.ProcessedCount,
		FailedCount:       w.metrics.FailedCount,
		TotalProcessingMs: w.metrics.TotalProcessingMs,
		LastProcessedAt:   w.metrics.LastProcessedAt,
		LastRunID:         w.metrics.LastRunID,
	}
}

// WorkerPool manages multiple workers
type WorkerPool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates numWorkers workers sharing refresher and stream
func NewWorkerPool(numWorkers int, refresher Refresher, stream JobStream, config configs.WorkerConfig) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	pool := &WorkerPool{workers: make([]*Worker, numWorkers)}
	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(fmt.Sprintf("worker-%d", i), refresher, stream, config)
	}
	return pool
}

// Start starts all workers in the pool
func (p *WorkerPool) Start(ctx context.Context) error {
	log.Info().Int("num_workers", len(p.workers)).Msg("Starting worker pool")

	errCh := make(chan error, len(p.workers))

	for _, worker := range p.workers {
		w := worker
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops all workers in the pool
func (p *WorkerPool) Stop() error {
	log.Info().Msg("Stopping worker pool")

	for _, worker := range p.workers {
		if err := worker.Stop(); err != nil {
			log.Error().Err(err).Str("worker_id", worker.id).Msg("Failed to stop worker")
		}
	}

	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
	return nil
}

// GetAggregatedMetrics returns aggregated metrics from all workers
func (p *WorkerPool) GetAggregatedMetrics() map[string]interface{} {
	var totalProcessed, totalFailed, totalProcessingMs int64
	var lastProcessedAt time.Time

	for _, worker := range p.workers {
		m := worker.GetMetrics()
		totalProcessed += m.ProcessedCount
		totalFailed += m.FailedCount
		totalProcessingMs += m.TotalProcessingMs
		if m.LastProcessedAt.After(lastProcessedAt) {
			lastProcessedAt = m.LastProcessedAt
		}
	}

	avgProcessingMs := float64(0)
	if totalProcessed > 0 {
		avgProcessingMs = float64(totalProcessingMs) / float64(totalProcessed)
	}

	return map[string]interface{}{
		"total_processed":   totalProcessed,
		"total_failed":      totalFailed,
		"avg_processing_ms": avgProcessingMs,
		"last_processed_at": lastProcessedAt,
		"active_workers":    len(p.workers),
	}
}
