package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trananhduc/cadforge/internal/config"
	"github.com/trananhduc/cadforge/internal/worker/domain"
	"github.com/trananhduc/cadforge/internal/worker/storage"
	"github.com/trananhduc/cadforge/shared/rabbitmq"
)

// Config holds worker service wiring
type Config struct {
	Logger        *slog.Logger
	Storage       *storage.Storage
	RabbitClient  *rabbitmq.Client
	Progress      statusPublisher
	WorkerCfg     *config.WorkerConfig
	StorageCfg    *config.StorageConfig
	PrefetchCount int
	QueueName     string
}

// Worker consumes dispatch messages and processes CAD jobs through a
// goroutine pool
type Worker struct {
	logger        *slog.Logger
	storage       *storage.Storage
	rabbitClient  *rabbitmq.Client
	executor      *Executor
	workerID      string
	concurrency   int
	prefetchCount int
	queueName     string
	resultTTL     time.Duration
	failureTTL    time.Duration
	sweepInterval time.Duration

	jobsChan chan *domain.JobMessage
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a new worker instance with a unique worker id
func NewWorker(cfg *Config) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		logger:        cfg.Logger,
		storage:       cfg.Storage,
		rabbitClient:  cfg.RabbitClient,
		executor:      NewExecutor(cfg.WorkerCfg, cfg.StorageCfg, cfg.Progress, cfg.Storage, cfg.Logger),
		workerID:      workerID,
		concurrency:   cfg.WorkerCfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		queueName:     cfg.QueueName,
		resultTTL:     cfg.WorkerCfg.ResultTTL,
		failureTTL:    cfg.WorkerCfg.FailureTTL,
		sweepInterval: cfg.WorkerCfg.RetentionSweep,
		jobsChan:      make(chan *domain.JobMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start begins processing jobs. Blocks until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	go w.startMessageDispatcher(ctx, deliveries)
	go w.runRetentionSweep(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker pool, waiting for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// runRetentionSweep periodically deletes terminal Job Records past their TTL
func (w *Worker) runRetentionSweep(ctx context.Context) {
	interval := w.sweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			deleted, err := w.storage.DeleteExpiredJobs(ctx, w.resultTTL, w.failureTTL)
			if err != nil {
				w.logger.Error("Retention sweep failed",
					slog.Any("error", err),
				)
				continue
			}
			if deleted > 0 {
				w.logger.Info("Retention sweep removed expired jobs",
					slog.Int64("deleted", deleted),
				)
			}
		}
	}
}
