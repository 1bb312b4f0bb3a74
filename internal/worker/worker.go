package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/shared/rabbitmq"
)

// DefaultStepTimeout bounds one streaming step
const DefaultStepTimeout = 60 * time.Second

// JobRunner runs jobs handed over by queue messages
type JobRunner interface {
	// Enqueue queues a whole job on the in-process scheduler
	Enqueue(jobID string, priority int)

	// StepChunk advances a job by one chunk and reports whether it is done
	StepChunk(ctx context.Context, jobID string) (bool, error)
}

// StepPublisher puts the next streaming step of a job back on the queue
type StepPublisher interface {
	Publish(ctx context.Context, msg domain.JobMessage) error
}

// SnapshotWriter stores the latest snapshot of a job
type SnapshotWriter interface {
	Put(ctx context.Context, snap domain.Snapshot) error
}

// ResultArchiver stores the translated content of finished document jobs
type ResultArchiver interface {
	Put(ctx context.Context, snap domain.Snapshot) (string, error)
}

// Consumer is the part of the RabbitMQ client the worker consumes through
type Consumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

var _ Consumer = (*rabbitmq.Client)(nil)

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  Consumer
	Runner        JobRunner
	Publisher     StepPublisher
	Concurrency   int
	PrefetchCount int
	QueueName     string
	WorkerID      string
	StepTimeout   time.Duration

	// Events, Snapshots and Archive are optional
	Events    <-chan domain.JobEvent
	Snapshots SnapshotWriter
	Archive   ResultArchiver
}

// Worker consumes job messages and runs them
type Worker struct {
	logger            *slog.Logger
	rabbitClient      Consumer
	runner            JobRunner
	publisher         StepPublisher
	events            <-chan domain.JobEvent
	snapshots         SnapshotWriter
	archive           ResultArchiver
	concurrency       int
	prefetchCount     int
	rabbitMQQueueName string
	workerID          string
	stepTimeout       time.Duration
	jobsChan          chan *jobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		logger:            logger,
		rabbitClient:      cfg.RabbitClient,
		runner:            cfg.Runner,
		publisher:         cfg.Publisher,
		events:            cfg.Events,
		snapshots:         cfg.Snapshots,
		archive:           cfg.Archive,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		rabbitMQQueueName: cfg.QueueName,
		workerID:          cfg.WorkerID,
		stepTimeout:       stepTimeout,
		jobsChan:          make(chan *jobMessage, concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start begins consuming and blocks until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("step_timeout", w.stepTimeout),
	)

	// Step 1: subscribe to the queue
	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	// Step 2: forward scheduler events to the cache and archive
	if w.events != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.forwardEvents(ctx, w.events)
		}()
	}

	// Step 3: spawn the pool and feed it
	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
