package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}
			w.handle(ctx, workerName, msg)
		}
	}
}

// handle processes one message and ACKs or NACKs it
func (w *Worker) handle(ctx context.Context, workerName string, msg *jobMessage) {
	err := w.processJob(ctx, msg)

	if msg.Acknowledger == nil {
		w.logger.Error("Message has no acknowledger",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
		)
		return
	}

	if err != nil {
		// Smart requeue decision based on error type
		requeue := w.shouldRequeueJob(err)

		w.logger.Error("Job message failed",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)

		if nackErr := msg.Acknowledger.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if ackErr := msg.Acknowledger.Ack(msg.DeliveryTag, false); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
	}
}

// shouldRequeueJob determines if a message should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	// Don't requeue messages about jobs that no longer exist
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	// Don't requeue if invalid payload
	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	// Requeue for transient/retryable errors
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue for unknown errors
	return false
}
