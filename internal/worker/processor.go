package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// processJob runs what a message asks for. A nil return ACKs the message.
func (w *Worker) processJob(ctx context.Context, msg *jobMessage) error {
	switch msg.Mode {
	case domain.DispatchStreaming:
		return w.processStep(ctx, msg)
	default:
		// The scheduler owns the job from here; a crash before it finishes is covered by
		// the pending reload on start and the recovery sweeper
		w.runner.Enqueue(msg.JobID, msg.Priority)
		w.logger.Info("Job queued on scheduler",
			slog.String("job_id", msg.JobID),
			slog.Int("priority", msg.Priority),
		)
		return nil
	}
}

// processStep advances a streaming job by one chunk and republishes it until it is done
func (w *Worker) processStep(ctx context.Context, msg *jobMessage) error {
	// Step 1: run one chunk within the step budget
	stepCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()

	done, err := w.runner.StepChunk(stepCtx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		// Steps are idempotent: the chunk goes back to pending and the next delivery picks it up
		return domain.NewRetryableError(fmt.Errorf("step %d of job %s failed: %w", msg.Step, msg.JobID, err))
	}

	if done {
		w.logger.Info("Streaming job finished",
			slog.String("job_id", msg.JobID),
			slog.Int("steps", msg.Step+1),
		)
		return nil
	}

	// Step 2: hand the next step back to the queue
	next := msg.JobMessage
	next.Step++
	if err := w.publisher.Publish(ctx, next); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to publish next step: %w", err))
	}

	w.logger.Debug("Streaming step done",
		slog.String("job_id", msg.JobID),
		slog.Int("step", msg.Step),
	)
	return nil
}
