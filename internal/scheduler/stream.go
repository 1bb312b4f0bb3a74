package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// StepChunk advances a job by exactly one chunk so that no single call outlives a short
// execution budget. It returns done once the job is terminal and needs no further steps.
func (s *Scheduler) StepChunk(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	// Step 1: the first step claims the job
	switch job.Status {
	case domain.JobStatusPending:
		job, err = s.store.MarkProcessing(ctx, jobID, time.Now())
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrCancelRequested):
				return true, s.finalizeCancelledPending(ctx, jobID)
			case errors.Is(err, domain.ErrInvalidTransition):
				return true, nil
			}
			return false, fmt.Errorf("failed to claim job: %w", err)
		}
		s.publish(ctx, domain.JobEvent{
			JobID:    jobID,
			From:     domain.JobStatusPending,
			To:       domain.JobStatusProcessing,
			Snapshot: job.Snapshot(),
			At:       time.Now(),
		})
	case domain.JobStatusProcessing:
	default:
		return true, nil
	}

	// Step 2: honour a cancel between steps
	if job.CancelRequested {
		return true, s.finishCancelled(ctx, job, job.Chunks)
	}

	// Step 3: take the next chunk
	chunk, err := s.store.ClaimChunk(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to claim chunk: %w", err)
	}
	if chunk == nil {
		return true, s.finishEvaluated(ctx, job, job.Chunks)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	// Step 4: translate it, abortable by a local cancel
	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.setActive(jobID, cancel)
	defer s.clearActive(jobID)

	out := s.runChunk(stepCtx, job, *chunk)
	if out.stopped {
		if errors.Is(context.Cause(stepCtx), domain.ErrJobCancelled) {
			return true, s.finishCancelled(ctx, job, job.Chunks)
		}
		return false, ctx.Err()
	}

	for i := range job.Chunks {
		if job.Chunks[i].Index == out.chunk.Index {
			job.Chunks[i] = out.chunk
		}
	}
	progress := job.Progress()
	s.reportProgress(ctx, job, progress)

	// Step 5: decide whether another step is needed
	if out.err != nil && !domain.IsTransient(out.err) && progress.Completed == 0 {
		return true, s.finish(ctx, job, job.Chunks, domain.JobStatusFailed,
			fmt.Sprintf("non-retryable error before any chunk succeeded: chunk %d: %v", out.chunk.Index, out.err), "aborted")
	}
	if len(job.PendingChunks()) == 0 {
		return true, s.finishEvaluated(ctx, job, job.Chunks)
	}
	return false, nil
}
