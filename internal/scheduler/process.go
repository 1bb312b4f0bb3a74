package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// errAbort stops the chunk group after a non-retryable failure with nothing translated yet
var errAbort = errors.New("job aborted")

// Process runs one job from pending to a terminal status
func (s *Scheduler) Process(ctx context.Context, jobID string) error {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.setActive(jobID, cancel)
	defer s.clearActive(jobID)

	// Step 1: claim the job
	job, err := s.store.MarkProcessing(ctx, jobID, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCancelRequested):
			return s.finalizeCancelledPending(ctx, jobID)
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
			s.logger.Info("Job skipped",
				slog.String("job_id", jobID),
				slog.String("reason", err.Error()),
			)
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Processing job",
		slog.String("job_id", jobID),
		slog.Int("total_chunks", len(job.Chunks)),
		slog.Int("attempt", job.RetryCount),
	)
	s.publish(ctx, domain.JobEvent{
		JobID:    jobID,
		From:     domain.JobStatusPending,
		To:       domain.JobStatusProcessing,
		Snapshot: job.Snapshot(),
		At:       time.Now(),
	})

	// Step 2: dispatch chunks
	st := s.dispatch(jobCtx, cancel, job)

	// Step 3: decide the outcome
	cause := context.Cause(jobCtx)
	switch {
	case st.abortErr != nil:
		return s.finish(ctx, job, st.snapshot(), domain.JobStatusFailed,
			fmt.Sprintf("non-retryable error before any chunk succeeded: %v", st.abortErr), "aborted")

	case errors.Is(cause, domain.ErrJobCancelled):
		return s.finishCancelled(ctx, job, st.snapshot())

	case ctx.Err() != nil:
		s.logger.Warn("Job interrupted by shutdown, left for recovery",
			slog.String("job_id", jobID),
		)
		return nil
	}

	return s.finishEvaluated(ctx, job, st.snapshot())
}

// dispatchState collects chunk results by index while the group runs
type dispatchState struct {
	mu        sync.Mutex
	chunks    []domain.Chunk
	position  map[int]int
	abortErr  error
	succeeded int
}

func newDispatchState(job *domain.TranslationJob) *dispatchState {
	st := &dispatchState{
		chunks:   append([]domain.Chunk(nil), job.Chunks...),
		position: make(map[int]int, len(job.Chunks)),
	}
	for i, c := range st.chunks {
		st.position[c.Index] = i
		if c.Status == domain.ChunkStatusSucceeded {
			st.succeeded++
		}
	}
	return st
}

// record stores a resolved chunk and reports whether the job must abort
func (st *dispatchState) record(chunk domain.Chunk, chunkErr error) (domain.Progress, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.chunks[st.position[chunk.Index]] = chunk
	if chunk.Status == domain.ChunkStatusSucceeded {
		st.succeeded++
	}

	abort := false
	if chunkErr != nil && !domain.IsTransient(chunkErr) && st.succeeded == 0 && st.abortErr == nil {
		st.abortErr = fmt.Errorf("chunk %d: %w", chunk.Index, chunkErr)
		abort = true
	}

	return progressOf(st.chunks), abort
}

func (st *dispatchState) snapshot() []domain.Chunk {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]domain.Chunk(nil), st.chunks...)
}

func (s *Scheduler) dispatch(ctx context.Context, cancel context.CancelCauseFunc, job *domain.TranslationJob) *dispatchState {
	st := newDispatchState(job)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.chunkConcurrency)

	for _, chunk := range job.PendingChunks() {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// Pacing and the cancel check happen once the slot is held
			if err := s.limiter.Wait(gctx); err != nil {
				return nil
			}
			if s.cancelRequested(gctx, job.ID) {
				cancel(domain.ErrJobCancelled)
				return nil
			}

			out := s.runChunk(gctx, job, chunk)
			if out.stopped {
				return nil
			}

			progress, abort := st.record(out.chunk, out.err)
			s.reportProgress(ctx, job, progress)

			if abort {
				return errAbort
			}
			return nil
		})
	}

	_ = g.Wait()
	return st
}

// cancelRequested reads the flag a cancel from another process leaves in the repository
func (s *Scheduler) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := s.store.IsCancelRequested(ctx, jobID)
	if err != nil {
		s.logger.Warn("Failed to read cancel flag",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return false
	}
	return requested
}

// chunkOutcome is a chunk after its translation attempts
type chunkOutcome struct {
	chunk domain.Chunk
	err   error

	// stopped is set when ctx ended first; the chunk was put back to pending
	stopped bool
}

// runChunk translates one chunk and persists its result
func (s *Scheduler) runChunk(ctx context.Context, job *domain.TranslationJob, chunk domain.Chunk) chunkOutcome {
	persistCtx := context.WithoutCancel(ctx)

	chunk.Status = domain.ChunkStatusProcessing
	s.saveChunk(persistCtx, &chunk)

	res := s.translator.Attempt(ctx, chunk.SourceText, job.SourceLanguage, job.TargetLanguage)
	chunk.Attempts += res.Attempts

	if res.Err != nil && ctx.Err() != nil {
		chunk.Status = domain.ChunkStatusPending
		s.saveChunk(persistCtx, &chunk)
		return chunkOutcome{chunk: chunk, err: res.Err, stopped: true}
	}

	if res.Err == nil {
		chunk.Status = domain.ChunkStatusSucceeded
		chunk.TranslatedText = res.Text
		chunk.ErrorMessage = ""
	} else {
		chunk.Status = domain.ChunkStatusFailed
		chunk.ErrorMessage = res.Err.Error()
		s.logger.Warn("Chunk failed",
			slog.String("job_id", job.ID),
			slog.Int("chunk_index", chunk.Index),
			slog.Int("attempts", res.Attempts),
			slog.Bool("transient", domain.IsTransient(res.Err)),
			slog.String("error", res.Err.Error()),
		)
	}

	s.saveChunk(persistCtx, &chunk)
	return chunkOutcome{chunk: chunk, err: res.Err}
}

func (s *Scheduler) saveChunk(ctx context.Context, chunk *domain.Chunk) {
	if err := s.store.UpdateChunk(ctx, chunk); err != nil {
		s.logger.Error("Failed to persist chunk",
			slog.String("job_id", chunk.JobID),
			slog.Int("chunk_index", chunk.Index),
			slog.Any("error", err),
		)
	}
}

func (s *Scheduler) reportProgress(ctx context.Context, job *domain.TranslationJob, progress domain.Progress) {
	if err := s.store.UpdateProgress(context.WithoutCancel(ctx), job.ID, progress); err != nil {
		s.logger.Error("Failed to update job progress",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	snap := job.Snapshot()
	snap.Status = domain.JobStatusProcessing
	snap.CompletedChunks = progress.Completed
	snap.FailedChunks = progress.Failed
	snap.ProgressPercentage = progress.Percentage()
	snap.UpdatedAt = time.Now()

	s.publish(ctx, domain.JobEvent{
		JobID:    job.ID,
		From:     domain.JobStatusProcessing,
		To:       domain.JobStatusProcessing,
		Snapshot: snap,
		At:       snap.UpdatedAt,
	})
}

// finishEvaluated settles a job whose chunks are all resolved
func (s *Scheduler) finishEvaluated(ctx context.Context, job *domain.TranslationJob, chunks []domain.Chunk) error {
	p := progressOf(chunks)
	status := domain.EvaluateOutcome(p.Total, p.Completed, s.threshold)

	errMsg := ""
	if status == domain.JobStatusFailed {
		errMsg = fmt.Sprintf("%d of %d chunks failed, success rate below %.0f%%", p.Total-p.Completed, p.Total, s.threshold*100)
		if first := firstChunkError(chunks); first != "" {
			errMsg += ": " + first
		}
	}

	return s.finish(ctx, job, chunks, status, errMsg, "all chunks resolved")
}

// finishCancelled keeps work that already meets the partial-success threshold
func (s *Scheduler) finishCancelled(ctx context.Context, job *domain.TranslationJob, chunks []domain.Chunk) error {
	p := progressOf(chunks)
	status := domain.CancelOutcome(p.Total, p.Completed, s.threshold)
	return s.finish(ctx, job, chunks, status, "", "cancelled by user")
}

func (s *Scheduler) finalizeCancelledPending(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return s.finish(ctx, job, job.Chunks, domain.JobStatusCancelled, "", "cancelled by user before processing")
}

// finish hands the result to the ledger. On failure the job stays processing for the sweeper.
func (s *Scheduler) finish(ctx context.Context, job *domain.TranslationJob, chunks []domain.Chunk, status domain.JobStatus, errMsg, reason string) error {
	p := progressOf(chunks)

	result := domain.JobResult{
		Status:          status,
		TotalChunks:     p.Total,
		SucceededChunks: p.Completed,
		FailedChunks:    p.Failed,
		ErrorMessage:    errMsg,
		Reason:          reason,
		CompletedAt:     time.Now(),
	}
	if status != domain.JobStatusFailed {
		result.TranslatedContent = domain.Assemble(chunks, s.marker)
	}

	settled, err := s.finalizer.Finalize(ctx, job.ID, result)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if !settled {
		s.logger.Info("Job already terminal, result dropped",
			slog.String("job_id", job.ID),
			slog.String("status", string(status)),
		)
		return nil
	}

	s.logger.Info("Job finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("succeeded_chunks", p.Completed),
		slog.Int("failed_chunks", p.Failed),
		slog.Int("total_chunks", p.Total),
	)

	s.publishTerminal(ctx, job.ID, job.Status, reason)
	return nil
}

func progressOf(chunks []domain.Chunk) domain.Progress {
	job := domain.TranslationJob{Chunks: chunks}
	return job.Progress()
}

func firstChunkError(chunks []domain.Chunk) string {
	for _, c := range chunks {
		if c.Status == domain.ChunkStatusFailed && c.ErrorMessage != "" {
			return fmt.Sprintf("chunk %d: %s", c.Index, c.ErrorMessage)
		}
	}
	return ""
}
