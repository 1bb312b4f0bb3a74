// Package sweeper fails and refunds jobs whose processing outlived a deadline,
// typically because the worker running them crashed.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/storage"
)

// Defaults for the sweep loop
const (
	DefaultInterval  = 5 * time.Minute
	DefaultThreshold = 30 * time.Minute
	DefaultBatchSize = 100
)

// Finalizer settles credits and moves a job to its terminal status
type Finalizer interface {
	Finalize(ctx context.Context, jobID string, result domain.JobResult) (bool, error)
}

// SnapshotWriter receives the snapshot of every job the sweeper finalized
type SnapshotWriter interface {
	Put(ctx context.Context, snap domain.Snapshot) error
}

// Config holds sweeper configuration
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	BatchSize int

	// Snapshots is optional
	Snapshots SnapshotWriter
	Logger    *slog.Logger
}

// Sweeper periodically recovers stuck jobs
type Sweeper struct {
	store     storage.Store
	finalizer Finalizer
	snapshots SnapshotWriter
	logger    *slog.Logger

	interval  time.Duration
	threshold time.Duration
	batchSize int
	now       func() time.Time
}

// New creates a sweeper
func New(store storage.Store, finalizer Finalizer, cfg *Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		store:     store,
		finalizer: finalizer,
		snapshots: cfg.Snapshots,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Recovery sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("threshold", s.threshold),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Sweep failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Recovery sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep fails every job that has been processing for longer than the threshold and
// returns how many it finalized. Jobs settled concurrently by their worker are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.threshold)

	jobs, err := s.store.ListStuckJobs(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	s.logger.Warn("Stuck jobs found",
		slog.Int("count", len(jobs)),
		slog.Time("started_before", cutoff),
	)

	swept := 0
	for i := range jobs {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}

		ok, err := s.recover(ctx, &jobs[i])
		if err != nil {
			s.logger.Error("Failed to recover stuck job",
				slog.String("job_id", jobs[i].ID),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			swept++
		}
	}

	if swept > 0 {
		s.logger.Info("Stuck jobs recovered", slog.Int("count", swept))
	}
	return swept, nil
}

func (s *Sweeper) recover(ctx context.Context, job *domain.TranslationJob) (bool, error) {
	msg := fmt.Sprintf("task timed out after %s without completing; credits refunded", s.threshold)

	settled, err := s.finalizer.Finalize(ctx, job.ID, domain.JobResult{
		Status:          domain.JobStatusFailed,
		TotalChunks:     job.TotalChunks,
		SucceededChunks: job.CompletedChunks,
		FailedChunks:    job.TotalChunks - job.CompletedChunks,
		ErrorMessage:    msg,
		Reason:          "recovered by sweeper",
		CompletedAt:     s.now(),
	})
	if err != nil {
		return false, err
	}
	if !settled {
		return false, nil
	}

	s.logger.Warn("Stuck job failed and refunded",
		slog.String("job_id", job.ID),
		slog.Time("processing_started_at", derefTime(job.ProcessingStartedAt)),
	)

	if s.snapshots != nil {
		s.putSnapshot(ctx, job.ID)
	}
	return true, nil
}

func (s *Sweeper) putSnapshot(ctx context.Context, jobID string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err == nil {
		err = s.snapshots.Put(ctx, job.Snapshot())
	}
	if err != nil {
		s.logger.Warn("Failed to publish swept job snapshot",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
