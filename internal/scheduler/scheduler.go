// Package scheduler admits translation jobs, dispatches their chunks under concurrency and
// pacing limits, and hands every finished job to the ledger exactly once.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/retry"
	"github.com/cuongbtq/longtext-translator/internal/storage"
)

// Defaults for the scheduling policy
const (
	DefaultMaxActiveJobs    = 1
	DefaultChunkConcurrency = 1
	DefaultInterChunkDelay  = 500 * time.Millisecond
	DefaultReloadLimit      = 1000

	// DefaultTerminalEventTimeout bounds the wait for a full subscriber on a terminal event
	DefaultTerminalEventTimeout = 10 * time.Second
)

// ChunkTranslator translates one chunk with retries
type ChunkTranslator interface {
	Attempt(ctx context.Context, text, sourceLang, targetLang string) retry.Result
}

// Finalizer settles credits and moves a job to its terminal status
type Finalizer interface {
	Finalize(ctx context.Context, jobID string, result domain.JobResult) (bool, error)
}

// Config holds scheduler configuration
type Config struct {
	MaxActiveJobs           int
	ChunkConcurrency        int
	InterChunkDelay         time.Duration
	PartialSuccessThreshold float64
	FailedChunkMarker       string
	ReloadLimit             int
	// SkipReload leaves pending jobs alone on start; streaming jobs still have their queue message
	SkipReload           bool
	TerminalEventTimeout time.Duration
	Logger               *slog.Logger
}

// Scheduler owns the in-process job queue
type Scheduler struct {
	store      storage.Store
	translator ChunkTranslator
	finalizer  Finalizer
	limiter    *rate.Limiter
	logger     *slog.Logger

	chunkConcurrency int
	threshold        float64
	marker           string
	reloadLimit      int
	skipReload       bool

	terminalEventTimeout time.Duration

	mu     sync.Mutex
	queue  jobQueue
	queued map[string]*queueItem
	active map[string]context.CancelCauseFunc
	seq    uint64
	wake   chan struct{}
	slots  chan struct{}
	wg     sync.WaitGroup

	subMu       sync.RWMutex
	subscribers []chan domain.JobEvent
	closed      bool
}

// New creates a scheduler
func New(store storage.Store, translator ChunkTranslator, finalizer Finalizer, cfg *Config) *Scheduler {
	maxActive := cfg.MaxActiveJobs
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveJobs
	}

	concurrency := cfg.ChunkConcurrency
	if concurrency <= 0 {
		concurrency = DefaultChunkConcurrency
	}

	threshold := cfg.PartialSuccessThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = domain.DefaultPartialSuccessThreshold
	}

	reloadLimit := cfg.ReloadLimit
	if reloadLimit <= 0 {
		reloadLimit = DefaultReloadLimit
	}

	terminalEventTimeout := cfg.TerminalEventTimeout
	if terminalEventTimeout <= 0 {
		terminalEventTimeout = DefaultTerminalEventTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// One limiter for the whole process: the engine sees the spacing, not individual jobs
	limit := rate.Inf
	if cfg.InterChunkDelay > 0 {
		limit = rate.Every(cfg.InterChunkDelay)
	}

	return &Scheduler{
		store:            store,
		translator:       translator,
		finalizer:        finalizer,
		limiter:          rate.NewLimiter(limit, 1),
		logger:           logger,
		chunkConcurrency: concurrency,
		threshold:        threshold,
		marker:           cfg.FailedChunkMarker,
		reloadLimit:      reloadLimit,
		skipReload:       cfg.SkipReload,

		terminalEventTimeout: terminalEventTimeout,
		queued:           make(map[string]*queueItem),
		active:           make(map[string]context.CancelCauseFunc),
		wake:             make(chan struct{}, 1),
		slots:            make(chan struct{}, maxActive),
	}
}

// Enqueue adds a job to the queue. Jobs already queued or running are ignored.
func (s *Scheduler) Enqueue(jobID string, priority int) {
	s.mu.Lock()
	if _, ok := s.queued[jobID]; ok {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[jobID]; ok {
		s.mu.Unlock()
		return
	}

	s.seq++
	item := &queueItem{jobID: jobID, priority: priority, seq: s.seq}
	heap.Push(&s.queue, item)
	s.queued[jobID] = item
	depth := s.queue.Len()
	s.mu.Unlock()

	s.logger.Debug("Job enqueued",
		slog.String("job_id", jobID),
		slog.Int("priority", priority),
		slog.Int("queue_depth", depth),
	)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dispatch lets the scheduler stand in for a remote dispatcher when the API and worker share a process
func (s *Scheduler) Dispatch(ctx context.Context, job *domain.TranslationJob) error {
	s.Enqueue(job.ID, job.Priority)
	return nil
}

// QueueLen returns the number of jobs waiting for a slot
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Status returns the caller-facing snapshot of a job
func (s *Scheduler) Status(ctx context.Context, jobID string) (domain.Snapshot, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return job.Snapshot(), nil
}

// Run processes queued jobs until ctx is canceled. Pending jobs in the repository are queued first.
// Jobs still running at shutdown stay processing and are left to the sweeper.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.skipReload {
		if err := s.reload(ctx); err != nil {
			s.logger.Warn("Failed to reload pending jobs", slog.Any("error", err))
		}
	}

	s.logger.Info("Scheduler started",
		slog.Int("max_active_jobs", cap(s.slots)),
		slog.Int("chunk_concurrency", s.chunkConcurrency),
	)

	for {
		// Step 1: wait for a free slot
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return nil
		}

		// Step 2: wait for a job
		jobID, ok := s.next(ctx)
		if !ok {
			<-s.slots
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return nil
		}

		// Step 3: process it in the slot
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()

			if err := s.Process(ctx, jobID); err != nil {
				s.logger.Error("Job processing failed",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}()
	}
}

// next pops the highest priority job, reserving its active entry so a cancel sees it
func (s *Scheduler) next(ctx context.Context) (string, bool) {
	for {
		s.mu.Lock()
		if s.queue.Len() > 0 {
			item := heap.Pop(&s.queue).(*queueItem)
			delete(s.queued, item.jobID)
			s.active[item.jobID] = nil
			s.mu.Unlock()
			return item.jobID, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (s *Scheduler) reload(ctx context.Context) error {
	jobs, err := s.store.ListPendingJobs(ctx, s.reloadLimit)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	for _, job := range jobs {
		s.Enqueue(job.ID, job.Priority)
	}
	if len(jobs) > 0 {
		s.logger.Info("Pending jobs reloaded", slog.Int("count", len(jobs)))
	}
	return nil
}

// Cancel requests cancellation of a pending or processing job.
// A pending job is finalized here; a processing job stops at its next chunk boundary.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	// Step 1: persist the request so every process can see it
	status, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return false, err
	}

	// Step 2: abort local work or drop the queue entry
	s.mu.Lock()
	abort, running := s.active[jobID]
	if !running {
		if item, ok := s.queued[jobID]; ok {
			heap.Remove(&s.queue, item.index)
			delete(s.queued, jobID)
		}
	}
	s.mu.Unlock()

	if running {
		if abort != nil {
			abort(domain.ErrJobCancelled)
		}
		s.logger.Info("Cancel signalled to running job", slog.String("job_id", jobID))
		return true, nil
	}

	// Step 3: nobody is working on a pending job, so settle it now
	if status == domain.JobStatusPending {
		if err := s.finalizeCancelledPending(ctx, jobID); err != nil {
			return false, err
		}
	}

	return true, nil
}

func (s *Scheduler) setActive(jobID string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[jobID] = cancel
}

func (s *Scheduler) clearActive(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}
