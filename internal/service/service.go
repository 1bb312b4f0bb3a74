// Package service is the caller-facing surface of the pipeline: submit, status, cancel,
// retry and listing, on top of the repository, the ledger and a dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/cuongbtq/longtext-translator/internal/chunker"
	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/ledger"
	"github.com/cuongbtq/longtext-translator/internal/storage"
)

// Defaults for submissions and listings
const (
	DefaultJobMaxRetries = 3
	DefaultPageSize      = 20
	MaxPageSize          = 100
)

// Dispatcher hands a job to whatever runs it: the RabbitMQ publisher or an in-process scheduler
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.TranslationJob) error
}

// Canceller cancels a job that may be running in this process
type Canceller interface {
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// SnapshotCache is a read-through cache of job snapshots. Get returns nil on a miss.
type SnapshotCache interface {
	Get(ctx context.Context, jobID string) (*domain.Snapshot, error)
	Put(ctx context.Context, snap domain.Snapshot) error
	Delete(ctx context.Context, jobID string) error
}

// Config holds service configuration
type Config struct {
	Policy        chunker.Policy
	Pricing       ledger.Pricing
	JobMaxRetries int

	// MaxTextLength limits submissions in characters, 0 means unlimited
	MaxTextLength int

	// Canceller is optional; without it cancels go through the repository flag
	Canceller Canceller
	// Cache is optional
	Cache  SnapshotCache
	Logger *slog.Logger
}

// Service implements the translation job use cases
type Service struct {
	store      storage.Store
	ledger     *ledger.Ledger
	dispatcher Dispatcher
	canceller  Canceller
	cache      SnapshotCache
	logger     *slog.Logger

	policy        chunker.Policy
	pricing       ledger.Pricing
	jobMaxRetries int
	maxTextLength int
	now           func() time.Time
}

// SubmitRequest is a new translation job
type SubmitRequest struct {
	UserID         string
	Text           string
	SourceLanguage string
	TargetLanguage string
	Kind           domain.JobKind
	Priority       int

	// MaxRetries nil means the configured default, 0 disables retries
	MaxRetries *int
}

// ListRequest filters and pages the jobs of a user
type ListRequest struct {
	UserID   string
	Kind     domain.JobKind
	Status   domain.JobStatus
	PageSize int
	Cursor   *storage.JobCursor
}

// ListResult is one page of jobs. NextCursor is nil on the last page.
type ListResult struct {
	Jobs       []domain.TranslationJob
	NextCursor *storage.JobCursor
}

// New creates a service
func New(store storage.Store, l *ledger.Ledger, dispatcher Dispatcher, cfg *Config) *Service {
	policy := cfg.Policy
	if len(policy.Tiers) == 0 && policy.Default <= 0 {
		policy = chunker.DefaultPolicy()
	}

	pricing := cfg.Pricing
	if pricing.CharsPerCredit <= 0 {
		pricing = ledger.DefaultPricing()
	}

	jobMaxRetries := cfg.JobMaxRetries
	if jobMaxRetries < 0 {
		jobMaxRetries = 0
	} else if jobMaxRetries == 0 {
		jobMaxRetries = DefaultJobMaxRetries
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:         store,
		ledger:        l,
		dispatcher:    dispatcher,
		canceller:     cfg.Canceller,
		cache:         cfg.Cache,
		logger:        logger,
		policy:        policy,
		pricing:       pricing,
		jobMaxRetries: jobMaxRetries,
		maxTextLength: cfg.MaxTextLength,
		now:           time.Now,
	}
}

// Submit validates, chunks and prices the text, reserves the credits together with
// creating the job, and dispatches it. Without enough credits no job is created.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.TranslationJob, error) {
	// Step 1: validate
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	// Step 2: chunk
	pieces := s.policy.SplitText(req.Text)
	if len(pieces) == 0 {
		return nil, domain.ErrEmptyText
	}

	// Step 3: price
	account, err := s.store.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	chars := utf8.RuneCountInString(req.Text)
	credits := ledger.CalculateCredits(chars, account.Tier, s.pricing)

	maxRetries := s.jobMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	now := s.now()
	job := &domain.TranslationJob{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Kind:             req.Kind,
		Status:           domain.JobStatusPending,
		Priority:         req.Priority,
		SourceLanguage:   req.SourceLanguage,
		TargetLanguage:   req.TargetLanguage,
		SourceText:       req.Text,
		TotalChunks:      len(pieces),
		EstimatedCredits: credits,
		MaxRetries:       maxRetries,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i, piece := range pieces {
		job.Chunks = append(job.Chunks, domain.Chunk{
			JobID:      job.ID,
			Index:      i,
			SourceText: piece,
			Status:     domain.ChunkStatusPending,
			UpdatedAt:  now,
		})
	}

	// Step 4: create and reserve atomically
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		if err := s.ledger.ReserveTx(ctx, tx, job.ID, job.UserID, 0, credits); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &storage.Event{
			JobID:  job.ID,
			To:     domain.JobStatusPending,
			Reason: "submitted",
		})
	})
	if err != nil {
		s.logger.Warn("Job submission rejected",
			slog.String("user_id", req.UserID),
			slog.Int("characters", chars),
			slog.Int64("credits", credits),
			slog.Any("error", err),
		)
		return nil, err
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("kind", string(job.Kind)),
		slog.Int("characters", chars),
		slog.Int("total_chunks", job.TotalChunks),
		slog.Int64("estimated_credits", credits),
	)

	// Step 5: hand it over
	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) validate(req *SubmitRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Text) == "" {
		return domain.ErrEmptyText
	}
	if s.maxTextLength > 0 && utf8.RuneCountInString(req.Text) > s.maxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", domain.ErrInvalidRequest, s.maxTextLength)
	}
	if req.SourceLanguage == "" || req.TargetLanguage == "" {
		return fmt.Errorf("%w: source and target language are required", domain.ErrInvalidRequest)
	}

	if req.Kind == "" {
		req.Kind = domain.JobKindText
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidRequest, req.Kind)
	}

	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", domain.ErrInvalidRequest)
	}
	return nil
}

// dispatch hands the job over. A job that cannot be handed over is cancelled so its credits come back.
func (s *Service) dispatch(ctx context.Context, job *domain.TranslationJob) error {
	dispatchErr := s.dispatcher.Dispatch(ctx, job)
	if dispatchErr == nil {
		return nil
	}

	s.logger.Error("Failed to dispatch job, cancelling",
		slog.String("job_id", job.ID),
		slog.Any("error", dispatchErr),
	)

	_, err := s.ledger.Finalize(context.WithoutCancel(ctx), job.ID, domain.JobResult{
		Status:      domain.JobStatusCancelled,
		TotalChunks: job.TotalChunks,
		Reason:      "dispatch failed",
		CompletedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch job: %w", errors.Join(dispatchErr, err))
	}
	return fmt.Errorf("failed to dispatch job: %w", dispatchErr)
}

// GetStatus returns the job snapshot, from the cache when it has one
func (s *Service) GetStatus(ctx context.Context, jobID string) (domain.Snapshot, error) {
	if s.cache != nil {
		snap, err := s.cache.Get(ctx, jobID)
		if err != nil {
			s.logger.Warn("Status cache read failed, using repository",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		} else if snap != nil {
			return *snap, nil
		}
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := job.Snapshot()

	// Only terminal snapshots are cached here; workers own the live ones
	if s.cache != nil && snap.Status.IsTerminal() {
		s.putCache(ctx, snap)
	}
	return snap, nil
}

// GetJob returns the job with its chunks
func (s *Service) GetJob(ctx context.Context, jobID string) (*domain.TranslationJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// Cancel requests cancellation. A pending job is cancelled and refunded at once, a processing
// job stops at its next chunk boundary. Cancelling a terminal job is an invalid transition.
func (s *Service) Cancel(ctx context.Context, jobID string) (domain.Snapshot, error) {
	if s.canceller != nil {
		if _, err := s.canceller.Cancel(ctx, jobID); err != nil {
			return domain.Snapshot{}, err
		}
	} else if err := s.cancelViaRepository(ctx, jobID); err != nil {
		return domain.Snapshot{}, err
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	s.logger.Info("Job cancel requested",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)

	// A processing job is still owned by its worker, which publishes the cancelled state
	snap := job.Snapshot()
	if s.cache != nil && snap.Status.IsTerminal() {
		s.putCache(ctx, snap)
	}
	return snap, nil
}

func (s *Service) cancelViaRepository(ctx context.Context, jobID string) error {
	status, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if status != domain.JobStatusPending {
		return nil
	}

	// A worker claiming the job concurrently sees the flag and settles it the same way;
	// whichever finalize commits first wins
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = s.ledger.Finalize(ctx, jobID, domain.JobResult{
		Status:      domain.JobStatusCancelled,
		TotalChunks: job.TotalChunks,
		Reason:      "cancelled by user before processing",
		CompletedAt: s.now(),
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// claimed by a worker in between; it will observe the flag
		return nil
	}
	return err
}

// Retry starts a new attempt of a failed job within its retry budget. Failed chunks are
// translated again, succeeded ones are kept, and the full estimate is reserved again.
func (s *Service) Retry(ctx context.Context, jobID string) (*domain.TranslationJob, error) {
	var job *domain.TranslationJob

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if err := domain.CheckTransition(current.Status, domain.JobStatusPending); err != nil {
			return err
		}
		if !current.CanRetry() {
			return fmt.Errorf("%w: %d of %d retries used", domain.ErrRetryBudgetExhausted, current.RetryCount, current.MaxRetries)
		}

		if err := tx.ResetForRetry(ctx, jobID); err != nil {
			return fmt.Errorf("failed to reset job: %w", err)
		}

		attempt := current.RetryCount + 1
		if err := s.ledger.ReserveTx(ctx, tx, jobID, current.UserID, attempt, current.EstimatedCredits); err != nil {
			return err
		}

		if err := tx.AppendEvent(ctx, &storage.Event{
			JobID:  jobID,
			From:   domain.JobStatusFailed,
			To:     domain.JobStatusPending,
			Reason: fmt.Sprintf("retry %d of %d", attempt, current.MaxRetries),
		}); err != nil {
			return err
		}

		job, err = tx.GetJobForUpdate(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job retry accepted",
		slog.String("job_id", jobID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)

	// The cached snapshot still says failed; drop it before any worker can pick the job up
	if s.cache != nil {
		if err := s.cache.Delete(ctx, jobID); err != nil {
			s.logger.Warn("Failed to drop cached job snapshot",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// List returns one page of jobs, newest first
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{
		UserID:   req.UserID,
		Kind:     req.Kind,
		Status:   req.Status,
		PageSize: pageSize,
		Cursor:   req.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := &ListResult{Jobs: jobs}
	if len(jobs) > pageSize {
		result.Jobs = jobs[:pageSize]
		last := result.Jobs[pageSize-1]
		result.NextCursor = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return result, nil
}

// Transactions returns the credit ledger of a job
func (s *Service) Transactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.ledger.Transactions(ctx, jobID)
}

// Events returns the recorded status transitions of a job
func (s *Service) Events(ctx context.Context, jobID string) ([]storage.Event, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// Account returns the credit balance of a user
func (s *Service) Account(ctx context.Context, userID string) (*domain.Account, error) {
	return s.ledger.Balance(ctx, userID)
}

// Estimate prices a text for a user without creating anything
func (s *Service) Estimate(ctx context.Context, userID, text string) (chunks int, credits int64, err error) {
	if strings.TrimSpace(text) == "" {
		return 0, 0, domain.ErrEmptyText
	}
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	pieces := s.policy.SplitText(text)
	return len(pieces), ledger.CalculateCredits(utf8.RuneCountInString(text), account.Tier, s.pricing), nil
}

func (s *Service) putCache(ctx context.Context, snap domain.Snapshot) {
	if err := s.cache.Put(ctx, snap); err != nil {
		s.logger.Warn("Failed to cache job snapshot",
			slog.String("job_id", snap.JobID),
			slog.Any("error", err),
		)
	}
}
