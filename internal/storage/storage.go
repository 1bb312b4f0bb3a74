// Package storage defines the job repository and the transactional view the credit ledger needs.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// JobFilter narrows ListJobs
type JobFilter struct {
	UserID   string
	Kind     domain.JobKind
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Event is a recorded status transition of a job
type Event struct {
	ID        int64            `db:"id" json:"id"`
	JobID     string           `db:"job_id" json:"job_id"`
	From      domain.JobStatus `db:"from_status" json:"from_status"`
	To        domain.JobStatus `db:"to_status" json:"to_status"`
	Reason    string           `db:"reason" json:"reason"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// Tx is the set of operations that must commit or roll back together.
// Every *ForUpdate read holds its row until the transaction ends.
type Tx interface {
	CreateJob(ctx context.Context, job *domain.TranslationJob) error
	GetJobForUpdate(ctx context.Context, jobID string) (*domain.TranslationJob, error)

	// FinishJob persists the terminal status, result and credit fields of job
	FinishJob(ctx context.Context, job *domain.TranslationJob) error

	// ResetForRetry moves a failed job back to pending for its next attempt.
	// Failed chunks go back to pending, succeeded chunks are kept.
	ResetForRetry(ctx context.Context, jobID string) error

	GetAccountForUpdate(ctx context.Context, userID string) (*domain.Account, error)
	UpdateBalance(ctx context.Context, userID string, balance int64) error

	JobTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error)
	AppendTransaction(ctx context.Context, txn *domain.CreditTransaction) error

	AppendEvent(ctx context.Context, event *Event) error
}

// Store is the durable job repository
type Store interface {
	// WithTx runs fn in a transaction, committing only when fn returns nil
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetJob returns the job with its chunks in index order
	GetJob(ctx context.Context, jobID string) (*domain.TranslationJob, error)

	// ListJobs returns up to PageSize+1 jobs ordered by created_at DESC, job_id DESC, without chunks
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.TranslationJob, error)

	// ListPendingJobs returns pending jobs by priority, oldest first
	ListPendingJobs(ctx context.Context, limit int) ([]domain.TranslationJob, error)

	// ListStuckJobs returns processing jobs started before startedBefore
	ListStuckJobs(ctx context.Context, startedBefore time.Time, limit int) ([]domain.TranslationJob, error)

	// MarkProcessing moves a pending job to processing unless a cancel was requested.
	// Returns domain.ErrCancelRequested or a wrapped domain.ErrInvalidTransition when it cannot.
	MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) (*domain.TranslationJob, error)

	// ClaimChunk marks the lowest unresolved chunk of a processing job as processing.
	// Returns nil when no chunk is left.
	ClaimChunk(ctx context.Context, jobID string) (*domain.Chunk, error)

	UpdateChunk(ctx context.Context, chunk *domain.Chunk) error
	UpdateProgress(ctx context.Context, jobID string, progress domain.Progress) error

	// RequestCancel flags a non-terminal job for cancellation and returns its status
	RequestCancel(ctx context.Context, jobID string) (domain.JobStatus, error)
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)

	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	UpsertAccount(ctx context.Context, account *domain.Account) error

	ListTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error)
	ListEvents(ctx context.Context, jobID string) ([]Event, error)
}
