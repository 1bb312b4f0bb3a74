package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/storage"
)

// tx operates on a working copy owned by WithTx, which already holds the store lock
type tx struct {
	st *state
}

func (t *tx) CreateJob(ctx context.Context, job *domain.TranslationJob) error {
	if _, exists := t.st.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job: job %s already exists", job.ID)
	}

	stored := copyJob(job, true)
	for i := range stored.Chunks {
		stored.Chunks[i].JobID = job.ID
	}
	t.st.jobs[job.ID] = stored
	return nil
}

func (t *tx) GetJobForUpdate(ctx context.Context, jobID string) (*domain.TranslationJob, error) {
	job, ok := t.st.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job, false), nil
}

func (t *tx) FinishJob(ctx context.Context, job *domain.TranslationJob) error {
	stored, ok := t.st.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}

	stored.Status = job.Status
	stored.TranslatedContent = job.TranslatedContent
	stored.ErrorMessage = job.ErrorMessage
	stored.CompletedChunks = job.CompletedChunks
	stored.FailedChunks = job.FailedChunks
	stored.ProgressPercentage = job.ProgressPercentage
	stored.ConsumedCredits = job.ConsumedCredits
	stored.RefundedCredits = job.RefundedCredits
	stored.ProcessingCompletedAt = job.ProcessingCompletedAt
	stored.UpdatedAt = time.Now()
	return nil
}

func (t *tx) ResetForRetry(ctx context.Context, jobID string) error {
	job, ok := t.st.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}

	completed := 0
	for i := range job.Chunks {
		c := &job.Chunks[i]
		if c.Status == domain.ChunkStatusSucceeded {
			completed++
			continue
		}
		c.Status = domain.ChunkStatusPending
		c.Attempts = 0
		c.ErrorMessage = ""
		c.UpdatedAt = time.Now()
	}

	job.Status = domain.JobStatusPending
	job.RetryCount++
	job.CompletedChunks = completed
	job.FailedChunks = 0
	job.ProgressPercentage = domain.Progress{Completed: completed, Total: job.TotalChunks}.Percentage()
	job.ConsumedCredits = 0
	job.RefundedCredits = 0
	job.CancelRequested = false
	job.ErrorMessage = ""
	job.TranslatedContent = ""
	job.ProcessingStartedAt = nil
	job.ProcessingCompletedAt = nil
	job.UpdatedAt = time.Now()
	return nil
}

func (t *tx) GetAccountForUpdate(ctx context.Context, userID string) (*domain.Account, error) {
	acc, ok := t.st.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	out := *acc
	return &out, nil
}

func (t *tx) UpdateBalance(ctx context.Context, userID string, balance int64) error {
	acc, ok := t.st.accounts[userID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Balance = balance
	return nil
}

func (t *tx) JobTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	return t.st.jobTransactions(jobID), nil
}

func (t *tx) AppendTransaction(ctx context.Context, txn *domain.CreditTransaction) error {
	t.st.nextTxnID++
	txn.ID = t.st.nextTxnID
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	t.st.transactions = append(t.st.transactions, *txn)
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, event *storage.Event) error {
	t.st.appendEvent(event)
	return nil
}
