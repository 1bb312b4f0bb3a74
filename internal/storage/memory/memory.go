// Package memory is an in-process Store. Every call is serialised by one mutex and
// transactions run against a copy of the state that replaces it on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/storage"
)

type state struct {
	jobs         map[string]*domain.TranslationJob
	accounts     map[string]*domain.Account
	transactions []domain.CreditTransaction
	events       []storage.Event
	nextTxnID    int64
	nextEventID  int64
}

func (st *state) clone() *state {
	out := &state{
		jobs:         make(map[string]*domain.TranslationJob, len(st.jobs)),
		accounts:     make(map[string]*domain.Account, len(st.accounts)),
		transactions: append([]domain.CreditTransaction(nil), st.transactions...),
		events:       append([]storage.Event(nil), st.events...),
		nextTxnID:    st.nextTxnID,
		nextEventID:  st.nextEventID,
	}
	for id, job := range st.jobs {
		out.jobs[id] = copyJob(job, true)
	}
	for id, acc := range st.accounts {
		a := *acc
		out.accounts[id] = &a
	}
	return out
}

// Store keeps jobs, accounts and the ledger in memory
type Store struct {
	mu        sync.Mutex
	state     *state
	commitErr error
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		state: &state{
			jobs:     make(map[string]*domain.TranslationJob),
			accounts: make(map[string]*domain.Account),
		},
	}
}

// FailCommits makes every following transaction roll back with err. Pass nil to stop.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// WithTx runs fn against a working copy and swaps it in when fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := s.state.clone()
	if err := fn(&tx{st: working}); err != nil {
		return err
	}
	if s.commitErr != nil {
		return fmt.Errorf("failed to commit transaction: %w", s.commitErr)
	}

	s.state = working
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.TranslationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.state.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job, true), nil
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.TranslationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TranslationJob
	for _, job := range s.state.jobs {
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			before := job.CreatedAt.Before(c.CreatedAt) ||
				(job.CreatedAt.Equal(c.CreatedAt) && job.ID < c.JobID)
			if !before {
				continue
			}
		}
		out = append(out, *copyJob(job, false))
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *Store) ListPendingJobs(ctx context.Context, limit int) ([]domain.TranslationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TranslationJob
	for _, job := range s.state.jobs {
		if job.Status == domain.JobStatusPending {
			out = append(out, *copyJob(job, false))
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})

	return truncate(out, limit), nil
}

func (s *Store) ListStuckJobs(ctx context.Context, startedBefore time.Time, limit int) ([]domain.TranslationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TranslationJob
	for _, job := range s.state.jobs {
		if job.Status != domain.JobStatusProcessing || job.ProcessingStartedAt == nil {
			continue
		}
		if job.ProcessingStartedAt.Before(startedBefore) {
			out = append(out, *copyJob(job, false))
		}
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].ProcessingStartedAt.Before(*out[b].ProcessingStartedAt)
	})

	return truncate(out, limit), nil
}

func (s *Store) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) (*domain.TranslationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.state.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if err := domain.CheckTransition(job.Status, domain.JobStatusProcessing); err != nil {
		return nil, err
	}
	if job.CancelRequested {
		return nil, domain.ErrCancelRequested
	}

	started := startedAt
	job.Status = domain.JobStatusProcessing
	job.ProcessingStartedAt = &started
	job.UpdatedAt = time.Now()

	s.state.appendEvent(&storage.Event{
		JobID:  jobID,
		From:   domain.JobStatusPending,
		To:     domain.JobStatusProcessing,
		Reason: "claimed by scheduler",
	})

	return copyJob(job, true), nil
}

func (s *Store) ClaimChunk(ctx context.Context, jobID string) (*domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.state.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrInvalidTransition, job.Status)
	}

	for i := range job.Chunks {
		c := &job.Chunks[i]
		if c.Status == domain.ChunkStatusPending || c.Status == domain.ChunkStatusProcessing {
			c.Status = domain.ChunkStatusProcessing
			c.UpdatedAt = time.Now()
			claimed := *c
			return &claimed, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateChunk(ctx context.Context, chunk *domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.state.jobs[chunk.JobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	for i := range job.Chunks {
		c := &job.Chunks[i]
		if c.Index != chunk.Index {
			continue
		}
		c.Status = chunk.Status
		c.TranslatedText = chunk.TranslatedText
		c.Attempts = chunk.Attempts
		c.ErrorMessage = chunk.ErrorMessage
		c.UpdatedAt = time.Now()
		return nil
	}
	return fmt.Errorf("chunk %d of job %s not found", chunk.Index, chunk.JobID)
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.state.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return nil
	}

	job.CompletedChunks = progress.Completed
	job.FailedChunks = progress.Failed
	job.ProgressPercentage = progress.Percentage()
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID string) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.state.jobs[jobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return job.Status, domain.CheckTransition(job.Status, domain.JobStatusCancelled)
	}

	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return job.Status, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.state.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	return job.CancelRequested, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.state.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	out := *acc
	return &out, nil
}

func (s *Store) UpsertAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := *account
	s.state.accounts[account.UserID] = &acc
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.jobTransactions(jobID), nil
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]storage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Event
	for _, e := range s.state.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (st *state) jobTransactions(jobID string) []domain.CreditTransaction {
	var out []domain.CreditTransaction
	for _, t := range st.transactions {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	return out
}

func (st *state) appendEvent(event *storage.Event) {
	st.nextEventID++
	event.ID = st.nextEventID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	st.events = append(st.events, *event)
}

func copyJob(job *domain.TranslationJob, withChunks bool) *domain.TranslationJob {
	out := *job
	out.Chunks = nil
	if withChunks && job.Chunks != nil {
		out.Chunks = append([]domain.Chunk(nil), job.Chunks...)
	}
	return &out
}

func truncate(jobs []domain.TranslationJob, limit int) []domain.TranslationJob {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}
