package domain

import "time"

// TranslationJob is one end-to-end translation request
type TranslationJob struct {
	ID                    string     `db:"job_id"`
	UserID                string     `db:"user_id"`
	Kind                  JobKind    `db:"kind"`
	Status                JobStatus  `db:"status"`
	Priority              int        `db:"priority"`
	SourceLanguage        string     `db:"source_language"`
	TargetLanguage        string     `db:"target_language"`
	SourceText            string     `db:"source_text"`
	TranslatedContent     string     `db:"translated_content"`
	TotalChunks           int        `db:"total_chunks"`
	CompletedChunks       int        `db:"completed_chunks"`
	FailedChunks          int        `db:"failed_chunks"`
	ProgressPercentage    float64    `db:"progress_percentage"`
	EstimatedCredits      int64      `db:"estimated_credits"`
	ConsumedCredits       int64      `db:"consumed_credits"`
	RefundedCredits       int64      `db:"refunded_credits"`
	RetryCount            int        `db:"retry_count"`
	MaxRetries            int        `db:"max_retries"`
	CancelRequested       bool       `db:"cancel_requested"`
	ErrorMessage          string     `db:"error_message"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	ProcessingStartedAt   *time.Time `db:"processing_started_at"`
	ProcessingCompletedAt *time.Time `db:"processing_completed_at"`

	// Chunks is ordered by Index and fixed once the job is created
	Chunks []Chunk `db:"-"`
}

// Chunk is a bounded piece of the job's source text, translated independently
type Chunk struct {
	JobID          string      `db:"job_id"`
	Index          int         `db:"chunk_index"`
	SourceText     string      `db:"source_text"`
	Status         ChunkStatus `db:"status"`
	TranslatedText string      `db:"translated_text"`
	Attempts       int         `db:"attempts"`
	ErrorMessage   string      `db:"error_message"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// CreditTransaction is an append-only ledger row
type CreditTransaction struct {
	ID           int64                 `db:"id" json:"id"`
	JobID        string                `db:"job_id" json:"job_id"`
	UserID       string                `db:"user_id" json:"user_id"`
	Attempt      int                   `db:"attempt" json:"attempt"`
	Kind         CreditTransactionKind `db:"kind" json:"kind"`
	Amount       int64                 `db:"amount" json:"amount"`
	BalanceAfter int64                 `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time             `db:"created_at" json:"created_at"`
}

// Account is a user's credit balance
type Account struct {
	UserID  string   `db:"user_id"`
	Tier    UserTier `db:"tier"`
	Balance int64    `db:"balance"`
}

// Progress counts resolved chunks of a job
type Progress struct {
	Completed int
	Failed    int
	Total     int
}

// Percentage is completed / total * 100
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// JobResult is what the scheduler hands to the ledger when a job reaches a terminal state
type JobResult struct {
	Status            JobStatus
	TotalChunks       int
	SucceededChunks   int
	FailedChunks      int
	TranslatedContent string
	ErrorMessage      string
	Reason            string
	CompletedAt       time.Time
}

// Snapshot is the caller-facing view of a job
type Snapshot struct {
	JobID              string    `json:"job_id"`
	Kind               JobKind   `json:"kind"`
	Status             JobStatus `json:"status"`
	ProgressPercentage float64   `json:"progress_percentage"`
	TotalChunks        int       `json:"total_chunks"`
	CompletedChunks    int       `json:"completed_chunks"`
	FailedChunks       int       `json:"failed_chunks"`
	TranslatedContent  string    `json:"translated_content,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	EstimatedCredits   int64     `json:"estimated_credits"`
	ConsumedCredits    int64     `json:"consumed_credits"`
	RefundedCredits    int64     `json:"refunded_credits"`
	RetryCount         int       `json:"retry_count"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// JobEvent is published whenever a job changes status or progress
type JobEvent struct {
	JobID    string
	From     JobStatus
	To       JobStatus
	Reason   string
	Snapshot Snapshot
	At       time.Time
}

// Snapshot builds the caller-facing view of the job
func (j *TranslationJob) Snapshot() Snapshot {
	snap := Snapshot{
		JobID:              j.ID,
		Kind:               j.Kind,
		Status:             j.Status,
		ProgressPercentage: j.ProgressPercentage,
		TotalChunks:        j.TotalChunks,
		CompletedChunks:    j.CompletedChunks,
		FailedChunks:       j.FailedChunks,
		EstimatedCredits:   j.EstimatedCredits,
		ConsumedCredits:    j.ConsumedCredits,
		RefundedCredits:    j.RefundedCredits,
		RetryCount:         j.RetryCount,
		UpdatedAt:          j.UpdatedAt,
	}
	if j.Status.IsTerminal() {
		snap.TranslatedContent = j.TranslatedContent
	}
	if j.Status == JobStatusFailed {
		snap.ErrorMessage = j.ErrorMessage
	}
	return snap
}

// Progress counts the job's chunks by status
func (j *TranslationJob) Progress() Progress {
	p := Progress{Total: len(j.Chunks)}
	for _, c := range j.Chunks {
		switch c.Status {
		case ChunkStatusSucceeded:
			p.Completed++
		case ChunkStatusFailed:
			p.Failed++
		}
	}
	return p
}

// PendingChunks returns the chunks still waiting for dispatch, in index order
func (j *TranslationJob) PendingChunks() []Chunk {
	var out []Chunk
	for _, c := range j.Chunks {
		if c.Status == ChunkStatusPending || c.Status == ChunkStatusProcessing {
			out = append(out, c)
		}
	}
	return out
}
