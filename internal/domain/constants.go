package domain

// JobStatus is the lifecycle state of a translation job
type JobStatus string

// Job status constants
const (
	JobStatusPending        JobStatus = "pending"
	JobStatusProcessing     JobStatus = "processing"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusPartialSuccess JobStatus = "partial_success"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCancelled      JobStatus = "cancelled"
)

// JobKind describes what the submitted content was
type JobKind string

// Job kind constants
const (
	JobKindText     JobKind = "text"
	JobKindDocument JobKind = "document"
	JobKindBatch    JobKind = "batch"
)

// ChunkStatus is the lifecycle state of a single chunk
type ChunkStatus string

// Chunk status constants
const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusSucceeded  ChunkStatus = "succeeded"
	ChunkStatusFailed     ChunkStatus = "failed"
)

// CreditTransactionKind is the type of a ledger row
type CreditTransactionKind string

// Credit transaction kinds
const (
	CreditReserve CreditTransactionKind = "reserve"
	CreditConsume CreditTransactionKind = "consume"
	CreditRefund  CreditTransactionKind = "refund"
)

// UserTier decides how many free characters a user gets per job
type UserTier string

// User tiers
const (
	UserTierFree UserTier = "free"
	UserTierPro  UserTier = "pro"
)

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	switch k {
	case JobKindText, JobKindDocument, JobKindBatch:
		return true
	}
	return false
}
