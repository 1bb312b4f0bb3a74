package domain

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultPartialSuccessThreshold is the fraction of succeeded chunks a job needs for partial_success
const DefaultPartialSuccessThreshold = 0.7

// thresholdEpsilon absorbs float rounding so 7/10 meets a 0.7 threshold
const thresholdEpsilon = 1e-9

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusPartialSuccess, JobStatusFailed, JobStatusCancelled},
	// retry of a failed job, guarded by the retry budget
	JobStatusFailed: {JobStatusPending},
}

// IsTerminal reports whether the status can no longer change on its own
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartialSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	_, ok := transitions[s]
	return ok || s.IsTerminal()
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when the move is not allowed
func CheckTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanRetry reports whether a failed job still has retry budget
func (j *TranslationJob) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// EvaluateOutcome decides the terminal status of a job whose chunks are all resolved
func EvaluateOutcome(total, succeeded int, threshold float64) JobStatus {
	if total <= 0 || succeeded <= 0 {
		return JobStatusFailed
	}
	if succeeded >= total {
		return JobStatusCompleted
	}
	if float64(succeeded)/float64(total)+thresholdEpsilon >= threshold {
		return JobStatusPartialSuccess
	}
	return JobStatusFailed
}

// CancelOutcome decides the terminal status of a job cancelled while processing.
// Work that already meets the partial-success threshold is delivered as partial_success.
func CancelOutcome(total, succeeded int, threshold float64) JobStatus {
	if succeeded <= 0 {
		return JobStatusCancelled
	}
	if succeeded >= total {
		return JobStatusCompleted
	}
	if float64(succeeded)/float64(total)+thresholdEpsilon >= threshold {
		return JobStatusPartialSuccess
	}
	return JobStatusCancelled
}

// Assemble joins the translated text of succeeded chunks in index order with single spaces.
// Failed or unfinished positions are omitted, or replaced by marker when it is not empty.
func Assemble(chunks []Chunk, marker string) string {
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].Index < ordered[b].Index })

	parts := make([]string, 0, len(ordered))
	for _, c := range ordered {
		if c.Status == ChunkStatusSucceeded {
			parts = append(parts, c.TranslatedText)
			continue
		}
		if marker != "" {
			parts = append(parts, marker)
		}
	}
	return strings.Join(parts, " ")
}
