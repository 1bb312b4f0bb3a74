package domain

// DispatchMode selects how a worker runs a job
type DispatchMode string

const (
	// DispatchSerial hands the whole job to the worker's scheduler
	DispatchSerial DispatchMode = "serial"

	// DispatchStreaming runs one chunk per message and republishes until the job is done
	DispatchStreaming DispatchMode = "streaming"
)

// Valid reports whether m is a known dispatch mode
func (m DispatchMode) Valid() bool {
	return m == DispatchSerial || m == DispatchStreaming
}

// JobMessage is the queue payload that tells a worker to run a job
type JobMessage struct {
	JobID    string       `json:"job_id"`
	Priority int          `json:"priority"`
	Mode     DispatchMode `json:"mode"`
	Step     int          `json:"step,omitempty"`
}
