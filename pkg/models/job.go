package models

import "time"

// JobState is the processing state of a single extractable unit.
type JobState string

const (
	JobQueued     JobState = "QUEUED"
	JobProcessing JobState = "PROCESSING"
	JobPolling    JobState = "POLLING"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
	JobExpired    JobState = "EXPIRED"
)

// TerminalJobStates lists the states a job never leaves.
var TerminalJobStates = []JobState{JobCompleted, JobFailed, JobExpired}

// IsTerminal reports whether the state is COMPLETED, FAILED or EXPIRED.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobExpired:
		return true
	}
	return false
}

// Job is one page or document of a session.
//
// Jobs without a ParentID are container records for an uploaded file; only
// child jobs (ParentID set) are dispatched to the extraction service.
type Job struct {
	ID         string
	SessionID  string
	ParentID   string
	PageNumber int // 1-based page within the parent document, 0 for containers

	State      JobState
	SourcePath string // Blob path of the uploaded source document
	FileName   string // Original file name as uploaded
	MimeType   string

	// Extraction output, keyed by extraction-service field name.
	Fields     map[string]string
	Confidence float32

	// Post-processing output.
	RenamedPath string
	NewFileName string

	// Asynchronous extraction bookkeeping; enough to resume after a restart.
	OperationID      string
	PollingStartedAt *time.Time
	LastPolledAt     *time.Time

	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsChild reports whether the job is an extractable unit rather than a container.
func (j *Job) IsChild() bool {
	return j.ParentID != ""
}

// JobResult is the per-job read model returned to API callers.
type JobResult struct {
	JobID       string            `json:"job_id"`
	FileName    string            `json:"file_name"`
	PageNumber  int               `json:"page_number"`
	State       JobState          `json:"state"`
	Fields      map[string]string `json:"fields,omitempty"`
	NewFileName string            `json:"new_file_name,omitempty"`
	Error       string            `json:"error,omitempty"`
}
