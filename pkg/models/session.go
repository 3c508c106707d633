package models

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a batch of uploaded documents.
type SessionState string

const (
	SessionUploading      SessionState = "UPLOADING"
	SessionProcessing     SessionState = "PROCESSING"
	SessionPostProcessing SessionState = "POST_PROCESSING"
	SessionCompleted      SessionState = "COMPLETED"
	SessionFailed         SessionState = "FAILED"
	SessionExpired        SessionState = "EXPIRED"
)

// Session is one user-submitted batch of documents.
type Session struct {
	ID      string // Unique session identifier
	OwnerID string // Principal that owns the batch and is billed for it
	Tier    string // Subscription tier, selects the dispatch concurrency ceiling
	ModelID string // Extraction model used for every job in the session

	State          SessionState
	TotalPages     int
	ProcessedPages int

	// StoragePrefix is the exclusive blob namespace of this session.
	// It always contains ID; cleanup refuses to run otherwise.
	StoragePrefix string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // CreatedAt + retention, may be moved earlier by an administrator
}

// StoragePrefixFor returns the canonical blob prefix for a session id.
func StoragePrefixFor(sessionID string) string {
	return fmt.Sprintf("sessions/%s/", sessionID)
}

// IsTerminal reports whether the session has reached a state it never leaves on its own.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// SessionStatus is the read model returned to API callers.
type SessionStatus struct {
	SessionID      string       `json:"session_id"`
	State          SessionState `json:"state"`
	ProcessedCount int          `json:"processed_count"`
	TotalCount     int          `json:"total_count"`
	ExpiresAt      time.Time    `json:"expires_at"`
}
