package models

import "time"

// Cleanup triggers recorded on CleanupLog entries.
const (
	TriggerTimer   = "timer"
	TriggerStartup = "startup"
	TriggerSweep   = "sweep"
	TriggerManual  = "manual"
)

// CleanupLog is the immutable audit record of one expiration sweep.
type CleanupLog struct {
	ID                string
	Trigger           string
	StartedAt         time.Time
	FinishedAt        time.Time
	SessionsProcessed int
	SessionsExpired   int
	JobsExpired       int
	BlobsDeleted      int
	Errors            []string
}
