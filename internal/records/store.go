// Package records persists sessions, jobs and cleanup audit entries.
package records

import (
	"context"
	"errors"
	"time"

	"docflow/pkg/models"
)

var (
	// ErrNotFound is returned when a session or job does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a record with the same id already exists.
	ErrConflict = errors.New("record already exists")
)

// Store is the record store contract. Every state-changing job method is
// conditional: it only applies to jobs that are not yet terminal and
// reports whether the change happened, so concurrent writers (dispatcher,
// tracker, lifecycle) cannot resurrect an expired or settled job.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, states ...models.SessionState) ([]models.Session, error)
	// TransitionSession moves a session to `to` only when its current state is one of from.
	TransitionSession(ctx context.Context, id string, from []models.SessionState, to models.SessionState) (bool, error)
	SetTotalPages(ctx context.Context, id string, total int) error
	IncrementProcessed(ctx context.Context, id string, delta int) error
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error

	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, sessionID string) ([]models.Job, error)
	ListJobsByState(ctx context.Context, states ...models.JobState) ([]models.Job, error)
	// CountOpenChildJobs counts child jobs of the session that are not terminal.
	CountOpenChildJobs(ctx context.Context, sessionID string) (int, error)

	MarkJobProcessing(ctx context.Context, id string) (bool, error)
	StartPolling(ctx context.Context, id, operationID string, startedAt time.Time) (bool, error)
	TouchPoll(ctx context.Context, id string, at time.Time) error
	CompleteJob(ctx context.Context, id string, fields map[string]string, confidence float32) (bool, error)
	FailJob(ctx context.Context, id, message string) (bool, error)
	// SetRenamed records the renamed artifact once; later calls, and calls
	// for a job whose session has expired, report false.
	SetRenamed(ctx context.Context, id, renamedPath, newFileName string) (bool, error)
	// ExpireJobs marks every non-terminal job of the session EXPIRED.
	ExpireJobs(ctx context.Context, sessionID string) (int, error)

	DebitOwner(ctx context.Context, ownerID string, amount int) error
	Balance(ctx context.Context, ownerID string) (int, error)

	AppendCleanupLog(ctx context.Context, entry *models.CleanupLog) error
}
