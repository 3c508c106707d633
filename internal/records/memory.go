package records

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"docflow/pkg/models"
)

// MemoryStore is a process-local Store. It backs single-process runs
// without a database and the package tests of its consumers.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	jobs     map[string]*models.Job
	balances map[string]int
	logs     []models.CleanupLog
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		jobs:     make(map[string]*models.Job),
		balances: make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", ErrConflict, s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, states ...models.SessionState) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if len(states) == 0 || slices.Contains(states, s.State) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TransitionSession(_ context.Context, id string, from []models.SessionState, to models.SessionState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if !slices.Contains(from, s.State) {
		return false, nil
	}
	s.State = to
	s.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) SetTotalPages(_ context.Context, id string, total int) error {
	return m.updateSession(id, func(s *models.Session) { s.TotalPages = total })
}

func (m *MemoryStore) IncrementProcessed(_ context.Context, id string, delta int) error {
	return m.updateSession(id, func(s *models.Session) { s.ProcessedPages += delta })
}

func (m *MemoryStore) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	return m.updateSession(id, func(s *models.Session) { s.ExpiresAt = expiresAt })
}

func (m *MemoryStore) updateSession(id string, fn func(*models.Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	fn(s)
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) CreateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s", ErrConflict, j.ID)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, sessionID string) ([]models.Job, error) {
	return m.filterJobs(func(j *models.Job) bool { return j.SessionID == sessionID }), nil
}

func (m *MemoryStore) ListJobsByState(_ context.Context, states ...models.JobState) ([]models.Job, error) {
	return m.filterJobs(func(j *models.Job) bool { return slices.Contains(states, j.State) }), nil
}

func (m *MemoryStore) filterJobs(keep func(*models.Job) bool) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (m *MemoryStore) CountOpenChildJobs(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.SessionID == sessionID && j.IsChild() && !j.State.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkJobProcessing(_ context.Context, id string) (bool, error) {
	return m.updateJob(id, func(j *models.Job) bool {
		if j.State != models.JobQueued {
			return false
		}
		j.State = models.JobProcessing
		return true
	})
}

func (m *MemoryStore) StartPolling(_ context.Context, id, operationID string, startedAt time.Time) (bool, error) {
	return m.updateJob(id, func(j *models.Job) bool {
		if j.State.IsTerminal() {
			return false
		}
		j.State = models.JobPolling
		j.OperationID = operationID
		t := startedAt
		j.PollingStartedAt = &t
		return true
	})
}

func (m *MemoryStore) TouchPoll(_ context.Context, id string, at time.Time) error {
	_, err := m.updateJob(id, func(j *models.Job) bool {
		t := at
		j.LastPolledAt = &t
		return true
	})
	return err
}

func (m *MemoryStore) CompleteJob(_ context.Context, id string, fields map[string]string, confidence float32) (bool, error) {
	return m.updateJob(id, func(j *models.Job) bool {
		if j.State.IsTerminal() {
			return false
		}
		j.State = models.JobCompleted
		j.Fields = cloneFields(fields)
		j.Confidence = confidence
		j.Error = ""
		return true
	})
}

func (m *MemoryStore) FailJob(_ context.Context, id, message string) (bool, error) {
	return m.updateJob(id, func(j *models.Job) bool {
		if j.State.IsTerminal() {
			return false
		}
		j.State = models.JobFailed
		j.Error = message
		return true
	})
}

func (m *MemoryStore) SetRenamed(_ context.Context, id, renamedPath, newFileName string) (bool, error) {
	return m.updateJob(id, func(j *models.Job) bool {
		if j.RenamedPath != "" {
			return false
		}
		if s, ok := m.sessions[j.SessionID]; ok && s.State == models.SessionExpired {
			return false
		}
		j.RenamedPath = renamedPath
		j.NewFileName = newFileName
		return true
	})
}

func (m *MemoryStore) ExpireJobs(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.SessionID == sessionID && !j.State.IsTerminal() {
			j.State = models.JobExpired
			j.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) updateJob(id string, fn func(*models.Job) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if !fn(j) {
		return false, nil
	}
	j.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) DebitOwner(_ context.Context, ownerID string, amount int) error {
	m.mu.Lock()
	m.balances[ownerID] -= amount
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Balance(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[ownerID], nil
}

func (m *MemoryStore) AppendCleanupLog(_ context.Context, entry *models.CleanupLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.Errors = append([]string(nil), entry.Errors...)
	m.logs = append(m.logs, cp)
	return nil
}

// CleanupLogs returns the audit entries written so far.
func (m *MemoryStore) CleanupLogs() []models.CleanupLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CleanupLog(nil), m.logs...)
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.Fields = cloneFields(j.Fields)
	return &cp
}

func cloneFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
