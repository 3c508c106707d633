// Package lifecycle expires sessions: it deletes their stored artifacts,
// retires their jobs and records every pass in the cleanup audit log.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"docflow/internal/blob"
	"docflow/internal/logger"
	"docflow/internal/metrics"
	"docflow/internal/records"
	"docflow/pkg/models"
)

// ErrUnsafePrefix is returned when a session's storage prefix does not
// provably belong to that session. Nothing is deleted in that case.
var ErrUnsafePrefix = errors.New("storage prefix is not confined to the session")

// liveStates are the states a session can be expired from.
var liveStates = []models.SessionState{
	models.SessionUploading,
	models.SessionProcessing,
	models.SessionPostProcessing,
	models.SessionCompleted,
	models.SessionFailed,
}

// Report describes the work done for one session.
type Report struct {
	SessionID    string `json:"session_id"`
	Expired      bool   `json:"expired"`
	JobsExpired  int    `json:"jobs_expired"`
	BlobsDeleted int    `json:"blobs_deleted"`
}

type Manager struct {
	store   records.Store
	blobs   blob.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	sweepSpec string
	cron      *cron.Cron
	onExpire  []func(sessionID string)

	mu     sync.Mutex
	base   context.Context
	timers map[string]*time.Timer
	// running serializes expiration per session.
	running map[string]*sync.Mutex
}

type Option func(*Manager)

// WithSweep runs a periodic sweep on the given cron spec.
func WithSweep(spec string) Option {
	return func(m *Manager) {
		m.sweepSpec = spec
	}
}

// WithExpireHook is called after a session has been expired.
func WithExpireHook(fn func(sessionID string)) Option {
	return func(m *Manager) {
		m.onExpire = append(m.onExpire, fn)
	}
}

func NewManager(store records.Store, blobs blob.Store, m *metrics.Metrics, opts ...Option) *Manager {
	mgr := &Manager{
		store:   store,
		blobs:   blobs,
		metrics: m,
		log:     logger.WithComponent("lifecycle"),
		now:     time.Now,
		base:    context.Background(),
		timers:  make(map[string]*time.Timer),
		running: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Start reconciles persisted sessions and starts the periodic sweep.
// Timers fire with ctx, so cancelling it stops future expirations.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	// Sessions that fail here stay live and are retried by the sweep.
	if _, err := m.Reconcile(ctx); err != nil {
		m.log.Error().Err(err).Msg("Startup reconciliation left sessions live")
	}
	if m.sweepSpec == "" {
		return nil
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.sweepSpec, func() {
		if _, err := m.Sweep(ctx); err != nil {
			m.log.Error().Err(err).Msg("Cleanup sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup sweep %q: %w", m.sweepSpec, err)
	}
	m.cron.Start()
	m.log.Info().Str("spec", m.sweepSpec).Msg("Cleanup sweep scheduled")
	return nil
}

// Stop cancels pending timers and waits for a running sweep to finish.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// Schedule arms, or re-arms, the expiry timer of a session. A session that
// is already due is expired right away in the background.
func (m *Manager) Schedule(session *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[session.ID]; ok {
		t.Stop()
		delete(m.timers, session.ID)
	}
	if session.State == models.SessionExpired {
		return
	}

	id := session.ID
	delay := session.ExpiresAt.Sub(m.now())
	if delay < 0 {
		delay = 0
	}
	ctx := m.base
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timers[id] == timer {
			delete(m.timers, id)
		}
		m.mu.Unlock()
		if _, err := m.Expire(ctx, id, models.TriggerTimer); err != nil {
			m.log.Error().Err(err).Str("session_id", id).Msg("Timed expiration failed")
		}
	})
	m.timers[id] = timer
	m.log.Debug().Str("session_id", id).Time("expires_at", session.ExpiresAt).Msg("Expiry scheduled")
}

// Cancel disarms the session's timer, if any.
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// Scheduled reports whether a timer is armed for the session.
func (m *Manager) Scheduled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[sessionID]
	return ok
}

// ExpediteExpiry moves a session's expiry to at. It takes the same
// safety-gated deletion path as a normal expiration; when at is not in the
// future the session is expired before returning.
func (m *Manager) ExpediteExpiry(ctx context.Context, sessionID string, at time.Time) (*Report, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State == models.SessionExpired {
		return &Report{SessionID: sessionID}, nil
	}
	if err := m.store.UpdateExpiry(ctx, sessionID, at.UTC()); err != nil {
		return nil, err
	}
	if at.After(m.now()) {
		session.ExpiresAt = at
		m.Schedule(session)
		return &Report{SessionID: sessionID}, nil
	}
	m.Cancel(sessionID)
	return m.Expire(ctx, sessionID, models.TriggerManual)
}

// Expire runs one cleanup operation for a single session and records it.
func (m *Manager) Expire(ctx context.Context, sessionID, trigger string) (*Report, error) {
	entry := m.newEntry(trigger)
	report, err := m.expire(ctx, sessionID)
	m.record(ctx, entry, []*Report{report}, err)
	return report, err
}

// Reconcile is the startup pass: sessions already due are expired and the
// rest get a timer.
func (m *Manager) Reconcile(ctx context.Context) ([]*Report, error) {
	return m.pass(ctx, models.TriggerStartup, true)
}

// Sweep expires every due session the timers missed.
func (m *Manager) Sweep(ctx context.Context) ([]*Report, error) {
	return m.pass(ctx, models.TriggerSweep, false)
}

func (m *Manager) pass(ctx context.Context, trigger string, schedule bool) ([]*Report, error) {
	entry := m.newEntry(trigger)
	sessions, err := m.store.ListSessions(ctx, liveStates...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var (
		reports []*Report
		errs    []error
	)
	now := m.now()
	for i := range sessions {
		s := &sessions[i]
		if s.ExpiresAt.After(now) {
			if schedule || !m.Scheduled(s.ID) {
				m.Schedule(s)
			}
			continue
		}
		m.Cancel(s.ID)
		report, err := m.expire(ctx, s.ID)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	if len(reports) > 0 || err != nil {
		m.record(ctx, entry, reports, err)
	}
	return reports, err
}

// expire is the only deletion path.
func (m *Manager) expire(ctx context.Context, sessionID string) (*Report, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	report := &Report{SessionID: sessionID}
	log := logger.WithSession("lifecycle", sessionID)

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return report, err
	}
	if session.State == models.SessionExpired {
		return report, nil
	}

	prefix, err := confinedPrefix(session)
	if err != nil {
		log.Error().Err(err).Str("prefix", session.StoragePrefix).Msg("Refusing to delete session artifacts")
		return report, err
	}

	deleted, err := m.deleteUnder(ctx, prefix)
	report.BlobsDeleted += deleted
	if err != nil {
		// The session stays live so the next sweep retries.
		return report, fmt.Errorf("delete artifacts of session %s: %w", sessionID, err)
	}

	if report.JobsExpired, err = m.store.ExpireJobs(ctx, sessionID); err != nil {
		return report, fmt.Errorf("expire jobs of session %s: %w", sessionID, err)
	}
	if report.Expired, err = m.store.TransitionSession(ctx, sessionID, liveStates, models.SessionExpired); err != nil {
		return report, fmt.Errorf("expire session %s: %w", sessionID, err)
	}

	// A rename recorded before the transition may have copied its artifact
	// after the first listing.
	deleted, err = m.deleteUnder(ctx, prefix)
	report.BlobsDeleted += deleted
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete late artifacts")
		return report, fmt.Errorf("delete late artifacts of session %s: %w", sessionID, err)
	}

	for _, fn := range m.onExpire {
		fn(sessionID)
	}
	m.forget(sessionID)
	log.Info().Int("blobs_deleted", report.BlobsDeleted).Int("jobs_expired", report.JobsExpired).Msg("Session expired")
	return report, nil
}

func (m *Manager) deleteUnder(ctx context.Context, prefix string) (int, error) {
	paths, err := m.blobs.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	var (
		deleted int
		errs    []error
	)
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			errs = append(errs, fmt.Errorf("%w: listed path %q is outside %q", ErrUnsafePrefix, p, prefix))
			continue
		}
		if err := m.blobs.Delete(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", p, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// confinedPrefix returns the session's prefix in slash-terminated form after
// checking that one of its path segments is exactly the session id.
func confinedPrefix(session *models.Session) (string, error) {
	if session.ID == "" {
		return "", fmt.Errorf("%w: session has no id", ErrUnsafePrefix)
	}
	prefix := strings.TrimSpace(session.StoragePrefix)
	if !strings.Contains(prefix, session.ID) {
		return "", fmt.Errorf("%w: %q does not contain %q", ErrUnsafePrefix, prefix, session.ID)
	}
	if strings.HasPrefix(prefix, "/") || strings.Contains(prefix, "..") || strings.Contains(prefix, "\\") {
		return "", fmt.Errorf("%w: %q is not a relative prefix", ErrUnsafePrefix, prefix)
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	for _, segment := range strings.Split(prefix, "/") {
		if segment == session.ID {
			return prefix, nil
		}
	}
	return "", fmt.Errorf("%w: no segment of %q equals %q", ErrUnsafePrefix, prefix, session.ID)
}

func (m *Manager) newEntry(trigger string) *models.CleanupLog {
	return &models.CleanupLog{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: m.now().UTC(),
	}
}

func (m *Manager) record(ctx context.Context, entry *models.CleanupLog, reports []*Report, err error) {
	for _, r := range reports {
		if r == nil {
			continue
		}
		entry.SessionsProcessed++
		if r.Expired {
			entry.SessionsExpired++
		}
		entry.JobsExpired += r.JobsExpired
		entry.BlobsDeleted += r.BlobsDeleted
	}
	if err != nil {
		for _, e := range unwrapJoined(err) {
			entry.Errors = append(entry.Errors, e.Error())
		}
	}
	entry.FinishedAt = m.now().UTC()

	if err := m.store.AppendCleanupLog(ctx, entry); err != nil {
		m.log.Error().Err(err).Str("trigger", entry.Trigger).Msg("Failed to write cleanup log")
	}
	m.metrics.ObserveCleanup(entry.Trigger, entry.SessionsExpired, entry.BlobsDeleted)
}

func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, unwrapJoined(e)...)
		}
		return out
	}
	return []error{err}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.running[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.running[sessionID] = l
	}
	return l
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.running, sessionID)
	m.mu.Unlock()
}
