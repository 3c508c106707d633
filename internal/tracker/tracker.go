// Package tracker drives long-running extraction operations to a terminal
// job state. All state needed to resume lives on the job record.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docflow/internal/extraction"
	"docflow/internal/logger"
	"docflow/internal/metrics"
	"docflow/internal/records"
	"docflow/internal/resilience"
	"docflow/pkg/models"
)

var (
	// ErrAlreadyTracked is returned by Track when another loop already polls the job.
	ErrAlreadyTracked = errors.New("job is already being tracked")

	// ErrNotPolling is returned with the job's current state when Track is
	// called for a job that has no operation in flight.
	ErrNotPolling = errors.New("job is not polling")
)

type Config struct {
	// InitialDelay is the wait before the first poll.
	InitialDelay time.Duration
	// Schedule holds the delays between later polls; the last entry repeats.
	Schedule []time.Duration
	// MaxDuration bounds the total time a job may spend polling.
	MaxDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		Schedule:     []time.Duration{2 * time.Second, 5 * time.Second, 13 * time.Second, 34 * time.Second},
		MaxDuration:  24 * time.Hour,
	}
}

type Tracker struct {
	store     records.Store
	extractor extraction.Extractor
	gate      *resilience.Gate
	metrics   *metrics.Metrics
	cfg       Config
	log       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active map[string]struct{}
}

func New(store records.Store, extractor extraction.Extractor, gate *resilience.Gate, m *metrics.Metrics, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = def.Schedule
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	return &Tracker{
		store:     store,
		extractor: extractor,
		gate:      gate,
		metrics:   m,
		cfg:       cfg,
		log:       logger.WithComponent("tracker"),
		now:       time.Now,
		sleep:     sleepContext,
		active:    make(map[string]struct{}),
	}
}

// Begin persists the operation id and polling start on the job before
// returning, so a restart between submit and the first poll can resume it.
func (t *Tracker) Begin(ctx context.Context, jobID, operationID string) error {
	applied, err := t.store.StartPolling(ctx, jobID, operationID, t.now().UTC())
	if err != nil {
		return fmt.Errorf("record operation %s: %w", operationID, err)
	}
	if !applied {
		return fmt.Errorf("record operation %s: job %s is already terminal", operationID, jobID)
	}
	return nil
}

// IsTracking reports whether a polling loop is active for the job.
func (t *Tracker) IsTracking(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[jobID]
	return ok
}

func (t *Tracker) claim(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[jobID]; ok {
		return false
	}
	t.active[jobID] = struct{}{}
	return true
}

func (t *Tracker) release(jobID string) {
	t.mu.Lock()
	delete(t.active, jobID)
	t.mu.Unlock()
}

// Track polls the job's operation until it settles and returns the job's
// terminal state. Only one loop runs per job; a second caller gets
// ErrAlreadyTracked. If ctx ends first the job stays POLLING for a later resume.
// A nil error means this call wrote the returned state, unless that state is
// EXPIRED, which the lifecycle manager wrote while the operation was in flight.
func (t *Tracker) Track(ctx context.Context, jobID string) (models.JobState, error) {
	if !t.claim(jobID) {
		return "", ErrAlreadyTracked
	}
	defer t.release(jobID)

	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State != models.JobPolling {
		return job.State, ErrNotPolling
	}

	log := logger.WithJob("tracker", job.SessionID, job.ID).With().Str("operation_id", job.OperationID).Logger()

	started := t.now()
	if job.PollingStartedAt != nil {
		started = *job.PollingStartedAt
	}
	deadline := started.Add(t.cfg.MaxDuration)

	delay := t.cfg.InitialDelay
	step := 0
	for {
		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			msg := fmt.Sprintf("extraction operation %s did not finish within %s", job.OperationID, t.cfg.MaxDuration)
			log.Warn().Msg("Polling ceiling exceeded")
			return t.settle(ctx, job.ID, models.JobFailed, nil, msg)
		}
		if delay > remaining {
			delay = remaining
		}
		if err := t.sleep(ctx, delay); err != nil {
			return models.JobPolling, err
		}
		if t.now().After(deadline) || t.now().Equal(deadline) {
			continue
		}

		var result *extraction.PollResult
		pollErr := t.gate.Once(ctx, "extraction.poll", func(ctx context.Context) error {
			var err error
			result, err = t.extractor.Poll(ctx, job.OperationID)
			return err
		}, extraction.Classify)
		if err := t.store.TouchPoll(ctx, job.ID, t.now().UTC()); err != nil {
			log.Warn().Err(err).Msg("Failed to record poll time")
		}

		if pollErr != nil {
			if ctx.Err() != nil {
				return models.JobPolling, ctx.Err()
			}
			if !extraction.IsTransient(pollErr) {
				t.metrics.ObservePoll("error")
				log.Error().Err(pollErr).Msg("Polling failed permanently")
				return t.settle(ctx, job.ID, models.JobFailed, nil, extraction.Message(pollErr))
			}
			t.metrics.ObservePoll("transient")
			if hint, ok := extraction.RetryAfter(pollErr); ok {
				delay = hint
			} else {
				delay, step = t.next(step)
			}
			log.Debug().Err(pollErr).Dur("next_poll", delay).Msg("Transient polling error")
			continue
		}

		t.metrics.ObservePoll(string(result.Status))
		switch result.Status {
		case extraction.OperationSucceeded:
			var fields map[string]string
			var confidence float32
			if result.Result != nil {
				fields, confidence = result.Result.Fields, result.Result.Confidence
			}
			log.Info().Int("fields", len(fields)).Msg("Extraction operation succeeded")
			return t.settle(ctx, job.ID, models.JobCompleted, &extraction.Result{Fields: fields, Confidence: confidence}, "")
		case extraction.OperationFailed:
			log.Warn().Str("error", result.Error).Msg("Extraction operation failed")
			return t.settle(ctx, job.ID, models.JobFailed, nil, result.Error)
		default:
			if result.RetryAfter > 0 {
				delay = result.RetryAfter
			} else {
				delay, step = t.next(step)
			}
		}
	}
}

func (t *Tracker) next(step int) (time.Duration, int) {
	if step >= len(t.cfg.Schedule) {
		return t.cfg.Schedule[len(t.cfg.Schedule)-1], step
	}
	return t.cfg.Schedule[step], step + 1
}

// settle writes the terminal state. When the guarded write is rejected
// (the job was expired meanwhile) the state already on record is returned.
func (t *Tracker) settle(ctx context.Context, jobID string, state models.JobState, result *extraction.Result, message string) (models.JobState, error) {
	var (
		applied bool
		err     error
	)
	if state == models.JobCompleted {
		applied, err = t.store.CompleteJob(ctx, jobID, result.Fields, result.Confidence)
	} else {
		applied, err = t.store.FailJob(ctx, jobID, message)
	}
	if err != nil {
		return "", err
	}
	if applied {
		return state, nil
	}
	current, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return current.State, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
