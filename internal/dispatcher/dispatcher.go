// Package dispatcher runs a session's jobs against the extraction service
// under the session tier's concurrency ceiling and settles the session once
// every job has finished.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"docflow/internal/blob"
	"docflow/internal/extraction"
	"docflow/internal/logger"
	"docflow/internal/metrics"
	"docflow/internal/postprocess"
	"docflow/internal/records"
	"docflow/internal/resilience"
	"docflow/internal/tracker"
	"docflow/pkg/models"
)

// ErrSessionClosed is returned when a session no longer accepts dispatch.
var ErrSessionClosed = errors.New("session is not open for dispatch")

// interruptedMessage is recorded on jobs a previous process was submitting
// when it stopped; whether the upstream call happened is unknown.
const interruptedMessage = "extraction was interrupted before its operation was recorded"

type Config struct {
	// Concurrency returns the in-flight job ceiling for a tier.
	Concurrency func(tier string) int
	// PageCost is debited from the owner for every completed job.
	PageCost int
	// UnmeteredOwnerID is never debited.
	UnmeteredOwnerID string
	// AccessURLTTL bounds the signed source URLs handed to the extractor.
	AccessURLTTL time.Duration
	// WriteAttempts and WriteBackoff bound the retries of the FAILED
	// write-back for a job whose normal record update did not land.
	WriteAttempts int
	WriteBackoff  time.Duration
}

type Dispatcher struct {
	store     records.Store
	blobs     blob.Store
	extractor extraction.Extractor
	gate      *resilience.Gate
	tracker   *tracker.Tracker
	engine    *postprocess.Engine
	metrics   *metrics.Metrics
	writes    *resilience.Executor
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func New(
	store records.Store,
	blobs blob.Store,
	extractor extraction.Extractor,
	gate *resilience.Gate,
	tr *tracker.Tracker,
	engine *postprocess.Engine,
	m *metrics.Metrics,
	cfg Config,
) *Dispatcher {
	if cfg.Concurrency == nil {
		cfg.Concurrency = func(string) int { return 1 }
	}
	if cfg.AccessURLTTL <= 0 {
		cfg.AccessURLTTL = 15 * time.Minute
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 3
	}
	if cfg.WriteBackoff <= 0 {
		cfg.WriteBackoff = 100 * time.Millisecond
	}
	return &Dispatcher{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		gate:      gate,
		tracker:   tr,
		engine:    engine,
		metrics:   m,
		writes:    resilience.NewExecutor(resilience.StoreWriteConfig(cfg.WriteAttempts, cfg.WriteBackoff)),
		cfg:       cfg,
		log:       logger.WithComponent("dispatcher"),
		now:       time.Now,
	}
}

// Dispatch runs every queued or polling child job of the session and
// returns the session state afterwards. Job failures never abort siblings;
// only a cancelled ctx stops the run early, leaving the rest for Resume.
// An error is returned when a job could not be settled in the record store.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string) (models.SessionState, error) {
	session, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	ok, err := d.store.TransitionSession(ctx, sessionID,
		[]models.SessionState{models.SessionUploading, models.SessionProcessing}, models.SessionProcessing)
	if err != nil {
		return "", err
	}
	if !ok {
		return session.State, fmt.Errorf("%w: %s is %s", ErrSessionClosed, sessionID, session.State)
	}

	jobs, err := d.store.ListJobs(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list jobs for session %s: %w", sessionID, err)
	}

	limit := d.cfg.Concurrency(session.Tier)
	if limit < 1 {
		limit = 1
	}
	log := logger.WithSession("dispatcher", sessionID)
	log.Info().Int("jobs", len(jobs)).Int("concurrency", limit).Str("tier", session.Tier).Msg("Dispatching session")

	var (
		g       errgroup.Group
		mu      sync.Mutex
		jobErrs []error
	)
	g.SetLimit(limit)
	for i := range jobs {
		job := jobs[i]
		if !job.IsChild() || (job.State != models.JobQueued && job.State != models.JobPolling) {
			continue
		}
		g.Go(func() error {
			if err := d.runJob(ctx, session, &job); err != nil {
				mu.Lock()
				jobErrs = append(jobErrs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return models.SessionProcessing, err
	}
	state, err := d.finalize(ctx, sessionID, false)
	if len(jobErrs) > 0 {
		return state, errors.Join(append(jobErrs, err)...)
	}
	return state, err
}

// Go dispatches the session in the background.
func (d *Dispatcher) Go(ctx context.Context, sessionID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		state, err := d.Dispatch(ctx, sessionID)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Str("session_id", sessionID).Msg("Dispatch failed")
			return
		}
		d.log.Info().Str("session_id", sessionID).Str("state", string(state)).Msg("Dispatch finished")
	}()
}

// Wait blocks until background dispatches have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Resume picks up work a previous process left behind: jobs caught mid
// submission are failed, sessions still PROCESSING are dispatched again
// (which resumes their POLLING jobs from the stored operation ids), and
// sessions stuck in POST_PROCESSING are finalized. It returns the number of
// sessions resumed.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	stuck, err := d.store.ListJobsByState(ctx, models.JobProcessing)
	if err != nil {
		return 0, err
	}
	for _, job := range stuck {
		if !job.IsChild() {
			continue
		}
		if applied, err := d.store.FailJob(ctx, job.ID, interruptedMessage); err != nil {
			return 0, err
		} else if applied {
			d.log.Warn().Str("session_id", job.SessionID).Str("job_id", job.ID).Msg("Failed job interrupted during submission")
			if err := d.store.IncrementProcessed(ctx, job.SessionID, 1); err != nil {
				return 0, err
			}
		}
	}

	// Both lists are read before any dispatch starts so a session that
	// reaches POST_PROCESSING meanwhile is not finalized twice.
	processing, err := d.store.ListSessions(ctx, models.SessionProcessing)
	if err != nil {
		return 0, err
	}
	finishing, err := d.store.ListSessions(ctx, models.SessionPostProcessing)
	if err != nil {
		return 0, err
	}

	for _, s := range finishing {
		if _, err := d.finalize(ctx, s.ID, true); err != nil {
			d.log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to finalize resumed session")
		}
	}
	for _, s := range processing {
		d.Go(ctx, s.ID)
	}

	total := len(processing) + len(finishing)
	if total > 0 {
		d.log.Info().Int("processing", len(processing)).Int("post_processing", len(finishing)).Msg("Resumed sessions")
	}
	return total, nil
}

// runJob drives one child job to a terminal state. A record write that
// fails along the way settles the job as FAILED instead; the returned error
// means even that write could not be stored.
func (d *Dispatcher) runJob(ctx context.Context, session *models.Session, job *models.Job) error {
	log := logger.WithJob("dispatcher", session.ID, job.ID)
	started := d.now()
	d.metrics.StartJob()
	state := models.JobState("interrupted")
	defer func() {
		d.metrics.FinishJob(string(state), d.now().Sub(started))
	}()

	var err error
	if job.State == models.JobPolling {
		state, err = d.track(ctx, session, job.ID, log)
		return err
	}

	claimed, err := d.store.MarkJobProcessing(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to claim job")
		state, err = d.fail(ctx, session, job.ID, fmt.Sprintf("claim job: %v", err))
		return err
	}
	if !claimed {
		state = "skipped"
		return nil
	}

	doc, err := d.document(ctx, session, job)
	if err != nil {
		log.Error().Err(err).Msg("Source artifact unavailable")
		state, err = d.fail(ctx, session, job.ID, err.Error())
		return err
	}

	var sub *extraction.Submission
	err = d.gate.Do(ctx, "extraction.submit", func(ctx context.Context) error {
		var err error
		sub, err = d.extractor.Submit(ctx, doc)
		return err
	}, extraction.Classify)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Msg("Extraction submit failed")
		state, err = d.fail(ctx, session, job.ID, extraction.Message(err))
		return err
	}

	if sub.Async() {
		if err := d.tracker.Begin(ctx, job.ID, sub.OperationID); err != nil {
			log.Error().Err(err).Str("operation_id", sub.OperationID).Msg("Failed to record operation")
			state, err = d.fail(ctx, session, job.ID, err.Error())
			return err
		}
		log.Debug().Str("operation_id", sub.OperationID).Msg("Tracking extraction operation")
		state, err = d.track(ctx, session, job.ID, log)
		return err
	}

	var result extraction.Result
	if sub.Result != nil {
		result = *sub.Result
	}
	applied, err := d.store.CompleteJob(ctx, job.ID, result.Fields, result.Confidence)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store extraction result")
		state, err = d.fail(ctx, session, job.ID, fmt.Sprintf("store extraction result: %v", err))
		return err
	}
	if !applied {
		state = "skipped"
		return nil
	}
	state = models.JobCompleted
	d.account(ctx, session, state, log)
	return nil
}

func (d *Dispatcher) track(ctx context.Context, session *models.Session, jobID string, log zerolog.Logger) (models.JobState, error) {
	state, err := d.tracker.Track(ctx, jobID)
	switch {
	case errors.Is(err, tracker.ErrAlreadyTracked), errors.Is(err, tracker.ErrNotPolling):
		return "skipped", nil
	case err != nil:
		if ctx.Err() != nil {
			return "interrupted", nil
		}
		log.Error().Err(err).Msg("Tracking failed")
		return d.fail(ctx, session, jobID, err.Error())
	}
	d.account(ctx, session, state, log)
	return state, nil
}

// fail records the job as FAILED with message, retrying the write. A
// cancelled ctx leaves the job for Resume.
func (d *Dispatcher) fail(ctx context.Context, session *models.Session, jobID, message string) (models.JobState, error) {
	log := logger.WithJob("dispatcher", session.ID, jobID)
	var applied bool
	err := d.writes.Execute(ctx, "store.fail_job", func(ctx context.Context) error {
		var err error
		applied, err = d.store.FailJob(ctx, jobID, message)
		return err
	}, retryWrite)
	if err != nil {
		if ctx.Err() != nil {
			return "interrupted", nil
		}
		log.Error().Err(err).Msg("Failed to record job failure")
		return "interrupted", fmt.Errorf("job %s left unsettled: %w", jobID, err)
	}
	if !applied {
		return "skipped", nil
	}
	d.account(ctx, session, models.JobFailed, log)
	return models.JobFailed, nil
}

func retryWrite(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, records.ErrNotFound) {
		return resilience.ErrorClassification{}
	}
	return resilience.ErrorClassification{Retryable: true}
}

// account runs once per settled job: completed work is billed to the owner
// and every completed or failed job advances the session's processed count.
func (d *Dispatcher) account(ctx context.Context, session *models.Session, state models.JobState, log zerolog.Logger) {
	if state != models.JobCompleted && state != models.JobFailed {
		return
	}
	if state == models.JobCompleted && session.OwnerID != d.cfg.UnmeteredOwnerID && d.cfg.PageCost > 0 {
		if err := d.store.DebitOwner(ctx, session.OwnerID, d.cfg.PageCost); err != nil {
			log.Error().Err(err).Str("owner_id", session.OwnerID).Msg("Failed to debit owner")
		}
	}
	if err := d.store.IncrementProcessed(ctx, session.ID, 1); err != nil {
		log.Error().Err(err).Msg("Failed to advance processed count")
	}
}

func (d *Dispatcher) document(ctx context.Context, session *models.Session, job *models.Job) (extraction.Document, error) {
	exists, err := d.blobs.Exists(ctx, job.SourcePath)
	if err != nil {
		return extraction.Document{}, fmt.Errorf("check source %s: %w", job.SourcePath, err)
	}
	if !exists {
		return extraction.Document{}, fmt.Errorf("source %s: %w", job.SourcePath, blob.ErrNotFound)
	}
	accessURL, err := d.blobs.AccessURL(ctx, job.SourcePath, d.cfg.AccessURLTTL)
	if err != nil {
		return extraction.Document{}, fmt.Errorf("sign source %s: %w", job.SourcePath, err)
	}

	source := job.SourcePath
	doc := extraction.Document{
		AccessURL:  accessURL,
		StorageURI: d.blobs.URI(source),
		Load: func(ctx context.Context) ([]byte, error) {
			return d.blobs.Get(ctx, source)
		},
		MimeType:   job.MimeType,
		ModelID:    session.ModelID,
		PageNumber: job.PageNumber,
	}
	if doc.StorageURI != "" {
		doc.OutputURI = d.blobs.URI(session.StoragePrefix + "output/" + job.ID + "/")
	}
	return doc, nil
}

// finalize settles the session once no child job is open: post-processing
// runs, then the session becomes COMPLETED when every child completed and
// was renamed, FAILED otherwise. Only the caller that moves the session out
// of PROCESSING does the work; resume also accepts POST_PROCESSING.
func (d *Dispatcher) finalize(ctx context.Context, sessionID string, resume bool) (models.SessionState, error) {
	open, err := d.store.CountOpenChildJobs(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if open > 0 {
		return models.SessionProcessing, nil
	}

	from := []models.SessionState{models.SessionProcessing}
	if resume {
		from = append(from, models.SessionPostProcessing)
	}
	ok, err := d.store.TransitionSession(ctx, sessionID, from, models.SessionPostProcessing)
	if err != nil {
		return "", err
	}
	if !ok {
		current, err := d.store.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return current.State, nil
	}

	log := logger.WithSession("dispatcher", sessionID)
	outcome, err := d.engine.ProcessSession(ctx, sessionID)
	if err != nil {
		// Left in POST_PROCESSING; Resume retries it.
		return models.SessionPostProcessing, fmt.Errorf("post-process session %s: %w", sessionID, err)
	}

	jobs, err := d.store.ListJobs(ctx, sessionID)
	if err != nil {
		return models.SessionPostProcessing, err
	}
	final := models.SessionCompleted
	failed := 0
	for _, job := range jobs {
		if job.IsChild() && job.State != models.JobCompleted {
			failed++
		}
	}
	if failed > 0 || len(outcome.Errors) > 0 {
		final = models.SessionFailed
	}

	ok, err = d.store.TransitionSession(ctx, sessionID, []models.SessionState{models.SessionPostProcessing}, final)
	if err != nil {
		return models.SessionPostProcessing, err
	}
	if !ok {
		current, err := d.store.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return current.State, nil
	}
	log.Info().
		Str("state", string(final)).
		Int("failed_jobs", failed).
		Int("renamed", outcome.Renamed).
		Int("rename_errors", len(outcome.Errors)).
		Msg("Session settled")
	return final, nil
}
