// Package postprocess turns extracted fields into a renamed output artifact.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docflow/internal/blob"
	"docflow/internal/logger"
	"docflow/internal/metrics"
	"docflow/internal/records"
	"docflow/pkg/models"
)

// RenamedDir is the folder under a session prefix holding renamed artifacts.
const RenamedDir = "renamed/"

// Outcome summarizes one post-processing pass over a session.
type Outcome struct {
	Renamed int
	Skipped int
	// Errors holds per-job storage failures keyed by job id.
	Errors map[string]error
}

// Naming is the derived name for one job.
type Naming struct {
	Stem    string
	Located Located
	Date    string
	// DateParsed is false when the date fell back to today.
	DateParsed bool
}

type Engine struct {
	records      records.Store
	blobs        blob.Store
	cfg          Config
	metrics      *metrics.Metrics
	organization string
	log          zerolog.Logger
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store records.Store, blobs blob.Store, cfg Config, m *metrics.Metrics, organization string) *Engine {
	return &Engine{
		records:      store,
		blobs:        blobs,
		cfg:          cfg,
		metrics:      m,
		organization: organization,
		log:          logger.WithComponent("postprocess"),
		now:          time.Now,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Name derives the file name stem for a set of fields without touching storage.
func (e *Engine) Name(fields map[string]string, principal string) Naming {
	now := e.now()
	filled := ApplyDefaults(fields, e.cfg.Defaults, Context{
		Now:          now,
		Principal:    principal,
		Organization: e.organization,
	})

	loc := Locate(filled, e.cfg.Rules)
	date, parsed := NormalizeDate(loc.Date, now)

	company := loc.Company
	if Sanitize(company, e.cfg.MaxComponentLength) == "" {
		company = e.cfg.UnknownCompany
	}
	ticket := loc.Ticket
	if Sanitize(ticket, e.cfg.MaxComponentLength) == "" {
		ticket = e.cfg.UnknownTicket
	}

	stem := Render(e.cfg.Template, Components{
		Company: company,
		Ticket:  ticket,
		Date:    date,
		Fields:  filled,
	}, e.cfg.MaxComponentLength)
	if strings.Trim(stem, "_-") == "" {
		stem = Sanitize(e.cfg.UnknownCompany, e.cfg.MaxComponentLength)
	}

	return Naming{Stem: stem, Located: loc, Date: date, DateParsed: parsed}
}

// ProcessSession renames every completed child job of the session that has
// not been renamed yet. Running it again is a no-op for renamed jobs.
func (e *Engine) ProcessSession(ctx context.Context, sessionID string) (Outcome, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	out := Outcome{Errors: make(map[string]error)}

	session, err := e.records.GetSession(ctx, sessionID)
	if err != nil {
		return out, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	jobs, err := e.records.ListJobs(ctx, sessionID)
	if err != nil {
		return out, fmt.Errorf("list jobs for session %s: %w", sessionID, err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	// Paths already owned by a job. A candidate path that exists in storage
	// but is not listed here is a leftover of an interrupted pass and may be
	// overwritten.
	taken := make(map[string]bool)
	for _, job := range jobs {
		if job.RenamedPath != "" {
			taken[job.RenamedPath] = true
		}
	}

	for i := range jobs {
		job := &jobs[i]
		if !job.IsChild() || job.State != models.JobCompleted {
			continue
		}
		if job.RenamedPath != "" {
			out.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		renamed, err := e.renameJob(ctx, session, job, taken)
		if err != nil {
			e.log.Error().Err(err).Str("session_id", sessionID).Str("job_id", job.ID).Msg("Failed to rename artifact")
			out.Errors[job.ID] = err
			continue
		}
		if renamed {
			out.Renamed++
		} else {
			out.Skipped++
		}
	}

	e.log.Info().
		Str("session_id", sessionID).
		Int("renamed", out.Renamed).
		Int("skipped", out.Skipped).
		Int("errors", len(out.Errors)).
		Msg("Post-processing finished")
	return out, nil
}

func (e *Engine) renameJob(ctx context.Context, session *models.Session, job *models.Job, taken map[string]bool) (bool, error) {
	naming := e.Name(job.Fields, session.OwnerID)
	if !naming.DateParsed && naming.Located.Date != "" {
		e.log.Warn().Str("job_id", job.ID).Str("value", naming.Located.Date).Msg("Unparseable date, using today")
	}

	ext := strings.ToLower(path.Ext(job.FileName))
	if ext == "" {
		ext = strings.ToLower(path.Ext(job.SourcePath))
	}
	dir := session.StoragePrefix + RenamedDir

	fileName := naming.Stem + ext
	for n := 2; taken[dir+fileName]; n++ {
		fileName = fmt.Sprintf("%s_%d%s", naming.Stem, n, ext)
	}
	target := dir + fileName

	if err := e.blobs.Copy(ctx, job.SourcePath, target); err != nil {
		return false, fmt.Errorf("copy %s to %s: %w", job.SourcePath, target, err)
	}
	ok, err := e.records.SetRenamed(ctx, job.ID, target, fileName)
	if err != nil {
		return false, fmt.Errorf("record renamed artifact: %w", err)
	}
	if !ok {
		return false, e.dropOrphan(ctx, job.ID, target)
	}
	taken[target] = true
	e.metrics.ObserveRename()
	return true, nil
}

// dropOrphan removes a copy whose rename was refused, unless the job already
// points at it. A refused rename means another pass won or the session expired
// while the copy was in flight.
func (e *Engine) dropOrphan(ctx context.Context, jobID, target string) error {
	current, err := e.records.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, records.ErrNotFound) {
		return fmt.Errorf("reload job: %w", err)
	}
	if current != nil && current.RenamedPath == target {
		return nil
	}
	if err := e.blobs.Delete(ctx, target); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("delete orphaned copy %s: %w", target, err)
	}
	e.log.Info().Str("job_id", jobID).Str("path", target).Msg("Dropped copy of refused rename")
	return nil
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// Forget drops the per-session lock once a session is expired.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.locks, sessionID)
	e.mu.Unlock()
}
