// Package service is the entry point shared by the HTTP API and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"docflow/internal/blob"
	"docflow/internal/dispatcher"
	"docflow/internal/export"
	"docflow/internal/lifecycle"
	"docflow/internal/logger"
	"docflow/internal/pdfsplit"
	"docflow/internal/postprocess"
	"docflow/internal/records"
	"docflow/pkg/models"
)

var (
	// ErrInvalidRequest is returned for malformed session requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSheetsUnavailable is returned when no Google Sheets writer is configured.
	ErrSheetsUnavailable = errors.New("google sheets export is not configured")
)

// SourceDir is the folder under a session prefix holding uploaded files.
const SourceDir = "source/"

// Upload is one file of a new session.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

type SessionRequest struct {
	OwnerID string
	Tier    string
	ModelID string
	Files   []Upload
}

// Publisher hands a session to a dispatcher, possibly in another process.
type Publisher interface {
	PublishSession(ctx context.Context, sessionID string) error
}

// SheetWriter appends results to a spreadsheet.
type SheetWriter interface {
	WriteResults(ctx context.Context, sessionID string, results []models.JobResult, sheetName string) (int, error)
}

type Service struct {
	store      records.Store
	blobs      blob.Store
	dispatcher *dispatcher.Dispatcher
	lifecycle  *lifecycle.Manager
	publisher  Publisher
	sheets     func(ctx context.Context, sheetURL string) (SheetWriter, error)
	worksheet  string
	retention  time.Duration
	background context.Context
	log        zerolog.Logger
	now        func() time.Time
}

type Option func(*Service)

// WithPublisher routes EnqueueSession through a queue instead of dispatching in process.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithSheets enables ExportToSheet.
func WithSheets(open func(ctx context.Context, sheetURL string) (SheetWriter, error), worksheet string) Option {
	return func(s *Service) {
		s.sheets = open
		s.worksheet = worksheet
	}
}

// WithBackground sets the context in-process dispatches run under.
func WithBackground(ctx context.Context) Option {
	return func(s *Service) {
		s.background = ctx
	}
}

func New(
	store records.Store,
	blobs blob.Store,
	d *dispatcher.Dispatcher,
	lm *lifecycle.Manager,
	retention time.Duration,
	opts ...Option,
) *Service {
	s := &Service{
		store:      store,
		blobs:      blobs,
		dispatcher: d,
		lifecycle:  lm,
		worksheet:  "Extractions",
		retention:  retention,
		background: context.Background(),
		log:        logger.WithComponent("service"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession stores the uploaded files, creates one container job per
// file and one child job per page, and arms the session's expiry timer.
func (s *Service) CreateSession(ctx context.Context, req SessionRequest) (*models.Session, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", ErrInvalidRequest)
	}

	now := s.now().UTC()
	id := uuid.NewString()
	session := &models.Session{
		ID:            id,
		OwnerID:       req.OwnerID,
		Tier:          strings.ToLower(req.Tier),
		ModelID:       req.ModelID,
		State:         models.SessionUploading,
		StoragePrefix: models.StoragePrefixFor(id),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.retention),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	// From here on the timer guarantees cleanup even if ingest fails halfway.
	s.lifecycle.Schedule(session)

	log := logger.WithSession("service", id)
	total := 0
	for i, file := range req.Files {
		pages, err := s.ingest(ctx, session, i, file, now)
		if err != nil {
			return session, fmt.Errorf("ingest %s: %w", file.Name, err)
		}
		total += pages
	}
	if err := s.store.SetTotalPages(ctx, id, total); err != nil {
		return session, err
	}
	session.TotalPages = total

	log.Info().Int("files", len(req.Files)).Int("pages", total).Str("tier", session.Tier).Msg("Session created")
	return session, nil
}

func (s *Service) ingest(ctx context.Context, session *models.Session, index int, file Upload, now time.Time) (int, error) {
	name := path.Base(strings.ReplaceAll(file.Name, "\\", "/"))
	ext := strings.ToLower(path.Ext(name))
	stem := postprocess.Sanitize(strings.TrimSuffix(name, path.Ext(name)), 80)
	if stem == "" {
		stem = "document"
	}
	source := fmt.Sprintf("%s%s%03d_%s%s", session.StoragePrefix, SourceDir, index+1, stem, ext)
	mimeType := pdfsplit.MimeType(name, file.MimeType, file.Data)

	pages, err := pdfsplit.Split(name, mimeType, file.Data)
	if err != nil {
		return 0, err
	}
	if _, err := s.blobs.Put(ctx, source, file.Data, map[string]string{blob.ContentTypeKey: mimeType}); err != nil {
		return 0, fmt.Errorf("store source: %w", err)
	}

	parent := &models.Job{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		State:      models.JobQueued,
		SourcePath: source,
		FileName:   name,
		MimeType:   mimeType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, parent); err != nil {
		return 0, err
	}
	for _, page := range pages {
		pageSource := source
		if len(pages) > 1 {
			pageSource = fmt.Sprintf("%s%s%03d_%s_p%03d%s", session.StoragePrefix, SourceDir, index+1, stem, page.Number, ext)
			if _, err := s.blobs.Put(ctx, pageSource, page.Data, map[string]string{blob.ContentTypeKey: mimeType}); err != nil {
				return 0, fmt.Errorf("store page %d: %w", page.Number, err)
			}
		}
		child := &models.Job{
			ID:         uuid.NewString(),
			SessionID:  session.ID,
			ParentID:   parent.ID,
			PageNumber: page.Number,
			State:      models.JobQueued,
			SourcePath: pageSource,
			FileName:   name,
			MimeType:   mimeType,
			// Keeps page order stable for listings sorted by creation time.
			CreatedAt: now.Add(time.Duration(index*10000+page.Number) * time.Microsecond),
			UpdatedAt: now,
		}
		if err := s.store.CreateJob(ctx, child); err != nil {
			return 0, err
		}
	}
	return len(pages), nil
}

// EnqueueSession starts processing a session, through the publisher when
// one is configured.
func (s *Service) EnqueueSession(ctx context.Context, sessionID string) error {
	if s.publisher == nil {
		return s.StartDispatch(ctx, sessionID)
	}
	if err := s.checkOpen(ctx, sessionID); err != nil {
		return err
	}
	if err := s.publisher.PublishSession(ctx, sessionID); err != nil {
		return fmt.Errorf("publish session %s: %w", sessionID, err)
	}
	s.log.Info().Str("session_id", sessionID).Msg("Session published for dispatch")
	return nil
}

// StartDispatch hands the session to a background dispatch in this process
// and returns without waiting for it to settle.
func (s *Service) StartDispatch(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(ctx, sessionID); err != nil {
		return err
	}
	s.dispatcher.Go(s.background, sessionID)
	return nil
}

func (s *Service) checkOpen(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != models.SessionUploading && session.State != models.SessionProcessing {
		return fmt.Errorf("%w: %s is %s", dispatcher.ErrSessionClosed, sessionID, session.State)
	}
	return nil
}

// Dispatch runs the session in the calling goroutine.
func (s *Service) Dispatch(ctx context.Context, sessionID string) (models.SessionState, error) {
	return s.dispatcher.Dispatch(ctx, sessionID)
}

func (s *Service) GetSessionStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.SessionStatus{
		SessionID:      session.ID,
		State:          session.State,
		ProcessedCount: session.ProcessedPages,
		TotalCount:     session.TotalPages,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// GetJobResults lists the extractable jobs of a session in page order.
func (s *Service) GetJobResults(ctx context.Context, sessionID string) ([]models.JobResult, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	results := make([]models.JobResult, 0, len(jobs))
	for _, j := range jobs {
		if !j.IsChild() {
			continue
		}
		results = append(results, models.JobResult{
			JobID:       j.ID,
			FileName:    j.FileName,
			PageNumber:  j.PageNumber,
			State:       j.State,
			Fields:      j.Fields,
			NewFileName: j.NewFileName,
			Error:       j.Error,
		})
	}
	return results, nil
}

// RenamedURL returns a signed link to a job's renamed artifact.
func (s *Service) RenamedURL(ctx context.Context, sessionID, jobID string, ttl time.Duration) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.SessionID != sessionID || job.RenamedPath == "" {
		return "", fmt.Errorf("%w: no renamed artifact for job %s", records.ErrNotFound, jobID)
	}
	return s.blobs.AccessURL(ctx, job.RenamedPath, ttl)
}

// ExpediteExpiry moves the session's expiry, expiring it now when at has passed.
func (s *Service) ExpediteExpiry(ctx context.Context, sessionID string, at time.Time) (*lifecycle.Report, error) {
	return s.lifecycle.ExpediteExpiry(ctx, sessionID, at)
}

// ExportResults renders the session's results as an XLSX workbook.
func (s *Service) ExportResults(ctx context.Context, sessionID string) ([]byte, error) {
	results, err := s.GetJobResults(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return export.XLSX(results)
}

// ExportToSheet appends the session's results to a Google Sheet.
func (s *Service) ExportToSheet(ctx context.Context, sessionID, sheetURL string) (int, error) {
	if s.sheets == nil {
		return 0, ErrSheetsUnavailable
	}
	results, err := s.GetJobResults(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	writer, err := s.sheets(ctx, sheetURL)
	if err != nil {
		return 0, err
	}
	return writer.WriteResults(ctx, sessionID, results, s.worksheet)
}

// Recover resumes dispatch work a previous process left unfinished.
func (s *Service) Recover(ctx context.Context) error {
	if _, err := s.dispatcher.Resume(ctx); err != nil {
		return fmt.Errorf("resume dispatch: %w", err)
	}
	return nil
}
