package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docflow/internal/blob"
	"docflow/internal/extraction"
	"docflow/internal/postprocess"
	"docflow/internal/ratelimit"
	"docflow/internal/records"
	"docflow/internal/resilience"
	"docflow/internal/tracker"
	"docflow/pkg/models"
)

const upstreamMessage = "Invalid argument: document a.pdf has no readable pages"

// scriptedExtractor fails a.pdf permanently, answers b.pdf through a
// long-running operation and c.pdf synchronously.
type scriptedExtractor struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	submits     int
	polls       int
}

func (e *scriptedExtractor) Submit(_ context.Context, doc extraction.Document) (*extraction.Submission, error) {
	e.mu.Lock()
	e.submits++
	e.inFlight++
	if e.inFlight > e.maxInFlight {
		e.maxInFlight = e.inFlight
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)

	switch {
	case strings.Contains(doc.AccessURL, "a.pdf"):
		return nil, &extraction.ExtractionError{Op: "Submit", Err: extraction.ErrInvalidDocument, Details: upstreamMessage}
	case strings.Contains(doc.AccessURL, "b.pdf"):
		return &extraction.Submission{OperationID: "op-b"}, nil
	}
	return &extraction.Submission{Result: &extraction.Result{
		Fields: map[string]string{"supplier_name": "Initech", "invoice_id": "C-3", "invoice_date": "June 5, 2025"},
	}}, nil
}

func (e *scriptedExtractor) Poll(context.Context, string) (*extraction.PollResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls++
	if e.polls < 2 {
		return &extraction.PollResult{Status: extraction.OperationRunning}, nil
	}
	return &extraction.PollResult{Status: extraction.OperationSucceeded, Result: &extraction.Result{
		Fields: map[string]string{"vendor_name": "ACME", "invoice_number": "B-2", "date": "6525"},
	}}, nil
}

func (e *scriptedExtractor) Close() error { return nil }

type fixture struct {
	store      *records.MemoryStore
	blobs      *blob.LocalStore
	extractor  *scriptedExtractor
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newWrappedFixture(t, cfg, nil)
}

// newWrappedFixture lets wrap intercept the record store used by the
// dispatcher, tracker and engine; seeding still writes the memory store.
func newWrappedFixture(t *testing.T, cfg Config, wrap func(*records.MemoryStore) records.Store) *fixture {
	t.Helper()
	memory := records.NewMemoryStore()
	var store records.Store = memory
	if wrap != nil {
		store = wrap(memory)
	}
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost:8080", "secret")
	if err != nil {
		t.Fatal(err)
	}
	ext := &scriptedExtractor{}
	gate := resilience.NewGate(
		ratelimit.NewLimiter(1000),
		ratelimit.NewBackoff(time.Microsecond, time.Millisecond),
		resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 2, RetryInitialBackoff: time.Millisecond, RetryMaxBackoff: time.Millisecond}),
	)
	tr := tracker.New(store, ext, gate, nil, tracker.Config{
		InitialDelay: time.Millisecond,
		Schedule:     []time.Duration{time.Millisecond},
		MaxDuration:  time.Minute,
	})
	engine := postprocess.NewEngine(store, blobs, postprocess.DefaultConfig(), nil, "")
	return &fixture{
		store:      memory,
		blobs:      blobs,
		extractor:  ext,
		dispatcher: New(store, blobs, ext, gate, tr, engine, nil, cfg),
	}
}

func (f *fixture) seed(t *testing.T, owner string, names ...string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateSession(ctx, &models.Session{
		ID: "s1", OwnerID: owner, Tier: "pro", State: models.SessionUploading,
		TotalPages: len(names), StoragePrefix: models.StoragePrefixFor("s1"),
	}); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)
	for i, name := range names {
		source := "sessions/s1/source/" + name
		if _, err := f.blobs.Put(ctx, source, []byte(name), nil); err != nil {
			t.Fatal(err)
		}
		parent := models.Job{ID: "parent-" + name, SessionID: "s1", State: models.JobCompleted, SourcePath: source, FileName: name, CreatedAt: base}
		child := models.Job{
			ID: "job-" + name, SessionID: "s1", ParentID: parent.ID, PageNumber: 1,
			State: models.JobQueued, SourcePath: source, FileName: name, MimeType: "application/pdf",
			CreatedAt: base.Add(time.Duration(i+1) * time.Second),
		}
		if err := f.store.CreateJob(ctx, &parent); err != nil {
			t.Fatal(err)
		}
		if err := f.store.CreateJob(ctx, &child); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDispatchSettlesMixedOutcomes(t *testing.T) {
	f := newFixture(t, Config{
		Concurrency: func(tier string) int {
			if tier == "pro" {
				return 2
			}
			return 1
		},
		PageCost: 1,
	})
	f.seed(t, "owner-1", "a.pdf", "b.pdf", "c.pdf")
	ctx := context.Background()

	state, err := f.dispatcher.Dispatch(ctx, "s1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if state != models.SessionFailed {
		t.Fatalf("expected FAILED, got %s", state)
	}
	if f.extractor.maxInFlight > 2 {
		t.Fatalf("expected at most 2 concurrent submits, got %d", f.extractor.maxInFlight)
	}

	a, _ := f.store.GetJob(ctx, "job-a.pdf")
	if a.State != models.JobFailed || a.Error != upstreamMessage {
		t.Fatalf("expected A to carry the upstream error verbatim, got %s %q", a.State, a.Error)
	}
	if f.extractor.submits != 3 {
		t.Fatalf("expected permanent failures not to be retried, got %d submits", f.extractor.submits)
	}

	for _, id := range []string{"job-b.pdf", "job-c.pdf"} {
		job, _ := f.store.GetJob(ctx, id)
		if job.State != models.JobCompleted || job.RenamedPath == "" {
			t.Fatalf("expected %s completed and renamed, got %+v", id, job)
		}
		ok, err := f.blobs.Exists(ctx, job.RenamedPath)
		if err != nil || !ok {
			t.Fatalf("expected renamed artifact at %s", job.RenamedPath)
		}
	}
	b, _ := f.store.GetJob(ctx, "job-b.pdf")
	if b.NewFileName != "ACME_B-2_2025-06-05.pdf" {
		t.Fatalf("unexpected name for B: %s", b.NewFileName)
	}

	session, _ := f.store.GetSession(ctx, "s1")
	if session.ProcessedPages != 3 {
		t.Fatalf("expected 3 processed pages, got %d", session.ProcessedPages)
	}
	if balance, _ := f.store.Balance(ctx, "owner-1"); balance != -2 {
		t.Fatalf("expected two completed pages billed, got %d", balance)
	}
}

func TestDispatchCompletesWhenAllJobsSucceed(t *testing.T) {
	f := newFixture(t, Config{PageCost: 1, UnmeteredOwnerID: "house"})
	f.seed(t, "house", "b.pdf", "c.pdf")
	ctx := context.Background()

	state, err := f.dispatcher.Dispatch(ctx, "s1")
	if err != nil || state != models.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s %v", state, err)
	}
	if f.extractor.maxInFlight != 1 {
		t.Fatalf("expected default ceiling of 1, got %d", f.extractor.maxInFlight)
	}
	if balance, _ := f.store.Balance(ctx, "house"); balance != 0 {
		t.Fatalf("unmetered owner must not be billed, got %d", balance)
	}

	// A second dispatch of a settled session is refused.
	if _, err := f.dispatcher.Dispatch(ctx, "s1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestDispatchFailsJobWithMissingSource(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "owner", "c.pdf")
	ctx := context.Background()
	if err := f.blobs.Delete(ctx, "sessions/s1/source/c.pdf"); err != nil {
		t.Fatal(err)
	}

	state, err := f.dispatcher.Dispatch(ctx, "s1")
	if err != nil || state != models.SessionFailed {
		t.Fatalf("expected FAILED, got %s %v", state, err)
	}
	if f.extractor.submits != 0 {
		t.Fatalf("expected no extraction call, got %d", f.extractor.submits)
	}
}

func TestResumeRecoversInterruptedWork(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, "owner", "b.pdf", "c.pdf")
	ctx := context.Background()

	// Previous process: session dispatched, B's operation recorded, C mid-submit.
	if _, err := f.store.TransitionSession(ctx, "s1", []models.SessionState{models.SessionUploading}, models.SessionProcessing); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"job-b.pdf", "job-c.pdf"} {
		if _, err := f.store.MarkJobProcessing(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.store.StartPolling(ctx, "job-b.pdf", "op-b", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	n, err := f.dispatcher.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one resumed session, got %d", n)
	}
	f.dispatcher.Wait()

	b, _ := f.store.GetJob(ctx, "job-b.pdf")
	if b.State != models.JobCompleted || b.RenamedPath == "" {
		t.Fatalf("expected B to finish polling and be renamed, got %+v", b)
	}
	c, _ := f.store.GetJob(ctx, "job-c.pdf")
	if c.State != models.JobFailed || c.Error != interruptedMessage {
		t.Fatalf("expected C to be failed as interrupted, got %s %q", c.State, c.Error)
	}
	if f.extractor.submits != 0 {
		t.Fatalf("expected no resubmission, got %d", f.extractor.submits)
	}
	session, _ := f.store.GetSession(ctx, "s1")
	if session.State != models.SessionFailed || session.ProcessedPages != 2 {
		t.Fatalf("expected FAILED with 2 processed, got %s %d", session.State, session.ProcessedPages)
	}
}

// failingStore makes selected record writes fail as if the database
// connection dropped.
type failingStore struct {
	*records.MemoryStore
	startPolling bool
	failJob      bool

	mu           sync.Mutex
	failAttempts int
}

var errConnReset = errors.New("connection reset by peer")

func (s *failingStore) StartPolling(ctx context.Context, id, operationID string, at time.Time) (bool, error) {
	if s.startPolling {
		return false, errConnReset
	}
	return s.MemoryStore.StartPolling(ctx, id, operationID, at)
}

func (s *failingStore) FailJob(ctx context.Context, id, message string) (bool, error) {
	s.mu.Lock()
	s.failAttempts++
	s.mu.Unlock()
	if s.failJob {
		return false, errConnReset
	}
	return s.MemoryStore.FailJob(ctx, id, message)
}

func TestDispatchFailsJobWhenOperationCannotBeRecorded(t *testing.T) {
	f := newWrappedFixture(t, Config{PageCost: 1, WriteBackoff: time.Millisecond}, func(m *records.MemoryStore) records.Store {
		return &failingStore{MemoryStore: m, startPolling: true}
	})
	f.seed(t, "owner", "b.pdf")
	ctx := context.Background()

	state, err := f.dispatcher.Dispatch(ctx, "s1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if state != models.SessionFailed {
		t.Fatalf("expected FAILED, got %s", state)
	}
	b, _ := f.store.GetJob(ctx, "job-b.pdf")
	if b.State != models.JobFailed || !strings.Contains(b.Error, errConnReset.Error()) {
		t.Fatalf("expected B failed with the storage error, got %s %q", b.State, b.Error)
	}
	session, _ := f.store.GetSession(ctx, "s1")
	if session.ProcessedPages != 1 {
		t.Fatalf("expected 1 processed page, got %d", session.ProcessedPages)
	}
	if balance, _ := f.store.Balance(ctx, "owner"); balance != 0 {
		t.Fatalf("failed pages must not be billed, got %d", balance)
	}
}

func TestDispatchReportsUnsettledJob(t *testing.T) {
	var flaky *failingStore
	f := newWrappedFixture(t, Config{WriteAttempts: 3, WriteBackoff: time.Millisecond}, func(m *records.MemoryStore) records.Store {
		flaky = &failingStore{MemoryStore: m, startPolling: true, failJob: true}
		return flaky
	})
	f.seed(t, "owner", "b.pdf")
	ctx := context.Background()

	state, err := f.dispatcher.Dispatch(ctx, "s1")
	if err == nil || !errors.Is(err, errConnReset) {
		t.Fatalf("expected the storage error to be returned, got %v", err)
	}
	if state != models.SessionProcessing {
		t.Fatalf("expected the session to stay PROCESSING, got %s", state)
	}
	if flaky.failAttempts != 3 {
		t.Fatalf("expected 3 attempts to record the failure, got %d", flaky.failAttempts)
	}
}
