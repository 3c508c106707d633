package tracker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docflow/internal/extraction"
	"docflow/internal/ratelimit"
	"docflow/internal/records"
	"docflow/internal/resilience"
	"docflow/pkg/models"
)

type fakeExtractor struct {
	mu      sync.Mutex
	results []pollStep
	polls   int
}

type pollStep struct {
	result *extraction.PollResult
	err    error
}

func (f *fakeExtractor) Submit(context.Context, extraction.Document) (*extraction.Submission, error) {
	return nil, errors.New("not used")
}

func (f *fakeExtractor) Poll(context.Context, string) (*extraction.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.results) == 0 {
		return &extraction.PollResult{Status: extraction.OperationRunning}, nil
	}
	step := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return step.result, step.err
}

func (f *fakeExtractor) Close() error { return nil }

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func running() pollStep {
	return pollStep{result: &extraction.PollResult{Status: extraction.OperationRunning}}
}

func newTracker(t *testing.T, ext extraction.Extractor, cfg Config) (*Tracker, *records.MemoryStore, *fakeClock) {
	t.Helper()
	store := records.NewMemoryStore()
	gate := resilience.NewGate(
		ratelimit.NewLimiter(1000),
		ratelimit.NewBackoff(time.Microsecond, time.Microsecond),
		resilience.NewExecutor(resilience.Config{BreakerEnabled: false}),
	)
	tr := New(store, ext, gate, nil, cfg)
	clock := &fakeClock{now: time.Date(2025, 6, 5, 12, 0, 0, 0, time.UTC)}
	tr.now = clock.Now
	tr.sleep = clock.Sleep
	return tr, store, clock
}

func seedJob(t *testing.T, store *records.MemoryStore, id string) {
	t.Helper()
	if err := store.CreateJob(context.Background(), &models.Job{
		ID: id, SessionID: "s1", ParentID: "p", State: models.JobProcessing,
	}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
}

func TestTrackFollowsBackoffSchedule(t *testing.T) {
	ext := &fakeExtractor{results: []pollStep{
		running(), running(), running(),
		{result: &extraction.PollResult{
			Status: extraction.OperationSucceeded,
			Result: &extraction.Result{Fields: map[string]string{"supplier_name": "Acme"}, Confidence: 0.9},
		}},
	}}
	tr, store, clock := newTracker(t, ext, DefaultConfig())
	seedJob(t, store, "j1")
	ctx := context.Background()

	if err := tr.Begin(ctx, "j1", "op-1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	state, err := tr.Track(ctx, "j1")
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if state != models.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s", state)
	}

	want := []time.Duration{2 * time.Second, 2 * time.Second, 5 * time.Second, 13 * time.Second}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, clock.sleeps)
	}
	for i := range want {
		if clock.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: expected %s, got %s", i, want[i], clock.sleeps[i])
		}
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Fields["supplier_name"] != "Acme" || job.LastPolledAt == nil {
		t.Fatalf("expected stored fields and poll time, got %+v", job)
	}
}

func TestTrackHonorsServerRetryHints(t *testing.T) {
	ext := &fakeExtractor{results: []pollStep{
		{result: &extraction.PollResult{Status: extraction.OperationRunning, RetryAfter: 7 * time.Second}},
		{err: &extraction.ExtractionError{Op: "Poll", Err: extraction.ErrQuotaExceeded, RetryAfter: 9 * time.Second}},
		{result: &extraction.PollResult{Status: extraction.OperationSucceeded, Result: &extraction.Result{}}},
	}}
	tr, store, clock := newTracker(t, ext, DefaultConfig())
	seedJob(t, store, "j1")
	ctx := context.Background()
	_ = tr.Begin(ctx, "j1", "op-1")

	if state, err := tr.Track(ctx, "j1"); err != nil || state != models.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s %v", state, err)
	}
	want := []time.Duration{2 * time.Second, 7 * time.Second, 9 * time.Second}
	for i := range want {
		if clock.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: expected %s, got %v", i, want[i], clock.sleeps)
		}
	}
}

func TestTrackFailsAfterCeiling(t *testing.T) {
	ext := &fakeExtractor{}
	cfg := DefaultConfig()
	cfg.MaxDuration = 2 * time.Minute
	tr, store, _ := newTracker(t, ext, cfg)
	seedJob(t, store, "j1")
	ctx := context.Background()
	_ = tr.Begin(ctx, "j1", "op-1")

	state, err := tr.Track(ctx, "j1")
	if err != nil || state != models.JobFailed {
		t.Fatalf("expected FAILED, got %s %v", state, err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if !strings.Contains(job.Error, "did not finish within 2m0s") {
		t.Fatalf("expected descriptive ceiling error, got %q", job.Error)
	}
}

func TestTrackSurfacesUpstreamFailureVerbatim(t *testing.T) {
	ext := &fakeExtractor{results: []pollStep{
		{result: &extraction.PollResult{Status: extraction.OperationFailed, Error: "Unsupported input file format."}},
	}}
	tr, store, _ := newTracker(t, ext, DefaultConfig())
	seedJob(t, store, "j1")
	ctx := context.Background()
	_ = tr.Begin(ctx, "j1", "op-1")

	if state, _ := tr.Track(ctx, "j1"); state != models.JobFailed {
		t.Fatalf("expected FAILED, got %s", state)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Error != "Unsupported input file format." {
		t.Fatalf("expected verbatim upstream error, got %q", job.Error)
	}
}

func TestTrackResumesFromPersistedJob(t *testing.T) {
	ext := &fakeExtractor{results: []pollStep{
		{result: &extraction.PollResult{Status: extraction.OperationSucceeded, Result: &extraction.Result{}}},
	}}
	tr, store, clock := newTracker(t, ext, DefaultConfig())
	ctx := context.Background()

	// Simulates a record left behind by a previous process.
	started := clock.Now().Add(-time.Hour)
	if err := store.CreateJob(ctx, &models.Job{
		ID: "j1", SessionID: "s1", ParentID: "p", State: models.JobPolling,
		OperationID: "stale-op", PollingStartedAt: &started,
	}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if state, err := tr.Track(ctx, "j1"); err != nil || state != models.JobCompleted {
		t.Fatalf("expected resumed job to complete, got %s %v", state, err)
	}
	if ext.polls != 1 {
		t.Fatalf("expected one poll, got %d", ext.polls)
	}
}

func TestTrackRejectsDuplicateLoop(t *testing.T) {
	ext := &fakeExtractor{results: []pollStep{
		{result: &extraction.PollResult{Status: extraction.OperationSucceeded, Result: &extraction.Result{}}},
	}}
	tr, store, clock := newTracker(t, ext, DefaultConfig())
	seedJob(t, store, "j1")
	ctx := context.Background()
	_ = tr.Begin(ctx, "j1", "op-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		close(entered)
		<-release
		return clock.Sleep(ctx, d)
	}

	done := make(chan models.JobState)
	go func() {
		state, _ := tr.Track(ctx, "j1")
		done <- state
	}()
	<-entered

	if !tr.IsTracking("j1") {
		t.Fatalf("expected an active loop")
	}
	if _, err := tr.Track(ctx, "j1"); !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("expected ErrAlreadyTracked, got %v", err)
	}
	close(release)

	if state := <-done; state != models.JobCompleted {
		t.Fatalf("expected first loop to complete, got %s", state)
	}
	if ext.polls != 1 {
		t.Fatalf("expected exactly one poll, got %d", ext.polls)
	}
}

func TestTrackDoesNotResurrectExpiredJob(t *testing.T) {
	tr, store, _ := newTracker(t, nil, DefaultConfig())
	seedJob(t, store, "j1")
	ctx := context.Background()
	_ = tr.Begin(ctx, "j1", "op-1")

	tr.extractor = &expiringExtractor{store: store}
	state, err := tr.Track(ctx, "j1")
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if state != models.JobExpired {
		t.Fatalf("expected EXPIRED to win, got %s", state)
	}
}

// expiringExtractor expires the session while the operation is in flight.
type expiringExtractor struct {
	fakeExtractor
	store *records.MemoryStore
}

func (e *expiringExtractor) Poll(ctx context.Context, _ string) (*extraction.PollResult, error) {
	_, _ = e.store.ExpireJobs(ctx, "s1")
	return &extraction.PollResult{Status: extraction.OperationSucceeded, Result: &extraction.Result{}}, nil
}

func TestTrackReportsSettledJob(t *testing.T) {
	tr, store, _ := newTracker(t, &fakeExtractor{}, DefaultConfig())
	seedJob(t, store, "j1")
	ctx := context.Background()
	if _, err := store.FailJob(ctx, "j1", "boom"); err != nil {
		t.Fatal(err)
	}

	state, err := tr.Track(ctx, "j1")
	if !errors.Is(err, ErrNotPolling) {
		t.Fatalf("expected ErrNotPolling, got %v", err)
	}
	if state != models.JobFailed {
		t.Fatalf("expected the stored state, got %s", state)
	}
}
