package postprocess

import (
	"context"
	"testing"
	"time"

	"docflow/internal/blob"
	"docflow/internal/records"
	"docflow/pkg/models"
)

func seedSession(t *testing.T, store *records.MemoryStore, blobs blob.Store) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2025, 6, 5, 8, 0, 0, 0, time.UTC)

	if err := store.CreateSession(ctx, &models.Session{
		ID:            "s1",
		OwnerID:       "owner",
		State:         models.SessionPostProcessing,
		StoragePrefix: models.StoragePrefixFor("s1"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := blobs.Put(ctx, "sessions/s1/source/a.pdf", []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := blobs.Put(ctx, "sessions/s1/source/b.pdf", []byte("b"), nil); err != nil {
		t.Fatal(err)
	}

	jobs := []models.Job{
		{ID: "parent-a", SessionID: "s1", State: models.JobCompleted, SourcePath: "sessions/s1/source/a.pdf", FileName: "a.pdf"},
		{ID: "a1", SessionID: "s1", ParentID: "parent-a", PageNumber: 1, SourcePath: "sessions/s1/source/a.pdf", FileName: "a.pdf"},
		{ID: "b1", SessionID: "s1", ParentID: "parent-b", PageNumber: 1, SourcePath: "sessions/s1/source/b.pdf", FileName: "b.PDF"},
		{ID: "c1", SessionID: "s1", ParentID: "parent-c", PageNumber: 1, SourcePath: "sessions/s1/source/c.pdf", FileName: "c.pdf"},
	}
	for i := range jobs {
		jobs[i].CreatedAt = created.Add(time.Duration(i) * time.Second)
		if jobs[i].State == "" {
			jobs[i].State = models.JobQueued
		}
		if err := store.CreateJob(ctx, &jobs[i]); err != nil {
			t.Fatal(err)
		}
	}

	same := map[string]string{"supplier_name": "ACME", "invoice_id": "7", "invoice_date": "06/05/2025"}
	if _, err := store.CompleteJob(ctx, "a1", same, 0.9); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteJob(ctx, "b1", same, 0.8); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FailJob(ctx, "c1", "invalid document"); err != nil {
		t.Fatal(err)
	}
}

func TestProcessSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := records.NewMemoryStore()
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost", "secret")
	if err != nil {
		t.Fatal(err)
	}
	seedSession(t, store, blobs)
	engine := NewEngine(store, blobs, DefaultConfig(), nil, "")

	first, err := engine.ProcessSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if first.Renamed != 2 || len(first.Errors) != 0 {
		t.Fatalf("expected 2 renames, got %+v", first)
	}

	second, err := engine.ProcessSession(ctx, "s1")
	if err != nil {
		t.Fatalf("second ProcessSession() error = %v", err)
	}
	if second.Renamed != 0 || second.Skipped != 2 {
		t.Fatalf("expected second pass to skip both jobs, got %+v", second)
	}

	renamed, err := blobs.List(ctx, "sessions/s1/renamed/")
	if err != nil {
		t.Fatal(err)
	}
	if len(renamed) != 2 {
		t.Fatalf("expected exactly one artifact per job, got %v", renamed)
	}

	a, _ := store.GetJob(ctx, "a1")
	b, _ := store.GetJob(ctx, "b1")
	if a.NewFileName != "ACME_7_2025-06-05.pdf" {
		t.Fatalf("unexpected name for a1: %s", a.NewFileName)
	}
	if b.NewFileName != "ACME_7_2025-06-05_2.pdf" {
		t.Fatalf("expected a collision suffix for b1, got %s", b.NewFileName)
	}
	data, err := blobs.Get(ctx, b.RenamedPath)
	if err != nil || string(data) != "b" {
		t.Fatalf("expected b's bytes at %s, got %q %v", b.RenamedPath, data, err)
	}

	c, _ := store.GetJob(ctx, "c1")
	if c.RenamedPath != "" {
		t.Fatalf("failed jobs must not be renamed, got %s", c.RenamedPath)
	}
}

func TestProcessSessionReportsMissingSource(t *testing.T) {
	ctx := context.Background()
	store := records.NewMemoryStore()
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost", "secret")
	if err != nil {
		t.Fatal(err)
	}
	seedSession(t, store, blobs)
	if err := blobs.Delete(ctx, "sessions/s1/source/b.pdf"); err != nil {
		t.Fatal(err)
	}

	out, err := NewEngine(store, blobs, DefaultConfig(), nil, "").ProcessSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if out.Renamed != 1 {
		t.Fatalf("expected the sibling to still be renamed, got %+v", out)
	}
	if _, ok := out.Errors["b1"]; !ok {
		t.Fatalf("expected an error for b1, got %+v", out.Errors)
	}
}

// expiringStore expires the session just before a rename is recorded.
type expiringStore struct {
	*records.MemoryStore
}

func (s expiringStore) SetRenamed(ctx context.Context, id, renamedPath, newFileName string) (bool, error) {
	if _, err := s.TransitionSession(ctx, "s1", []models.SessionState{models.SessionPostProcessing}, models.SessionExpired); err != nil {
		return false, err
	}
	return s.MemoryStore.SetRenamed(ctx, id, renamedPath, newFileName)
}

func TestProcessSessionDropsCopyWhenSessionExpires(t *testing.T) {
	ctx := context.Background()
	store := records.NewMemoryStore()
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost", "secret")
	if err != nil {
		t.Fatal(err)
	}
	seedSession(t, store, blobs)

	out, err := NewEngine(expiringStore{store}, blobs, DefaultConfig(), nil, "").ProcessSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if out.Renamed != 0 {
		t.Fatalf("expected no renames after expiry, got %+v", out)
	}

	renamed, err := blobs.List(ctx, "sessions/s1/renamed/")
	if err != nil {
		t.Fatal(err)
	}
	if len(renamed) != 0 {
		t.Fatalf("expected refused copies to be deleted, got %v", renamed)
	}
	a, _ := store.GetJob(ctx, "a1")
	if a.RenamedPath != "" {
		t.Fatalf("expected no renamed path on an expired session, got %s", a.RenamedPath)
	}
}
