package records

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"docflow/pkg/models"
)

// arrayConverter lets state lists through the mock driver, which would
// otherwise reject []string parameters that pgx encodes natively.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return strings.Join(s, ","), nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &PostgresStore{db: db}, mock, func() { _ = db.Close() }
}

func TestGetSessionReturnsNotFound(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, owner_id, tier").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSessionMapsUniqueViolation(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	err := store.CreateSession(context.Background(), &models.Session{
		ID: "s1", OwnerID: "o", Tier: "free", State: models.SessionUploading,
		StoragePrefix: "sessions/s1/", CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCompleteJobOnTerminalJobIsGuardedNoop(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE jobs SET state").
		WithArgs("j1", string(models.JobCompleted), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	applied, err := store.CompleteJob(context.Background(), "j1", map[string]string{"a": "b"}, 0.9)
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if applied {
		t.Fatalf("expected guarded update to report not applied")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFailJobReturnsNotFoundForMissingJob(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE jobs SET state").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.FailJob(context.Background(), "missing", "boom")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetRenamedApplied(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE jobs SET renamed_path").
		WithArgs("j1", "sessions/s1/renamed/x.pdf", "x.pdf", sqlmock.AnyArg(), "EXPIRED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := store.SetRenamed(context.Background(), "j1", "sessions/s1/renamed/x.pdf", "x.pdf")
	if err != nil || !applied {
		t.Fatalf("expected applied rename, got %v %v", applied, err)
	}
}

func TestListJobsByStateScansNullableColumns(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "parent_id", "page_number", "state", "source_path", "file_name", "mime_type",
		"fields", "confidence", "renamed_path", "new_file_name", "operation_id", "polling_started_at",
		"last_polled_at", "error_message", "created_at", "updated_at",
	}).AddRow(
		"j1", "s1", "p1", 1, "POLLING", "sessions/s1/source/a.pdf", "a.pdf", "application/pdf",
		[]byte(`{"supplier_name":"Acme"}`), 0.8, "", "", "projects/p/operations/42", now,
		nil, "", now, now,
	)
	mock.ExpectQuery("SELECT id, session_id").
		WithArgs("POLLING").
		WillReturnRows(rows)

	jobs, err := store.ListJobsByState(context.Background(), models.JobPolling)
	if err != nil {
		t.Fatalf("ListJobsByState() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	j := jobs[0]
	if j.OperationID != "projects/p/operations/42" || j.PollingStartedAt == nil || j.LastPolledAt != nil {
		t.Fatalf("unexpected polling fields: %+v", j)
	}
	if j.Fields["supplier_name"] != "Acme" {
		t.Fatalf("expected decoded fields, got %v", j.Fields)
	}
}

func TestDebitOwnerUpserts(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO owner_balances").
		WithArgs("owner-1", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DebitOwner(context.Background(), "owner-1", 1); err != nil {
		t.Fatalf("DebitOwner() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
