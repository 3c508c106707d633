package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"docflow/pkg/models"
)

// PostgresStore implements Store on PostgreSQL through database/sql and the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrent startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101701)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	model_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	total_pages INTEGER NOT NULL DEFAULT 0,
	processed_pages INTEGER NOT NULL DEFAULT 0,
	storage_prefix TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	parent_id TEXT NOT NULL DEFAULT '',
	page_number INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	source_path TEXT NOT NULL,
	file_name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	fields JSONB NOT NULL DEFAULT '{}'::jsonb,
	confidence REAL NOT NULL DEFAULT 0,
	renamed_path TEXT NOT NULL DEFAULT '',
	new_file_name TEXT NOT NULL DEFAULT '',
	operation_id TEXT NOT NULL DEFAULT '',
	polling_started_at TIMESTAMPTZ,
	last_polled_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_session_id ON jobs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

CREATE TABLE IF NOT EXISTS owner_balances (
	owner_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cleanup_logs (
	id TEXT PRIMARY KEY,
	trigger TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	sessions_processed INTEGER NOT NULL,
	sessions_expired INTEGER NOT NULL,
	jobs_expired INTEGER NOT NULL,
	blobs_deleted INTEGER NOT NULL,
	errors JSONB NOT NULL DEFAULT '[]'::jsonb
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner_id, tier, model_id, state, total_pages, processed_pages, storage_prefix, created_at, updated_at, expires_at`

func (r *PostgresStore) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, s.ID, s.OwnerID, s.Tier, s.ModelID, string(s.State), s.TotalPages, s.ProcessedPages,
		s.StoragePrefix, s.CreatedAt, s.UpdatedAt, s.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session %s", ErrConflict, s.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

func (r *PostgresStore) ListSessions(ctx context.Context, states ...models.SessionState) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state = ANY($1)`
		args = append(args, sessionStateNames(states))
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (r *PostgresStore) TransitionSession(ctx context.Context, id string, from []models.SessionState, to models.SessionState) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET state = $2, updated_at = $3
WHERE id = $1 AND state = ANY($4)
`, id, string(to), time.Now().UTC(), sessionStateNames(from))
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition session rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}
	// Distinguish a guarded no-op from a missing session.
	if _, err := r.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresStore) SetTotalPages(ctx context.Context, id string, total int) error {
	return r.execSession(ctx, "set total pages", `
UPDATE sessions SET total_pages = $2, updated_at = $3 WHERE id = $1
`, id, total, time.Now().UTC())
}

func (r *PostgresStore) IncrementProcessed(ctx context.Context, id string, delta int) error {
	return r.execSession(ctx, "increment processed", `
UPDATE sessions SET processed_pages = processed_pages + $2, updated_at = $3 WHERE id = $1
`, id, delta, time.Now().UTC())
}

func (r *PostgresStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return r.execSession(ctx, "update expiry", `
UPDATE sessions SET expires_at = $2, updated_at = $3 WHERE id = $1
`, id, expiresAt, time.Now().UTC())
}

func (r *PostgresStore) execSession(ctx context.Context, what, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: session %v", ErrNotFound, args[0])
	}
	return nil
}

const jobColumns = `id, session_id, parent_id, page_number, state, source_path, file_name, mime_type, fields, confidence, renamed_path, new_file_name, operation_id, polling_started_at, last_polled_at, error_message, created_at, updated_at`

func (r *PostgresStore) CreateJob(ctx context.Context, j *models.Job) error {
	fields, err := marshalFields(j.Fields)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
`, j.ID, j.SessionID, j.ParentID, j.PageNumber, string(j.State), j.SourcePath, j.FileName, j.MimeType,
		fields, j.Confidence, j.RenamedPath, j.NewFileName, j.OperationID, j.PollingStartedAt, j.LastPolledAt,
		j.Error, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s", ErrConflict, j.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func (r *PostgresStore) ListJobs(ctx context.Context, sessionID string) ([]models.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
}

func (r *PostgresStore) ListJobsByState(ctx context.Context, states ...models.JobState) ([]models.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ANY($1) ORDER BY created_at, id`, jobStateNames(states))
}

func (r *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (r *PostgresStore) CountOpenChildJobs(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs
WHERE session_id = $1 AND parent_id <> '' AND NOT (state = ANY($2))
`, sessionID, jobStateNames(models.TerminalJobStates)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open jobs: %w", err)
	}
	return n, nil
}

func (r *PostgresStore) MarkJobProcessing(ctx context.Context, id string) (bool, error) {
	return r.execJob(ctx, "mark job processing", `
UPDATE jobs SET state = $2, updated_at = $3
WHERE id = $1 AND state = $4
`, id, string(models.JobProcessing), time.Now().UTC(), string(models.JobQueued))
}

func (r *PostgresStore) StartPolling(ctx context.Context, id, operationID string, startedAt time.Time) (bool, error) {
	return r.execJob(ctx, "start polling", `
UPDATE jobs SET state = $2, operation_id = $3, polling_started_at = $4, updated_at = $5
WHERE id = $1 AND NOT (state = ANY($6))
`, id, string(models.JobPolling), operationID, startedAt, time.Now().UTC(), jobStateNames(models.TerminalJobStates))
}

func (r *PostgresStore) TouchPoll(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET last_polled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch poll: %w", err)
	}
	return nil
}

func (r *PostgresStore) CompleteJob(ctx context.Context, id string, fields map[string]string, confidence float32) (bool, error) {
	raw, err := marshalFields(fields)
	if err != nil {
		return false, err
	}
	return r.execJob(ctx, "complete job", `
UPDATE jobs SET state = $2, fields = $3, confidence = $4, error_message = '', updated_at = $5
WHERE id = $1 AND NOT (state = ANY($6))
`, id, string(models.JobCompleted), raw, confidence, time.Now().UTC(), jobStateNames(models.TerminalJobStates))
}

func (r *PostgresStore) FailJob(ctx context.Context, id, message string) (bool, error) {
	return r.execJob(ctx, "fail job", `
UPDATE jobs SET state = $2, error_message = $3, updated_at = $4
WHERE id = $1 AND NOT (state = ANY($5))
`, id, string(models.JobFailed), message, time.Now().UTC(), jobStateNames(models.TerminalJobStates))
}

func (r *PostgresStore) SetRenamed(ctx context.Context, id, renamedPath, newFileName string) (bool, error) {
	return r.execJob(ctx, "set renamed", `
UPDATE jobs SET renamed_path = $2, new_file_name = $3, updated_at = $4
WHERE id = $1 AND renamed_path = ''
  AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = jobs.session_id AND s.state = $5)
`, id, renamedPath, newFileName, time.Now().UTC(), string(models.SessionExpired))
}

func (r *PostgresStore) ExpireJobs(ctx context.Context, sessionID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state = $2, updated_at = $3
WHERE session_id = $1 AND NOT (state = ANY($4))
`, sessionID, string(models.JobExpired), time.Now().UTC(), jobStateNames(models.TerminalJobStates))
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire jobs rows affected: %w", err)
	}
	return int(rows), nil
}

// execJob runs a guarded job update. Zero affected rows means either the
// guard rejected it or the job is missing; the latter is reported as ErrNotFound.
func (r *PostgresStore) execJob(ctx context.Context, what, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", what, err)
	}
	if rows > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, args[0]).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s lookup: %w", what, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: job %v", ErrNotFound, args[0])
	}
	return false, nil
}

func (r *PostgresStore) DebitOwner(ctx context.Context, ownerID string, amount int) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO owner_balances (owner_id, balance, updated_at)
VALUES ($1, -$2, $3)
ON CONFLICT (owner_id) DO UPDATE
SET balance = owner_balances.balance - $2, updated_at = $3
`, ownerID, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("debit owner: %w", err)
	}
	return nil
}

func (r *PostgresStore) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM owner_balances WHERE owner_id = $1`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (r *PostgresStore) AppendCleanupLog(ctx context.Context, entry *models.CleanupLog) error {
	errs := entry.Errors
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal cleanup errors: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO cleanup_logs (id, trigger, started_at, finished_at, sessions_processed, sessions_expired, jobs_expired, blobs_deleted, errors)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, entry.ID, entry.Trigger, entry.StartedAt, entry.FinishedAt, entry.SessionsProcessed,
		entry.SessionsExpired, entry.JobsExpired, entry.BlobsDeleted, errsJSON)
	if err != nil {
		return fmt.Errorf("insert cleanup log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var state string
	err := row.Scan(
		&s.ID, &s.OwnerID, &s.Tier, &s.ModelID, &state, &s.TotalPages, &s.ProcessedPages,
		&s.StoragePrefix, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return models.Session{}, err
	}
	s.State = models.SessionState(state)
	return s, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var state string
	var fieldsRaw []byte
	var pollingStartedAt, lastPolledAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.SessionID, &j.ParentID, &j.PageNumber, &state, &j.SourcePath, &j.FileName, &j.MimeType,
		&fieldsRaw, &j.Confidence, &j.RenamedPath, &j.NewFileName, &j.OperationID, &pollingStartedAt,
		&lastPolledAt, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	j.State = models.JobState(state)
	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &j.Fields); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	if pollingStartedAt.Valid {
		t := pollingStartedAt.Time
		j.PollingStartedAt = &t
	}
	if lastPolledAt.Valid {
		t := lastPolledAt.Time
		j.LastPolledAt = &t
	}
	return j, nil
}

func marshalFields(fields map[string]string) ([]byte, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return raw, nil
}

func sessionStateNames(states []models.SessionState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func jobStateNames(states []models.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
